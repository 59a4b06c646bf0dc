package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/manager"
	"github.com/kestrel-ml/kestrel/protocol"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

const testProfile = `
name: cli
trialConcurrency: 3
searchSpace:
  x:
    _type: uniform
    _value: [0, 1]
advisor:
  name: Hyperband
  classArgs:
    R: 3
    eta: 3
    exec_mode: serial
trainingService:
  platform: memory
`

// setup writes a profile and a config overlay that journals to a temp
// directory and runs trials on the in-memory service.
func setup(t *testing.T) (profile, configFile string) {
	dir := t.TempDir()
	profile = filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte(testProfile), 0644))
	configFile = filepath.Join(dir, "kestrel.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
Manager:
  TickRate: 5ms
  PollInterval: 5ms
  WorkDir: `+filepath.Join(dir, "experiments")+`
Journal:
  Type: file
  Directory: `+filepath.Join(dir, "journal")+`
TrainingService:
  Type: memory
`), 0644))
	return profile, configFile
}

func execCLI(t *testing.T, args ...string) (string, error) {
	var out bytes.Buffer
	c := NewCLI(&out)
	c.rootCmd.SetArgs(args)
	c.rootCmd.SetErr(&bytes.Buffer{})
	err := c.Exec()
	return out.String(), err
}

func TestStartShowAndList(t *testing.T) {
	profile, configFile := setup(t)

	out, err := execCLI(t, "start", profile, "--config_file", configFile, "--log_level", "error")
	require.NoError(t, err)
	var s summary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, manager.Done, s.Experiment.Status)
	require.NotNil(t, s.Experiment.BestMetric)
	succeeded, total := 0, 0
	for _, c := range s.Statistics.Counts {
		total += c.Count
		if c.Status == ts.Succeeded {
			succeeded = c.Count
		}
	}
	assert.True(t, succeeded > 0)

	out, err = execCLI(t, "experiments", "--config_file", configFile)
	require.NoError(t, err)
	var ids []string
	require.NoError(t, json.Unmarshal([]byte(out), &ids))
	assert.Equal(t, []string{s.Experiment.ID}, ids)

	out, err = execCLI(t, "show", s.Experiment.ID, "--trials", "--config_file", configFile)
	require.NoError(t, err)
	var shown summary
	require.NoError(t, json.Unmarshal([]byte(out), &shown))
	assert.Equal(t, manager.Done, shown.Experiment.Status)
	assert.Equal(t, s.Experiment.BestMetric, shown.Experiment.BestMetric)
	assert.Len(t, shown.Trials, total)
}

func TestShowUnknownExperiment(t *testing.T) {
	_, configFile := setup(t)
	_, err := execCLI(t, "show", "nope", "--config_file", configFile)
	require.Error(t, err)
	assert.True(t, kerrors.IsNotFound(err))
}

func TestStartMissingProfile(t *testing.T) {
	_, configFile := setup(t)
	_, err := execCLI(t, "start", filepath.Join(t.TempDir(), "none.yaml"), "--config_file", configFile)
	assert.Error(t, err)
}

func TestUnknownConfigIsUsageError(t *testing.T) {
	_, err := execCLI(t, "experiments", "--config", "cloud.mars")
	require.Error(t, err)
	assert.Equal(t, kerrors.UsageFailureExitCode, kerrors.GetExitCode(err))
}

func TestAdvisorServesStdio(t *testing.T) {
	var in bytes.Buffer
	initMsg, err := protocol.NewMessage(protocol.Initialize,
		protocol.InitializeData{SearchSpace: json.RawMessage(`{"x": {"_type": "uniform", "_value": [0, 1]}}`)})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteMessage(&in, initMsg))
	req, err := protocol.NewMessage(protocol.RequestTrialJobs, protocol.RequestData{Count: 2})
	require.NoError(t, err)
	require.NoError(t, protocol.WriteMessage(&in, req))

	var out bytes.Buffer
	c := NewCLI(&bytes.Buffer{})
	c.rootCmd.SetArgs([]string{"advisor", "--class_args", `{"R": 3, "eta": 3}`, "--log_level", "error"})
	c.rootCmd.SetIn(&in)
	c.rootCmd.SetOut(&out)
	// returns once stdin is exhausted
	require.NoError(t, c.Exec())

	r := bufio.NewReader(&out)
	for i := 0; i < 2; i++ {
		m, err := protocol.ReadMessage(r)
		require.NoError(t, err)
		assert.Equal(t, protocol.NewTrialJob, m.Command)
		var cfg protocol.TrialConfig
		require.NoError(t, m.Decode(&cfg))
		assert.Contains(t, cfg.Parameters, "x")
	}
}

func TestAdvisorRejectsBadClassArgs(t *testing.T) {
	_, err := execCLI(t, "advisor", "--class_args", `{"R": 3, "optimize_mode": "sideways"}`)
	assert.True(t, kerrors.IsValidation(err))
	_, err = execCLI(t, "advisor", "--class_args", `{R`)
	assert.True(t, kerrors.IsValidation(err))
}
