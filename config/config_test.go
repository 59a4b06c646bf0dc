package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/manager"
	"github.com/kestrel-ml/kestrel/trainingservice/local"
	"github.com/kestrel-ml/kestrel/trainingservice/memory"
)

func TestEveryPresetParses(t *testing.T) {
	for name := range Configs {
		configs, err := GetConfigs(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, configs.Manager.Type, name)
		assert.NotEmpty(t, configs.Journal.Type, name)
		assert.NotEmpty(t, configs.TrainingService.Type, name)
		_, err = configs.Manager.CreateManagerConfig()
		assert.NoError(t, err, name)
	}
}

func TestUnknownPreset(t *testing.T) {
	_, err := GetConfigs("cloud.mars")
	require.Error(t, err)
	assert.True(t, kerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "local.memory")
}

func TestPresetFallsBackToDefaultSections(t *testing.T) {
	configs, err := GetConfigs("local.file")
	require.NoError(t, err)
	assert.Equal(t, "file", configs.Journal.Type)
	assert.Equal(t, "local", configs.TrainingService.Type)
	assert.Equal(t, "1s", configs.Manager.PollInterval, "Manager section comes from default")
}

func TestLoadOverlaysFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "kestrel.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
Manager:
  PollInterval: 2s
  SubmitRetries: 9
TrainingService:
  Type: local
  Command: [python, train.py]
`), 0644))
	t.Setenv("KESTREL_MANAGER_CANCELTIMEOUT", "3s")

	configs, err := Load("default", file)
	require.NoError(t, err)
	assert.Equal(t, "local", configs.TrainingService.Type)
	assert.Equal(t, []string{"python", "train.py"}, configs.TrainingService.Command)
	assert.Equal(t, "memory", configs.Journal.Type)

	cfg, err := configs.Manager.CreateManagerConfig()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.CancelTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.TickRate)
	assert.Equal(t, 9, cfg.SubmitRetries)
}

func TestLoadMissingFileIsFatal(t *testing.T) {
	_, err := Load("default", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	fatal, ok := err.(kerrors.FatalError)
	require.True(t, ok, "got %T", err)
	assert.Equal(t, kerrors.ConfigFailureExitCode, fatal.GetExitCode())
}

func TestCreateManagerConfigRejectsBadDuration(t *testing.T) {
	_, err := ManagerJSONConfig{PollInterval: "soon"}.CreateManagerConfig()
	assert.True(t, kerrors.IsValidation(err))
}

func TestCreateJournals(t *testing.T) {
	dir := t.TempDir()
	for _, c := range []JournalJSONConfig{
		{Type: "memory"},
		{Type: "file", Directory: filepath.Join(dir, "journal")},
		{Type: "sqlite", Path: filepath.Join(dir, "journal.db")},
	} {
		j, closer, err := c.Create()
		require.NoError(t, err, c.Type)
		require.NoError(t, j.StartExperiment("exp"), c.Type)
		ids, err := j.GetExperiments()
		require.NoError(t, err, c.Type)
		assert.Equal(t, []string{"exp"}, ids, c.Type)
		assert.NoError(t, closer(), c.Type)
	}
	_, _, err := JournalJSONConfig{Type: "tape"}.Create()
	assert.True(t, kerrors.IsValidation(err))
}

func TestCreateTrainingServices(t *testing.T) {
	svc, err := TrainingServiceJSONConfig{Type: "memory"}.Create()
	require.NoError(t, err)
	assert.IsType(t, &memory.Service{}, svc)

	svc, err = TrainingServiceJSONConfig{Type: "local", RootDir: t.TempDir(), AbortGrace: "1s"}.Create()
	require.NoError(t, err)
	assert.IsType(t, &local.Service{}, svc)

	_, err = TrainingServiceJSONConfig{Type: "local", AbortGrace: "whenever"}.Create()
	assert.True(t, kerrors.IsValidation(err))

	_, err = TrainingServiceJSONConfig{Type: "slurm"}.Create()
	fatal, ok := err.(kerrors.FatalError)
	require.True(t, ok, "got %T", err)
	assert.Equal(t, kerrors.TrainingServiceInitExitCode, fatal.GetExitCode())
}

func TestParseProfileInlineSearchSpace(t *testing.T) {
	p, err := ParseProfile([]byte(`
name: mnist
trialConcurrency: 4
maxTrialNum: 100
maxExecDuration: 2h
searchSpace:
  lr:
    _type: loguniform
    _value: [0.0001, 0.1]
  batch:
    _type: choice
    _value: [16, 32, 64]
advisor:
  name: Hyperband
  classArgs:
    R: 81
    eta: 3
    optimize_mode: maximize
trainingService:
  platform: local
  clusterMetadata:
    command: python mnist.py
`), "")
	require.NoError(t, err)
	assert.Equal(t, "mnist", p.Name)
	assert.Equal(t, 4, p.TrialConcurrency)
	assert.Equal(t, 100, p.MaxTrialNum)
	assert.Equal(t, manager.Duration(2*time.Hour), p.MaxExecDuration)
	assert.Equal(t, "python mnist.py", p.TrainingService.ClusterMetadata["command"])
	assert.JSONEq(t,
		`{"lr": {"_type": "loguniform", "_value": [0.0001, 0.1]}, "batch": {"_type": "choice", "_value": [16, 32, 64]}}`,
		string(p.SearchSpace))
	require.NoError(t, p.Validate())
}

func TestLoadProfileSearchSpaceFile(t *testing.T) {
	dir := t.TempDir()
	space := `{"x": {"_type": "uniform", "_value": [0, 1]}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "space.json"), []byte(space), 0644))
	path := filepath.Join(dir, "profile.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
trialConcurrency: 1
searchSpaceFile: space.json
advisor:
  name: Hyperband
trainingService:
  platform: memory
`), 0644))

	p, err := LoadProfile(path)
	require.NoError(t, err)
	assert.JSONEq(t, space, string(p.SearchSpace))

	_, err = ParseProfile([]byte("searchSpace: {x: 1}\nsearchSpaceFile: a.json\n"), dir)
	assert.True(t, kerrors.IsValidation(err))
	_, err = ParseProfile([]byte("trialConcurrency: [1"), dir)
	assert.True(t, kerrors.IsValidation(err))
}
