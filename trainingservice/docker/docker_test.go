package docker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-ml/kestrel/metrics"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

func TestMetadataValidation(t *testing.T) {
	s := &Service{trials: make(map[ts.Handle]*trial)}
	assert.NoError(t, s.SetClusterMetadata(MetadataImage, "alpine:latest"))
	assert.NoError(t, s.SetClusterMetadata(MetadataCPU, "1.5"))
	assert.NoError(t, s.SetClusterMetadata(MetadataMemory, "1073741824"))
	assert.Error(t, s.SetClusterMetadata(MetadataCPU, "-1"))
	assert.Error(t, s.SetClusterMetadata(MetadataMemory, "lots"))
	assert.Error(t, s.SetClusterMetadata("gpuNum", "1"))
	assert.Equal(t, "alpine:latest", s.cfg.Image)
	assert.Equal(t, 1.5, s.cfg.CPULimit)
	assert.EqualValues(t, 1<<30, s.cfg.MemoryLimit)
}

func TestRunTrialContainer(t *testing.T) {
	if os.Getenv("KESTREL_DOCKER_TESTS") == "" {
		t.Skip("set KESTREL_DOCKER_TESTS=1 to run Docker tests")
	}
	s, err := NewService(Config{RootDir: t.TempDir(), Image: "alpine:latest"})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.SetClusterMetadata(MetadataCommand,
		`echo '{"parameter_id":"0_0_0","type":"FINAL","sequence":0,"value":"1.5"}' >> "$KESTREL_METRIC_FILE"`))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	h, err := s.Submit(ctx, ts.TrialSpec{TrialJobID: "d1", ExperimentID: "e", Parameters: []byte(`{}`)})
	require.NoError(t, err)
	defer s.Release(h)

	var got ts.Update
	for ctx.Err() == nil {
		u, err := s.Poll(ctx)
		require.NoError(t, err)
		got.Metrics = append(got.Metrics, u.Metrics...)
		if len(u.Statuses) > 0 && u.Statuses[len(u.Statuses)-1].Status.Terminal() {
			got.Statuses = u.Statuses
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	require.NotEmpty(t, got.Statuses)
	assert.Equal(t, ts.Succeeded, got.Statuses[len(got.Statuses)-1].Status)
	require.Len(t, got.Metrics, 1)
	assert.Equal(t, metrics.Final, got.Metrics[0].Report.Type)
}
