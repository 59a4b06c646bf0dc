package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/metrics"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewService()
	h, err := s.Submit(ctx, ts.TrialSpec{TrialJobID: "a", ParameterID: "1_0_0"})
	require.NoError(t, err)

	s.Start(h)
	s.Report(h, metrics.Periodical, "0.1")
	s.Report(h, metrics.Final, "0.9")
	s.Finish(h, ts.Succeeded)

	u, err := s.Poll(ctx)
	require.NoError(t, err)
	var got []ts.Status
	for _, st := range u.Statuses {
		got = append(got, st.Status)
	}
	assert.Equal(t, []ts.Status{ts.Waiting, ts.Running, ts.Succeeded}, got)
	require.Len(t, u.Metrics, 2)
	assert.Equal(t, 0, u.Metrics[0].Report.Sequence)
	assert.Equal(t, 1, u.Metrics[1].Report.Sequence)
	assert.Equal(t, "a", u.Metrics[1].Report.TrialJobID)

	u, err = s.Poll(ctx)
	require.NoError(t, err)
	assert.Empty(t, u.Statuses)

	s.Release(h)
	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 1, s.Releases()[h])
}

func TestSubmitFailures(t *testing.T) {
	ctx := context.Background()
	s := NewService()
	s.FailSubmits(2, errors.New("quota"))
	for i := 0; i < 2; i++ {
		_, err := s.Submit(ctx, ts.TrialSpec{})
		require.Error(t, err)
		assert.True(t, kerrors.IsTrainingService(err))
	}
	_, err := s.Submit(ctx, ts.TrialSpec{})
	assert.NoError(t, err)
}

func TestCancelHangsUntilDeadline(t *testing.T) {
	s := NewService()
	h, err := s.Submit(context.Background(), ts.TrialSpec{})
	require.NoError(t, err)
	s.HangCancels(true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Cancel(ctx, h))
	assert.Equal(t, []ts.Handle{h}, s.Active())

	s.HangCancels(false)
	require.NoError(t, s.Cancel(context.Background(), h))
	assert.Empty(t, s.Active())
}

func TestAutoComplete(t *testing.T) {
	ctx := context.Background()
	s := NewAutoService(func(spec ts.TrialSpec) Result {
		return Result{Value: "0.5"}
	})
	h, err := s.Submit(ctx, ts.TrialSpec{TrialJobID: "x"})
	require.NoError(t, err)
	u, err := s.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, u.Metrics, 1)
	assert.Equal(t, metrics.Final, u.Metrics[0].Report.Type)
	last := u.Statuses[len(u.Statuses)-1]
	assert.Equal(t, h, last.Handle)
	assert.Equal(t, ts.Succeeded, last.Status)
}

func TestRejectMetadata(t *testing.T) {
	s := NewService()
	s.RejectMetadata("gpu")
	assert.Error(t, s.SetClusterMetadata("gpu", "8"))
	assert.NoError(t, s.SetClusterMetadata("codeDir", "/src"))
	assert.Equal(t, map[string]string{"codeDir": "/src"}, s.Metadata())
}

func TestBudgetScore(t *testing.T) {
	score := BudgetScore("TRIAL_BUDGET")
	spec := func(budget float64) ts.TrialSpec {
		return ts.TrialSpec{Parameters: []byte(fmt.Sprintf(`{"parameters": {"x": 0.25, "opt": "sgd", "TRIAL_BUDGET": %v}}`, budget))}
	}
	low, err := strconv.ParseFloat(score(spec(1)).Value, 64)
	require.NoError(t, err)
	high, err := strconv.ParseFloat(score(spec(9)).Value, 64)
	require.NoError(t, err)
	assert.True(t, low >= 0 && low < 1)
	assert.InDelta(t, 9*low, high, 1e-9)
	assert.Equal(t, score(spec(3)), score(spec(3)))
	assert.Equal(t, ts.Failed, score(ts.TrialSpec{Parameters: []byte("nope")}).Status)
}
