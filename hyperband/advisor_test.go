package hyperband

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/protocol"
)

const testSpace = `{"x": {"_type": "uniform", "_value": [0, 1]}, "opt": {"_type": "choice", "_value": ["sgd", "adam"]}}`

func message(t *testing.T, cmd protocol.Command, payload interface{}) protocol.Message {
	m, err := protocol.NewMessage(cmd, payload)
	require.NoError(t, err)
	return m
}

// sim drives an Advisor the way the orchestrator does: it only requests as
// many trials as it has free slots, and finishes running trials in the
// order they were handed out.
type sim struct {
	t           *testing.T
	a           *Advisor
	concurrency int
	outstanding int
	running     []protocol.TrialConfig
	launched    []protocol.TrialConfig
	finals      []float64
	best        *protocol.BestMetric
	noMore      bool
	jobs        int
	maxRunning  int
	inbound     []protocol.Message
	outbound    []protocol.Message
	metric      func(protocol.TrialConfig) float64
}

func newSim(t *testing.T, cfg Config, concurrency int) *sim {
	a, err := NewAdvisor(cfg, nil)
	require.NoError(t, err)
	s := &sim{t: t, a: a, concurrency: concurrency}
	s.metric = func(c protocol.TrialConfig) float64 {
		return c.Parameters["x"].(float64) * c.Parameters[DefaultBudgetKey].(float64)
	}
	return s
}

func (s *sim) send(cmd protocol.Command, payload interface{}) {
	m := message(s.t, cmd, payload)
	s.inbound = append(s.inbound, m)
	out, err := s.a.Handle(m)
	require.NoError(s.t, err)
	s.outbound = append(s.outbound, out...)
	for _, o := range out {
		switch o.Command {
		case protocol.NewTrialJob:
			var cfg protocol.TrialConfig
			require.NoError(s.t, o.Decode(&cfg))
			s.outstanding--
			require.True(s.t, s.outstanding >= 0, "advisor produced more trials than requested")
			s.running = append(s.running, cfg)
			s.launched = append(s.launched, cfg)
		case protocol.BestFinalMetric:
			var b protocol.BestMetric
			require.NoError(s.t, o.Decode(&b))
			s.best = &b
		case protocol.NoMoreTrialJobs:
			s.noMore = true
		}
	}
	running := 0
	for _, b := range s.a.Buckets() {
		if b.Status == Running {
			running++
		}
	}
	if running > s.maxRunning {
		s.maxRunning = running
	}
}

func (s *sim) requestFree() {
	free := s.concurrency - len(s.running) - s.outstanding
	if free > 0 && !s.noMore {
		s.outstanding += free
		s.send(protocol.RequestTrialJobs, protocol.RequestData{Count: free})
	}
}

// finish reports a FINAL metric for the oldest running trial and ends it.
func (s *sim) finish(reportMetric bool) {
	cfg := s.running[0]
	s.running = s.running[1:]
	s.jobs++
	jobID := fmt.Sprintf("job%d", s.jobs)
	if reportMetric {
		v := s.metric(cfg)
		s.finals = append(s.finals, v)
		s.send(protocol.ReportMetricData, protocol.MetricData{
			TrialJobID: jobID, ParameterID: cfg.ParameterID, Type: "FINAL", Value: protocol.FormatValue(v),
		})
	}
	s.send(protocol.TrialEnd, protocol.TrialEndData{TrialJobID: jobID, ParameterID: cfg.ParameterID, Status: "SUCCEEDED"})
}

func (s *sim) runToCompletion(reportMetric func(i int) bool) {
	s.send(protocol.Initialize, protocol.InitializeData{SearchSpace: json.RawMessage(testSpace)})
	s.requestFree()
	for i := 0; !s.noMore; i++ {
		require.True(s.t, i < 10000, "simulation did not converge")
		require.NotEmpty(s.t, s.running, "advisor stalled with nothing running")
		s.finish(reportMetric(i))
		s.requestFree()
	}
}

func always(int) bool { return true }

func serialConfig(R, eta int) Config {
	cfg := DefaultConfig()
	cfg.R, cfg.Eta, cfg.ExecMode, cfg.Seed = R, eta, Serial, 42
	return cfg
}

func TestSerialRunsEveryBucketOnce(t *testing.T) {
	s := newSim(t, serialConfig(9, 3), 2)
	s.runToCompletion(always)

	assert.Len(t, s.launched, 22)
	assert.Equal(t, 1, s.maxRunning, "serial mode runs one bucket at a time")
	require.NotNil(t, s.best)
	max := s.finals[0]
	for _, f := range s.finals {
		if f > max {
			max = f
		}
	}
	v, err := s.best.Float()
	require.NoError(t, err)
	assert.Equal(t, max, v)
	assert.True(t, s.a.Finished())
	for _, b := range s.a.Buckets() {
		assert.Equal(t, Done, b.Status)
	}
	// NoMoreTrialJobs is the last message
	assert.Equal(t, protocol.NoMoreTrialJobs, s.outbound[len(s.outbound)-1].Command)
}

func TestSerialBudgetsPerRung(t *testing.T) {
	s := newSim(t, serialConfig(9, 3), 2)
	s.runToCompletion(always)

	budgets := map[float64]int{}
	for _, c := range s.launched {
		budgets[c.Parameters[DefaultBudgetKey].(float64)]++
	}
	// s=2: 9@1 3@3 1@9, s=1: 5@3 1@9, s=0: 3@9
	assert.Equal(t, map[float64]int{1: 9, 3: 8, 9: 5}, budgets)
}

func TestMinimizePromotesLowestMetrics(t *testing.T) {
	cfg := serialConfig(9, 3)
	cfg.OptimizeMode = Minimize
	s := newSim(t, cfg, 9)
	s.send(protocol.Initialize, protocol.InitializeData{SearchSpace: json.RawMessage(testSpace)})
	s.requestFree()
	require.Len(t, s.running, 9)

	byParam := map[string]float64{}
	for len(s.running) > 0 {
		byParam[s.running[0].ParameterID] = s.metric(s.running[0])
		s.finish(true)
	}
	s.outstanding = 0
	s.requestFree()
	require.Len(t, s.running, 3)

	var rung0 []float64
	for _, v := range byParam {
		rung0 = append(rung0, v)
	}
	threshold := kthSmallest(rung0, 3)
	for _, c := range s.running {
		assert.Equal(t, 3.0, c.Parameters[DefaultBudgetKey])
		assert.LessOrEqual(t, c.Parameters["x"].(float64), threshold+1e-12)
	}
}

func kthSmallest(vals []float64, k int) float64 {
	sorted := append([]float64(nil), vals...)
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] < sorted[i] {
				sorted[i], sorted[j] = sorted[j], sorted[i]
			}
		}
	}
	return sorted[k-1]
}

func TestOnlyTrialsWithMetricsArePromoted(t *testing.T) {
	s := newSim(t, serialConfig(9, 3), 9)
	s.send(protocol.Initialize, protocol.InitializeData{SearchSpace: json.RawMessage(testSpace)})
	s.requestFree()
	require.Len(t, s.running, 9)

	// only two of nine trials report, so only two survivors can be promoted
	withMetric := map[string]bool{}
	for i := 0; len(s.running) > 0; i++ {
		if i < 2 {
			withMetric[s.running[0].ParameterID] = true
		}
		s.finish(i < 2)
	}
	s.outstanding = 0
	s.requestFree()
	require.Len(t, s.running, 2)

	rung1 := s.a.Buckets()[0].Rungs[1]
	assert.Len(t, rung1.Trials, 2)
	for _, c := range s.running {
		found := false
		for _, l := range s.launched[:9] {
			if withMetric[l.ParameterID] && l.Parameters["x"] == c.Parameters["x"] {
				found = true
			}
		}
		assert.True(t, found, "promoted %s has no rung 0 metric", c.ParameterID)
	}
}

func TestBestMetricOnlyCountsFinalReports(t *testing.T) {
	s := newSim(t, serialConfig(3, 3), 3)
	s.send(protocol.Initialize, protocol.InitializeData{SearchSpace: json.RawMessage(testSpace)})
	s.requestFree()
	require.Len(t, s.running, 3)

	// the highest value seen is a PERIODICAL report of a trial that failed
	cfg := s.running[0]
	s.running = s.running[1:]
	s.send(protocol.ReportMetricData, protocol.MetricData{
		TrialJobID: "peak", ParameterID: cfg.ParameterID, Type: "PERIODICAL", Value: "100",
	})
	s.send(protocol.TrialEnd, protocol.TrialEndData{TrialJobID: "peak", ParameterID: cfg.ParameterID, Status: "FAILED"})
	s.requestFree()
	for i := 0; !s.noMore; i++ {
		require.True(t, i < 1000, "simulation did not converge")
		require.NotEmpty(t, s.running, "advisor stalled with nothing running")
		s.finish(true)
		s.requestFree()
	}

	require.NotNil(t, s.best)
	assert.NotEqual(t, "peak", s.best.TrialJobID)
	v, err := s.best.Float()
	require.NoError(t, err)
	max := s.finals[0]
	for _, f := range s.finals {
		if f > max {
			max = f
		}
	}
	assert.Equal(t, max, v)
}

func TestNoBestMetricWithoutFinalReports(t *testing.T) {
	a, err := NewAdvisor(serialConfig(1, 3), nil)
	require.NoError(t, err)
	_, err = a.Handle(message(t, protocol.Initialize, protocol.InitializeData{SearchSpace: json.RawMessage(testSpace)}))
	require.NoError(t, err)
	out, err := a.Handle(message(t, protocol.RequestTrialJobs, protocol.RequestData{Count: 1}))
	require.NoError(t, err)
	require.Len(t, out, 1)

	_, err = a.Handle(message(t, protocol.ReportMetricData, protocol.MetricData{
		TrialJobID: "j", ParameterID: "0_0_0", Type: "PERIODICAL", Value: "0.99",
	}))
	require.NoError(t, err)
	out, err = a.Handle(message(t, protocol.TrialEnd, protocol.TrialEndData{TrialJobID: "j", ParameterID: "0_0_0", Status: "FAILED"}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, protocol.NoMoreTrialJobs, out[0].Command)
}

func TestPromotionTiesGoToEarliestHandedOut(t *testing.T) {
	s := newSim(t, serialConfig(9, 3), 9)
	s.send(protocol.Initialize, protocol.InitializeData{SearchSpace: json.RawMessage(testSpace)})
	s.requestFree()
	require.Len(t, s.running, 9)
	rung0 := append([]protocol.TrialConfig(nil), s.running...)

	// every trial ties, and they finish in reverse hand-out order
	for i := len(s.running) - 1; i >= 0; i-- {
		cfg := s.running[i]
		jobID := fmt.Sprintf("job%d", i)
		s.send(protocol.ReportMetricData, protocol.MetricData{
			TrialJobID: jobID, ParameterID: cfg.ParameterID, Type: "FINAL", Value: "0.5",
		})
		s.send(protocol.TrialEnd, protocol.TrialEndData{TrialJobID: jobID, ParameterID: cfg.ParameterID, Status: "SUCCEEDED"})
	}
	s.running = nil
	s.outstanding = 0
	s.requestFree()
	require.Len(t, s.running, 3)

	for i, c := range s.running {
		assert.Equal(t, rung0[i].Parameters["x"], c.Parameters["x"], "survivor %d", i)
		assert.Equal(t, rung0[i].Parameters["opt"], c.Parameters["opt"], "survivor %d", i)
		assert.Equal(t, 3.0, c.Parameters[DefaultBudgetKey])
	}
}

func TestParallelismRunsBucketsConcurrently(t *testing.T) {
	cfg := serialConfig(9, 3)
	cfg.ExecMode = Parallelism
	s := newSim(t, cfg, 20)
	s.runToCompletion(always)

	assert.Len(t, s.launched, 22)
	assert.Greater(t, s.maxRunning, 1)
}

func TestReplayIsDeterministic(t *testing.T) {
	s := newSim(t, serialConfig(9, 3), 2)
	s.runToCompletion(func(i int) bool { return i%4 != 3 })

	replayed, err := NewAdvisor(serialConfig(9, 3), nil)
	require.NoError(t, err)
	var out []protocol.Message
	for _, m := range s.inbound {
		o, err := replayed.Handle(m)
		require.NoError(t, err)
		out = append(out, o...)
	}
	assert.Equal(t, s.outbound, out)
	assert.Equal(t, s.a.Buckets(), replayed.Buckets())
}

func TestMalformedMessagesAreRejected(t *testing.T) {
	a, err := NewAdvisor(serialConfig(9, 3), nil)
	require.NoError(t, err)

	_, err = a.Handle(protocol.Message{Command: protocol.RequestTrialJobs, Data: []byte(`"many"`)})
	assert.True(t, kerrors.IsProtocol(err))
	_, err = a.Handle(message(t, protocol.RequestTrialJobs, protocol.RequestData{Count: -1}))
	assert.True(t, kerrors.IsProtocol(err))
	_, err = a.Handle(message(t, protocol.NewTrialJob, protocol.TrialConfig{}))
	assert.True(t, kerrors.IsProtocol(err), "advisor does not accept its own outbound commands")

	_, err = a.Handle(message(t, protocol.Initialize, protocol.InitializeData{SearchSpace: json.RawMessage(`{"x": {"_type": "nope"}}`)}))
	assert.True(t, kerrors.IsValidation(err))

	// unparseable metric and unknown parameter ids are ignored
	out, err := a.Handle(message(t, protocol.Initialize, protocol.InitializeData{SearchSpace: json.RawMessage(testSpace)}))
	require.NoError(t, err)
	assert.Empty(t, out)
	out, err = a.Handle(message(t, protocol.RequestTrialJobs, protocol.RequestData{Count: 1}))
	require.NoError(t, err)
	require.Len(t, out, 1)
	_, err = a.Handle(message(t, protocol.ReportMetricData, protocol.MetricData{ParameterID: "2_0_0", Type: "FINAL", Value: `{"acc": 1}`}))
	require.NoError(t, err)
	_, err = a.Handle(message(t, protocol.TrialEnd, protocol.TrialEndData{ParameterID: "nope", Status: "SUCCEEDED"}))
	require.NoError(t, err)
	assert.Equal(t, Running, a.Buckets()[0].Rungs[0].Status)
}

func TestRunOverPipe(t *testing.T) {
	a, err := NewAdvisor(serialConfig(1, 3), nil)
	require.NoError(t, err)
	manager, advisor := protocol.NewPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, advisor) }()

	require.NoError(t, manager.Send(protocol.Message{Command: protocol.ReportMetricData, Data: []byte(`{"trialJobId": 5}`)}))
	require.NoError(t, manager.Send(message(t, protocol.Initialize, protocol.InitializeData{SearchSpace: json.RawMessage(testSpace)})))
	require.NoError(t, manager.Send(message(t, protocol.RequestTrialJobs, protocol.RequestData{Count: 1})))

	m, err := manager.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, protocol.NewTrialJob, m.Command)
	var cfg protocol.TrialConfig
	require.NoError(t, m.Decode(&cfg))
	assert.Equal(t, "0_0_0", cfg.ParameterID)
	assert.Equal(t, 1.0, cfg.Parameters[DefaultBudgetKey])

	require.NoError(t, manager.Send(message(t, protocol.ReportMetricData, protocol.MetricData{
		TrialJobID: "j", ParameterID: cfg.ParameterID, Type: "FINAL", Value: "0.5",
	})))
	require.NoError(t, manager.Send(message(t, protocol.TrialEnd, protocol.TrialEndData{TrialJobID: "j", ParameterID: cfg.ParameterID, Status: "SUCCEEDED"})))

	m, err = manager.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.BestFinalMetric, m.Command)
	m, err = manager.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.NoMoreTrialJobs, m.Command)

	require.NoError(t, manager.Send(message(t, protocol.Terminate, nil)))
	assert.NoError(t, <-done)
}
