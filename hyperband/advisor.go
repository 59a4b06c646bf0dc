package hyperband

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"

	log "github.com/sirupsen/logrus"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/common/stats"
	"github.com/kestrel-ml/kestrel/metrics"
	"github.com/kestrel-ml/kestrel/protocol"
	"github.com/kestrel-ml/kestrel/searchspace"
)

type Status string

const (
	Pending   Status = "PENDING"
	Running   Status = "RUNNING"
	Promoting Status = "PROMOTING"
	Done      Status = "DONE"
)

// terminal trial statuses as reported in TrialEnd
var terminalStatuses = map[string]bool{
	"SUCCEEDED":     true,
	"FAILED":        true,
	"USER_CANCELED": true,
	"SYS_CANCELED":  true,
	"EARLY_STOPPED": true,
}

type trial struct {
	paramID string
	bucket  int
	rung    int
	base    map[string]interface{}
	params  map[string]interface{}

	// position in hand-out order, the promotion tie breaker
	order    int
	issued   bool
	jobID    string
	// latest value, FINAL over PERIODICAL; ranks survivors
	metric   float64
	hasValue bool
	// latest FINAL value; only these compete for the best metric
	final    float64
	hasFinal bool
	finalSeq int
	ended    bool
}

func (t *trial) complete() bool {
	return t.ended || t.hasFinal
}

type rung struct {
	index  int
	plan   RungPlan
	status Status
	trials []*trial
}

type bucket struct {
	plan   BucketPlan
	status Status
	rungs  []*rung
}

// Advisor is the Hyperband state machine. It performs no I/O: Handle maps
// one inbound message to the outbound messages it causes, so an Advisor is
// a pure function of its Config and the inbound message sequence. That is
// what lets the orchestrator rebuild one on resume by replaying the
// messages it journaled.
//
// Not safe for concurrent use.
type Advisor struct {
	cfg   Config
	plans []BucketPlan
	space *searchspace.Space
	rng   *rand.Rand
	stat  stats.StatsReceiver

	buckets []*bucket
	trials  map[string]*trial
	pending []*trial
	credits int
	issued  int

	finished   bool
	terminated bool
}

func NewAdvisor(cfg Config, stat stats.StatsReceiver) (*Advisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	return &Advisor{
		cfg:    cfg,
		plans:  Generate(cfg.R, cfg.Eta),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		stat:   stat.Scope("advisor"),
		trials: make(map[string]*trial),
	}, nil
}

func (a *Advisor) Plans() []BucketPlan {
	return a.plans
}

// Finished reports whether every bucket is DONE.
func (a *Advisor) Finished() bool {
	return a.finished
}

func (a *Advisor) Terminated() bool {
	return a.terminated
}

// Handle applies one inbound message. A malformed payload yields a
// ProtocolError and leaves the advisor unchanged.
func (a *Advisor) Handle(m protocol.Message) ([]protocol.Message, error) {
	if a.terminated {
		return nil, nil
	}
	switch m.Command {
	case protocol.Initialize, protocol.UpdateSearchSpace:
		var data protocol.InitializeData
		if err := m.Decode(&data); err != nil {
			return nil, err
		}
		space, err := searchspace.Parse(data.SearchSpace)
		if err != nil {
			return nil, err
		}
		a.space = &space
		return a.fill()

	case protocol.RequestTrialJobs:
		var req protocol.RequestData
		if err := m.Decode(&req); err != nil {
			return nil, err
		}
		if req.Count < 0 {
			return nil, kerrors.NewProtocolError("negative trial request %d", req.Count)
		}
		a.credits += req.Count
		return a.fill()

	case protocol.ReportMetricData:
		var data protocol.MetricData
		if err := m.Decode(&data); err != nil {
			return nil, err
		}
		a.reportMetric(data)
		return a.fill()

	case protocol.TrialEnd:
		var data protocol.TrialEndData
		if err := m.Decode(&data); err != nil {
			return nil, err
		}
		if t, ok := a.trials[data.ParameterID]; ok && terminalStatuses[data.Status] {
			t.ended = true
			if t.jobID == "" {
				t.jobID = data.TrialJobID
			}
		}
		return a.fill()

	case protocol.ImportData:
		log.WithFields(log.Fields{"bytes": len(m.Data)}).Info("Hyperband ignores imported data")
		return nil, nil

	case protocol.Terminate:
		a.terminated = true
		return nil, nil
	}
	return nil, kerrors.NewProtocolError("advisor cannot handle %s", m.Command)
}

func (a *Advisor) reportMetric(data protocol.MetricData) {
	t, ok := a.trials[data.ParameterID]
	if !ok {
		return
	}
	v := metrics.Decode(data.Value)
	if !v.Ok() {
		log.WithFields(log.Fields{
			"trialJobID":  data.TrialJobID,
			"parameterID": data.ParameterID,
			"err":         v.Err,
		}).Warn("Advisor dropping unparseable metric")
		return
	}
	t.jobID = data.TrialJobID
	switch metrics.MetricType(data.Type) {
	case metrics.Final:
		if !t.hasFinal || data.Sequence >= t.finalSeq {
			t.metric, t.final, t.finalSeq = v.Scalar, v.Scalar, data.Sequence
		}
		t.hasFinal, t.hasValue = true, true
	case metrics.Periodical:
		if !t.hasFinal {
			t.metric, t.hasValue = v.Scalar, true
		}
	}
}

// fill advances every rung that can be advanced and hands out as many
// pending configurations as there are credits.
func (a *Advisor) fill() ([]protocol.Message, error) {
	var out []protocol.Message
	if a.space == nil || a.finished {
		return nil, nil
	}
	for {
		a.promote()
		if a.credits == 0 {
			break
		}
		if len(a.pending) == 0 && !a.openBucket() {
			break
		}
		for a.credits > 0 && len(a.pending) > 0 {
			t := a.pending[0]
			a.pending = a.pending[1:]
			a.credits--
			m, err := a.issue(t)
			if err != nil {
				return out, err
			}
			out = append(out, m)
		}
	}
	if a.allDone() {
		a.finished = true
		out = append(out, a.finalMessages()...)
	}
	return out, nil
}

func (a *Advisor) issue(t *trial) (protocol.Message, error) {
	t.issued = true
	t.order = a.issued
	a.issued++
	b := a.buckets[t.bucket]
	b.status = Running
	if r := b.rungs[t.rung]; r.status == Pending {
		r.status = Running
	}
	return protocol.NewMessage(protocol.NewTrialJob, protocol.TrialConfig{
		ParameterID:     t.paramID,
		ParameterSource: protocol.SourceAlgorithm,
		Parameters:      t.params,
	})
}

// openBucket starts the next bucket if the exec mode allows it.
func (a *Advisor) openBucket() bool {
	next := len(a.buckets)
	if next >= len(a.plans) {
		return false
	}
	if a.cfg.ExecMode == Serial && next > 0 && a.buckets[next-1].status != Done {
		return false
	}
	plan := a.plans[next]
	b := &bucket{plan: plan, status: Pending}
	a.buckets = append(a.buckets, b)
	r := a.newRung(next, 0)
	for i := 0; i < plan.Rungs[0].N; i++ {
		base := a.space.Sample(a.rng)
		a.addTrial(next, r, i, base)
	}
	a.stat.Counter(stats.AdvisorNewConfigCounter).Inc(int64(plan.Rungs[0].N))
	log.WithFields(log.Fields{
		"bucket":  plan.S,
		"configs": plan.Rungs[0].N,
		"budget":  plan.Rungs[0].Budget,
	}).Info("Opened bucket")
	return true
}

func (a *Advisor) newRung(bucketIdx, rungIdx int) *rung {
	b := a.buckets[bucketIdx]
	r := &rung{index: rungIdx, plan: b.plan.Rungs[rungIdx], status: Pending}
	b.rungs = append(b.rungs, r)
	return r
}

func (a *Advisor) addTrial(bucketIdx int, r *rung, index int, base map[string]interface{}) {
	s := a.buckets[bucketIdx].plan.S
	params := make(map[string]interface{}, len(base)+1)
	for k, v := range base {
		params[k] = v
	}
	params[a.cfg.BudgetKey] = r.plan.Budget
	t := &trial{
		paramID: fmt.Sprintf("%d_%d_%d", s, r.index, index),
		bucket:  bucketIdx,
		rung:    r.index,
		base:    base,
		params:  params,
	}
	r.trials = append(r.trials, t)
	a.trials[t.paramID] = t
	a.pending = append(a.pending, t)
}

// promote closes every running rung whose trials are all complete and
// starts the next rung with the survivors.
func (a *Advisor) promote() {
	for bi, b := range a.buckets {
		if b.status == Done || len(b.rungs) == 0 {
			continue
		}
		r := b.rungs[len(b.rungs)-1]
		if r.status != Running || !rungComplete(r) {
			continue
		}
		r.status = Promoting
		keep := r.plan.N / a.cfg.Eta
		survivors := a.survivors(r, keep)
		last := r.index == len(b.plan.Rungs)-1
		r.status = Done
		if last || len(survivors) == 0 {
			b.status = Done
			a.stat.Counter(stats.AdvisorBucketsDoneCounter).Inc(1)
			log.WithFields(log.Fields{
				"bucket":    b.plan.S,
				"rung":      r.index,
				"survivors": len(survivors),
			}).Info("Bucket done")
			continue
		}
		if len(survivors) < keep {
			log.WithFields(log.Fields{
				"bucket": b.plan.S,
				"rung":   r.index,
				"want":   keep,
				"got":    len(survivors),
			}).Warn("Fewer trials with metrics than survivors to promote")
		}
		next := a.newRung(bi, r.index+1)
		for i, t := range survivors {
			a.addTrial(bi, next, i, t.base)
		}
		a.stat.Counter(stats.AdvisorPromotedCounter).Inc(int64(len(survivors)))
	}
}

func rungComplete(r *rung) bool {
	for _, t := range r.trials {
		if !t.issued || !t.complete() {
			return false
		}
	}
	return true
}

// survivors returns the best keep trials that reported a metric, ties going
// to the trial handed out first.
func (a *Advisor) survivors(r *rung, keep int) []*trial {
	var candidates []*trial
	for _, t := range r.trials {
		if t.hasValue {
			candidates = append(candidates, t)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].order < candidates[j].order
	})
	maximize := a.cfg.Maximize()
	sort.SliceStable(candidates, func(i, j int) bool {
		return metrics.Better(candidates[i].metric, candidates[j].metric, maximize)
	})
	if len(candidates) > keep {
		candidates = candidates[:keep]
	}
	return candidates
}

func (a *Advisor) allDone() bool {
	if len(a.buckets) < len(a.plans) {
		return false
	}
	for _, b := range a.buckets {
		if b.status != Done {
			return false
		}
	}
	return true
}

func (a *Advisor) finalMessages() []protocol.Message {
	var out []protocol.Message
	if best := a.best(); best != nil {
		m, err := protocol.NewMessage(protocol.BestFinalMetric, protocol.BestMetric{
			ParameterID: best.paramID,
			TrialJobID:  best.jobID,
			Value:       protocol.FormatValue(best.final),
			Parameters:  best.params,
		})
		if err == nil {
			out = append(out, m)
		}
	}
	m, _ := protocol.NewMessage(protocol.NoMoreTrialJobs, nil)
	return append(out, m)
}

// best is the trial with the best FINAL metric.
func (a *Advisor) best() *trial {
	var all []*trial
	for _, t := range a.trials {
		if t.hasFinal {
			all = append(all, t)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].order < all[j].order })
	var best *trial
	for _, t := range all {
		if best == nil || metrics.Better(t.final, best.final, a.cfg.Maximize()) {
			best = t
		}
	}
	return best
}

// BucketState is a read-only view of one bucket.
type BucketState struct {
	S      int
	Status Status
	Rungs  []RungState
}

type RungState struct {
	Index  int
	N      int
	Budget float64
	Status Status
	Trials []string
}

func (a *Advisor) Buckets() []BucketState {
	out := make([]BucketState, 0, len(a.buckets))
	for _, b := range a.buckets {
		bs := BucketState{S: b.plan.S, Status: b.status}
		for _, r := range b.rungs {
			rs := RungState{Index: r.index, N: r.plan.N, Budget: r.plan.Budget, Status: r.status}
			for _, t := range r.trials {
				rs.Trials = append(rs.Trials, t.paramID)
			}
			bs.Rungs = append(bs.Rungs, rs)
		}
		out = append(out, bs)
	}
	return out
}

// MarshalJSON renders the bucket view, for debugging endpoints and logs.
func (a *Advisor) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Buckets())
}
