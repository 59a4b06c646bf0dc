// Package memory is a training service that runs nothing. Tests drive each
// trial through its lifecycle by hand; the demo preset completes trials on
// Poll with a scripted result.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/metrics"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

// Result is what an auto-completed trial reports: its FINAL value and end
// status.
type Result struct {
	Value  string
	Status ts.Status
}

type trial struct {
	spec     ts.TrialSpec
	status   ts.Status
	start    time.Time
	end      time.Time
	metricN  int
	released bool
}

type Service struct {
	mu       sync.Mutex
	nextID   int
	trials   map[ts.Handle]*trial
	order    []ts.Handle
	changes  []ts.StatusUpdate
	reports  []ts.MetricUpdate
	metadata map[string]string

	rejectKeys  map[string]bool
	submitFails int
	submitErr   error
	cancelHang  bool
	pollErr     error
	auto        func(ts.TrialSpec) Result
	releases    map[ts.Handle]int
}

func NewService() *Service {
	return &Service{
		trials:     make(map[ts.Handle]*trial),
		metadata:   make(map[string]string),
		rejectKeys: make(map[string]bool),
		releases:   make(map[ts.Handle]int),
	}
}

// NewAutoService completes every submitted trial on the next Poll with the
// Result f returns for it.
func NewAutoService(f func(ts.TrialSpec) Result) *Service {
	s := NewService()
	s.auto = f
	return s
}

func (s *Service) Submit(ctx context.Context, spec ts.TrialSpec) (ts.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", kerrors.NewTrainingServiceError("submit", err)
	}
	if s.submitFails != 0 {
		if s.submitFails > 0 {
			s.submitFails--
		}
		return "", kerrors.NewTrainingServiceError("submit", s.submitErr)
	}
	s.nextID++
	h := ts.Handle(fmt.Sprintf("mem-%d", s.nextID))
	s.trials[h] = &trial{spec: spec, status: ts.Waiting}
	s.order = append(s.order, h)
	s.changes = append(s.changes, ts.StatusUpdate{Handle: h, Status: ts.Waiting})
	return h, nil
}

func (s *Service) Cancel(ctx context.Context, h ts.Handle) error {
	s.mu.Lock()
	hang := s.cancelHang
	s.mu.Unlock()
	if hang {
		<-ctx.Done()
		return kerrors.NewTrainingServiceError("cancel", ctx.Err())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trials[h]
	if !ok {
		return kerrors.NewNotFoundError("no trial with handle %s", h)
	}
	if !t.status.Terminal() {
		s.setStatus(h, t, ts.UserCanceled, "")
	}
	return nil
}

func (s *Service) Poll(ctx context.Context) (ts.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollErr != nil {
		return ts.Update{}, kerrors.NewTrainingServiceError("poll", s.pollErr)
	}
	if s.auto != nil {
		for _, h := range s.order {
			t := s.trials[h]
			if t.status.Terminal() || t.released {
				continue
			}
			res := s.auto(t.spec)
			if t.status == ts.Waiting {
				s.setStatus(h, t, ts.Running, "")
			}
			s.report(h, t, metrics.Final, res.Value)
			st := res.Status
			if st == "" {
				st = ts.Succeeded
			}
			s.setStatus(h, t, st, "")
		}
	}
	u := ts.Update{Statuses: s.changes, Metrics: s.reports}
	s.changes, s.reports = nil, nil
	return u, nil
}

func (s *Service) List(ctx context.Context) ([]ts.StatusUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ts.StatusUpdate
	for _, h := range s.order {
		t := s.trials[h]
		if t.released {
			continue
		}
		out = append(out, ts.StatusUpdate{
			Handle:     h,
			TrialJobID: t.spec.TrialJobID,
			Status:     t.status,
			StartTime:  t.start,
			EndTime:    t.end,
		})
	}
	return out, nil
}

func (s *Service) SetClusterMetadata(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejectKeys[key] {
		return errors.Errorf("cluster metadata key %q rejected", key)
	}
	s.metadata[key] = value
	return nil
}

func (s *Service) Release(h ts.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[h]++
	if t, ok := s.trials[h]; ok {
		t.released = true
	}
}

func (s *Service) setStatus(h ts.Handle, t *trial, status ts.Status, msg string) {
	now := time.Now()
	if status == ts.Running && t.start.IsZero() {
		t.start = now
	}
	if status.Terminal() {
		t.end = now
	}
	t.status = status
	s.changes = append(s.changes, ts.StatusUpdate{
		Handle:    h,
		Status:    status,
		StartTime: t.start,
		EndTime:   t.end,
		Message:   msg,
	})
}

func (s *Service) report(h ts.Handle, t *trial, typ metrics.MetricType, value string) {
	s.reports = append(s.reports, ts.MetricUpdate{
		Handle: h,
		Report: metrics.Report{
			TrialJobID:  t.spec.TrialJobID,
			ParameterID: t.spec.ParameterID,
			Type:        typ,
			Sequence:    t.metricN,
			Value:       value,
		},
	})
	t.metricN++
}

// Test controls.

// Start moves a waiting trial to RUNNING.
func (s *Service) Start(h ts.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trials[h]; ok && t.status == ts.Waiting {
		s.setStatus(h, t, ts.Running, "")
	}
}

// Report queues a metric line as if the trial had written it.
func (s *Service) Report(h ts.Handle, typ metrics.MetricType, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trials[h]; ok {
		s.report(h, t, typ, value)
	}
}

// ReportRaw queues a metric line verbatim.
func (s *Service) ReportRaw(h ts.Handle, r metrics.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, ts.MetricUpdate{Handle: h, Report: r})
}

// Finish moves a trial to a terminal status.
func (s *Service) Finish(h ts.Handle, status ts.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.trials[h]; ok && !t.status.Terminal() {
		if t.start.IsZero() {
			s.setStatus(h, t, ts.Running, "")
		}
		s.setStatus(h, t, status, "")
	}
}

// FailSubmits makes the next n Submit calls fail with err; n < 0 fails all.
func (s *Service) FailSubmits(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = errors.New("submit failed")
	}
	s.submitFails, s.submitErr = n, err
}

// HangCancels makes Cancel block until its context is done.
func (s *Service) HangCancels(hang bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelHang = hang
}

func (s *Service) FailPolls(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollErr = err
}

func (s *Service) RejectMetadata(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectKeys[key] = true
}

func (s *Service) Metadata() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// Forget drops every trial, as if the backend restarted with no memory.
func (s *Service) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trials = make(map[ts.Handle]*trial)
	s.order, s.changes, s.reports = nil, nil, nil
}

// Active returns the handles of trials not yet terminal, in submit order.
func (s *Service) Active() []ts.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ts.Handle
	for _, h := range s.order {
		if !s.trials[h].status.Terminal() {
			out = append(out, h)
		}
	}
	return out
}

// Spec returns what was submitted under h.
func (s *Service) Spec(h ts.Handle) (ts.TrialSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trials[h]
	if !ok {
		return ts.TrialSpec{}, false
	}
	return t.spec, true
}

// Submitted returns every spec in submit order.
func (s *Service) Submitted() []ts.TrialSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ts.TrialSpec, 0, len(s.order))
	for _, h := range s.order {
		out = append(out, s.trials[h].spec)
	}
	return out
}

// Releases returns how many times each handle was released.
func (s *Service) Releases() map[ts.Handle]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ts.Handle]int, len(s.releases))
	for h, n := range s.releases {
		out[h] = n
	}
	return out
}

// Handles returns all handles in submit order.
func (s *Service) Handles() []ts.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ts.Handle(nil), s.order...)
}
