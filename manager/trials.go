package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff"
	log "github.com/sirupsen/logrus"

	"github.com/kestrel-ml/kestrel/common/stats"
	"github.com/kestrel-ml/kestrel/journal"
	"github.com/kestrel-ml/kestrel/metrics"
	"github.com/kestrel-ml/kestrel/protocol"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

// parameterFile is the content of a trial's parameter.cfg.
type parameterFile struct {
	ParameterID     string                 `json:"parameter_id"`
	ParameterSource string                 `json:"parameter_source"`
	Parameters      map[string]interface{} `json:"parameters"`
}

func (m *Manager) canSubmit() bool {
	return m.exp.Status == Running || m.exp.Status == NoMoreTrial
}

// dispatch fills free concurrency slots, customized trials first.
func (m *Manager) dispatch() {
	if !m.canSubmit() {
		return
	}
	submitted := m.occupied() - len(m.queued)
	for submitted < m.exp.Profile.TrialConcurrency {
		switch {
		case len(m.queued) > 0:
			t := m.queued[0]
			m.queued = m.queued[1:]
			m.submit(t)
		case len(m.pendingConfigs) > 0 && !m.limitReached:
			cfg := m.pendingConfigs[0]
			m.pendingConfigs = m.pendingConfigs[1:]
			m.submit(m.newTrial(cfg))
		default:
			return
		}
		submitted++
	}
}

// newTrial creates a WAITING trial with the next sequence id.
func (m *Manager) newTrial(cfg protocol.TrialConfig) *TrialJob {
	id := generateID()
	t := &TrialJob{
		ID:              id,
		SequenceID:      m.nextSeq,
		Status:          ts.Waiting,
		ParameterID:     cfg.ParameterID,
		ParameterSource: cfg.ParameterSource,
		Parameters:      cfg.Parameters,
		SubmitTime:      time.Now(),
		LogPath:         m.trialDir(id),
	}
	m.nextSeq++
	m.addTrial(t)
	return t
}

func (m *Manager) addTrial(t *TrialJob) {
	m.trials[t.ID] = t
	m.order = append(m.order, t)
	if t.SequenceID >= m.nextSeq {
		m.nextSeq = t.SequenceID + 1
	}
}

// submit journals the trial, so its sequence id is durable, then hands it
// to the training service, retrying with exponential backoff.
func (m *Manager) submit(t *TrialJob) {
	t.submitting = true
	m.submitsInFlight++
	m.recordTrial(t)

	params, err := json.Marshal(parameterFile{
		ParameterID:     t.ParameterID,
		ParameterSource: t.ParameterSource,
		Parameters:      t.Parameters,
	})
	if err != nil {
		t.submitting = false
		m.submitDone()
		m.endTrial(t, ts.Failed, time.Now(), fmt.Sprintf("encoding parameters: %v", err))
		return
	}
	spec := ts.TrialSpec{
		TrialJobID:   t.ID,
		ExperimentID: m.exp.ID,
		SequenceID:   t.SequenceID,
		ParameterID:  t.ParameterID,
		Parameters:   params,
		WorkDir:      t.LogPath,
	}
	log.WithFields(log.Fields{
		"experimentID": m.exp.ID,
		"trialJobID":   t.ID,
		"sequenceID":   t.SequenceID,
		"parameterID":  t.ParameterID,
	}).Info("Submitting trial")

	var (
		handle    ts.Handle
		attempts  int
		errorPath string
	)
	ctx := m.ctx
	m.asyncRunner.RunAsync(func() error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = m.config.SubmitBackoff
		b.MaxInterval = m.config.SubmitMaxDelay
		b.MaxElapsedTime = 0
		err := backoff.Retry(func() error {
			attempts++
			h, err := m.svc.Submit(ctx, spec)
			if err != nil {
				log.WithFields(log.Fields{
					"trialJobID": spec.TrialJobID,
					"attempt":    attempts,
					"err":        err,
				}).Warn("Trial submission failed")
				return err
			}
			handle = h
			return nil
		}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.config.SubmitRetries)), ctx))
		if err != nil {
			errorPath = writeSubmitError(spec.WorkDir, err)
		}
		return err
	}, func(err error) {
		t.submitting = false
		if attempts > 1 {
			m.stat.Counter(stats.ManagerSubmitRetryCounter).Inc(int64(attempts - 1))
		}
		if err != nil {
			t.ErrorPath = errorPath
			m.endTrial(t, ts.Failed, time.Now(), err.Error())
			m.replyCancels(t, nil)
		} else {
			m.submitted(t, handle)
		}
		m.submitDone()
	})
}

// submitDone drops held updates once no submit can still claim them.
func (m *Manager) submitDone() {
	if m.submitsInFlight--; m.submitsInFlight == 0 {
		m.early = nil
	}
}

// hold keeps an update for a handle no trial owns yet. A poll can see a
// trial before the submit that created it has returned to the loop.
func (m *Manager) hold(h ts.Handle) (*ts.Update, bool) {
	if m.submitsInFlight == 0 {
		return nil, false
	}
	if m.early == nil {
		m.early = make(map[ts.Handle]*ts.Update)
	}
	u, ok := m.early[h]
	if !ok {
		u = &ts.Update{}
		m.early[h] = u
	}
	return u, true
}

// writeSubmitError saves the final submission error where the trial's logs
// would have been, returning its path.
func writeSubmitError(dir string, err error) string {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ""
	}
	path := filepath.Join(dir, submitErrorFileName)
	if err := os.WriteFile(path, []byte(err.Error()+"\n"), 0644); err != nil {
		return ""
	}
	return path
}

func (m *Manager) submitted(t *TrialJob, h ts.Handle) {
	t.Handle = h
	m.byHandle[h] = t
	m.stat.Counter(stats.ManagerTrialsSubmittedCounter).Inc(1)
	m.recordTrial(t)
	if u, ok := m.early[h]; ok {
		delete(m.early, h)
		m.applyUpdate(*u)
	}

	if t.cancelRequested || m.exp.Status == Stopping || m.exp.Status == Stopped {
		replies := t.cancelReplies
		t.cancelReplies = nil
		m.cancelTrial(t, func(err error) {
			for _, reply := range replies {
				reply(err)
			}
		})
	}
}

func (m *Manager) replyCancels(t *TrialJob, err error) {
	for _, reply := range t.cancelReplies {
		reply(err)
	}
	t.cancelReplies = nil
	t.cancelRequested = false
}

// pollTrials starts a poll unless one is running or the rate limit says
// it is too early.
func (m *Manager) pollTrials() {
	switch m.exp.Status {
	case Running, NoMoreTrial, Stopping:
	default:
		return
	}
	if m.pollInFlight || !m.pollLimiter.Allow() {
		return
	}
	m.pollInFlight = true
	var update ts.Update
	ctx := m.ctx
	m.asyncRunner.RunAsync(func() error {
		pctx, cancel := context.WithTimeout(ctx, m.config.PollTimeout)
		defer cancel()
		var err error
		update, err = m.svc.Poll(pctx)
		return err
	}, func(err error) {
		m.pollInFlight = false
		if err != nil {
			m.stat.Counter(stats.ManagerPollErrCounter).Inc(1)
			log.WithFields(log.Fields{
				"experimentID": m.exp.ID,
				"err":          err,
			}).Error("Training service poll failed")
			return
		}
		m.stat.Counter(stats.ManagerPollCounter).Inc(1)
		m.applyUpdate(update)
	})
}

// applyUpdate applies metrics before statuses, so the advisor always sees a
// trial's last metric before it hears the trial ended.
func (m *Manager) applyUpdate(u ts.Update) {
	for _, mu := range u.Metrics {
		m.handleMetric(mu)
	}
	for _, su := range u.Statuses {
		m.handleStatus(su)
	}
}

func (m *Manager) handleMetric(mu ts.MetricUpdate) {
	t, ok := m.byHandle[mu.Handle]
	if !ok {
		if u, held := m.hold(mu.Handle); held {
			u.Metrics = append(u.Metrics, mu)
			return
		}
		m.stat.Counter(stats.ManagerMetricsRejectedCounter).Inc(1)
		log.WithFields(log.Fields{
			"handle": mu.Handle,
		}).Warn("Metric for unknown trial")
		return
	}
	rec, added, err := m.store.Append(metrics.Record{
		TrialJobID:      t.ID,
		TrialSequenceID: t.SequenceID,
		ParameterID:     t.ParameterID,
		Type:            mu.Report.Type,
		Sequence:        mu.Report.Sequence,
		Data:            mu.Report.Value,
	})
	if err != nil {
		m.stat.Counter(stats.ManagerMetricsRejectedCounter).Inc(1)
		log.WithFields(log.Fields{
			"trialJobID": t.ID,
			"sequence":   mu.Report.Sequence,
			"err":        err,
		}).Warn("Rejected metric")
		return
	}
	if !added {
		return
	}
	m.stat.Counter(stats.ManagerMetricsAcceptedCounter).Inc(1)
	if !m.record(journal.MetricEvent, rec) {
		return
	}
	m.sendAdvisor(protocol.ReportMetricData, protocol.MetricData{
		TrialJobID:  t.ID,
		ParameterID: t.ParameterID,
		Type:        string(rec.Type),
		Sequence:    rec.Sequence,
		Value:       rec.Data,
	})
}

func (m *Manager) handleStatus(su ts.StatusUpdate) {
	t, ok := m.byHandle[su.Handle]
	if !ok {
		if u, held := m.hold(su.Handle); held {
			u.Statuses = append(u.Statuses, su)
		}
		return
	}
	if t.Status.Terminal() {
		return
	}
	if su.Status.Terminal() {
		if t.StartTime.IsZero() {
			t.StartTime = su.StartTime
		}
		end := su.EndTime
		if end.IsZero() {
			end = time.Now()
		}
		m.endTrial(t, su.Status, end, su.Message)
		return
	}
	changed := false
	if su.Status == ts.Running && t.Status == ts.Waiting {
		t.Status = ts.Running
		t.StartTime = su.StartTime
		if t.StartTime.IsZero() {
			t.StartTime = time.Now()
		}
		changed = true
	}
	if su.Status == ts.Unknown && t.Status != ts.Unknown {
		t.Status = ts.Unknown
		changed = true
	}
	if changed {
		log.WithFields(log.Fields{
			"trialJobID": t.ID,
			"sequenceID": t.SequenceID,
			"status":     t.Status,
		}).Info("Trial status changed")
		m.recordTrial(t)
	}
}

// endTrial moves t to a terminal status, releases its handle and tells the
// advisor.
func (m *Manager) endTrial(t *TrialJob, status ts.Status, end time.Time, msg string) {
	t.Status = status
	t.EndTime = end
	if msg != "" {
		t.Message = msg
	}
	m.release(t)
	if status == ts.Succeeded && !t.StartTime.IsZero() {
		m.addDuration(t, end.Sub(t.StartTime))
	}
	switch status {
	case ts.Failed:
		m.stat.Counter(stats.ManagerTrialsFailedCounter).Inc(1)
	case ts.UserCanceled, ts.SysCanceled:
		m.stat.Counter(stats.ManagerTrialsCanceledCounter).Inc(1)
	}
	log.WithFields(log.Fields{
		"experimentID": m.exp.ID,
		"trialJobID":   t.ID,
		"sequenceID":   t.SequenceID,
		"status":       status,
	}).Info("Trial ended")
	m.reportEnd(t, status)
	m.recordTrial(t)
}

// reportEnd sends TrialEnd at most once per trial. It is journaled before
// the trial snapshot; a resume in between just sends it again.
func (m *Manager) reportEnd(t *TrialJob, status ts.Status) {
	if t.EndReported {
		return
	}
	t.EndReported = true
	m.sendAdvisor(protocol.TrialEnd, protocol.TrialEndData{
		TrialJobID:  t.ID,
		ParameterID: t.ParameterID,
		Status:      string(status),
	})
}

// release frees the backend handle exactly once.
func (m *Manager) release(t *TrialJob) {
	if t.Handle == "" || t.Released {
		return
	}
	t.Released = true
	delete(m.byHandle, t.Handle)
	h := t.Handle
	m.asyncRunner.RunAsync(func() error {
		m.svc.Release(h)
		return nil
	}, func(error) {})
}

// cancelTrial asks the backend to stop t and waits at most CancelTimeout.
// A cancel that never confirms leaves t UNKNOWN. reply runs once the
// outcome is known.
func (m *Manager) cancelTrial(t *TrialJob, reply func(error)) {
	if t.settled() {
		reply(nil)
		return
	}
	if t.Handle == "" {
		if t.submitting {
			t.cancelRequested = true
			t.cancelReplies = append(t.cancelReplies, reply)
			return
		}
		m.unqueue(t)
		m.endTrial(t, ts.UserCanceled, time.Now(), "canceled before submission")
		reply(nil)
		return
	}
	h := t.Handle
	ctx := m.ctx
	m.asyncRunner.RunAsync(func() error {
		cctx, cancel := context.WithTimeout(ctx, m.config.CancelTimeout)
		defer cancel()
		return m.svc.Cancel(cctx, h)
	}, func(err error) {
		m.canceled(t, err)
		reply(nil)
	})
}

// canceled applies the outcome of a cancel request.
func (m *Manager) canceled(t *TrialJob, err error) {
	if t.Status.Terminal() {
		return
	}
	if err == nil {
		m.endTrial(t, ts.UserCanceled, time.Now(), "")
		return
	}
	m.stat.Counter(stats.ManagerCancelTimeoutCounter).Inc(1)
	log.WithFields(log.Fields{
		"experimentID": m.exp.ID,
		"trialJobID":   t.ID,
		"handle":       t.Handle,
		"err":          err,
	}).Error("Cancel not confirmed, trial status unknown")
	t.Status = ts.Unknown
	t.Message = fmt.Sprintf("cancel not confirmed: %v", err)
	m.reportEnd(t, ts.UserCanceled)
	m.recordTrial(t)
}

func (m *Manager) unqueue(t *TrialJob) {
	for i, q := range m.queued {
		if q == t {
			m.queued = append(m.queued[:i], m.queued[i+1:]...)
			return
		}
	}
}

// checkLimits ends trial generation once the trial count or duration
// limit is hit.
func (m *Manager) checkLimits() {
	if m.exp.Status != Running {
		return
	}
	if !m.limitHit() {
		return
	}
	log.WithFields(log.Fields{
		"experimentID":    m.exp.ID,
		"trials":          len(m.order),
		"maxTrialNum":     m.exp.Profile.MaxTrialNum,
		"maxExecDuration": time.Duration(m.exp.Profile.MaxExecDuration),
	}).Info("Experiment limit reached")
	m.limitReached = true
	m.setStatus(NoMoreTrial)
}

func (m *Manager) limitHit() bool {
	p := m.exp.Profile
	if p.MaxTrialNum > 0 && len(m.order) >= p.MaxTrialNum {
		return true
	}
	if p.MaxExecDuration > 0 && time.Since(m.exp.StartTime) >= time.Duration(p.MaxExecDuration) {
		return true
	}
	return false
}

// checkDone finishes the experiment once nothing is left to run.
func (m *Manager) checkDone() {
	if m.exp.Status != NoMoreTrial {
		return
	}
	if m.occupied() > 0 {
		return
	}
	if !m.limitReached && len(m.pendingConfigs) > 0 {
		return
	}
	m.setStatus(Done)
}
