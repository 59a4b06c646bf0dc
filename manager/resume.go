package manager

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/journal"
	"github.com/kestrel-ml/kestrel/metrics"
	"github.com/kestrel-ml/kestrel/protocol"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

// ResumeExperiment rebuilds expID from its journal and carries on running
// it. A readonly resume only serves queries: no running advisor, no
// polling, and every mutation is rejected.
func (m *Manager) ResumeExperiment(expID string, readonly bool) (err error) {
	if err := m.claim(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			m.unclaim()
		}
	}()

	events, err := m.journal.GetEvents(expID)
	if err != nil {
		return kerrors.NewFatalError(errors.Wrapf(err, "reading journal of %s", expID), kerrors.ResumeFailureExitCode)
	}
	if len(events) == 0 {
		return kerrors.NewNotFoundError("no experiment %s", expID)
	}
	if err := journal.Validate(expID, events); err != nil {
		return kerrors.NewFatalError(err, kerrors.ResumeFailureExitCode)
	}
	dispatched, err := m.replay(events)
	if err != nil {
		return kerrors.NewFatalError(err, kerrors.ResumeFailureExitCode)
	}
	if m.exp.ID == "" {
		return kerrors.NewFatalError(journal.NewCorruptedJournalError(expID, "no profile event"), kerrors.ResumeFailureExitCode)
	}
	m.recorder, err = journal.NewRecorder(m.journal, expID, m.stat)
	if err != nil {
		return kerrors.NewFatalError(err, kerrors.ResumeFailureExitCode)
	}
	if cfg, err := m.exp.Profile.AdvisorConfig(); err == nil {
		m.budgetKey = cfg.BudgetKey
	}
	for _, t := range m.order {
		if t.Handle != "" && !t.Released {
			m.byHandle[t.Handle] = t
		}
		if t.Status == ts.Succeeded && !t.StartTime.IsZero() && !t.EndTime.IsZero() {
			m.addDuration(t, t.EndTime.Sub(t.StartTime))
		}
	}

	// Replaying the advisor is pure, so a read-only view gets the best
	// metric too.
	adv, err := m.newAdvisor(m.exp.Profile)
	if err == nil {
		m.replayAdvisor(adv, dispatched)
	}

	if readonly {
		m.readonly = true
		if m.exp.Status.Terminal() {
			m.markFinished()
		}
		log.WithFields(log.Fields{
			"experimentID": expID,
			"trials":       len(m.order),
		}).Info("Opened experiment read-only")
		m.startLoop()
		return nil
	}
	if err != nil {
		return kerrors.NewFatalError(err, kerrors.ResumeFailureExitCode)
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.config.PollTimeout)
	known, err := m.svc.List(ctx)
	cancel()
	if err != nil {
		return kerrors.NewFatalError(errors.Wrap(err, "listing training service trials"), kerrors.ResumeFailureExitCode)
	}
	for _, k := range sortedKeys(m.metadata) {
		if err := m.svc.SetClusterMetadata(k, m.metadata[k]); err != nil {
			return kerrors.NewFatalError(
				errors.Wrapf(err, "training service rejected cluster metadata %q", k),
				kerrors.ClusterMetadataRejectedExitCode)
		}
	}

	m.connectAdvisor(adv)
	m.reconcile(known)

	switch m.exp.Status {
	case Done, Running:
	case NoMoreTrial:
		if !m.advisorExhausted && !m.limitReached {
			m.setStatus(Running)
		}
	default:
		m.exp.ErrorMsg = ""
		m.exp.EndTime = time.Time{}
		if m.advisorExhausted {
			m.setStatus(NoMoreTrial)
		} else {
			m.setStatus(Running)
		}
	}
	if m.exp.Status.Terminal() {
		m.markFinished()
	}
	log.WithFields(log.Fields{
		"experimentID": expID,
		"status":       m.exp.Status,
		"trials":       len(m.order),
		"pending":      len(m.pendingConfigs),
		"credits":      m.credits,
	}).Info("Resumed experiment")
	m.startLoop()
	return nil
}

// replay applies the journal to empty state and returns the advisor
// messages it holds, in order.
func (m *Manager) replay(events []journal.Event) ([]protocol.Message, error) {
	var dispatched []protocol.Message
	for _, ev := range events {
		switch ev.Type {
		case journal.ProfileEvent:
			var p profileRecord
			if err := ev.Decode(&p); err != nil {
				return nil, err
			}
			m.exp.ID = p.ID
			m.exp.Profile = p.Profile
			m.exp.StartTime = p.StartTime

		case journal.StatusEvent:
			var s statusChange
			if err := ev.Decode(&s); err != nil {
				return nil, err
			}
			m.exp.Status = s.Status
			m.exp.ErrorMsg = s.ErrorMsg
			m.limitReached = s.LimitReached
			if s.Status.Terminal() {
				m.exp.EndTime = ev.Time
			}

		case journal.TrialEvent:
			var t TrialJob
			if err := ev.Decode(&t); err != nil {
				return nil, err
			}
			if existing, ok := m.trials[t.ID]; ok {
				*existing = t
			} else {
				m.addTrial(&t)
			}

		case journal.MetricEvent:
			var r metrics.Record
			if err := ev.Decode(&r); err != nil {
				return nil, err
			}
			if _, _, err := m.store.Append(r); err != nil {
				log.WithFields(log.Fields{
					"event": ev.String(),
					"err":   err,
				}).Warn("Skipped metric during replay")
			}

		case journal.DispatchEvent:
			var msg protocol.Message
			if err := ev.Decode(&msg); err != nil {
				return nil, err
			}
			dispatched = append(dispatched, msg)

		case journal.ImportEvent:
			var blob string
			if err := ev.Decode(&blob); err != nil {
				return nil, err
			}
			m.imported = append(m.imported, blob)

		case journal.MetadataEvent:
			var md metadataRecord
			if err := ev.Decode(&md); err != nil {
				return nil, err
			}
			m.metadata[md.Key] = md.Value
		}
	}
	return dispatched, nil
}

// replayAdvisor feeds a fresh advisor everything the old one was told.
// Requested trials it issued that never became trials are queued again,
// and requests it had not answered yet become outstanding credits.
func (m *Manager) replayAdvisor(adv Advisor, dispatched []protocol.Message) {
	requested, issued := 0, 0
	for _, msg := range dispatched {
		if msg.Command == protocol.Terminate {
			continue
		}
		if msg.Command == protocol.RequestTrialJobs {
			var req protocol.RequestData
			if err := msg.Decode(&req); err == nil {
				requested += req.Count
			}
		}
		out, err := adv.Handle(msg)
		if err != nil {
			log.WithFields(log.Fields{
				"command": msg.Command.String(),
				"err":     err,
			}).Warn("Advisor rejected replayed message")
		}
		for _, o := range out {
			switch o.Command {
			case protocol.NewTrialJob:
				issued++
				var cfg protocol.TrialConfig
				if err := o.Decode(&cfg); err != nil {
					continue
				}
				if !m.hasParameterID(cfg.ParameterID) {
					m.pendingConfigs = append(m.pendingConfigs, cfg)
				}
			case protocol.NoMoreTrialJobs:
				m.advisorExhausted = true
			case protocol.BestFinalMetric:
				var best protocol.BestMetric
				if err := o.Decode(&best); err == nil {
					m.exp.BestMetric = &best
				}
			}
		}
	}
	if m.credits = requested - issued; m.credits < 0 {
		m.credits = 0
	}
}

func (m *Manager) hasParameterID(id string) bool {
	for _, t := range m.order {
		if t.ParameterID == id {
			return true
		}
	}
	return false
}

// reconcile brings replayed trials in line with what the training service
// reports. The backend wins; handles it does not know were lost.
func (m *Manager) reconcile(known []ts.StatusUpdate) {
	listed := make(map[ts.Handle]ts.StatusUpdate, len(known))
	for _, su := range known {
		listed[su.Handle] = su
	}
	owned := make(map[ts.Handle]bool)
	for _, t := range m.order {
		if t.Handle != "" {
			owned[t.Handle] = true
		}
	}
	// backend trials of ours whose submit never reached the journal
	unjournaled := make(map[string][]ts.StatusUpdate)
	for _, su := range known {
		if _, ours := m.trials[su.TrialJobID]; ours && !owned[su.Handle] {
			unjournaled[su.TrialJobID] = append(unjournaled[su.TrialJobID], su)
		}
	}

	for _, t := range m.order {
		switch {
		case t.Status.Terminal():
			m.release(t)
			m.reportEnd(t, t.Status)

		case t.Handle != "":
			if su, ok := listed[t.Handle]; ok {
				m.handleStatus(su)
				continue
			}
			m.endTrial(t, ts.SysCanceled, time.Now(), "trial lost by training service")

		case len(unjournaled[t.ID]) > 0:
			su := unjournaled[t.ID][0]
			unjournaled[t.ID] = unjournaled[t.ID][1:]
			log.WithFields(log.Fields{
				"experimentID": m.exp.ID,
				"trialJobID":   t.ID,
				"handle":       su.Handle,
			}).Info("Adopting trial submitted before restart")
			m.submitted(t, su.Handle)
			m.handleStatus(su)

		case t.Status != ts.Unknown:
			t.Status = ts.Waiting
			m.queued = append(m.queued, t)
		}
	}

	for _, sus := range unjournaled {
		for _, su := range sus {
			m.discard(su)
		}
	}
}

// discard stops and releases a backend trial that duplicates one the
// experiment already tracks.
func (m *Manager) discard(su ts.StatusUpdate) {
	log.WithFields(log.Fields{
		"experimentID": m.exp.ID,
		"trialJobID":   su.TrialJobID,
		"handle":       su.Handle,
	}).Warn("Discarding duplicate backend trial")
	h := su.Handle
	terminal := su.Status.Terminal()
	ctx := m.ctx
	m.asyncRunner.RunAsync(func() error {
		if !terminal {
			cctx, cancel := context.WithTimeout(ctx, m.config.CancelTimeout)
			defer cancel()
			if err := m.svc.Cancel(cctx, h); err != nil {
				return err
			}
		}
		m.svc.Release(h)
		return nil
	}, func(err error) {
		if err != nil {
			log.WithFields(log.Fields{
				"experimentID": m.exp.ID,
				"handle":       h,
				"err":          err,
			}).Error("Cancel of duplicate backend trial not confirmed")
		}
	})
}
