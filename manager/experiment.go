package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/journal"
	"github.com/kestrel-ml/kestrel/metrics"
	"github.com/kestrel-ml/kestrel/protocol"
	"github.com/kestrel-ml/kestrel/searchspace"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

// StartExperiment validates p, journals it and starts the experiment. A
// cluster metadata value the training service rejects is a FatalError.
func (m *Manager) StartExperiment(p Profile) (id string, err error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if err := m.claim(); err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			m.unclaim()
		}
	}()

	id = generateID()
	p = p.withSeed(time.Now().UnixNano())
	adv, err := m.newAdvisor(p)
	if err != nil {
		return "", err
	}
	if cfg, err := p.AdvisorConfig(); err == nil {
		m.budgetKey = cfg.BudgetKey
	}
	m.recorder, err = journal.NewRecorder(m.journal, id, m.stat)
	if err != nil {
		return "", kerrors.NewFatalError(err, kerrors.JournalFailureExitCode)
	}
	m.exp = Experiment{ID: id, Status: Initialized, Profile: p, StartTime: time.Now()}
	if err := m.recorder.Record(journal.ProfileEvent, profileRecord{ID: id, Profile: p, StartTime: m.exp.StartTime}); err != nil {
		return "", kerrors.NewFatalError(err, kerrors.JournalFailureExitCode)
	}
	if err := m.recorder.Record(journal.StatusEvent, statusChange{Status: Initialized}); err != nil {
		return "", kerrors.NewFatalError(err, kerrors.JournalFailureExitCode)
	}
	for _, k := range sortedKeys(p.TrainingService.ClusterMetadata) {
		if err := m.applyMetadata(k, p.TrainingService.ClusterMetadata[k]); err != nil {
			return "", err
		}
	}

	m.connectAdvisor(adv)
	m.sendAdvisor(protocol.Initialize, protocol.InitializeData{SearchSpace: p.SearchSpace})
	m.setStatus(Running)
	if m.exp.Status == Error {
		return "", errors.New(m.exp.ErrorMsg)
	}
	log.WithFields(log.Fields{
		"experimentID":     id,
		"trialConcurrency": p.TrialConcurrency,
		"platform":         p.TrainingService.Platform,
	}).Info("Started experiment")
	m.startLoop()
	return id, nil
}

// applyMetadata sets one cluster metadata value on the training service
// and journals it.
func (m *Manager) applyMetadata(key, value string) error {
	if err := m.svc.SetClusterMetadata(key, value); err != nil {
		return kerrors.NewFatalError(
			errors.Wrapf(err, "training service rejected cluster metadata %q", key),
			kerrors.ClusterMetadataRejectedExitCode)
	}
	m.metadata[key] = value
	if err := m.recorder.Record(journal.MetadataEvent, metadataRecord{Key: key, Value: value}); err != nil {
		return kerrors.NewFatalError(err, kerrors.JournalFailureExitCode)
	}
	return nil
}

func sortedKeys(md map[string]string) []string {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) writable() error {
	if m.readonly {
		return kerrors.NewValidationError("experiment %s is read-only", m.exp.ID)
	}
	return nil
}

// SetClusterMetadata applies a metadata value to the running experiment's
// training service. A rejection is fatal: the experiment moves to ERROR.
func (m *Manager) SetClusterMetadata(key, value string) error {
	return m.do(func() error {
		if err := m.writable(); err != nil {
			return err
		}
		if err := m.applyMetadata(key, value); err != nil {
			m.fail(err)
			return err
		}
		return nil
	})
}

// GetExperiment returns a snapshot of the experiment.
func (m *Manager) GetExperiment() (Experiment, error) {
	var exp Experiment
	err := m.do(func() error {
		exp = m.exp
		if m.exp.BestMetric != nil {
			best := *m.exp.BestMetric
			exp.BestMetric = &best
		}
		return nil
	})
	return exp, err
}

// UpdateExperimentProfile applies one field of patch, chosen by typ.
func (m *Manager) UpdateExperimentProfile(patch Profile, typ UpdateType) error {
	return m.do(func() error {
		if err := m.writable(); err != nil {
			return err
		}
		if m.exp.Status.Terminal() || m.exp.Status == Stopping {
			return kerrors.NewValidationError("experiment %s is %s", m.exp.ID, m.exp.Status)
		}
		p := m.exp.Profile
		switch typ {
		case UpdateSearchSpace:
			if _, err := searchspace.Parse(patch.SearchSpace); err != nil {
				return err
			}
			p.SearchSpace = patch.SearchSpace
		case UpdateTrialConcurrency:
			if patch.TrialConcurrency <= 0 {
				return kerrors.NewValidationError("trialConcurrency must be positive, got %d", patch.TrialConcurrency)
			}
			p.TrialConcurrency = patch.TrialConcurrency
		case UpdateMaxExecDuration:
			if patch.MaxExecDuration < 0 {
				return kerrors.NewValidationError("maxExecDuration must not be negative")
			}
			p.MaxExecDuration = patch.MaxExecDuration
		case UpdateMaxTrialNum:
			if patch.MaxTrialNum < 0 {
				return kerrors.NewValidationError("maxTrialNum must not be negative, got %d", patch.MaxTrialNum)
			}
			p.MaxTrialNum = patch.MaxTrialNum
		default:
			return kerrors.NewValidationError("unknown profile update type %q", typ)
		}
		m.exp.Profile = p
		if !m.record(journal.ProfileEvent, profileRecord{ID: m.exp.ID, Profile: p, StartTime: m.exp.StartTime}) {
			return errors.New(m.exp.ErrorMsg)
		}
		if typ == UpdateSearchSpace {
			m.sendAdvisor(protocol.UpdateSearchSpace, protocol.InitializeData{SearchSpace: p.SearchSpace})
		}
		if m.limitReached && !m.limitHit() {
			m.limitReached = false
			if m.exp.Status == NoMoreTrial && !m.advisorExhausted {
				m.setStatus(Running)
			}
		}
		return nil
	})
}

// AddCustomizedTrialJob queues a trial with caller-chosen parameters. It
// bypasses the advisor and returns the trial's sequence id.
func (m *Manager) AddCustomizedTrialJob(params map[string]interface{}) (int, error) {
	seq := -1
	err := m.do(func() error {
		if err := m.writable(); err != nil {
			return err
		}
		if !m.canSubmit() {
			return kerrors.NewValidationError("experiment %s is %s", m.exp.ID, m.exp.Status)
		}
		if max := m.exp.Profile.MaxTrialNum; max > 0 && len(m.order) >= max {
			return kerrors.NewValidationError("experiment %s reached maxTrialNum %d", m.exp.ID, max)
		}
		t := m.newTrial(protocol.TrialConfig{
			ParameterID:     fmt.Sprintf("customized_%d", m.nextSeq),
			ParameterSource: protocol.SourceCustomized,
			Parameters:      params,
		})
		m.queued = append(m.queued, t)
		m.recordTrial(t)
		seq = t.SequenceID
		return nil
	})
	return seq, err
}

// CancelTrialJobByUser cancels a trial. It returns once the backend
// confirmed or the bounded wait ran out; in the latter case the trial is
// left UNKNOWN.
func (m *Manager) CancelTrialJobByUser(id string) error {
	return m.doAsync(func(reply func(error)) {
		if err := m.writable(); err != nil {
			reply(err)
			return
		}
		t, ok := m.trials[id]
		if !ok {
			reply(kerrors.NewNotFoundError("no trial job %s", id))
			return
		}
		m.cancelTrial(t, reply)
	})
}

// ListTrialJobs returns trials in sequence order, optionally only those in
// status.
func (m *Manager) ListTrialJobs(status ts.Status) ([]TrialJob, error) {
	var out []TrialJob
	err := m.do(func() error {
		for _, t := range m.order {
			if status == "" || t.Status == status {
				out = append(out, t.copy())
			}
		}
		return nil
	})
	return out, err
}

func (m *Manager) GetTrialJob(id string) (TrialJob, error) {
	var out TrialJob
	err := m.do(func() error {
		t, ok := m.trials[id]
		if !ok {
			return kerrors.NewNotFoundError("no trial job %s", id)
		}
		out = t.copy()
		return nil
	})
	return out, err
}

func (m *Manager) GetTrialJobStatistics() (JobStatistics, error) {
	var out JobStatistics
	err := m.do(func() error {
		out = m.statistics()
		return nil
	})
	return out, err
}

// GetMetricData returns metric records, filtered by trial and type when
// those are given.
func (m *Manager) GetMetricData(trialJobID string, typ metrics.MetricType) ([]metrics.Record, error) {
	if typ != "" && !typ.Valid() {
		return nil, kerrors.NewValidationError("unknown metric type %q", typ)
	}
	if trialJobID != "" {
		if _, err := m.GetTrialJob(trialJobID); err != nil {
			return nil, err
		}
	}
	return m.store.Query(trialJobID, typ), nil
}

// GetMetricDataByRange returns the records of trials whose sequence id is
// in [minSeqID, maxSeqID].
func (m *Manager) GetMetricDataByRange(minSeqID, maxSeqID int) ([]metrics.Record, error) {
	if minSeqID > maxSeqID {
		return nil, kerrors.NewValidationError("invalid range [%d, %d]", minSeqID, maxSeqID)
	}
	return m.store.Range(minSeqID, maxSeqID), nil
}

// GetLatestMetricData returns each trial's latest record.
func (m *Manager) GetLatestMetricData() ([]metrics.Record, error) {
	return m.store.Latest(), nil
}

// ExportData returns parameters and final value of every trial that
// reported a FINAL metric.
func (m *Manager) ExportData() ([]ExportedTrial, error) {
	var out []ExportedTrial
	err := m.do(func() error {
		for _, t := range m.order {
			finals := m.store.Query(t.ID, metrics.Final)
			if len(finals) == 0 {
				continue
			}
			last := finals[0]
			for _, r := range finals[1:] {
				if r.Sequence > last.Sequence {
					last = r
				}
			}
			out = append(out, ExportedTrial{Parameters: t.copy().Parameters, Value: last.Data, ID: t.ID})
		}
		return nil
	})
	return out, err
}

// ImportData records previously observed trials and forwards them to the
// advisor. data is a JSON array of {parameter, value}.
func (m *Manager) ImportData(data []byte) error {
	var trials []protocol.ImportedTrial
	if err := json.Unmarshal(data, &trials); err != nil {
		return kerrors.NewValidationError("import data is not a list of trials: %v", err)
	}
	return m.do(func() error {
		if err := m.writable(); err != nil {
			return err
		}
		if !m.record(journal.ImportEvent, string(data)) {
			return errors.New(m.exp.ErrorMsg)
		}
		m.imported = append(m.imported, string(data))
		m.sendAdvisor(protocol.ImportData, trials)
		return nil
	})
}

func (m *Manager) GetImportedData() ([]string, error) {
	var out []string
	err := m.do(func() error {
		out = append([]string(nil), m.imported...)
		return nil
	})
	return out, err
}

// StopExperimentTopHalf stops trial generation and returns at once.
func (m *Manager) StopExperimentTopHalf() error {
	return m.do(func() error {
		if err := m.writable(); err != nil {
			return err
		}
		if m.exp.Status.Terminal() || m.exp.Status == Stopping {
			return nil
		}
		m.setStatus(Stopping)
		return nil
	})
}

type stopTarget struct {
	trialID string
	handle  ts.Handle
}

// StopExperimentBottomHalf cancels every outstanding trial, each with the
// bounded wait, then terminates the advisor and marks the experiment
// STOPPED.
func (m *Manager) StopExperimentBottomHalf(ctx context.Context) error {
	if err := m.StopExperimentTopHalf(); err != nil {
		return err
	}
	var targets []stopTarget
	err := m.do(func() error {
		if m.exp.Status != Stopping {
			return nil
		}
		m.pendingConfigs = nil
		for _, t := range m.order {
			if t.settled() {
				continue
			}
			switch {
			case t.Handle != "":
				targets = append(targets, stopTarget{trialID: t.ID, handle: t.Handle})
			case t.submitting:
				t.cancelRequested = true
			default:
				m.unqueue(t)
				m.endTrial(t, ts.UserCanceled, time.Now(), "canceled before submission")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	results := make([]error, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i := range targets {
		i := i
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(gctx, m.config.CancelTimeout)
			defer cancel()
			results[i] = m.svc.Cancel(cctx, targets[i].handle)
			return nil
		})
	}
	g.Wait()

	return m.do(func() error {
		if m.exp.Status != Stopping {
			return nil
		}
		for i, target := range targets {
			if t, ok := m.trials[target.trialID]; ok {
				m.canceled(t, results[i])
			}
		}
		m.sendAdvisor(protocol.Terminate, nil)
		m.setStatus(Stopped)
		return nil
	})
}
