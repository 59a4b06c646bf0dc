package manager

import (
	log "github.com/sirupsen/logrus"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/common/stats"
	"github.com/kestrel-ml/kestrel/journal"
	"github.com/kestrel-ml/kestrel/protocol"
)

// connectAdvisor serves adv over an in-process pipe. Everything the advisor
// sends is delivered to the loop through advisorCh.
func (m *Manager) connectAdvisor(adv Advisor) {
	ours, theirs := protocol.NewPipe()
	m.conn = ours
	go func() {
		if err := adv.Run(m.ctx, theirs); err != nil && m.ctx.Err() == nil {
			log.WithFields(log.Fields{
				"experimentID": m.exp.ID,
				"err":          err,
			}).Error("Advisor exited")
		}
		theirs.Close()
	}()
	go m.readAdvisor(ours)
}

func (m *Manager) readAdvisor(conn protocol.Conn) {
	for {
		msg, err := conn.Receive(m.ctx)
		select {
		case m.advisorCh <- advisorMsg{msg: msg, err: err}:
		case <-m.ctx.Done():
			return
		}
		if err != nil && !kerrors.IsProtocol(err) {
			return
		}
	}
}

// sendAdvisor journals m and then sends it, so a resumed experiment can
// rebuild the advisor by replaying exactly what it was told.
func (m *Manager) sendAdvisor(cmd protocol.Command, payload interface{}) {
	if m.conn == nil {
		return
	}
	msg, err := protocol.NewMessage(cmd, payload)
	if err != nil {
		log.WithFields(log.Fields{
			"command": cmd.String(),
			"err":     err,
		}).Error("Couldn't encode advisor message")
		return
	}
	if !m.record(journal.DispatchEvent, msg) {
		return
	}
	if err := m.conn.Send(msg); err != nil {
		log.WithFields(log.Fields{
			"experimentID": m.exp.ID,
			"command":      cmd.String(),
			"err":          err,
		}).Warn("Couldn't send advisor message")
	}
}

func (m *Manager) handleAdvisorMessage(am advisorMsg) {
	if am.err != nil {
		if kerrors.IsProtocol(am.err) {
			m.protocolError(am.msg, am.err)
			return
		}
		if m.exp.Status.Terminal() || m.exp.Status == Stopping || m.ctx.Err() != nil {
			return
		}
		m.fail(kerrors.NewFatalError(am.err, kerrors.AdvisorFailureExitCode))
		return
	}
	m.applyAdvisorOutput(am.msg)
}

// applyAdvisorOutput handles one message from the advisor. It is also used
// when replaying the journal on resume.
func (m *Manager) applyAdvisorOutput(msg protocol.Message) {
	switch msg.Command {
	case protocol.NewTrialJob:
		var cfg protocol.TrialConfig
		if err := msg.Decode(&cfg); err != nil {
			m.protocolError(msg, err)
			return
		}
		if m.credits > 0 {
			m.credits--
		}
		m.pendingConfigs = append(m.pendingConfigs, cfg)

	case protocol.NoMoreTrialJobs:
		m.advisorExhausted = true
		if m.exp.Status == Running {
			m.setStatus(NoMoreTrial)
		}

	case protocol.BestFinalMetric:
		var best protocol.BestMetric
		if err := msg.Decode(&best); err != nil {
			m.protocolError(msg, err)
			return
		}
		m.exp.BestMetric = &best
		log.WithFields(log.Fields{
			"experimentID": m.exp.ID,
			"parameterID":  best.ParameterID,
			"trialJobID":   best.TrialJobID,
			"value":        best.Value,
		}).Info("Best final metric")

	default:
		m.protocolError(msg, kerrors.NewProtocolError("orchestrator cannot handle %s", msg.Command))
	}
}

func (m *Manager) protocolError(msg protocol.Message, err error) {
	m.stat.Counter(stats.ManagerProtocolErrCounter).Inc(1)
	log.WithFields(log.Fields{
		"experimentID": m.exp.ID,
		"command":      string(msg.Command),
		"err":          err,
	}).Error("Dropped malformed advisor message")
}

// requestTrials hands the advisor one credit per concurrency slot nothing
// else has claimed yet.
func (m *Manager) requestTrials() {
	if m.exp.Status != Running || m.advisorExhausted {
		return
	}
	free := m.freeSlots()
	if max := m.exp.Profile.MaxTrialNum; max > 0 {
		if remaining := max - len(m.order) - len(m.pendingConfigs) - m.credits; remaining < free {
			free = remaining
		}
	}
	if free <= 0 {
		return
	}
	m.credits += free
	m.sendAdvisor(protocol.RequestTrialJobs, protocol.RequestData{Count: free})
}

// freeSlots is concurrency minus everything already occupying or promised
// a slot.
func (m *Manager) freeSlots() int {
	free := m.exp.Profile.TrialConcurrency - m.occupied() - len(m.pendingConfigs) - m.credits
	if free < 0 {
		return 0
	}
	return free
}

// occupied counts trials that hold, or are waiting for, a slot.
func (m *Manager) occupied() int {
	n := 0
	for _, t := range m.order {
		if !t.settled() {
			n++
		}
	}
	return n
}
