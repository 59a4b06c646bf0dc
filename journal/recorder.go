package journal

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/kestrel-ml/kestrel/common/stats"
)

// A Recorder is the write side of one experiment's log. It assigns event
// sequence numbers and is safe for concurrent use.
type Recorder struct {
	log   Journal
	expID string
	stat  stats.StatsReceiver

	mu  sync.Mutex
	seq int64
}

// NewRecorder starts (or reopens) expID's log and continues numbering after
// the last event already in it.
func NewRecorder(log Journal, expID string, stat stats.StatsReceiver) (*Recorder, error) {
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	if err := log.StartExperiment(expID); err != nil {
		return nil, errors.Wrapf(err, "starting journal for experiment %s", expID)
	}
	events, err := log.GetEvents(expID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading journal for experiment %s", expID)
	}
	var last int64
	for _, ev := range events {
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	return &Recorder{log: log, expID: expID, stat: stat.Scope("journal"), seq: last}, nil
}

func (r *Recorder) ExperimentID() string {
	return r.expID
}

// Record appends payload as an event of type typ.
func (r *Recorder) Record(typ EventType, payload interface{}) error {
	defer r.stat.Latency(stats.JournalAppendLatency_ms).Time().Stop()
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, err := MakeEvent(r.expID, r.seq+1, typ, payload)
	if err != nil {
		return err
	}
	if err := r.log.LogEvent(ev); err != nil {
		return errors.Wrapf(err, "logging %s", ev)
	}
	r.seq = ev.Seq
	return nil
}

// Events returns the experiment's log, verifying it is well ordered.
func (r *Recorder) Events() ([]Event, error) {
	events, err := r.log.GetEvents(r.expID)
	if err != nil {
		return nil, err
	}
	return events, Validate(r.expID, events)
}

// Validate checks that events carry known types and strictly increasing
// sequence numbers.
func Validate(expID string, events []Event) error {
	var last int64
	for _, ev := range events {
		if !ev.Type.Valid() {
			return NewCorruptedJournalError(expID, "unknown event type "+string(ev.Type))
		}
		if ev.Seq <= last {
			return NewCorruptedJournalError(expID, "events out of order at "+ev.String())
		}
		last = ev.Seq
	}
	return nil
}
