// Package journal is the ordered, append-only event log an experiment is
// reconstructed from on resume. Every state delta the orchestrator applies
// is recorded here before it becomes visible to callers.
package journal

import (
	"encoding/json"
	"fmt"
	"time"
)

/*
 * Journal Interface, implemented by journals.MakeInMemoryJournal,
 * journals.MakeFileJournal and journals.MakeSQLiteJournal.
 */
type Journal interface {

	/*
	 * Creates the log for an experiment. Starting an experiment that
	 * already exists is a no-op so resume can call it unconditionally.
	 */
	StartExperiment(expID string) error

	/*
	 * Appends an event to its experiment's log. Events must arrive with
	 * strictly increasing Seq per experiment.
	 */
	LogEvent(ev Event) error

	/*
	 * Returns every event of the experiment in the order it was logged.
	 * Returns an empty slice for an unknown experiment.
	 */
	GetEvents(expID string) ([]Event, error)

	/*
	 * Returns the ids of all experiments with a log.
	 */
	GetExperiments() ([]string, error)
}

type EventType string

const (
	// Last known experiment profile.
	ProfileEvent EventType = "profile"
	// Experiment status transition.
	StatusEvent EventType = "status"
	// Full trial job snapshot after a creation or status change.
	TrialEvent EventType = "trial"
	// An accepted metric record.
	MetricEvent EventType = "metric"
	// A control protocol message sent to the advisor.
	DispatchEvent EventType = "dispatch"
	// A data blob passed to importData.
	ImportEvent EventType = "import"
	// A cluster metadata key/value.
	MetadataEvent EventType = "metadata"
)

func (t EventType) Valid() bool {
	switch t {
	case ProfileEvent, StatusEvent, TrialEvent, MetricEvent, DispatchEvent, ImportEvent, MetadataEvent:
		return true
	}
	return false
}

/*
 * One entry of an experiment log. Data is the JSON encoding of the
 * event's payload. Use MakeEvent rather than building one by hand.
 */
type Event struct {
	ExpID string          `json:"expId"`
	Seq   int64           `json:"seq"`
	Type  EventType       `json:"type"`
	Time  time.Time       `json:"time"`
	Data  json.RawMessage `json:"data"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event %d: %s, Experiment %s", e.Seq, e.Type, e.ExpID)
}

func MakeEvent(expID string, seq int64, typ EventType, payload interface{}) (Event, error) {
	if !typ.Valid() {
		return Event{}, NewInvalidEventError("unknown event type %q", typ)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, NewInvalidEventError("cannot encode %s payload: %v", typ, err)
	}
	return Event{
		ExpID: expID,
		Seq:   seq,
		Type:  typ,
		Time:  time.Now().UTC(),
		Data:  data,
	}, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return NewCorruptedJournalError(e.ExpID, fmt.Sprintf("event %d (%s): %v", e.Seq, e.Type, err))
	}
	return nil
}
