// Package metrics holds metric records reported by trials: decoding of
// their payloads and the append-only store the orchestrator queries.
package metrics

import (
	"encoding/json"
	"time"
)

type MetricType string

const (
	Periodical MetricType = "PERIODICAL"
	Final      MetricType = "FINAL"
)

func (t MetricType) Valid() bool {
	return t == Periodical || t == Final
}

// Report is one line a trial appends to its metric file, as read back by a
// training service.
type Report struct {
	TrialJobID  string     `json:"trial_job_id,omitempty"`
	ParameterID string     `json:"parameter_id"`
	Type        MetricType `json:"type"`
	Sequence    int        `json:"sequence"`
	Value       string     `json:"value"`
}

// Record is an accepted metric report. Seq is global and assigned by the
// Store; Sequence is the trial's own counter.
type Record struct {
	Seq             uint64     `json:"seq"`
	TrialJobID      string     `json:"trialJobId"`
	TrialSequenceID int        `json:"trialSequenceId"`
	ParameterID     string     `json:"parameterId"`
	Type            MetricType `json:"type"`
	Sequence        int        `json:"sequence"`
	Data            string     `json:"data"`
	Timestamp       time.Time  `json:"timestamp"`

	// Decoded from Data, never persisted.
	Value Value `json:"-"`
}

// UnmarshalJSON re-derives Value so a replayed record is usable as is.
func (r *Record) UnmarshalJSON(b []byte) error {
	type plain Record
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*r = Record(p)
	r.Value = Decode(r.Data)
	return nil
}

// Better reports whether a ranks ahead of b for the given direction.
// NaN never ranks ahead of a number.
func Better(a, b float64, maximize bool) bool {
	if a != a {
		return false
	}
	if b != b {
		return true
	}
	if maximize {
		return a > b
	}
	return a < b
}
