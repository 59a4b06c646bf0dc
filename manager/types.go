package manager

import (
	"time"

	"github.com/kestrel-ml/kestrel/protocol"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

type ExperimentStatus string

const (
	Initialized ExperimentStatus = "INITIALIZED"
	Running     ExperimentStatus = "RUNNING"
	Stopping    ExperimentStatus = "STOPPING"
	Stopped     ExperimentStatus = "STOPPED"
	Done        ExperimentStatus = "DONE"
	Error       ExperimentStatus = "ERROR"
	NoMoreTrial ExperimentStatus = "NO_MORE_TRIAL"
)

func (s ExperimentStatus) Terminal() bool {
	return s == Stopped || s == Done || s == Error
}

// Experiment is the orchestrator's view of one experiment.
type Experiment struct {
	ID         string               `json:"id"`
	Status     ExperimentStatus     `json:"status"`
	Profile    Profile              `json:"profile"`
	StartTime  time.Time            `json:"startTime"`
	EndTime    time.Time            `json:"endTime,omitempty"`
	ErrorMsg   string               `json:"errorMsg,omitempty"`
	BestMetric *protocol.BestMetric `json:"bestMetric,omitempty"`
}

// statusChange is the payload of a journal status event.
type statusChange struct {
	Status   ExperimentStatus `json:"status"`
	ErrorMsg string           `json:"errorMsg,omitempty"`
	// Set when a trial count or duration limit caused NO_MORE_TRIAL.
	LimitReached bool `json:"limitReached,omitempty"`
}

// profileRecord is the payload of a journal profile event.
type profileRecord struct {
	ID        string    `json:"id"`
	Profile   Profile   `json:"profile"`
	StartTime time.Time `json:"startTime"`
}

// TrialJob is one trial. The journal stores a full snapshot on every change.
type TrialJob struct {
	ID              string                 `json:"id"`
	SequenceID      int                    `json:"sequenceId"`
	Status          ts.Status              `json:"status"`
	ParameterID     string                 `json:"parameterId"`
	ParameterSource string                 `json:"parameterSource"`
	Parameters      map[string]interface{} `json:"parameters"`
	SubmitTime      time.Time              `json:"submitTime"`
	StartTime       time.Time              `json:"startTime,omitempty"`
	EndTime         time.Time              `json:"endTime,omitempty"`
	LogPath         string                 `json:"logPath,omitempty"`
	ErrorPath       string                 `json:"errorPath,omitempty"`
	Message         string                 `json:"message,omitempty"`
	Handle          ts.Handle              `json:"handle,omitempty"`
	Released        bool                   `json:"released,omitempty"`
	// The advisor was told this trial ended.
	EndReported bool `json:"endReported,omitempty"`

	// Loop-only bookkeeping, not persisted.
	submitting      bool
	cancelRequested bool
	cancelReplies   []func(error)
}

// settled reports whether the trial no longer holds a concurrency slot.
// UNKNOWN trials were abandoned after a cancel that never confirmed.
func (t *TrialJob) settled() bool {
	return t.Status.Terminal() || t.Status == ts.Unknown
}

func (t *TrialJob) copy() TrialJob {
	c := *t
	c.cancelReplies = nil
	if t.Parameters != nil {
		c.Parameters = make(map[string]interface{}, len(t.Parameters))
		for k, v := range t.Parameters {
			c.Parameters[k] = v
		}
	}
	return c
}

// StatusCount is one row of the job statistics.
type StatusCount struct {
	Status ts.Status `json:"trialJobStatus"`
	Count  int       `json:"trialJobNumber"`
}

// JobStatistics summarizes trials by status, and the average run time of
// succeeded trials per budget.
type JobStatistics struct {
	Counts           []StatusCount            `json:"counts"`
	AverageDurations map[string]time.Duration `json:"averageDurations"`
}

// ExportedTrial is one entry of exportData.
type ExportedTrial struct {
	Parameters map[string]interface{} `json:"parameter"`
	Value      string                 `json:"value"`
	ID         string                 `json:"id"`
}

// metadataRecord is the payload of a journal metadata event.
type metadataRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}
