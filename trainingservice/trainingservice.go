// Package trainingservice is the contract between the orchestrator and a
// compute backend. The orchestrator holds only a Service; each backend
// (memory, local, docker) is one implementation.
package trainingservice

//go:generate mockgen -source=trainingservice.go -package=trainingservice -destination=trainingservice_mock.go

import (
	"context"
	"time"

	"github.com/kestrel-ml/kestrel/metrics"
)

type Status string

const (
	Waiting      Status = "WAITING"
	Running      Status = "RUNNING"
	Succeeded    Status = "SUCCEEDED"
	Failed       Status = "FAILED"
	UserCanceled Status = "USER_CANCELED"
	SysCanceled  Status = "SYS_CANCELED"
	EarlyStopped Status = "EARLY_STOPPED"
	Unknown      Status = "UNKNOWN"
)

func (s Status) Terminal() bool {
	switch s {
	case Succeeded, Failed, UserCanceled, SysCanceled, EarlyStopped:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case Waiting, Running, Unknown:
		return true
	}
	return s.Terminal()
}

// Handle is the backend's opaque reference to a submitted trial.
type Handle string

// Env vars every trial process receives.
const (
	EnvTrialJobID  = "KESTREL_TRIAL_JOB_ID"
	EnvExpID       = "KESTREL_EXP_ID"
	EnvTrialSeqID  = "KESTREL_TRIAL_SEQ_ID"
	EnvSysDir      = "KESTREL_SYS_DIR"
	EnvMetricFile  = "KESTREL_METRIC_FILE"
	ParameterFile  = "parameter.cfg"
	MetricFileName = "metrics.jsonl"
)

// TrialSpec is everything a backend needs to launch one trial.
type TrialSpec struct {
	TrialJobID   string
	ExperimentID string
	SequenceID   int
	ParameterID  string
	// Content of the trial's parameter.cfg.
	Parameters []byte
	// Directory the trial may write to; the local backend runs it there.
	WorkDir string
}

// Env returns the trial's environment, as KEY=VALUE pairs.
func (s TrialSpec) Env(sysDir, metricFile string) []string {
	return []string{
		EnvTrialJobID + "=" + s.TrialJobID,
		EnvExpID + "=" + s.ExperimentID,
		EnvTrialSeqID + "=" + itoa(s.SequenceID),
		EnvSysDir + "=" + sysDir,
		EnvMetricFile + "=" + metricFile,
	}
}

// StatusUpdate is a backend observation of one trial.
type StatusUpdate struct {
	Handle Handle
	// TrialJobID of the spec the trial was submitted with. Set by List.
	TrialJobID string
	Status     Status
	StartTime time.Time
	EndTime   time.Time
	ExitCode  int
	Message   string
}

// MetricUpdate is a metric line a trial wrote.
type MetricUpdate struct {
	Handle Handle
	Report metrics.Report
}

// Update is what changed since the previous Poll.
type Update struct {
	Statuses []StatusUpdate
	Metrics  []MetricUpdate
}

type Service interface {
	// Submit launches a trial. An error is a TrainingServiceError the
	// caller may retry.
	Submit(ctx context.Context, spec TrialSpec) (Handle, error)

	// Cancel asks the backend to stop a trial. It returns once the backend
	// has confirmed or ctx is done.
	Cancel(ctx context.Context, h Handle) error

	// Poll returns status changes and new metric lines since the last Poll.
	Poll(ctx context.Context) (Update, error)

	// List returns the current status of every trial the backend knows.
	List(ctx context.Context) ([]StatusUpdate, error)

	// SetClusterMetadata configures the backend before any trial runs. A
	// rejected key or value is returned as an error.
	SetClusterMetadata(key, value string) error

	// Release frees whatever the backend holds for a trial in a terminal
	// status. Called exactly once per handle.
	Release(h Handle)
}
