package manager

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/hyperband"
	"github.com/kestrel-ml/kestrel/searchspace"
)

// AdvisorProfile names the scheduling algorithm and its classArgs.
type AdvisorProfile struct {
	Name      string                 `json:"name" yaml:"name"`
	ClassArgs map[string]interface{} `json:"classArgs,omitempty" yaml:"classArgs,omitempty"`
}

// TrainingServiceProfile picks the backend and the cluster metadata applied
// to it before any trial runs.
type TrainingServiceProfile struct {
	Platform        string            `json:"platform" yaml:"platform"`
	ClusterMetadata map[string]string `json:"clusterMetadata,omitempty" yaml:"clusterMetadata,omitempty"`
}

// Profile is everything a caller specifies about an experiment.
type Profile struct {
	Name             string                 `json:"name,omitempty" yaml:"name,omitempty"`
	SearchSpace      json.RawMessage        `json:"searchSpace" yaml:"-"`
	TrialConcurrency int                    `json:"trialConcurrency" yaml:"trialConcurrency"`
	MaxTrialNum      int                    `json:"maxTrialNum,omitempty" yaml:"maxTrialNum,omitempty"`
	MaxExecDuration  Duration               `json:"maxExecDuration,omitempty" yaml:"maxExecDuration,omitempty"`
	Advisor          AdvisorProfile         `json:"advisor" yaml:"advisor"`
	TrainingService  TrainingServiceProfile `json:"trainingService" yaml:"trainingService"`
}

// Duration is a time.Duration that reads and writes as "90m", "2h".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		var n int64
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalText(b []byte) error {
	return d.parse(string(b))
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

const HyperbandAdvisor = "Hyperband"

// AdvisorConfig decodes the profile's classArgs. Only Hyperband is
// supported.
func (p Profile) AdvisorConfig() (hyperband.Config, error) {
	if !strings.EqualFold(p.Advisor.Name, HyperbandAdvisor) {
		return hyperband.Config{}, kerrors.NewValidationError("unsupported advisor %q", p.Advisor.Name)
	}
	return hyperband.DecodeConfig(p.Advisor.ClassArgs)
}

// Validate rejects a profile before anything is mutated, reporting every
// problem at once.
func (p Profile) Validate() error {
	var result *multierror.Error
	if p.TrialConcurrency <= 0 {
		result = multierror.Append(result, fmt.Errorf("trialConcurrency must be positive, got %d", p.TrialConcurrency))
	}
	if p.MaxTrialNum < 0 {
		result = multierror.Append(result, fmt.Errorf("maxTrialNum must not be negative, got %d", p.MaxTrialNum))
	}
	if p.MaxExecDuration < 0 {
		result = multierror.Append(result, fmt.Errorf("maxExecDuration must not be negative"))
	}
	if _, err := searchspace.Parse(p.SearchSpace); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "searchSpace"))
	}
	if _, err := p.AdvisorConfig(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "advisor"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return kerrors.NewValidationError("invalid experiment profile: %v", err)
	}
	return nil
}

// withSeed returns a copy whose classArgs carry a sampling seed, so the
// advisor rebuilt on resume draws the same configurations. The seed is
// kept within 53 bits so it survives a round trip through JSON.
func (p Profile) withSeed(seed int64) Profile {
	args := make(map[string]interface{}, len(p.Advisor.ClassArgs)+1)
	for k, v := range p.Advisor.ClassArgs {
		args[k] = v
	}
	if _, ok := args["seed"]; !ok {
		args["seed"] = seed & (1<<53 - 1)
	}
	p.Advisor.ClassArgs = args
	return p
}

type UpdateType string

const (
	UpdateSearchSpace      UpdateType = "SEARCH_SPACE"
	UpdateTrialConcurrency UpdateType = "TRIAL_CONCURRENCY"
	UpdateMaxExecDuration  UpdateType = "MAX_EXEC_DURATION"
	UpdateMaxTrialNum      UpdateType = "MAX_TRIAL_NUM"
)
