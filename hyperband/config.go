package hyperband

import (
	multierror "github.com/hashicorp/go-multierror"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
)

const (
	Maximize = "maximize"
	Minimize = "minimize"

	Serial      = "serial"
	Parallelism = "parallelism"

	DefaultBudgetKey = "TRIAL_BUDGET"
)

// Config is the advisor's classArgs.
type Config struct {
	OptimizeMode string `mapstructure:"optimize_mode"`
	R            int    `mapstructure:"R"`
	Eta          int    `mapstructure:"eta"`
	ExecMode     string `mapstructure:"exec_mode"`
	// Seed for configuration sampling. Fixed per experiment so that a
	// replayed advisor makes the same choices.
	Seed int64 `mapstructure:"seed"`
	// Name of the hyperparameter carrying the budget.
	BudgetKey string `mapstructure:"budget_key"`
}

func DefaultConfig() Config {
	return Config{
		OptimizeMode: Maximize,
		R:            60,
		Eta:          3,
		ExecMode:     Parallelism,
		BudgetKey:    DefaultBudgetKey,
	}
}

// DecodeConfig overlays classArgs on DefaultConfig. Values may be strings,
// e.g. "81" for R.
func DecodeConfig(classArgs map[string]interface{}) (Config, error) {
	cfg := DefaultConfig()
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           &cfg,
	})
	if err != nil {
		return Config{}, errors.Wrap(err, "building classArgs decoder")
	}
	if err := dec.Decode(classArgs); err != nil {
		return Config{}, kerrors.NewValidationError("invalid hyperband classArgs: %v", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Maximize() bool {
	return c.OptimizeMode != Minimize
}

func (c Config) Validate() error {
	var result *multierror.Error
	if c.OptimizeMode != Maximize && c.OptimizeMode != Minimize {
		result = multierror.Append(result, errors.Errorf("optimize_mode must be %s or %s, got %q", Maximize, Minimize, c.OptimizeMode))
	}
	if c.ExecMode != Serial && c.ExecMode != Parallelism {
		result = multierror.Append(result, errors.Errorf("exec_mode must be %s or %s, got %q", Serial, Parallelism, c.ExecMode))
	}
	if c.R < 1 {
		result = multierror.Append(result, errors.Errorf("R must be at least 1, got %d", c.R))
	}
	if c.Eta < 2 {
		result = multierror.Append(result, errors.Errorf("eta must be greater than 1, got %d", c.Eta))
	}
	if c.BudgetKey == "" {
		result = multierror.Append(result, errors.New("budget_key must not be empty"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return kerrors.NewValidationError("invalid hyperband config: %v", err)
	}
	return nil
}
