// Package config turns a named preset, an optional config file and
// KESTREL_* environment variables into the pieces a kestrel process runs
// with: manager settings, a journal and a training service.
package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/hyperband"
	"github.com/kestrel-ml/kestrel/journal"
	"github.com/kestrel-ml/kestrel/journal/journals"
	"github.com/kestrel-ml/kestrel/manager"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
	"github.com/kestrel-ml/kestrel/trainingservice/docker"
	"github.com/kestrel-ml/kestrel/trainingservice/local"
	"github.com/kestrel-ml/kestrel/trainingservice/memory"
)

// Env vars override config keys: KESTREL_MANAGER_POLLINTERVAL=5s.
const EnvPrefix = "KESTREL"

// JSONConfigs holds the original json configs
type JSONConfigs struct {
	Manager         ManagerJSONConfig         `json:"Manager" mapstructure:"Manager"`
	Journal         JournalJSONConfig         `json:"Journal" mapstructure:"Journal"`
	TrainingService TrainingServiceJSONConfig `json:"TrainingService" mapstructure:"TrainingService"`
}

func (c JSONConfigs) String() string {
	return fmt.Sprintf("\n%s\n%s\n%s", c.Manager, c.Journal, c.TrainingService)
}

type ManagerJSONConfig struct {
	Type           string `json:"Type" mapstructure:"Type"`                     // default
	TickRate       string `json:"TickRate" mapstructure:"TickRate"`             // default to 250ms
	PollInterval   string `json:"PollInterval" mapstructure:"PollInterval"`     // default to 1s
	PollTimeout    string `json:"PollTimeout" mapstructure:"PollTimeout"`       // default to 30s
	CancelTimeout  string `json:"CancelTimeout" mapstructure:"CancelTimeout"`   // default to 10s
	SubmitRetries  int    `json:"SubmitRetries" mapstructure:"SubmitRetries"`   // default to 5
	SubmitBackoff  string `json:"SubmitBackoff" mapstructure:"SubmitBackoff"`   // default to 500ms
	SubmitMaxDelay string `json:"SubmitMaxDelay" mapstructure:"SubmitMaxDelay"` // default to 30s
	WorkDir        string `json:"WorkDir" mapstructure:"WorkDir"`               // default to $TMPDIR/kestrel
}

func (c ManagerJSONConfig) String() string {
	return fmt.Sprintf("ManagerJSONConfig: TickRate: %s, PollInterval: %s, PollTimeout: %s, CancelTimeout: %s, "+
		"SubmitRetries: %d, SubmitBackoff: %s, SubmitMaxDelay: %s, WorkDir: %s",
		c.TickRate, c.PollInterval, c.PollTimeout, c.CancelTimeout,
		c.SubmitRetries, c.SubmitBackoff, c.SubmitMaxDelay, c.WorkDir)
}

type JournalJSONConfig struct {
	Type      string `json:"Type" mapstructure:"Type"`           // memory, file, sqlite
	Directory string `json:"Directory" mapstructure:"Directory"` // file journal, default to .kestrel/journal
	Path      string `json:"Path" mapstructure:"Path"`           // sqlite journal, default to .kestrel/journal.db
}

func (c JournalJSONConfig) String() string {
	return fmt.Sprintf("JournalJSONConfig: Type: %s, Directory: %s, Path: %s", c.Type, c.Directory, c.Path)
}

type TrainingServiceJSONConfig struct {
	Type        string   `json:"Type" mapstructure:"Type"`               // memory, local, docker
	RootDir     string   `json:"RootDir" mapstructure:"RootDir"`         // trial dirs for local and docker
	Command     []string `json:"Command" mapstructure:"Command"`         // trial argv
	AbortGrace  string   `json:"AbortGrace" mapstructure:"AbortGrace"`   // local, default to 10s
	Image       string   `json:"Image" mapstructure:"Image"`             // docker
	CPULimit    float64  `json:"CPULimit" mapstructure:"CPULimit"`       // docker, cores
	MemoryLimit int64    `json:"MemoryLimit" mapstructure:"MemoryLimit"` // docker, bytes
}

func (c TrainingServiceJSONConfig) String() string {
	return fmt.Sprintf("TrainingServiceJSONConfig: Type: %s, RootDir: %s, Command: %v, AbortGrace: %s, Image: %s",
		c.Type, c.RootDir, c.Command, c.AbortGrace, c.Image)
}

func GetConfigText(configSelector string) ([]byte, error) {
	configText, ok := Configs[configSelector]
	if !ok {
		keys := make([]string, 0, len(Configs))
		for k := range Configs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, kerrors.NewValidationError("invalid configuration %s, supported values are %v", configSelector, keys)
	}
	return []byte(configText), nil
}

// GetConfigs returns the named preset, with sections whose Type is unset
// taken from the default preset.
func GetConfigs(configName string) (*JSONConfigs, error) {
	defaultConfigText, _ := GetConfigText("default")
	defaultConfig := &JSONConfigs{}
	if err := json.Unmarshal(defaultConfigText, defaultConfig); err != nil {
		return nil, fmt.Errorf("couldn't parse the default config: %v", err)
	}

	configText, err := GetConfigText(configName)
	if err != nil {
		return nil, err
	}
	configs := &JSONConfigs{}
	if err := json.Unmarshal(configText, configs); err != nil {
		return nil, fmt.Errorf("couldn't parse top-level config: %v", err)
	}

	if configs.Manager.Type == "" {
		log.Infof("using default Manager config")
		configs.Manager = defaultConfig.Manager
	}
	if configs.Journal.Type == "" {
		log.Infof("using default Journal config")
		configs.Journal = defaultConfig.Journal
	}
	if configs.TrainingService.Type == "" {
		log.Infof("using default TrainingService config")
		configs.TrainingService = defaultConfig.TrainingService
	}
	return configs, nil
}

// Load starts from the named preset and overlays configFile, when given,
// then KESTREL_<SECTION>_<KEY> environment variables.
func Load(configName, configFile string) (*JSONConfigs, error) {
	preset, err := GetConfigs(configName)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	var defaults map[string]interface{}
	data, err := json.Marshal(preset)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &defaults); err != nil {
		return nil, err
	}
	for section, values := range defaults {
		for key, value := range values.(map[string]interface{}) {
			v.SetDefault(section+"."+key, value)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, kerrors.NewFatalError(
				errors.Wrapf(err, "reading config file %s", configFile), kerrors.ConfigFailureExitCode)
		}
	}

	configs := &JSONConfigs{}
	if err := v.Unmarshal(configs); err != nil {
		return nil, kerrors.NewFatalError(errors.Wrap(err, "decoding config"), kerrors.ConfigFailureExitCode)
	}
	log.Infof("kestrel config: %s", configs)
	return configs, nil
}

func parseDuration(name, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, kerrors.NewValidationError("%s: %v", name, err)
	}
	return d, nil
}

// CreateManagerConfig converts the json config. Unset fields keep the
// manager's defaults.
func (c ManagerJSONConfig) CreateManagerConfig() (manager.Config, error) {
	cfg := manager.Config{SubmitRetries: c.SubmitRetries, WorkDir: c.WorkDir}
	for _, d := range []struct {
		name string
		text string
		out  *time.Duration
	}{
		{"TickRate", c.TickRate, &cfg.TickRate},
		{"PollInterval", c.PollInterval, &cfg.PollInterval},
		{"PollTimeout", c.PollTimeout, &cfg.PollTimeout},
		{"CancelTimeout", c.CancelTimeout, &cfg.CancelTimeout},
		{"SubmitBackoff", c.SubmitBackoff, &cfg.SubmitBackoff},
		{"SubmitMaxDelay", c.SubmitMaxDelay, &cfg.SubmitMaxDelay},
	} {
		v, err := parseDuration(d.name, d.text)
		if err != nil {
			return manager.Config{}, err
		}
		*d.out = v
	}
	return cfg, nil
}

// Create opens the configured journal. The returned func closes it.
func (c JournalJSONConfig) Create() (journal.Journal, func() error, error) {
	noop := func() error { return nil }
	switch c.Type {
	case "memory":
		return journals.MakeInMemoryJournal(), noop, nil
	case "file":
		dir := c.Directory
		if dir == "" {
			dir = filepath.Join(".kestrel", "journal")
		}
		j, err := journals.MakeFileJournal(dir)
		return j, noop, err
	case "sqlite":
		path := c.Path
		if path == "" {
			path = filepath.Join(".kestrel", "journal.db")
		}
		return journals.MakeSQLiteJournal(path)
	}
	return nil, nil, kerrors.NewValidationError("unknown journal type %q", c.Type)
}

// Create builds the configured training service. Failing to reach a
// backend is a FatalError.
func (c TrainingServiceJSONConfig) Create() (ts.Service, error) {
	switch c.Type {
	case "memory":
		return memory.NewAutoService(memory.BudgetScore(hyperband.DefaultBudgetKey)), nil
	case "local":
		grace, err := parseDuration("AbortGrace", c.AbortGrace)
		if err != nil {
			return nil, err
		}
		return local.NewService(local.Config{RootDir: c.RootDir, Command: c.Command, AbortGrace: grace}), nil
	case "docker":
		return docker.NewService(docker.Config{
			RootDir:     c.RootDir,
			Image:       c.Image,
			Command:     c.Command,
			CPULimit:    c.CPULimit,
			MemoryLimit: c.MemoryLimit,
		})
	}
	return nil, kerrors.NewFatalError(
		errors.Errorf("unknown training service type %q", c.Type), kerrors.TrainingServiceInitExitCode)
}
