// Package cli is the kestrel command line: it starts, resumes and inspects
// experiments, and serves the Hyperband advisor over stdio.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kestrel-ml/kestrel/common/stats"
	"github.com/kestrel-ml/kestrel/config"
	"github.com/kestrel-ml/kestrel/journal"
	"github.com/kestrel-ml/kestrel/manager"
	ts "github.com/kestrel-ml/kestrel/trainingservice"
)

const (
	defaultConfig = "local.memory"

	// How long a stop waits for every trial to be canceled.
	stopTimeout = time.Minute
)

// CLI is the kestrel command tree.
type CLI struct {
	rootCmd *cobra.Command
	out     io.Writer

	configName string
	configFile string
	logLevel   string
	stat       stats.StatsReceiver
}

func (c *CLI) Exec() error {
	return c.rootCmd.Execute()
}

// NewCLI builds the command tree. Results are written to out, logs to
// stderr.
func NewCLI(out io.Writer) *CLI {
	c := &CLI{out: out}
	c.rootCmd = &cobra.Command{
		Use:               "kestrel",
		Short:             "kestrel runs hyperparameter search experiments",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.setup,
	}
	c.rootCmd.PersistentFlags().StringVar(&c.configName, "config", defaultConfig, "named configuration")
	c.rootCmd.PersistentFlags().StringVar(&c.configFile, "config_file", "", "config file overlaid on the named configuration")
	c.rootCmd.PersistentFlags().StringVar(&c.logLevel, "log_level", "info", "<error|warn|info|debug> level and above is logged")

	c.addCmd(&startCmd{})
	c.addCmd(&resumeCmd{})
	c.addCmd(&showCmd{})
	c.addCmd(&experimentsCmd{})
	c.addCmd(&advisorCmd{})
	return c
}

func (c *CLI) setup(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(c.logLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	c.stat = stats.NewCustomStatsReceiver(stats.NewFinagleStatsRegistry).Precision(time.Millisecond)
	return nil
}

func (c *CLI) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

type command interface {
	registerFlags() *cobra.Command
	run(c *CLI, cmd *cobra.Command, args []string) error
}

// env is what an experiment command runs against.
type env struct {
	configs *config.JSONConfigs
	journal journal.Journal
	svc     ts.Service
	closers []func() error
}

func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			log.WithFields(log.Fields{"err": err}).Warn("Close failed")
		}
	}
}

func (c *CLI) loadEnv(withService bool) (*env, error) {
	configs, err := config.Load(c.configName, c.configFile)
	if err != nil {
		return nil, err
	}
	e := &env{configs: configs}
	j, closeJournal, err := configs.Journal.Create()
	if err != nil {
		return nil, err
	}
	e.journal = j
	e.closers = append(e.closers, closeJournal)
	if !withService {
		return e, nil
	}
	svc, err := configs.TrainingService.Create()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.svc = svc
	if closer, ok := svc.(io.Closer); ok {
		e.closers = append(e.closers, closer.Close)
	}
	return e, nil
}

func (c *CLI) newManager(e *env) (*manager.Manager, error) {
	mcfg, err := e.configs.Manager.CreateManagerConfig()
	if err != nil {
		return nil, err
	}
	return manager.NewManager(mcfg, e.svc, e.journal, nil, c.stat)
}

// wait blocks until the experiment finishes. SIGINT or SIGTERM stops it
// first. It then prints the experiment summary.
func (c *CLI) wait(m *manager.Manager) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-m.Finished():
	case sig := <-sigCh:
		log.WithFields(log.Fields{"signal": sig}).Info("Stopping experiment")
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		err := m.StopExperimentBottomHalf(ctx)
		cancel()
		if err != nil {
			return err
		}
	}
	if err := c.printSummary(m, false); err != nil {
		return err
	}
	log.Debugf("stats: %s", c.stat.Render(false))
	return m.Err()
}

type summary struct {
	Experiment manager.Experiment    `json:"experiment"`
	Statistics manager.JobStatistics `json:"statistics"`
	Trials     []manager.TrialJob    `json:"trials,omitempty"`
}

func (c *CLI) printSummary(m *manager.Manager, withTrials bool) error {
	exp, err := m.GetExperiment()
	if err != nil {
		return err
	}
	st, err := m.GetTrialJobStatistics()
	if err != nil {
		return err
	}
	s := summary{Experiment: exp, Statistics: st}
	if withTrials {
		if s.Trials, err = m.ListTrialJobs(""); err != nil {
			return err
		}
	}
	return c.printJSON(s)
}

func (c *CLI) printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, string(data))
	return err
}
