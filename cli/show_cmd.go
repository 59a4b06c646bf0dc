package cli

import (
	"github.com/spf13/cobra"

	"github.com/kestrel-ml/kestrel/manager"
)

type showCmd struct {
	trials bool
}

func (s *showCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "show <experiment id>",
		Short: "print an experiment from its journal without running it",
		Args:  cobra.ExactArgs(1),
	}
	r.Flags().BoolVar(&s.trials, "trials", false, "include every trial job")
	return r
}

func (s *showCmd) run(c *CLI, cmd *cobra.Command, args []string) error {
	e, err := c.loadEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()

	mcfg, err := e.configs.Manager.CreateManagerConfig()
	if err != nil {
		return err
	}
	m, err := manager.NewManager(mcfg, nil, e.journal, nil, c.stat)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.ResumeExperiment(args[0], true); err != nil {
		return err
	}
	return c.printSummary(m, s.trials)
}

type experimentsCmd struct{}

func (x *experimentsCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "experiments",
		Short: "list the experiments in the journal",
		Args:  cobra.NoArgs,
	}
}

func (x *experimentsCmd) run(c *CLI, cmd *cobra.Command, args []string) error {
	e, err := c.loadEnv(false)
	if err != nil {
		return err
	}
	defer e.Close()
	ids, err := e.journal.GetExperiments()
	if err != nil {
		return err
	}
	return c.printJSON(ids)
}
