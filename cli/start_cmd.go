package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrel-ml/kestrel/config"
)

type startCmd struct {
	detach bool
}

func (s *startCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "start <profile.yaml>",
		Short: "start an experiment and run it until it finishes",
		Args:  cobra.ExactArgs(1),
	}
	r.Flags().BoolVar(&s.detach, "detach", false, "print the experiment id and return once the experiment started")
	return r
}

func (s *startCmd) run(c *CLI, cmd *cobra.Command, args []string) error {
	profile, err := config.LoadProfile(args[0])
	if err != nil {
		return err
	}
	e, err := c.loadEnv(true)
	if err != nil {
		return err
	}
	defer e.Close()

	m, err := c.newManager(e)
	if err != nil {
		return err
	}
	defer m.Close()
	id, err := m.StartExperiment(profile)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.ErrOrStderr(), "experiment", id)
	if s.detach {
		return nil
	}
	return c.wait(m)
}
