package cli

import (
	"github.com/spf13/cobra"
)

type resumeCmd struct{}

func (r *resumeCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <experiment id>",
		Short: "resume an experiment from its journal and run it until it finishes",
		Args:  cobra.ExactArgs(1),
	}
}

func (r *resumeCmd) run(c *CLI, cmd *cobra.Command, args []string) error {
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
	if err := m.ResumeExperiment(args[0], false); err != nil {
		return err
	}
	return c.wait(m)
}
