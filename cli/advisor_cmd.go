package cli

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/hyperband"
	"github.com/kestrel-ml/kestrel/protocol"
)

type advisorCmd struct {
	classArgs string
}

func (a *advisorCmd) registerFlags() *cobra.Command {
	r := &cobra.Command{
		Use:   "advisor",
		Short: "serve the Hyperband advisor over stdin/stdout",
		Args:  cobra.NoArgs,
	}
	r.Flags().StringVar(&a.classArgs, "class_args", "{}", "Hyperband classArgs as JSON")
	return r
}

func (a *advisorCmd) run(c *CLI, cmd *cobra.Command, args []string) error {
	var classArgs map[string]interface{}
	if err := json.Unmarshal([]byte(a.classArgs), &classArgs); err != nil {
		return kerrors.NewValidationError("class_args: %v", err)
	}
	cfg, err := hyperband.DecodeConfig(classArgs)
	if err != nil {
		return err
	}
	adv, err := hyperband.NewAdvisor(cfg, c.stat)
	if err != nil {
		return err
	}
	conn := protocol.NewStreamConn(cmd.InOrStdin(), cmd.OutOrStdout(), nil)
	defer conn.Close()
	if err := adv.Run(context.Background(), conn); err != nil {
		return kerrors.NewFatalError(err, kerrors.AdvisorFailureExitCode)
	}
	return nil
}
