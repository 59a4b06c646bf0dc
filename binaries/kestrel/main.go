package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	kerrors "github.com/kestrel-ml/kestrel/common/errors"
	"github.com/kestrel-ml/kestrel/common/log/hooks"
	"github.com/kestrel-ml/kestrel/cli"
)

// kestrel runs hyperparameter search experiments.
//	Supported commands: (see "-h" for all options)
//		start [profile.yaml]
//		resume [experiment id]
//		show [experiment id]
//		experiments
//		advisor --class_args [json]
//	Global flags:
//		--config [named configuration, e.g. local.sqlite]
//		--config_file [yaml/json overlay]
//		--log_level [<error|warn|info|debug> level and above should be logged]

func main() {
	log.AddHook(hooks.NewContextHook())
	log.SetOutput(os.Stderr)

	if err := cli.NewCLI(os.Stdout).Exec(); err != nil {
		log.WithFields(log.Fields{"err": err}).Error("kestrel failed")
		os.Exit(int(kerrors.GetExitCode(err)))
	}
}
