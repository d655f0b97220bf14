package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/config"
	"github.com/cgwalters/bcvk/internal/log"
)

// app bundles the resolved configuration and logger every leaf command
// needs, assembled once in root's PersistentPreRunE the way the teacher's
// main.go wires config/log before constructing any manager.
type app struct {
	cfg *config.Config
	log logrus.FieldLogger

	logLevel        string
	runtimeBin      string
	connectURI      string
	supervisorImage string
}

func newRootCommand() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "bcvk",
		Short:         "Run bootc container images as virtual machines",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrGenerate(config.Path())
			if err != nil {
				return err
			}
			if a.logLevel != "" {
				cfg.LogLevel = a.logLevel
			}
			if a.runtimeBin != "" {
				cfg.ContainerRuntime = a.runtimeBin
			}
			if a.connectURI != "" {
				cfg.LibvirtURI = a.connectURI
			}
			if a.supervisorImage != "" {
				cfg.SupervisorImage = a.supervisorImage
			}
			a.cfg = cfg
			a.log = log.Init(cfg.LogLevel)
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&a.runtimeBin, "runtime", "", "container runtime binary (podman, docker)")
	root.PersistentFlags().StringVar(&a.connectURI, "connect", "", "hypervisor manager connection URI")
	root.PersistentFlags().StringVar(&a.supervisorImage, "supervisor-image", "", "image the privileged outer container starts from (default: bcvk's own packaged image)")

	root.AddCommand(
		newEphemeralCommand(a),
		newToDiskCommand(a),
		newImagesCommand(a),
		newLibvirtCommand(a),
		newInternalSupervisorCommand(a),
	)
	return root
}
