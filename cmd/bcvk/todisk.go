package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/bootcimage"
	"github.com/cgwalters/bcvk/internal/installer"
	"github.com/cgwalters/bcvk/internal/launch"
	"github.com/cgwalters/bcvk/internal/orchestrator"
	"github.com/cgwalters/bcvk/internal/runtime"
)

func newToDiskCommand(a *app) *cobra.Command {
	var format string
	var size string
	var console bool
	var keep bool

	cmd := &cobra.Command{
		Use:   "to-disk <image> <file>",
		Short: "Create a bootable disk artifact from a bootc image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != string(installer.FormatRaw) && format != string(installer.FormatQCOW2) {
				return fmt.Errorf("unsupported --format %q (want raw or qcow2)", format)
			}

			insp := bootcimage.New(nil, a.log)
			run := runtime.New(cmd.Context(), a.cfg.ContainerRuntime, a.log)
			orch := orchestrator.New(insp, run, launch.Launcher{}, orchestrator.WellKnownLabelValue, a.cfg.SupervisorImage, a.log)
			in := installer.New(orch, a.log)

			req := installer.Request{
				ImageReference: args[0],
				TargetPath:     args[1],
				Format:         installer.Format(format),
				ExplicitSize:   size,
				Console:        console,
				KeepOnFailure:  keep,
			}
			return in.Install(cmd.Context(), req)
		},
	}
	cmd.Flags().StringVar(&format, "format", "raw", "disk format: raw or qcow2")
	cmd.Flags().StringVar(&size, "size", "", "explicit disk size (e.g. 20GiB); default is estimated from image size")
	cmd.Flags().BoolVar(&console, "console", false, "attach the installer VM's console")
	cmd.Flags().BoolVar(&keep, "keep-on-failure", false, "preserve the partial disk file if install fails")
	return cmd
}
