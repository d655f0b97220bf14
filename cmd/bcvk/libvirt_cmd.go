package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/bootcimage"
	"github.com/cgwalters/bcvk/internal/installer"
	"github.com/cgwalters/bcvk/internal/launch"
	lxml "github.com/cgwalters/bcvk/internal/libvirtxml"
	"github.com/cgwalters/bcvk/internal/libvirtmgr"
	"github.com/cgwalters/bcvk/internal/orchestrator"
	"github.com/cgwalters/bcvk/internal/runtime"
	"github.com/cgwalters/bcvk/internal/sshkey"
)

const defaultStoragePool = "bcvk"

func newLibvirtCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "libvirt",
		Short: "Manage persistent VMs through a hypervisor manager",
	}
	cmd.AddCommand(
		newLibvirtUploadCommand(a),
		newLibvirtCreateCommand(a),
		newLibvirtListCommand(a),
		newLibvirtStartCommand(a),
		newLibvirtStopCommand(a),
		newLibvirtSSHCommand(a),
		newLibvirtRmCommand(a),
		newLibvirtInspectCommand(a),
	)
	return cmd
}

func newController(a *app) (*libvirtmgr.Controller, *installer.Installer, error) {
	insp := bootcimage.New(nil, a.log)
	run := runtime.New(context.Background(), a.cfg.ContainerRuntime, a.log)
	orch := orchestrator.New(insp, run, launch.Launcher{}, orchestrator.WellKnownLabelValue, a.cfg.SupervisorImage, a.log)
	in := installer.New(orch, a.log)
	ctrl, err := libvirtmgr.Connect(a.cfg.LibvirtURI, defaultStoragePool, in, a.log)
	return ctrl, in, err
}

func newLibvirtUploadCommand(a *app) *cobra.Command {
	var pool, volumeName, size string
	cmd := &cobra.Command{
		Use:   "upload <image>",
		Short: "Produce a disk artifact and publish it as a named volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := newController(a)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			targetPath := fmt.Sprintf("/tmp/bcvk-upload-%s.raw", volumeName)
			req := installer.Request{
				ImageReference: args[0],
				TargetPath:     targetPath,
				Format:         installer.FormatRaw,
				ExplicitSize:   size,
			}
			name, err := ctrl.Upload(cmd.Context(), req, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), name)
			return nil
		},
	}
	cmd.Flags().StringVar(&pool, "pool", defaultStoragePool, "storage pool name")
	cmd.Flags().StringVar(&volumeName, "volume-name", "vm", "volume name hint")
	cmd.Flags().StringVar(&size, "size", "", "explicit disk size override")
	return cmd
}

func newLibvirtCreateCommand(a *app) *cobra.Command {
	var name, volume, pool, network string
	var memory string
	var vcpus uint
	var start, genKey bool

	cmd := &cobra.Command{
		Use:   "create <volume-or-image> [--name name]",
		Short: "Define (and optionally start) a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			memBytes, err := units.FromHumanSize(memory)
			if err != nil {
				return fmt.Errorf("parsing --memory %q: %w", memory, err)
			}
			if name == "" {
				name = args[0]
			}

			var keyPath string
			if genKey {
				kp, err := sshkey.Generate(instanceKeyDir(a, name))
				if err != nil {
					return err
				}
				keyPath = kp.PrivateKeyPath
			}

			desc := lxml.Descriptor{
				Name:            name,
				MemoryBytes:     uint64(memBytes),
				VCPUs:           vcpus,
				VolumeName:      volume,
				StoragePoolName: pool,
				Network:         lxml.NetworkMode(network),
				SourceImage:     args[0],
				PrivateKeyPath:  keyPath,
			}

			ctrl, _, err := newController(a)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			if err := ctrl.Create(desc); err != nil {
				return err
			}
			if start {
				return ctrl.Start(name)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "domain name (default: derived from the volume/image argument)")
	cmd.Flags().StringVar(&volume, "volume", "", "storage volume backing the domain's disk")
	cmd.Flags().StringVar(&pool, "pool", defaultStoragePool, "storage pool name")
	cmd.Flags().StringVar(&network, "network", "user", "network mode: none, user, bridge")
	cmd.Flags().StringVar(&memory, "memory", "2GiB", "guest memory")
	cmd.Flags().UintVar(&vcpus, "vcpus", 2, "guest vCPU count")
	cmd.Flags().BoolVar(&start, "start", true, "start the domain immediately after defining it")
	cmd.Flags().BoolVar(&genKey, "generate-ssh-key", true, "generate an ssh keypair for this domain")
	return cmd
}

func newLibvirtListCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Enumerate domains this tool owns",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := newController(a)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			recs, err := ctrl.List(cmd.Context())
			if err != nil {
				return err
			}
			return renderRecords(cmd, recs, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
	return cmd
}

func newLibvirtInspectCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "inspect <name>",
		Short: "Render a domain record, even for domains this tool did not create",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := newController(a)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			rec, err := ctrl.Inspect(args[0])
			if err != nil {
				return err
			}
			return renderRecords(cmd, []libvirtmgr.DomainRecord{*rec}, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
	return cmd
}

func newLibvirtStartCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a defined domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := newController(a)
			if err != nil {
				return err
			}
			defer ctrl.Close()
			return ctrl.Start(args[0])
		},
	}
	return cmd
}

func newLibvirtStopCommand(a *app) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Gracefully stop a domain, destroying it if it doesn't shut down in time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := newController(a)
			if err != nil {
				return err
			}
			defer ctrl.Close()
			return ctrl.Stop(args[0], timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "graceful shutdown grace period")
	return cmd
}

func newLibvirtSSHCommand(a *app) *cobra.Command {
	var user string
	var port uint
	cmd := &cobra.Command{
		Use:   "ssh <name> [-- cmd...]",
		Short: "SSH to a persistent VM by domain name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := newController(a)
			if err != nil {
				return err
			}
			defer ctrl.Close()

			addr := fmt.Sprintf("127.0.0.1:%d", port)
			client, err := ctrl.SSH(args[0], addr, user, sshDialTimeout)
			if err != nil {
				return err
			}
			defer client.Close()
			return runSSHCommand(client, args[1:], cmd)
		},
	}
	cmd.Flags().StringVar(&user, "user", "root", "remote user")
	cmd.Flags().UintVar(&port, "port", 2222, "forwarded ssh port")
	return cmd
}

func newLibvirtRmCommand(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Stop, undefine, and remove a domain's volume and private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, _, err := newController(a)
			if err != nil {
				return err
			}
			defer ctrl.Close()
			return ctrl.Remove(args[0], force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "remove even if parts of the teardown fail")
	return cmd
}

func renderRecords(cmd *cobra.Command, recs []libvirtmgr.DomainRecord, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATE\tSOURCE IMAGE")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Name, r.State, r.SourceImage)
	}
	return tw.Flush()
}
