package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/bootcimage"
	"github.com/cgwalters/bcvk/internal/credential"
	"github.com/cgwalters/bcvk/internal/launch"
	"github.com/cgwalters/bcvk/internal/orchestrator"
	"github.com/cgwalters/bcvk/internal/runtime"
	"github.com/cgwalters/bcvk/internal/sshkey"
)

func newEphemeralCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ephemeral",
		Short: "Run bootc images as short-lived VMs",
	}
	cmd.AddCommand(
		newEphemeralRunCommand(a),
		newEphemeralSSHCommand(a),
		newEphemeralRunSSHCommand(a),
		newEphemeralPruneCommand(a),
	)
	return cmd
}

type runFlags struct {
	memory        string
	vcpus         uint
	kargs         []string
	net           string
	console       bool
	detach        bool
	rm            bool
	name          string
	binds         []string
	bindStorage   bool
	sshKeygen     bool
	execute       string
	serialOuts    []string
	diskFiles     []string
	systemdUnits  string
}

func addRunFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().StringVar(&f.memory, "memory", "2GiB", "guest memory")
	cmd.Flags().UintVar(&f.vcpus, "vcpus", 2, "guest vCPU count")
	cmd.Flags().StringArrayVar(&f.kargs, "karg", nil, "extra kernel command-line fragment (repeatable)")
	cmd.Flags().StringVar(&f.net, "net", "user", "network mode: none, user")
	cmd.Flags().BoolVar(&f.console, "console", false, "attach guest console")
	cmd.Flags().BoolVar(&f.detach, "detach", false, "run in the background")
	cmd.Flags().BoolVar(&f.rm, "rm", true, "remove the container on exit")
	cmd.Flags().StringVar(&f.name, "name", "", "container name (default generated)")
	cmd.Flags().StringArrayVar(&f.binds, "bind", nil, "host bind mount host:tag[:ro] (repeatable)")
	cmd.Flags().BoolVar(&f.bindStorage, "bind-storage-ro", false, "pass through host container storage read-only")
	cmd.Flags().BoolVar(&f.sshKeygen, "ssh-keygen", false, "generate an ephemeral ssh keypair for this run")
	cmd.Flags().StringVar(&f.execute, "execute", "", "run a one-shot command on first boot and exit with its result")
	cmd.Flags().StringArrayVar(&f.serialOuts, "virtio-serial-out", nil, "virtio-serial capture tag:host-file (repeatable)")
	cmd.Flags().StringArrayVar(&f.diskFiles, "mount-disk-file", nil, "attach a host file as a block device host:tag (repeatable)")
	cmd.Flags().StringVar(&f.systemdUnits, "systemd-units", "", "directory of systemd unit files to inject as first-boot units")
}

func (f runFlags) toRunRequest() (orchestrator.RunRequest, error) {
	memBytes, err := units.FromHumanSize(f.memory)
	if err != nil {
		return orchestrator.RunRequest{}, fmt.Errorf("parsing --memory %q: %w", f.memory, err)
	}
	binds, err := parseBinds(f.binds)
	if err != nil {
		return orchestrator.RunRequest{}, err
	}
	serialCaptures, err := parseSerialCaptures(f.serialOuts)
	if err != nil {
		return orchestrator.RunRequest{}, err
	}
	disks, err := parseDiskFiles(f.diskFiles)
	if err != nil {
		return orchestrator.RunRequest{}, err
	}
	injectedUnits, err := loadUnitsFromDir(f.systemdUnits)
	if err != nil {
		return orchestrator.RunRequest{}, err
	}
	return orchestrator.RunRequest{
		MemoryBytes:         uint64(memBytes),
		VCPUs:               int(f.vcpus),
		ExtraKargs:          f.kargs,
		Binds:               binds,
		Disks:               disks,
		SerialCaptures:      serialCaptures,
		InjectedUnits:       injectedUnits,
		GenerateSSHKey:      f.sshKeygen,
		Console:             f.console,
		Detach:              f.detach,
		AutoRemove:          f.rm,
		HostStoragePassthru: f.bindStorage,
		Name:                f.name,
		ExecuteCommand:      f.execute,
	}, nil
}

func parseBinds(raw []string) ([]orchestrator.BindMount, error) {
	var out []orchestrator.BindMount
	for _, b := range raw {
		parts := strings.Split(b, ":")
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid --bind %q: expected host:tag[:ro]", b)
		}
		ro := len(parts) == 3 && parts[2] == "ro"
		out = append(out, orchestrator.BindMount{HostDir: parts[0], Tag: parts[1], ReadOnly: ro})
	}
	return out, nil
}

// parseSerialCaptures parses --virtio-serial-out tag:host-file pairs.
func parseSerialCaptures(raw []string) ([]orchestrator.SerialCapture, error) {
	var out []orchestrator.SerialCapture
	for _, s := range raw {
		tag, hostFile, ok := strings.Cut(s, ":")
		if !ok || tag == "" || hostFile == "" {
			return nil, fmt.Errorf("invalid --virtio-serial-out %q: expected tag:host-file", s)
		}
		out = append(out, orchestrator.SerialCapture{Tag: tag, HostFile: hostFile})
	}
	return out, nil
}

// parseDiskFiles parses --mount-disk-file host:tag pairs.
func parseDiskFiles(raw []string) ([]orchestrator.DiskAttach, error) {
	var out []orchestrator.DiskAttach
	for _, d := range raw {
		hostFile, tag, ok := strings.Cut(d, ":")
		if !ok || hostFile == "" || tag == "" {
			return nil, fmt.Errorf("invalid --mount-disk-file %q: expected host:tag", d)
		}
		out = append(out, orchestrator.DiskAttach{HostFile: hostFile, Tag: tag})
	}
	return out, nil
}

// loadUnitsFromDir reads every regular file in dir as a first-boot systemd
// unit named by its basename. An empty dir name means no units requested.
func loadUnitsFromDir(dir string) ([]credential.Unit, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading --systemd-units %s: %w", dir, err)
	}
	var out []credential.Unit
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading unit file %s: %w", e.Name(), err)
		}
		out = append(out, credential.Unit{Filename: e.Name(), Content: string(content)})
	}
	return out, nil
}

func newOrchestrator(a *app) *orchestrator.Orchestrator {
	insp := bootcimage.New(nil, a.log)
	run := runtime.New(context.Background(), a.cfg.ContainerRuntime, a.log)
	return orchestrator.New(insp, run, launch.Launcher{}, orchestrator.WellKnownLabelValue, a.cfg.SupervisorImage, a.log)
}

func newEphemeralRunCommand(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Run an image as an ephemeral VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.toRunRequest()
			if err != nil {
				return err
			}
			// Key material is stored under the instance's own cache
			// directory so a later `ephemeral ssh <name>` can find it;
			// that requires resolving the name before the orchestrator
			// does, when ssh-keygen was requested.
			if req.GenerateSSHKey {
				if req.Name == "" {
					req.Name = orchestrator.ContainerName(args[0])
				}
				req.InstanceDir = instanceKeyDir(a, req.Name)
			}
			orch := newOrchestrator(a)
			inst, err := orch.Run(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), inst.Name)
			return nil
		},
	}
	addRunFlags(cmd, f)
	return cmd
}

func newEphemeralSSHCommand(a *app) *cobra.Command {
	var user string
	var port uint
	cmd := &cobra.Command{
		Use:   "ssh <name> [-- cmd...]",
		Short: "SSH to a running ephemeral VM by container name",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			addr := fmt.Sprintf("127.0.0.1:%d", port)
			client, err := sshkey.Dial(addr, user, instanceKeyPath(a, name), sshDialTimeout)
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

func newEphemeralRunSSHCommand(a *app) *cobra.Command {
	f := &runFlags{}
	var user string
	var port uint
	cmd := &cobra.Command{
		Use:   "run-ssh <image> [-- cmd...]",
		Short: "Run an image and SSH into it in one call; guest lifetime is bound to the SSH session",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.sshKeygen = true
			f.detach = true
			req, err := f.toRunRequest()
			if err != nil {
				return err
			}
			orch := newOrchestrator(a)
			inst, err := orch.Run(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			defer func() {
				if rmErr := orch.Runner.Remove(context.Background(), inst.ContainerID, true); rmErr != nil {
					a.log.WithError(rmErr).Warn("failed to remove container after ssh session")
				}
			}()
			addr := fmt.Sprintf("127.0.0.1:%d", port)
			client, err := sshkey.Dial(addr, user, inst.KeyPair.PrivateKeyPath, sshDialTimeout)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", inst.Name, err)
			}
			defer client.Close()
			return runSSHCommand(client, args[1:], cmd)
		},
	}
	addRunFlags(cmd, f)
	cmd.Flags().StringVar(&user, "user", "root", "remote user")
	cmd.Flags().UintVar(&port, "port", 2222, "forwarded ssh port")
	return cmd
}

func newEphemeralPruneCommand(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove stray bcvk-labeled containers left behind by prior crashes",
		RunE: func(cmd *cobra.Command, args []string) error {
			run := runtime.New(cmd.Context(), a.cfg.ContainerRuntime, a.log)
			infos, err := run.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, c := range infos {
				if c.State == "running" {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removing %s (%s)\n", c.Name, c.State)
				if dryRun {
					continue
				}
				if err := run.Remove(cmd.Context(), c.ID, true); err != nil {
					a.log.WithError(err).WithField("container", c.Name).Warn("failed to remove orphan container")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without removing")
	return cmd
}
