package main

import (
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/bootcimage"
	"github.com/cgwalters/bcvk/internal/launch"
	"github.com/cgwalters/bcvk/internal/qemu"
	"github.com/cgwalters/bcvk/internal/supervisor"
	"github.com/cgwalters/bcvk/internal/virtiofs"
)

// supervisorScratchRoot is where the inner supervisor pivots into before
// starting the emulator (§4.E "Preparation"); host /usr is bind-mounted
// under it by the Outer Runner as /run/host-usr.
const supervisorScratchRoot = "/run/bcvk-root"

// supervisorSocketDir holds the virtiofsd sockets the emulator dials into;
// it must be reachable both before and after the pivot, so it lives
// outside supervisorScratchRoot.
const supervisorSocketDir = "/run/bcvk-sockets"

// newInternalSupervisorCommand is the hidden re-exec entrypoint (§9
// "Cyclic inner-outer relationship"): the Outer Runner starts a privileged
// container whose entrypoint is this same binary invoked with a single
// encoded --state blob, decoded here to reconstruct the Filesystem Server
// Wrapper (4.C) and Emulator Launcher (4.D) the orchestrator already
// decided on.
func newInternalSupervisorCommand(a *app) *cobra.Command {
	var encodedState string
	cmd := &cobra.Command{
		Use:    "internal-supervisor",
		Short:  "Inner pid-1 supervisor; not intended for direct use",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := launch.Decode(encodedState)
			if err != nil {
				return err
			}
			return runSupervisor(cmd, a, st)
		},
	}
	cmd.Flags().StringVar(&encodedState, "state", "", "base64-encoded supervisor state")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func runSupervisor(cmd *cobra.Command, a *app, st *launch.State) error {
	log := a.log

	if err := os.MkdirAll(supervisorSocketDir, 0o755); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	fsServers := []*virtiofs.Server{
		virtiofs.New("virtiofsd", virtiofs.Export{
			Tag:        "rootfs",
			HostDir:    "/run/source-image",
			SocketPath: filepath.Join(supervisorSocketDir, "rootfs.sock"),
			Policy:     virtiofs.ReadOnly,
		}, log),
	}
	for _, b := range st.Binds {
		policy := virtiofs.ReadWrite
		if b.ReadOnly {
			policy = virtiofs.ReadOnly
		}
		fsServers = append(fsServers, virtiofs.New("virtiofsd", virtiofs.Export{
			Tag:        b.Tag,
			HostDir:    "/run/binds/" + b.Tag,
			SocketPath: filepath.Join(supervisorSocketDir, b.Tag+".sock"),
			Policy:     policy,
		}, log))
	}

	// virtiofsd is exec'd here, before PrepareRoot pivots this process's
	// root; each child keeps the fs_struct it was forked with, so it
	// stays rooted in the pre-pivot mount tree regardless of what this
	// process does to its own root afterward.
	if err := os.MkdirAll(supervisorScratchRoot, 0o755); err != nil {
		return fmt.Errorf("creating scratch root: %w", err)
	}
	if err := supervisor.PrepareRoot(supervisorScratchRoot, "/run/host-usr"); err != nil {
		return fmt.Errorf("preparing scratch root: %w", err)
	}

	var disks []qemu.Disk
	for _, d := range st.Disks {
		disks = append(disks, qemu.Disk{Tag: d.Tag, HostFile: "/run/disks/" + d.Tag})
	}

	var serialPorts []qemu.SerialPort
	for _, s := range st.SerialCaptures {
		serialPorts = append(serialPorts, qemu.SerialPort{Tag: s.Tag, HostFile: "/run/serial/" + s.Tag})
	}

	cfg := qemu.Config{
		Facts:       bootcimageFactsFrom(st),
		MemoryBytes: st.MemoryBytes,
		VCPUs:       uint(st.VCPUs),
		ExtraKargs:  st.ExtraKargs,
		Rootfs: qemu.RootfsExport{
			SocketPath:  filepath.Join(supervisorSocketDir, "rootfs.sock"),
			MemoryBytes: st.MemoryBytes,
		},
		Disks:       disks,
		SerialPorts: serialPorts,
		Credentials: st.Credentials,
		Console:     st.Console,
		DebugShell:  st.DebugShell,
	}
	launcher := qemu.New(cfg, log)

	code, err := supervisor.Run(cmd.Context(), fsServers, launcher, 30*time.Second, log)
	if err != nil {
		return err
	}
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

// bootcimageFactsFrom reconstructs the subset of bootcimage.Facts the
// emulator launcher needs from the supervisor state; the orchestrator
// already did the full inspection host-side, so this just carries the
// kernel/initramfs paths (rewritten to where the Outer Runner's bind
// mounts them inside the container) across the re-exec boundary.
func bootcimageFactsFrom(st *launch.State) bootcimage.Facts {
	return bootcimage.Facts{
		Reference:     st.ImageReference,
		KernelPath:    st.KernelPath,
		InitramfsPath: st.InitramfsPath,
		Architecture:  goruntime.GOARCH,
	}
}
