// Package supervisor implements the Inner Supervisor (4.E): runs as pid 1
// inside the privileged container, assembles a minimal runtime root, and
// runs the Filesystem Server Wrapper (4.C) and Emulator Launcher (4.D).
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/cgwalters/bcvk/internal/qemu"
	"github.com/cgwalters/bcvk/internal/virtiofs"
)

// scratchTopLevelSymlinks are synthesized in the scratch root so that a
// container image shipping only the binary (no full userland) still boots
// against the host's /usr (§4.E "Preparation").
var scratchTopLevelSymlinks = map[string]string{
	"bin":   "usr/bin",
	"lib":   "usr/lib",
	"lib64": "usr/lib64",
	"sbin":  "usr/sbin",
}

var scratchEmptyDirs = []string{"etc", "var", "dev", "proc", "run", "sys", "tmp"}

// PrepareRoot binds hostUsr into scratchRoot/usr, synthesizes the
// conventional top-level symlinks and empty directories, then pivots into
// scratchRoot.
func PrepareRoot(scratchRoot, hostUsr string) error {
	usrTarget := filepath.Join(scratchRoot, "usr")
	if err := os.MkdirAll(usrTarget, 0o755); err != nil {
		return fmt.Errorf("creating scratch usr: %w", err)
	}
	if err := unix.Mount(hostUsr, usrTarget, "", unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("bind-mounting %s: %w", hostUsr, err)
	}

	for name, target := range scratchTopLevelSymlinks {
		if err := os.Symlink(target, filepath.Join(scratchRoot, name)); err != nil && !os.IsExist(err) {
			return fmt.Errorf("linking %s: %w", name, err)
		}
	}
	for _, dir := range scratchEmptyDirs {
		if err := os.MkdirAll(filepath.Join(scratchRoot, dir), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	oldRoot := filepath.Join(scratchRoot, ".oldroot")
	if err := os.MkdirAll(oldRoot, 0o700); err != nil {
		return fmt.Errorf("creating pivot_root staging dir: %w", err)
	}
	if err := unix.PivotRoot(scratchRoot, oldRoot); err != nil {
		return fmt.Errorf("pivot_root into %s: %w", scratchRoot, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir after pivot_root: %w", err)
	}
	return unix.Unmount("/.oldroot", unix.MNT_DETACH)
}

// Run starts the filesystem server(s), waits for their sockets, then
// launches the emulator, waiting on both concurrently so that the exit of
// either unblocks cleanup of the other (§4.E "Process topology"). Its
// return value is the exit code the inner supervisor itself should exit
// with — the emulator's exit code, per contract.
func Run(ctx context.Context, fsServers []*virtiofs.Server, launcher *qemu.Launcher, gracePeriod time.Duration, log logrus.FieldLogger) (int, error) {
	for _, fs := range fsServers {
		if err := fs.Start(ctx); err != nil {
			return 0, fmt.Errorf("starting filesystem server: %w", err)
		}
	}
	defer func() {
		for _, fs := range fsServers {
			if err := fs.Stop(); err != nil {
				log.WithError(err).Warn("stopping filesystem server during cleanup")
			}
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Both the emulator and the filesystem servers are waited on
	// concurrently; the exit of either unblocks cleanup of the other
	// (§4.E "Process topology").
	fsExit := make(chan error, len(fsServers))
	for _, fs := range fsServers {
		go func(fs *virtiofs.Server) {
			fsExit <- fs.Wait()
		}(fs)
	}

	qemuExit := make(chan struct {
		code int
		err  error
	}, 1)
	go func() {
		code, err := launcher.Run(runCtx, gracePeriod)
		qemuExit <- struct {
			code int
			err  error
		}{code, err}
	}()

	select {
	case res := <-qemuExit:
		return res.code, res.err
	case err := <-fsExit:
		log.WithError(err).Warn("filesystem server exited before emulator; cancelling")
		cancel()
		res := <-qemuExit
		return res.code, res.err
	}
}
