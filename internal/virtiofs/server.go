// Package virtiofs wraps a virtiofsd subprocess exporting one host
// directory over a UNIX socket (4.C).
package virtiofs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SharePolicy selects the caching/write behavior of one export.
type SharePolicy int

const (
	ReadOnly SharePolicy = iota
	ReadWrite
)

// Export describes one directory to export.
type Export struct {
	// Tag appears in the guest's filesystem table as the mount source
	// and must be unique among the set of concurrently-running servers.
	Tag string

	// HostDir is the directory being exported — either the target
	// image's merged filesystem (rootfs export) or a user bind mount.
	HostDir string

	// SocketPath is the UNIX socket virtiofsd listens on; the Emulator
	// Launcher (4.D) dials this to attach its virtio-fs PCI device.
	SocketPath string

	Policy SharePolicy
}

// Server supervises one virtiofsd process. It is not safe for concurrent
// use by multiple goroutines.
type Server struct {
	export Export
	binary string
	log    logrus.FieldLogger

	cmd      *exec.Cmd
	waitOnce sync.Once
	waitErr  error
	waitDone chan struct{}
}

// New constructs a Server for export, using binary (normally "virtiofsd")
// as the daemon to exec.
func New(binary string, export Export, log logrus.FieldLogger) *Server {
	return &Server{
		export: export,
		binary: binary,
		log:    log.WithField("component", "virtiofs").WithField("tag", export.Tag),
	}
}

// Start launches virtiofsd and blocks until export.SocketPath exists and
// accepts a connection, or ctx is done. The policy "always cache, run
// unsandboxed" (§4.C) is baked into the constant flags below: caching is
// safe because the guest is the only client, and sandboxing is redundant
// because the outer privileged container already sandboxes this process.
func (s *Server) Start(ctx context.Context) error {
	args := []string{
		"--socket-path=" + s.export.SocketPath,
		"--shared-dir=" + s.export.HostDir,
		"--cache=always",
		"--sandbox=none",
	}
	if s.export.Policy == ReadOnly {
		args = append(args, "--readonly")
	}

	_ = os.Remove(s.export.SocketPath)

	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting virtiofsd for tag %s: %w", s.export.Tag, err)
	}
	s.cmd = cmd
	s.waitDone = make(chan struct{})
	go func() {
		s.waitErr = cmd.Wait()
		close(s.waitDone)
	}()

	if err := s.waitForSocket(ctx); err != nil {
		_ = s.Stop()
		return fmt.Errorf("waiting for virtiofsd socket %s: %w", s.export.SocketPath, err)
	}
	s.log.Info("virtiofs export ready")
	return nil
}

// waitForSocket polls SocketPath with a connect attempt on each tick, following
// the teacher's readiness-poll idiom (cert_manager.go's waitForCertificate
// ticker loop) rather than a fixed sleep.
func (s *Server) waitForSocket(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if connectable(s.export.SocketPath) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func connectable(path string) bool {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return false
	}
	defer unix.Close(fd)

	addr := &unix.SockaddrUnix{Name: path}
	return unix.Connect(fd, addr) == nil
}

// Wait blocks until the virtiofsd process exits, returning its error (nil
// on a clean exit). Used by the Inner Supervisor to notice an unexpected
// filesystem-server death while the emulator is still running (§4.E
// "Process topology"). Safe to call concurrently with Stop — both observe
// the same single cmd.Wait() result.
func (s *Server) Wait() error {
	if s.cmd == nil {
		return fmt.Errorf("virtiofsd for tag %s was never started", s.export.Tag)
	}
	<-s.waitDone
	return s.waitErr
}

// Stop terminates the daemon if running. It is safe to call on any exit
// path — normal, signal, or panic via a deferred call at the call site —
// matching the "terminated when its supervising structure is dropped"
// guarantee in §4.C.
func (s *Server) Stop() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	var killErr error
	s.waitOnce.Do(func() {
		select {
		case <-s.waitDone:
			// already exited on its own
		default:
			killErr = s.cmd.Process.Kill()
		}
	})
	<-s.waitDone
	_ = os.Remove(s.export.SocketPath)
	if killErr != nil {
		return fmt.Errorf("stopping virtiofsd for tag %s: %w", s.export.Tag, killErr)
	}
	return nil
}
