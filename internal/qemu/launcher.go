// Package qemu implements the Emulator Launcher (4.D): build the
// machine-emulator command line and supervise its process.
package qemu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/cgwalters/bcvk/internal/bcvkerr"
	"github.com/cgwalters/bcvk/internal/bootcimage"
	"github.com/cgwalters/bcvk/internal/credential"
)

// Disk is one virtio block device attachment (§4.D "Block devices").
type Disk struct {
	HostFile string
	// Tag names the stable /dev/disk/by-id/virtio-<tag> device path the
	// Disk Installer (4.H) relies on.
	Tag string
}

// SerialPort is one virtio-serial side channel (§4.D "Serial and side
// channels").
type SerialPort struct {
	Tag      string
	HostFile string
}

// RootfsExport names the virtiofsd socket and shared-memory size backing
// the "root=rootfs" device (§4.D "Rootfs via user-space filesystem").
type RootfsExport struct {
	SocketPath  string
	MemoryBytes uint64
}

// Config is everything the Launcher needs to build one qemu-system-*
// command line.
type Config struct {
	Facts       bootcimage.Facts
	MemoryBytes uint64
	VCPUs       uint
	ExtraKargs  []string

	Rootfs      RootfsExport
	Disks       []Disk
	SerialPorts []SerialPort
	Credentials []credential.Credential

	// Console attaches qemu's primary serial to stdio (optionally
	// through a pty) instead of a log file.
	Console bool
	// DebugShell requests a pty-backed console even without a full
	// interactive terminal, so a debug shell stays usable.
	DebugShell bool

	ConsoleLogFile string
	BinaryPath     string // defaults to "qemu-system-<arch>" when empty
}

// Launcher supervises one qemu-system-* process.
type Launcher struct {
	cfg Config
	log logrus.FieldLogger

	cmd    *exec.Cmd
	ptyFd  *os.File
	exited chan struct{}
}

func New(cfg Config, log logrus.FieldLogger) *Launcher {
	return &Launcher{
		cfg:    cfg,
		log:    log.WithField("component", "qemu"),
		exited: make(chan struct{}),
	}
}

// Run starts the emulator and blocks until it exits, returning its exit
// status. A SIGINT/SIGTERM delivered to ctx triggers a graceful shutdown
// request, escalating to a force-kill after gracePeriod (§4.D "Exit
// handling").
func (l *Launcher) Run(ctx context.Context, gracePeriod time.Duration) (int, error) {
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return 0, bcvkerr.NewEnvironmentError("/dev/kvm", err)
	}

	args := BuildArgs(l.cfg)
	binary := l.cfg.BinaryPath
	if binary == "" {
		binary = "qemu-system-" + l.cfg.Facts.Architecture
	}

	l.log.WithField("memory", humanize.Bytes(l.cfg.MemoryBytes)).WithField("vcpus", l.cfg.VCPUs).Info("launching emulator")

	cmd := exec.Command(binary, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if l.cfg.Console || l.cfg.DebugShell {
		ptmx, tty, err := pty.Open()
		if err != nil {
			return 0, fmt.Errorf("allocating pty: %w", err)
		}
		defer tty.Close()
		defer ptmx.Close()
		go func() { _, _ = io.Copy(os.Stdout, ptmx) }()
		go func() { _, _ = io.Copy(ptmx, os.Stdin) }()
		l.ptyFd = ptmx
		cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
	} else if l.cfg.ConsoleLogFile != "" {
		logFile, err := os.Create(l.cfg.ConsoleLogFile)
		if err != nil {
			return 0, fmt.Errorf("creating console log %s: %w", l.cfg.ConsoleLogFile, err)
		}
		defer logFile.Close()
		cmd.Stdout, cmd.Stderr = logFile, logFile
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("starting emulator: %w", err)
	}
	l.cmd = cmd

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case err := <-waitErr:
		return exitCodeOf(err)
	case <-ctx.Done():
		return l.shutdown(gracePeriod, waitErr)
	}
}

func (l *Launcher) shutdown(gracePeriod time.Duration, waitErr <-chan error) (int, error) {
	l.log.Info("forwarding shutdown request to emulator")
	_ = l.cmd.Process.Signal(syscall.SIGTERM)

	select {
	case err := <-waitErr:
		return exitCodeOf(err)
	case <-time.After(gracePeriod):
		l.log.Warn("grace period elapsed, force-killing emulator")
		_ = l.cmd.Process.Kill()
		err := <-waitErr
		return exitCodeOf(err)
	}
}

func exitCodeOf(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// BuildArgs is a pure function assembling the qemu-system-* argv from cfg.
// Kept separate from Run so the command-line shape can be unit-tested
// without spawning a process.
func BuildArgs(cfg Config) []string {
	var args []string

	args = append(args, "-accel", "kvm", "-cpu", "host")
	args = append(args, "-m", strconv.FormatUint(cfg.MemoryBytes/humanize.MiByte, 10))
	args = append(args, "-smp", strconv.FormatUint(uint64(cfg.VCPUs), 10))

	args = append(args, "-kernel", cfg.Facts.KernelPath)
	args = append(args, "-initrd", cfg.Facts.InitramfsPath)
	args = append(args, "-append", kernelCmdline(cfg))

	if cfg.Rootfs.SocketPath != "" {
		args = append(args,
			"-chardev", fmt.Sprintf("socket,id=rootfs-chardev,path=%s", cfg.Rootfs.SocketPath),
			"-device", "vhost-user-fs-pci,queue-size=1024,chardev=rootfs-chardev,tag=rootfs",
			"-object", fmt.Sprintf("memory-backend-memfd,id=mem,size=%d,share=on", cfg.Rootfs.MemoryBytes),
			"-numa", "node,memdev=mem",
		)
	}

	for _, d := range cfg.Disks {
		args = append(args, "-drive", fmt.Sprintf("if=none,id=disk-%s,file=%s,format=raw", d.Tag, d.HostFile))
		args = append(args, "-device", fmt.Sprintf("virtio-blk-pci,drive=disk-%s,serial=%s", d.Tag, d.Tag))
	}

	if len(cfg.SerialPorts) > 0 {
		args = append(args, "-device", "virtio-serial")
	}
	for _, sp := range cfg.SerialPorts {
		args = append(args,
			// A "file" chardev is a write-only capture straight to a plain
			// host file — no external reader process needed, matching
			// host-file meaning an actual file the host can read back.
			"-chardev", fmt.Sprintf("file,id=vs-%s,path=%s", sp.Tag, sp.HostFile),
			"-device", fmt.Sprintf("virtserialport,chardev=vs-%s,name=%s", sp.Tag, sp.Tag),
		)
	}

	for _, c := range cfg.Credentials {
		args = append(args, "-smbios", fmt.Sprintf("type=11,value=io.systemd.credential.binary:%s=%s", c.Name, c.Payload))
	}

	if cfg.Console || cfg.DebugShell {
		args = append(args, "-serial", "stdio", "-nographic")
	} else if cfg.ConsoleLogFile != "" {
		args = append(args, "-serial", "file:"+cfg.ConsoleLogFile, "-display", "none")
	} else {
		args = append(args, "-display", "none")
	}

	return args
}

// kernelCmdline composes the guest kernel command line per §4.D "Direct
// kernel boot": rootfstype matching the fs-server protocol, root=rootfs
// matching 4.C's tag, selinux disabled, a volatile overlay so the exported
// rootfs stays untouched, plus any user kargs.
func kernelCmdline(cfg Config) string {
	parts := []string{
		"rootfstype=virtiofs",
		"root=rootfs",
		"selinux=0",
		"systemd.volatile=overlay",
	}
	parts = append(parts, cfg.ExtraKargs...)
	return strings.Join(parts, " ")
}
