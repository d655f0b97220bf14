// Package installer produces a bootable disk artifact from a bootc image
// by running the image's own installer inside an ephemeral VM, adapting
// the podman-bootc reference's bootc_disk.go sizing/xattr logic onto this
// module's orchestrator-driven run path instead of a direct podman API
// install container.
package installer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/renameio"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cgwalters/bcvk/internal/bcvkerr"
	"github.com/cgwalters/bcvk/internal/credential"
	"github.com/cgwalters/bcvk/internal/orchestrator"
)

// installerResultTag names the side channel the one-shot installer unit
// reports success/failure on (§4.H step 3/6, §7 category 4).
const installerResultTag = "bcvk.installer-result"

// Format selects the on-disk representation of the installed artifact.
type Format string

const (
	FormatRaw Format = "raw"
	FormatQCOW2 Format = "qcow2"
)

// Request describes a single to-disk install operation (§4.H).
type Request struct {
	ImageReference string
	TargetPath     string
	Format         Format
	ExplicitSize   string
	Console        bool
	KeepOnFailure  bool
}

// Installer drives the Disk Installer component.
type Installer struct {
	orch *orchestrator.Orchestrator
	log  logrus.FieldLogger
}

func New(orch *orchestrator.Orchestrator, log logrus.FieldLogger) *Installer {
	return &Installer{orch: orch, log: log.WithField("component", "installer")}
}

// Install runs the full 4.H flow and returns once the disk is either
// labeled with source-image metadata or cleaned up after a failed run.
func (in *Installer) Install(ctx context.Context, req Request) error {
	// Sizing only needs label/manifest facts, not a merged filesystem —
	// the real inspection (with the image's actual merged root) happens
	// again inside orch.Run's own step 1.
	facts, err := in.orch.Inspector.Inspect(ctx, req.ImageReference, "")
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", req.ImageReference, err)
	}

	size, err := ResolveDiskSize(facts.EstimatedRootfsBytes, req.ExplicitSize)
	if err != nil {
		return bcvkerr.NewConfigError("invalid disk size: %v", err)
	}
	in.log.WithField("size", size).Info("step 1: resolved disk size")

	if err := createSparseFile(req.TargetPath, size); err != nil {
		return fmt.Errorf("creating disk file: %w", err)
	}
	in.log.WithField("path", req.TargetPath).Info("step 2: created target disk file")

	keepDisk := req.KeepOnFailure
	cleanup := func() {
		if !keepDisk {
			os.Remove(req.TargetPath)
		}
	}

	unit := installerUnit(req.Format)
	in.log.Info("step 3: composed one-shot installer unit")

	resultDir, err := os.MkdirTemp("", "bcvk-install-"+uuid.NewString())
	if err != nil {
		cleanup()
		return fmt.Errorf("creating installer scratch dir: %w", err)
	}
	defer os.RemoveAll(resultDir)
	resultFile := filepath.Join(resultDir, "result")
	if f, err := os.Create(resultFile); err != nil {
		cleanup()
		return fmt.Errorf("preparing installer-result capture: %w", err)
	} else {
		f.Close()
	}

	runReq := orchestrator.RunRequest{
		Disks:               []orchestrator.DiskAttach{{HostFile: req.TargetPath, Tag: "output"}},
		SerialCaptures:      []orchestrator.SerialCapture{{Tag: installerResultTag, HostFile: resultFile}},
		HostStoragePassthru: true,
		InjectedUnits:       []credential.Unit{unit},
		Console:             req.Console,
		Detach:              false,
		AutoRemove:          true,
	}

	in.log.Info("step 4: invoking orchestrator to run installer VM")
	if _, err := in.orch.Run(ctx, req.ImageReference, runReq); err != nil {
		cleanup()
		return fmt.Errorf("running installer vm: %w", err)
	}

	if err := checkInstallerResult(resultFile); err != nil {
		cleanup()
		return err
	}

	md := Metadata{ImageDigest: facts.Reference, CreatedAt: time.Now().UTC()}
	if err := WriteMetadata(req.TargetPath, md); err != nil {
		in.log.WithError(err).Warn("failed to label disk with source metadata")
	}
	in.log.Info("step 5/6: disk install completed")
	return nil
}

// checkInstallerResult reads back the installer unit's side-channel marker.
// A non-zero container exit is already surfaced by orch.Run itself; this
// catches the complementary failure mode where the guest's installer
// service failed but the VM still powered off cleanly (§7 category 4).
func checkInstallerResult(resultFile string) error {
	data, err := os.ReadFile(resultFile)
	if err != nil {
		return bcvkerr.NewGuestError(0, []string{fmt.Sprintf("reading installer-result marker: %v", err)})
	}
	result := strings.TrimSpace(string(data))
	if result != "ok" {
		return bcvkerr.NewGuestError(0, []string{fmt.Sprintf("installer reported result %q", result)})
	}
	return nil
}

func createSparseFile(path string, size int64) error {
	t, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("opening temp file for %s: %w", path, err)
	}
	defer t.Cleanup()

	if err := syscall.Ftruncate(int(t.Fd()), size); err != nil {
		return fmt.Errorf("truncating %s to %d bytes: %w", path, size, err)
	}
	return t.CloseAtomicallyReplace()
}

// installerUnit composes the one-shot systemd unit that invokes the
// image's own `bootc install to-disk` against the attached block device
// (§4.H step 3), reporting outcome over the diagnostic serial channel.
func installerUnit(format Format) credential.Unit {
	content := fmt.Sprintf(`[Unit]
Description=bcvk one-shot disk installer
DefaultDependencies=no
After=local-fs.target

[Service]
Type=oneshot
ExecStart=/run/host-usr/bin/bootc install to-disk --source-imgref containers-storage:%%i --via-loopback --generic-image --skip-fetch-check /dev/disk/by-id/virtio-output
ExecStartPost=/bin/sh -c 'echo ok > /dev/virtio-ports/%[1]s; systemctl poweroff'
ExecStopPost=/bin/sh -c '[ "$SERVICE_RESULT" = success ] || { echo fail > /dev/virtio-ports/%[1]s; systemctl poweroff; }'

[Install]
WantedBy=multi-user.target
`, installerResultTag)
	_ = format
	return credential.Unit{Filename: "bcvk-installer.service", Content: content}
}
