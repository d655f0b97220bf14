// Package orchestrator binds the image inspector, credential encoder,
// filesystem server, emulator launcher, inner supervisor, and outer runner
// into the single public "run this image as a VM" operation. Grounded on
// the teacher's Orchestrator.BuildImage: named, numbered steps, a
// cancellation check before each long operation, and typed fail/cancel
// wrappers that attach whatever logs a failed step collected.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cgwalters/bcvk/internal/bcvkerr"
	"github.com/cgwalters/bcvk/internal/bootcimage"
	"github.com/cgwalters/bcvk/internal/credential"
	"github.com/cgwalters/bcvk/internal/runtime"
	"github.com/cgwalters/bcvk/internal/sshkey"
)

// WellKnownLabelValue is the production value of runtime.WellKnownLabel;
// tests use a distinct value so fleet cleanup never mistakes a test
// artifact for a real instance (§4.F "bcvk.integration-test=1 in tests").
const WellKnownLabelValue = "1"

// BindMount describes an additional host directory to export into the
// guest beyond the two the outer runner always passes through (host /usr,
// target image rootfs).
type BindMount struct {
	HostDir string
	Tag     string
	ReadOnly bool
}

// DiskAttach describes a host-backed block device to attach to the guest.
type DiskAttach struct {
	HostFile string
	Tag      string
}

// SerialCapture describes a virtio-serial side channel whose guest writes
// are captured to a plain host file (§3 Data Model, "virtio-serial
// side-channel captures"). Tag is both the qemu chardev id suffix and the
// guest-visible port name under /dev/virtio-ports/.
type SerialCapture struct {
	Tag      string
	HostFile string
}

// executeResultTag names the side channel a synthesized RunRequest.Execute
// one-shot unit reports its outcome on.
const executeResultTag = "bcvk.execute-result"

// RunRequest is the caller-supplied description of a single ephemeral run
// (§3 Data Model, RunRequest).
type RunRequest struct {
	Name                string
	MemoryBytes         uint64
	VCPUs               int
	ExtraKargs          []string
	Binds               []BindMount
	Disks               []DiskAttach
	SerialCaptures      []SerialCapture
	InjectedUnits       []credential.Unit
	GenerateSSHKey      bool
	Console             bool
	DebugShell          bool
	Detach              bool
	AutoRemove          bool
	HostStoragePassthru bool
	InstanceDir         string // per-instance scratch dir for generated key material and captures

	// ExecuteCommand, when set, is run as a one-shot first-boot unit; its
	// outcome is reported on a synthesized SerialCapture (§3 "one-shot
	// execute command").
	ExecuteCommand string

	// SwapSizeBytes, when non-zero, attaches a generated sparse file as a
	// "swap"-tagged disk (§3 "optional swap size").
	SwapSizeBytes uint64
}

// Instance is what the orchestrator hands back once the container has
// started: enough to wait on it, signal it, or clean it up later.
type Instance struct {
	ContainerID string
	Name        string
	KeyPair     *sshkey.KeyPair
}

const (
	minMemoryBytes = 512 * 1024 * 1024
	minVCPUs       = 1
)

// Orchestrator composes the components that make up a single ephemeral run.
type Orchestrator struct {
	Inspector  *bootcimage.Inspector
	Runner     runtime.Runner
	Launcher   LauncherFactory
	log        logrus.FieldLogger
	labelValue string

	// supervisorImage is the image the Outer Runner starts the privileged
	// container from — bcvk's own packaged image, not the target bootc
	// image (§4.F).
	supervisorImage string
}

// LauncherFactory builds the argv/credentials needed to start the inner
// supervisor inside the privileged container for a given resolved image
// and request; kept as an interface so tests substitute a fake instead of
// exercising a real container runtime.
type LauncherFactory interface {
	BuildCommand(facts *bootcimage.Facts, req RunRequest, creds []credential.Credential) []string
}

// New constructs an Orchestrator. labelValue distinguishes production runs
// (runtime.WellKnownLabel=1) from integration-test runs. supervisorImage is
// the image the privileged container is started from — bcvk's own
// packaged image, not the target image named by a Run call.
func New(inspector *bootcimage.Inspector, runner runtime.Runner, launcher LauncherFactory, labelValue, supervisorImage string, log logrus.FieldLogger) *Orchestrator {
	return &Orchestrator{
		Inspector:       inspector,
		Runner:          runner,
		Launcher:        launcher,
		log:             log.WithField("component", "orchestrator"),
		labelValue:      labelValue,
		supervisorImage: supervisorImage,
	}
}

// Validate checks the invariants named in §4.G step 2 before any expensive
// work happens.
func (r RunRequest) Validate() error {
	if r.MemoryBytes != 0 && r.MemoryBytes < minMemoryBytes {
		return bcvkerr.NewConfigError("memory must be at least %d bytes", minMemoryBytes)
	}
	if r.VCPUs != 0 && r.VCPUs < minVCPUs {
		return bcvkerr.NewConfigError("vcpus must be at least 1")
	}
	seen := map[string]bool{"rootfs": true}
	for _, b := range r.Binds {
		if b.Tag == "" {
			return bcvkerr.NewConfigError("bind mount tag must not be empty")
		}
		if seen[b.Tag] {
			return bcvkerr.NewConfigError("duplicate bind mount tag %q", b.Tag)
		}
		seen[b.Tag] = true
	}
	for _, d := range r.Disks {
		if seen[d.Tag] {
			return bcvkerr.NewConfigError("duplicate disk tag %q", d.Tag)
		}
		seen[d.Tag] = true
	}
	seenSerial := map[string]bool{}
	for _, s := range r.SerialCaptures {
		if s.Tag == "" {
			return bcvkerr.NewConfigError("serial capture tag must not be empty")
		}
		if seenSerial[s.Tag] {
			return bcvkerr.NewConfigError("duplicate serial capture tag %q", s.Tag)
		}
		seenSerial[s.Tag] = true
	}
	return nil
}

// Run executes §4.G's flow, logged as eight numbered steps, against imageRef: resolve the
// target image's own merged filesystem (never the host's), synthesize any
// requested one-shot extras, then start the privileged container from
// bcvk's own supervisor image with that merged filesystem bind-mounted in.
func (o *Orchestrator) Run(ctx context.Context, imageRef string, req RunRequest) (*Instance, error) {
	// Step 1: resolve the target image's merged filesystem and inspect it.
	// mergedRoot is never "/" — the host's own root is never exported to
	// a guest; it is always the just-resolved filesystem of imageRef.
	o.log.WithField("image", imageRef).Info("step 1: mounting and inspecting image")
	mergedRoot, err := o.Runner.MountImage(ctx, imageRef)
	if err != nil {
		return nil, fmt.Errorf("mounting %s: %w", imageRef, err)
	}
	keepMounted := false
	defer func() {
		if keepMounted {
			return
		}
		if uerr := o.Runner.UnmountImage(ctx, imageRef); uerr != nil {
			o.log.WithError(uerr).Warn("failed to unmount image")
		}
	}()

	facts, err := o.Inspector.Inspect(ctx, imageRef, mergedRoot)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", imageRef, err)
	}

	// Step 2: resolve the per-instance scratch dir and synthesize any
	// one-shot extras (execute command, swap disk) the request asked for,
	// before validation so their tags get the same collision checking as
	// caller-supplied ones.
	if req.GenerateSSHKey || req.ExecuteCommand != "" || req.SwapSizeBytes > 0 {
		scratchDir := req.InstanceDir
		if scratchDir == "" {
			scratchDir = filepath.Join(os.TempDir(), "bcvk-"+uuid.NewString())
		}
		req.InstanceDir = scratchDir

		if req.ExecuteCommand != "" {
			resultFile := filepath.Join(scratchDir, "execute-result")
			if err := touchFile(resultFile); err != nil {
				return nil, fmt.Errorf("preparing execute-result capture: %w", err)
			}
			req.InjectedUnits = append(req.InjectedUnits, executeUnit(req.ExecuteCommand))
			req.SerialCaptures = append(req.SerialCaptures, SerialCapture{Tag: executeResultTag, HostFile: resultFile})
		}
		if req.SwapSizeBytes > 0 {
			swapFile := filepath.Join(scratchDir, "swap.img")
			if err := createSwapFile(swapFile, int64(req.SwapSizeBytes)); err != nil {
				return nil, fmt.Errorf("preparing swap file: %w", err)
			}
			req.Disks = append(req.Disks, DiskAttach{HostFile: swapFile, Tag: "swap"})
		}
	}
	o.log.Info("step 2: resolved scratch dir and synthesized requested extras")

	// Step 3: validate.
	o.log.Info("step 3: validating run request")
	if err := req.Validate(); err != nil {
		return nil, err
	}

	// Step 4: optional keypair.
	var kp *sshkey.KeyPair
	if req.GenerateSSHKey {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		o.log.Info("step 4: generating ssh keypair")
		kp, err = sshkey.Generate(req.InstanceDir)
		if err != nil {
			return nil, fmt.Errorf("generating ssh keypair: %w", err)
		}
	}

	// Step 5: credential bundle.
	o.log.Info("step 5: building credential bundle")
	credReq := credential.Request{Units: req.InjectedUnits}
	if kp != nil {
		credReq.AuthorizedKeys = kp.PublicKey
	}
	creds := credential.Encode(credReq)

	// Step 6: choose a container name.
	name := req.Name
	if name == "" {
		name = ContainerName(facts.Reference)
	}
	o.log.WithField("name", name).Info("step 6: resolved container name")

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	// Step 7: start. The privileged container always starts from bcvk's
	// own supervisor image — never imageRef — so /usr/bin/bcvk exists
	// inside it to re-exec as internal-supervisor (§4.F, §9).
	o.log.Info("step 7: starting privileged container")
	// facts carries kernel/initramfs paths under mergedRoot on the host;
	// inside the container that tree is bound at /run/source-image.
	launchFacts := *facts
	launchFacts.KernelPath = filepath.Join("/run/source-image", strings.TrimPrefix(facts.KernelPath, mergedRoot))
	launchFacts.InitramfsPath = filepath.Join("/run/source-image", strings.TrimPrefix(facts.InitramfsPath, mergedRoot))
	spec := runtime.Spec{
		Image:       o.supervisorImage,
		Command:     o.Launcher.BuildCommand(&launchFacts, req, creds),
		Privileged:  true,
		Detach:      req.Detach,
		AttachStdio: req.Console && !req.Detach,
		Name:        name,
		Labels:      map[string]string{runtime.WellKnownLabel: o.labelValue},
		Devices:     []string{"/dev/kvm"},
	}
	spec.Binds = o.resolveBinds(req, mergedRoot)

	id, err := o.Runner.Start(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("starting container: %w", err)
	}

	inst := &Instance{ContainerID: id, Name: name, KeyPair: kp}

	// Step 8: detached returns immediately, leaving the image mounted for
	// the guest's lifetime (cleaned up by a later prune/explicit
	// teardown); foreground waits and unmounts once the container is gone.
	if req.Detach {
		keepMounted = true
		o.log.WithField("container", id).Info("step 8: detached, returning immediately")
		return inst, nil
	}

	o.log.WithField("container", id).Info("step 8: waiting for container to exit")
	code, err := o.Runner.Wait(ctx, id)
	if err != nil {
		return inst, fmt.Errorf("waiting for container %s: %w", id, err)
	}
	if req.AutoRemove {
		if rmErr := o.Runner.Remove(ctx, id, true); rmErr != nil {
			o.log.WithError(rmErr).Warn("failed to auto-remove container")
		}
	}
	if code != 0 {
		return inst, bcvkerr.NewGuestError(code, nil)
	}
	return inst, nil
}

func (o *Orchestrator) resolveBinds(req RunRequest, mergedRoot string) []runtime.BindMount {
	binds := []runtime.BindMount{
		{HostPath: "/usr", ContainerPath: "/run/host-usr", ReadOnly: true},
		{HostPath: mergedRoot, ContainerPath: "/run/source-image", ReadOnly: true},
	}
	for _, b := range req.Binds {
		binds = append(binds, runtime.BindMount{HostPath: b.HostDir, ContainerPath: "/run/binds/" + b.Tag, ReadOnly: b.ReadOnly})
	}
	for _, d := range req.Disks {
		binds = append(binds, runtime.BindMount{HostPath: d.HostFile, ContainerPath: "/run/disks/" + d.Tag})
	}
	for _, s := range req.SerialCaptures {
		binds = append(binds, runtime.BindMount{HostPath: s.HostFile, ContainerPath: "/run/serial/" + s.Tag})
	}
	if req.HostStoragePassthru {
		binds = append(binds, runtime.BindMount{HostPath: "/var/lib/containers/storage", ContainerPath: "/run/host-storage", ReadOnly: true})
	}
	return binds
}

// touchFile creates an empty file at path (and its parent dir), the
// precondition a single-file bind mount needs: the host path must already
// exist before the container runtime will mount it through.
func touchFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	return f.Close()
}

// createSwapFile allocates a sparse scratch file; unlike the Disk
// Installer's target artifact this is never persisted beyond the run, so a
// plain truncate is enough — no atomic rename needed.
func createSwapFile(path string, size int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating swap file %s: %w", path, err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncating swap file %s to %d bytes: %w", path, size, err)
	}
	return nil
}

// executeUnit composes the one-shot systemd unit that runs command on
// first boot, reporting its outcome over executeResultTag's side channel —
// the same ExecStartPost/ExecStopPost shape the Disk Installer's
// installerUnit uses for its own failure marker.
func executeUnit(command string) credential.Unit {
	content := fmt.Sprintf(`[Unit]
Description=bcvk one-shot execute command
DefaultDependencies=no
After=multi-user.target

[Service]
Type=oneshot
ExecStart=/bin/sh -c %q
ExecStartPost=/bin/sh -c 'echo ok > /dev/virtio-ports/%s; systemctl poweroff'
ExecStopPost=/bin/sh -c '[ "$SERVICE_RESULT" = success ] || { echo fail > /dev/virtio-ports/%s; systemctl poweroff; }'

[Install]
WantedBy=multi-user.target
`, command, executeResultTag, executeResultTag)
	return credential.Unit{Filename: "bcvk-execute.service", Content: content}
}

// ContainerName derives a short container name from an image reference:
// the reference's last path element, sanitized, plus a random 8-character
// suffix. The image digest is not used, and every call returns a new
// suffix. Exported so callers that must resolve the name before calling
// Run (e.g. to pick an instance directory for generated SSH key material)
// can generate it themselves and pass it to Run as RunRequest.Name.
func ContainerName(reference string) string {
	base := filepath.Base(reference)
	suffix := uuid.New().String()[:8]
	return "bcvk-" + sanitizeName(base) + "-" + suffix
}

func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}
