// Package runtime implements the Outer Runner (4.F): the sole component
// that shells out to the container runtime. Everything else treats
// containers as opaque handles reached through the Runner interface.
package runtime

import "context"

// WellKnownLabel marks a container as ours, for fleet cleanup (§4.F).
// Production runs carry "1"; the integration-test build carries
// "bcvk.integration-test=1" instead (set via Spec.Labels by the caller).
const WellKnownLabel = "bcvk"

// BindMount is one host-directory pass-through into the privileged
// container.
type BindMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Spec describes the privileged container the Outer Runner starts: the
// inner supervisor's entrypoint, running as the same binary in a different
// mode (§9 "Cyclic inner-outer relationship").
type Spec struct {
	// Image is the image the binary itself ships in — not the target
	// bootc image, which arrives as a BindMount.
	Image string

	// Command is the argv run inside the container; by convention its
	// first element is the hidden "internal-supervisor" subcommand.
	Command []string

	Privileged  bool
	Binds       []BindMount
	Labels      map[string]string
	Name        string
	Detach      bool
	AttachStdio bool

	// Devices are host device nodes passed through, e.g. /dev/kvm.
	Devices []string
}

// ContainerInfo is the subset of runtime-reported state the Persistent
// Controller and `ephemeral prune` need.
type ContainerInfo struct {
	ID     string
	Name   string
	Labels map[string]string
	State  string
}

// Runner is the Outer Runner's abstraction over "some container engine",
// generalizing the teacher's K8SClient interface (pkg/k8sclient) from a
// Kubernetes control plane down to a single host's container engine.
type Runner interface {
	// Start launches spec, returning its container ID immediately
	// (§4.G step 6/7 — detach vs foreground is handled by the caller
	// deciding whether to also call Wait).
	Start(ctx context.Context, spec Spec) (containerID string, err error)

	// Wait blocks until containerID exits, returning its exit code.
	Wait(ctx context.Context, containerID string) (exitCode int, err error)

	// Signal forwards a signal (by name, e.g. "SIGTERM") to containerID.
	Signal(ctx context.Context, containerID, signal string) error

	// Remove deletes containerID, forcing if it is still running.
	Remove(ctx context.Context, containerID string, force bool) error

	// List enumerates containers carrying WellKnownLabel.
	List(ctx context.Context) ([]ContainerInfo, error)

	// MountImage resolves reference's merged container filesystem and
	// returns the host path it is mounted at (§4.A's mergedRoot, §4.F).
	// The mount persists until a matching UnmountImage call; callers that
	// never unmount leak the mount, matching the runtime's own
	// reference-counted mount semantics.
	MountImage(ctx context.Context, reference string) (mergedRoot string, err error)

	// UnmountImage releases a mount obtained from MountImage. Unmounting a
	// reference that was never mounted (or already unmounted) is a no-op.
	UnmountImage(ctx context.Context, reference string) error
}
