package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/specgen"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PodmanRunner drives the privileged container through podman's own API
// socket instead of shelling out to the podman binary. Grounded on the
// podman-bootc reference implementation's createInstallContainer /
// runInstallContainer: a specgen.SpecGenerator describes the container,
// bindings.containers drives create/start/wait/remove.
type PodmanRunner struct {
	conn context.Context // bindings attach the client to the context itself
	log  logrus.FieldLogger

	mu           sync.Mutex
	mountHelpers map[string]string // image reference -> helper container ID
}

var _ Runner = (*PodmanRunner)(nil)

// NewPodmanRunner dials uri (typically the default podman socket) and
// returns a Runner backed by it.
func NewPodmanRunner(ctx context.Context, uri string, log logrus.FieldLogger) (*PodmanRunner, error) {
	conn, err := bindings.NewConnection(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("connecting to podman at %s: %w", uri, err)
	}
	return &PodmanRunner{
		conn:         conn,
		log:          log.WithField("component", "runtime").WithField("engine", "podman-api"),
		mountHelpers: make(map[string]string),
	}, nil
}

func (r *PodmanRunner) toSpecGenerator(spec Spec) *specgen.SpecGenerator {
	sg := specgen.NewSpecGenerator(spec.Image, false)
	sg.Name = spec.Name
	sg.Privileged = &spec.Privileged
	sg.Command = spec.Command
	sg.Labels = spec.Labels
	sg.Remove = new(bool)
	// Privileged containers still need an explicit nested-selinux-label
	// relaxation to access /dev/kvm and bind-mounted host directories —
	// the same LabelNested + unconfined-type combination the
	// podman-bootc reference uses for its own install container.
	sg.ContainerSecurityConfig.LabelNested = &spec.Privileged
	if spec.Privileged {
		sg.SelinuxOpts = []string{"type:unconfined_t"}
	}

	for _, d := range spec.Devices {
		sg.Devices = append(sg.Devices, specgen.Device{Path: d})
	}
	sg.Volumes = bindMountsToNamedVolumes(spec.Binds)
	return sg
}

// bindMountsToNamedVolumes adapts our BindMount list to specgen's own
// volume-mount representation.
func bindMountsToNamedVolumes(binds []BindMount) []*specgen.NamedVolume {
	var out []*specgen.NamedVolume
	for _, b := range binds {
		out = append(out, &specgen.NamedVolume{
			Name:    b.HostPath,
			Dest:    b.ContainerPath,
			Options: readOnlyOpt(b.ReadOnly),
		})
	}
	return out
}

func readOnlyOpt(ro bool) []string {
	if ro {
		return []string{"ro"}
	}
	return nil
}

func (r *PodmanRunner) Start(ctx context.Context, spec Spec) (string, error) {
	sg := r.toSpecGenerator(spec)
	created, err := containers.CreateWithSpec(r.conn, sg, nil)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	if err := containers.Start(r.conn, created.ID, nil); err != nil {
		return "", fmt.Errorf("starting container %s: %w", created.ID, err)
	}
	return created.ID, nil
}

func (r *PodmanRunner) Wait(ctx context.Context, containerID string) (int, error) {
	code, err := containers.Wait(r.conn, containerID, nil)
	if err != nil {
		return -1, fmt.Errorf("waiting for container %s: %w", containerID, err)
	}
	return int(code), nil
}

func (r *PodmanRunner) Signal(ctx context.Context, containerID, signal string) error {
	opts := new(containers.KillOptions).WithSignal(signal)
	if err := containers.Kill(r.conn, containerID, opts); err != nil {
		return fmt.Errorf("signaling container %s with %s: %w", containerID, signal, err)
	}
	return nil
}

func (r *PodmanRunner) Remove(ctx context.Context, containerID string, force bool) error {
	opts := new(containers.RemoveOptions).WithForce(force)
	if _, err := containers.Remove(r.conn, containerID, opts); err != nil {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

// MountImage has no direct equivalent in the bindings API — image mounting
// is a local-storage operation the remote API only exposes per-container —
// so this creates an unstarted helper container from reference and mounts
// that, the same trick `podman image mount` itself performs internally.
// The helper container ID is tracked by reference so UnmountImage can tear
// it down again.
func (r *PodmanRunner) MountImage(ctx context.Context, reference string) (string, error) {
	sg := specgen.NewSpecGenerator(reference, false)
	sg.Name = "bcvk-mount-" + uuid.New().String()[:8]
	created, err := containers.CreateWithSpec(r.conn, sg, nil)
	if err != nil {
		return "", fmt.Errorf("creating mount helper for %s: %w", reference, err)
	}

	path, err := containers.Mount(r.conn, created.ID, nil)
	if err != nil {
		_, _ = containers.Remove(r.conn, created.ID, new(containers.RemoveOptions).WithForce(true))
		return "", fmt.Errorf("mounting image %s: %w", reference, err)
	}

	r.mu.Lock()
	r.mountHelpers[reference] = created.ID
	r.mu.Unlock()
	return path, nil
}

// UnmountImage unmounts and removes the helper container MountImage created
// for reference. Unmounting a reference with no recorded helper is a no-op.
func (r *PodmanRunner) UnmountImage(ctx context.Context, reference string) error {
	r.mu.Lock()
	id, ok := r.mountHelpers[reference]
	if ok {
		delete(r.mountHelpers, reference)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if err := containers.Unmount(r.conn, id, nil); err != nil {
		return fmt.Errorf("unmounting image %s: %w", reference, err)
	}
	if _, err := containers.Remove(r.conn, id, new(containers.RemoveOptions).WithForce(true)); err != nil {
		return fmt.Errorf("removing mount helper for %s: %w", reference, err)
	}
	return nil
}

func (r *PodmanRunner) List(ctx context.Context) ([]ContainerInfo, error) {
	opts := new(containers.ListOptions).WithAll(true).WithFilters(map[string][]string{
		"label": {WellKnownLabel},
	})
	list, err := containers.List(r.conn, opts)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := c.ID
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		infos = append(infos, ContainerInfo{ID: c.ID, Name: name, Labels: c.Labels, State: c.State})
	}
	return infos, nil
}
