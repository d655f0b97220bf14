package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// ExecRunner invokes the configured runtime binary's own CLI via os/exec —
// the fallback used when no podman API socket is reachable, or when the
// configured runtime is docker. Grounded on the re-exec shape of podman
// machine's bootc vmrun (podmanRecurse): build an argv, run it, surface a
// non-zero exit as a typed error carrying captured stderr.
type ExecRunner struct {
	binary string
	log    logrus.FieldLogger
}

func NewExecRunner(binary string, log logrus.FieldLogger) *ExecRunner {
	return &ExecRunner{binary: binary, log: log.WithField("component", "runtime").WithField("engine", binary)}
}

var _ Runner = (*ExecRunner)(nil)

func (r *ExecRunner) Start(ctx context.Context, spec Spec) (string, error) {
	args := []string{"run"}
	if spec.Privileged {
		args = append(args, "--privileged")
	}
	if spec.Detach {
		args = append(args, "-d")
	}
	if spec.Name != "" {
		args = append(args, "--name", spec.Name)
	}
	for k, v := range spec.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	for _, b := range spec.Binds {
		mount := fmt.Sprintf("%s:%s", b.HostPath, b.ContainerPath)
		if b.ReadOnly {
			mount += ":ro"
		}
		args = append(args, "-v", mount)
	}
	for _, d := range spec.Devices {
		args = append(args, "--device", d)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)

	r.log.WithField("args", strings.Join(args, " ")).Debug("starting privileged container")

	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if spec.Detach {
		out, err := cmd.Output()
		if err != nil {
			return "", fmt.Errorf("starting container: %w: %s", err, stderr.String())
		}
		return strings.TrimSpace(string(out)), nil
	}

	if spec.AttachStdio {
		cmd.Stdin, cmd.Stdout = os.Stdin, os.Stdout
	}
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("running container: %w: %s", err, stderr.String())
	}
	return spec.Name, nil
}

func (r *ExecRunner) Wait(ctx context.Context, containerID string) (int, error) {
	out, err := exec.CommandContext(ctx, r.binary, "wait", containerID).Output()
	if err != nil {
		return -1, fmt.Errorf("waiting for container %s: %w", containerID, err)
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return -1, fmt.Errorf("parsing exit code for container %s: %w", containerID, err)
	}
	return code, nil
}

func (r *ExecRunner) Signal(ctx context.Context, containerID, signal string) error {
	if err := exec.CommandContext(ctx, r.binary, "kill", "--signal", signal, containerID).Run(); err != nil {
		return fmt.Errorf("signaling container %s with %s: %w", containerID, signal, err)
	}
	return nil
}

func (r *ExecRunner) Remove(ctx context.Context, containerID string, force bool) error {
	args := []string{"rm"}
	if force {
		args = append(args, "-f")
	}
	args = append(args, containerID)
	if err := exec.CommandContext(ctx, r.binary, args...).Run(); err != nil {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}
	return nil
}

// MountImage shells out to `<binary> image mount <reference>`, the direct
// CLI equivalent of the bindings-based PodmanRunner's helper-container
// trick: podman resolves reference's merged filesystem itself and prints
// the mount path on stdout.
func (r *ExecRunner) MountImage(ctx context.Context, reference string) (string, error) {
	out, err := exec.CommandContext(ctx, r.binary, "image", "mount", reference).Output()
	if err != nil {
		return "", fmt.Errorf("mounting image %s: %w", reference, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (r *ExecRunner) UnmountImage(ctx context.Context, reference string) error {
	if err := exec.CommandContext(ctx, r.binary, "image", "unmount", reference).Run(); err != nil {
		return fmt.Errorf("unmounting image %s: %w", reference, err)
	}
	return nil
}

func (r *ExecRunner) List(ctx context.Context) ([]ContainerInfo, error) {
	out, err := exec.CommandContext(ctx, r.binary, "ps", "-a",
		"--filter", "label="+WellKnownLabel,
		"--format", "json").Output()
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	var raw []struct {
		ID     string            `json:"Id"`
		Names  []string          `json:"Names"`
		Labels map[string]string `json:"Labels"`
		State  string            `json:"State"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parsing container list: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(raw))
	for _, c := range raw {
		name := c.ID
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		infos = append(infos, ContainerInfo{ID: c.ID, Name: name, Labels: c.Labels, State: c.State})
	}
	return infos, nil
}
