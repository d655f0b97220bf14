package orchestrator

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/cgwalters/bcvk/internal/bootcimage"
	"github.com/cgwalters/bcvk/internal/credential"
	"github.com/cgwalters/bcvk/internal/runtime"
)

type fakeRunner struct {
	started runtime.Spec
	startID string
	startErr error
	waitCode int
	waitErr  error
	removed  bool
}

func (f *fakeRunner) Start(ctx context.Context, spec runtime.Spec) (string, error) {
	f.started = spec
	if f.startErr != nil {
		return "", f.startErr
	}
	return f.startID, nil
}
func (f *fakeRunner) Wait(ctx context.Context, id string) (int, error) { return f.waitCode, f.waitErr }
func (f *fakeRunner) Signal(ctx context.Context, id, sig string) error { return nil }
func (f *fakeRunner) Remove(ctx context.Context, id string, force bool) error {
	f.removed = true
	return nil
}
func (f *fakeRunner) List(ctx context.Context) ([]runtime.ContainerInfo, error) { return nil, nil }
func (f *fakeRunner) MountImage(ctx context.Context, reference string) (string, error) {
	return "", nil
}
func (f *fakeRunner) UnmountImage(ctx context.Context, reference string) error { return nil }

type fakeLauncher struct{}

func (fakeLauncher) BuildCommand(facts *bootcimage.Facts, req RunRequest, creds []credential.Credential) []string {
	return []string{"internal-supervisor"}
}

func newTestOrchestrator(t *testing.T, runner *fakeRunner) *Orchestrator {
	t.Helper()
	insp := bootcimage.New(nil, logrus.New())
	return New(insp, runner, fakeLauncher{}, "bcvk.integration-test=1", "localhost/bcvk:test", logrus.New())
}

func TestValidateRejectsLowMemory(t *testing.T) {
	req := RunRequest{MemoryBytes: 1024}
	require.Error(t, req.Validate())
}

func TestValidateRejectsDuplicateBindTags(t *testing.T) {
	req := RunRequest{Binds: []BindMount{{Tag: "data"}, {Tag: "data"}}}
	require.Error(t, req.Validate())
}

func TestValidateAcceptsEmptyRequest(t *testing.T) {
	require.NoError(t, RunRequest{}.Validate())
}

func TestContainerNameSanitizesReference(t *testing.T) {
	name := ContainerName("quay.io/example/my:image@sha256:abc")
	require.Contains(t, name, "bcvk-")
	require.NotContains(t, name, "/")
	require.NotContains(t, name, ":")
}

func TestSanitizeNameReplacesDisallowedRunes(t *testing.T) {
	require.Equal(t, "a-b-c", sanitizeName("a/b:c"))
}
