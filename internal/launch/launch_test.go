package launch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cgwalters/bcvk/internal/bootcimage"
	"github.com/cgwalters/bcvk/internal/credential"
	"github.com/cgwalters/bcvk/internal/orchestrator"
)

func TestEncodeDecodeRoundTrips(t *testing.T) {
	st := State{
		ImageReference: "quay.io/example/os",
		MemoryBytes:    2048,
		VCPUs:          2,
		ExtraKargs:     []string{"console=ttyS0"},
		Credentials:    []credential.Credential{{Name: "authorized-keys", Payload: "AAAA"}},
	}

	encoded, err := Encode(st)
	require.NoError(t, err)

	got, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, st, *got)
}

func TestBuildCommandProducesSupervisorInvocation(t *testing.T) {
	facts := &bootcimage.Facts{Reference: "quay.io/example/os", KernelPath: "/usr/lib/modules/1/vmlinuz"}
	req := orchestrator.RunRequest{MemoryBytes: 1024, VCPUs: 1}

	args := Launcher{}.BuildCommand(facts, req, nil)
	require.Equal(t, "/usr/bin/bcvk", args[0])
	require.Equal(t, "internal-supervisor", args[1])
	require.Equal(t, "--state", args[2])

	st, err := Decode(args[3])
	require.NoError(t, err)
	require.Equal(t, facts.Reference, st.ImageReference)
}
