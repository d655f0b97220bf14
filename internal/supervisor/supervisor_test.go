package supervisor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScratchLayoutNames(t *testing.T) {
	require.Equal(t, "usr/bin", scratchTopLevelSymlinks["bin"])
	require.Equal(t, "usr/lib64", scratchTopLevelSymlinks["lib64"])
	require.Contains(t, scratchEmptyDirs, "proc")
	require.Contains(t, scratchEmptyDirs, "dev")
}

// TestPrepareRootRequiresPrivilege documents that pivot_root/mount need
// CAP_SYS_ADMIN; outside a privileged container this is expected to fail
// rather than silently no-op.
func TestPrepareRootRequiresPrivilege(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root: PrepareRoot's syscalls may actually succeed here")
	}
	err := PrepareRoot(t.TempDir(), "/usr")
	require.Error(t, err)
}
