package installer

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInstallerUnitInvokesBootcInstallToDisk(t *testing.T) {
	unit := installerUnit(FormatRaw)
	require.Equal(t, "bcvk-installer.service", unit.Filename)
	require.True(t, strings.Contains(unit.Content, "bootc install to-disk"))
	require.True(t, strings.Contains(unit.Content, "Type=oneshot"))
}

func TestCreateSparseFileTruncatesToRequestedSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.raw")

	require.NoError(t, createSparseFile(path, 16*1024*1024))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, int64(16*1024*1024), info.Size())
}
