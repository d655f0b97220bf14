package installer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWriteAndReadMetadataRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.raw")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	md := Metadata{ImageDigest: "sha256:abc", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, WriteMetadata(path, md))

	got, err := ReadMetadata(path)
	require.NoError(t, err)
	require.Equal(t, md.ImageDigest, got.ImageDigest)
}

func TestSidecarPathDerivesFromDiskPath(t *testing.T) {
	require.Equal(t, "/x/disk.raw.bootc-meta.json", sidecarPath("/x/disk.raw"))
}
