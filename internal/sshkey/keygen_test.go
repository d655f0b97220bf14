package sshkey

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateWritesPrivateKeyAndReturnsPublicKey(t *testing.T) {
	dir := t.TempDir()

	kp, err := Generate(dir)
	require.NoError(t, err)

	info, err := os.Stat(kp.PrivateKeyPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.True(t, strings.HasPrefix(string(kp.PublicKey), "ssh-ed25519 "))
}

func TestGenerateProducesDistinctKeysEachCall(t *testing.T) {
	dir := t.TempDir()

	a, err := Generate(dir + "/a")
	require.NoError(t, err)
	b, err := Generate(dir + "/b")
	require.NoError(t, err)

	require.NotEqual(t, a.PublicKey, b.PublicKey)
}
