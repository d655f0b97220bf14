package libvirtxml

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cgwalters/bcvk/internal/credential"
)

func TestTranslateRejectsEmptyName(t *testing.T) {
	_, err := Translate(Descriptor{})
	require.Error(t, err)
}

func TestTranslateProducesByteIdenticalOutputForSameInput(t *testing.T) {
	d := Descriptor{
		Name:            "vm1",
		MemoryBytes:     2 * 1024 * 1024 * 1024,
		VCPUs:           2,
		VolumeName:      "vm1.raw",
		StoragePoolName: "bcvk",
		Network:         NetworkUser,
		SourceImage:     "quay.io/example/os",
	}

	a, err := Translate(d)
	require.NoError(t, err)
	b, err := Translate(d)
	require.NoError(t, err)

	xa, err := a.Marshal()
	require.NoError(t, err)
	xb, err := b.Marshal()
	require.NoError(t, err)
	require.Equal(t, xa, xb)
}

func TestTranslateSetsMemoryInKiB(t *testing.T) {
	d, err := Translate(Descriptor{Name: "vm1", MemoryBytes: 4096})
	require.NoError(t, err)
	require.Equal(t, uint(4), d.Memory.Value)
	require.Equal(t, "KiB", d.Memory.Unit)
}

func TestTranslateEmbedsCredentialsAsCommandline(t *testing.T) {
	d, err := Translate(Descriptor{
		Name:        "vm1",
		MemoryBytes: 1024,
		Credentials: []credential.Credential{{Name: "authorized-keys", Payload: "AAAA"}},
	})
	require.NoError(t, err)
	require.NotNil(t, d.QEMUCommandline)
	require.True(t, len(d.QEMUCommandline.Args) >= 2)
	require.True(t, strings.Contains(d.QEMUCommandline.Args[1].Value, "authorized-keys"))
}

func TestMetadataXMLEscapesSpecialCharacters(t *testing.T) {
	out := metadataXML(Descriptor{SourceImage: "a&b<c>"})
	require.Contains(t, out, "a&amp;b&lt;c&gt;")
}
