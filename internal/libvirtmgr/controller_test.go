package libvirtmgr

import (
	"testing"

	"github.com/stretchr/testify/require"
	lv "libvirt.org/go/libvirt"
)

func TestVolumeNameIsStableForSameDigest(t *testing.T) {
	a := VolumeName("sha256:abcdef")
	b := VolumeName("sha256:abcdef")
	require.Equal(t, a, b)
	require.Contains(t, a, "bcvk-")
}

func TestVolumeNameDiffersAcrossDigests(t *testing.T) {
	require.NotEqual(t, VolumeName("sha256:a"), VolumeName("sha256:b"))
}

func TestVolumeXMLContainsCapacityAndName(t *testing.T) {
	doc := volumeXML("vm1.raw", 1024)
	require.Contains(t, doc, "<name>vm1.raw</name>")
	require.Contains(t, doc, `unit="bytes">1024<`)
}

func TestParseMetadataExtractsFields(t *testing.T) {
	xmlDesc := `<domain><metadata><bcvk:instance xmlns:bcvk="x">
  <bcvk:generated>true</bcvk:generated>
  <bcvk:source-image>quay.io/x</bcvk:source-image>
  <bcvk:private-key-path>/tmp/key</bcvk:private-key-path>
</bcvk:instance></metadata></domain>`
	rec := &DomainRecord{}
	parseMetadata(xmlDesc, rec)
	require.True(t, rec.Generated)
	require.Equal(t, "quay.io/x", rec.SourceImage)
	require.Equal(t, "/tmp/key", rec.PrivateKeyPath)
}

func TestParseMetadataLeavesFieldsEmptyWhenAbsent(t *testing.T) {
	rec := &DomainRecord{}
	parseMetadata(`<domain/>`, rec)
	require.False(t, rec.Generated)
	require.Empty(t, rec.SourceImage)
}

func TestStateNameMapsKnownStates(t *testing.T) {
	require.Equal(t, "running", stateName(lv.DOMAIN_RUNNING))
	require.Equal(t, "shut off", stateName(lv.DOMAIN_SHUTOFF))
}

func TestBetweenTagsReturnsEmptyWhenMissing(t *testing.T) {
	require.Equal(t, "", betweenTags("<a></a>", "bcvk:missing"))
}
