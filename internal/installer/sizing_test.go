package installer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveDiskSizeAppliesFloor(t *testing.T) {
	size, err := ResolveDiskSize(1024, "")
	require.NoError(t, err)
	require.Equal(t, int64(diskSizeMinimum), size)
}

func TestResolveDiskSizeDoublesEstimate(t *testing.T) {
	size, err := ResolveDiskSize(20*1024*1024*1024, "")
	require.NoError(t, err)
	require.Equal(t, int64(40*1024*1024*1024), size)
}

func TestResolveDiskSizeHonorsLargerExplicitOverride(t *testing.T) {
	size, err := ResolveDiskSize(1024, "25GiB")
	require.NoError(t, err)
	require.Equal(t, int64(25*1024*1024*1024), size)
}

func TestResolveDiskSizeIgnoresSmallerExplicitOverride(t *testing.T) {
	size, err := ResolveDiskSize(20*1024*1024*1024, "5GiB")
	require.NoError(t, err)
	require.Equal(t, int64(40*1024*1024*1024), size)
}

func TestResolveDiskSizeAligns(t *testing.T) {
	size, err := ResolveDiskSize(0, "10737418241") // one byte over the 10GiB minimum, so alignment must round it up
	require.NoError(t, err)
	require.Equal(t, int64(0), size%diskSizeAlignment)
}

func TestResolveDiskSizeRejectsInvalidOverride(t *testing.T) {
	_, err := ResolveDiskSize(0, "not-a-size")
	require.Error(t, err)
}
