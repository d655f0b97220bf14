package installer

import "github.com/docker/go-units"

// Sizing constants adapted verbatim from the podman-bootc reference's disk
// creation path: double the source image to leave room for in-place
// updates, floor at 10 GiB, align to a 4k boundary that loopback attach
// requires.
const (
	containerSizeToDiskSizeMultiplier = 2
	diskSizeMinimum                   = 10 * 1024 * 1024 * 1024 // 10GiB
	diskSizeAlignment                 = 4096
)

// ResolveDiskSize picks the disk size in bytes: an explicit human-readable
// override (e.g. "20GiB") wins when it is larger than the computed
// default; otherwise the estimated rootfs size doubled, floored, and
// 4k-aligned.
func ResolveDiskSize(estimatedRootfsBytes uint64, explicit string) (int64, error) {
	size := int64(estimatedRootfsBytes) * containerSizeToDiskSizeMultiplier
	if size < diskSizeMinimum {
		size = diskSizeMinimum
	}
	if explicit != "" {
		requested, err := units.FromHumanSize(explicit)
		if err != nil {
			return 0, err
		}
		if requested > size {
			size = requested
		}
	}
	return align(size, diskSizeAlignment), nil
}

func align(size, boundary int64) int64 {
	rem := size % boundary
	if rem != 0 {
		size += boundary - rem
	}
	return size
}
