package bootcimage

// BootcLabel is the OCI label whose exact value "1" marks an image as
// bootc-compatible (§3 "Invariants", §4.A).
const BootcLabel = "containers.bootc"

// Facts is the read-only result of inspecting an image reference (§3
// "Image facts"). Once produced it is never mutated.
type Facts struct {
	Reference string

	// IsBootc is true only when BootcLabel is present and equal to "1".
	IsBootc bool

	// KernelPath and InitramfsPath are absolute paths inside the image's
	// merged filesystem.
	KernelPath    string
	InitramfsPath string

	// Architecture is read from the image manifest.
	Architecture string

	// EstimatedRootfsBytes is advisory only (§4.A): never used to gate
	// execution, only to seed the Disk Installer's default sizing (4.H).
	EstimatedRootfsBytes uint64
}
