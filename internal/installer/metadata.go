package installer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// imageMetaXattr matches the podman-bootc reference's own xattr name, so
// disks produced by either tool carry compatible metadata.
const imageMetaXattr = "user.bootc.meta"

// Metadata is the small JSON document recorded against a disk file once
// installation succeeds (§4.H step 5).
type Metadata struct {
	ImageDigest string    `json:"imageDigest"`
	CreatedAt   time.Time `json:"createdAt"`
}

// WriteMetadata attaches md to the disk at path, preferring a user xattr
// and falling back to a JSON sidecar file when the filesystem doesn't
// support extended attributes (§9 Open Question: resolved in favor of the
// xattr-primary / sidecar-fallback scheme both podman-bootc's bootc_disk.go
// and podman machine's vmrun.go independently converge on).
func WriteMetadata(path string, md Metadata) error {
	buf, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshaling disk metadata: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening disk %s: %w", path, err)
	}
	defer f.Close()

	err = unix.Fsetxattr(int(f.Fd()), imageMetaXattr, buf, 0)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.ENOTSUP) && !errors.Is(err, unix.EOPNOTSUPP) {
		return fmt.Errorf("setting %s xattr on %s: %w", imageMetaXattr, path, err)
	}

	return writeSidecar(path, buf)
}

// ReadMetadata reads back whichever of the two forms is present.
func ReadMetadata(path string) (*Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening disk %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, 4096)
	n, err := unix.Fgetxattr(int(f.Fd()), imageMetaXattr, buf)
	if err == nil {
		var md Metadata
		if jerr := json.Unmarshal(buf[:n], &md); jerr != nil {
			return nil, fmt.Errorf("parsing xattr metadata on %s: %w", path, jerr)
		}
		return &md, nil
	}

	raw, err := os.ReadFile(sidecarPath(path))
	if err != nil {
		return nil, fmt.Errorf("no metadata xattr or sidecar present for %s: %w", path, err)
	}
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("parsing sidecar metadata for %s: %w", path, err)
	}
	return &md, nil
}

func writeSidecar(path string, buf []byte) error {
	if err := os.WriteFile(sidecarPath(path), buf, 0o644); err != nil {
		return fmt.Errorf("writing sidecar metadata for %s: %w", path, err)
	}
	return nil
}

func sidecarPath(path string) string {
	return path + ".bootc-meta.json"
}
