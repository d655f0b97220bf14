// Package bootcimage implements the Image Inspector (4.A): given an image
// reference, produce image facts or fail with one of the five distinct
// failure modes spec.md names.
package bootcimage

import (
	"context"
	"fmt"
	"path/filepath"
	goruntime "runtime"

	"github.com/containers/image/v5/docker"
	"github.com/containers/image/v5/transports/alltransports"
	"github.com/containers/image/v5/types"
	"github.com/sirupsen/logrus"

	"github.com/cgwalters/bcvk/internal/bcvkerr"
)

// Inspector resolves image references to Facts via the container runtime's
// image-inspection facility.
type Inspector struct {
	sysCtx *types.SystemContext
	log    logrus.FieldLogger
}

func New(sysCtx *types.SystemContext, log logrus.FieldLogger) *Inspector {
	if sysCtx == nil {
		sysCtx = &types.SystemContext{}
	}
	return &Inspector{sysCtx: sysCtx, log: log.WithField("component", "bootcimage")}
}

// Inspect reads labels and the manifest for reference, then locates the
// kernel/initramfs inside mergedRoot — the already-mounted merged
// filesystem of that same image, as produced by the container runtime and
// passed through by the Outer Runner (4.F). mergedRoot may be empty when
// the caller only needs label/architecture facts (e.g. `images list`).
func (ins *Inspector) Inspect(ctx context.Context, reference, mergedRoot string) (*Facts, error) {
	ref, err := resolveReference(reference)
	if err != nil {
		return nil, bcvkerr.NewInspectError(bcvkerr.InspectImageNotFound, reference, err)
	}

	src, err := ref.NewImageSource(ctx, ins.sysCtx)
	if err != nil {
		return nil, bcvkerr.NewInspectError(bcvkerr.InspectImageNotFound, reference, err)
	}
	defer src.Close()

	img, err := newUnparsedImage(ctx, src, ins.sysCtx)
	if err != nil {
		return nil, bcvkerr.NewInspectError(bcvkerr.InspectImageNotFound, reference, err)
	}

	inspectInfo, err := img.Inspect(ctx)
	if err != nil {
		return nil, bcvkerr.NewInspectError(bcvkerr.InspectImageNotFound, reference, err)
	}

	facts := &Facts{
		Reference:    reference,
		Architecture: inspectInfo.Architecture,
	}

	if v, ok := inspectInfo.Labels[BootcLabel]; ok && v == "1" {
		facts.IsBootc = true
	}
	if !facts.IsBootc {
		return nil, bcvkerr.NewInspectError(bcvkerr.InspectNotBootc, reference, nil)
	}
	if facts.Architecture != "" && facts.Architecture != goruntime.GOARCH {
		return nil, bcvkerr.NewInspectError(bcvkerr.InspectArchUnsupported, reference,
			fmt.Errorf("image architecture %s, host architecture %s", facts.Architecture, goruntime.GOARCH))
	}

	for _, layer := range inspectInfo.LayersData {
		facts.EstimatedRootfsBytes += uint64(layer.Size)
	}

	if mergedRoot != "" {
		kernel, err := findKernel(mergedRoot)
		if err != nil {
			return nil, bcvkerr.NewInspectError(bcvkerr.InspectKernelNotFound, reference, err)
		}
		facts.KernelPath = kernel

		initramfs := conventionalInitramfsPath(kernel)
		if !pathExists(initramfs) {
			return nil, bcvkerr.NewInspectError(bcvkerr.InspectInitramfsNotFound, reference, fmt.Errorf("expected at %s", initramfs))
		}
		facts.InitramfsPath = initramfs
	}

	ins.log.WithField("reference", reference).WithField("arch", facts.Architecture).Debug("inspected image")
	return facts, nil
}

// resolveReference parses reference as a transport-qualified image name,
// defaulting to the docker:// transport when no transport prefix is given —
// the common case for a bare registry reference like "quay.io/..." or an
// already-resolved local storage reference.
func resolveReference(reference string) (types.ImageReference, error) {
	if ref, err := alltransports.ParseImageName(reference); err == nil {
		return ref, nil
	}
	return docker.ParseReference("//" + reference)
}

func findKernel(mergedRoot string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(mergedRoot, "usr/lib/modules/*/vmlinuz"))
	if err != nil {
		return "", err
	}
	if len(matches) != 1 {
		return "", fmt.Errorf("expected exactly one kernel under usr/lib/modules, found %d", len(matches))
	}
	return matches[0], nil
}

// conventionalInitramfsPath returns the initramfs path that conventionally
// sits next to kernelPath — no regeneration is ever attempted (§4.A).
func conventionalInitramfsPath(kernelPath string) string {
	return filepath.Join(filepath.Dir(kernelPath), "initramfs.img")
}
