package bootcimage

import (
	"context"
	"os"

	imgpkg "github.com/containers/image/v5/image"
	"github.com/containers/image/v5/types"
)

// newUnparsedImage adapts a raw ImageSource into the UnparsedImage
// interface needed for Inspect, without committing to a particular
// manifest list instance.
func newUnparsedImage(ctx context.Context, src types.ImageSource, sysCtx *types.SystemContext) (types.Image, error) {
	unparsed := imgpkg.UnparsedInstance(src, nil)
	return imgpkg.FromUnparsedImage(ctx, sysCtx, unparsed)
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
