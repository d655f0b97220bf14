package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cgwalters/bcvk/internal/bootcimage"
)

func newImagesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "images",
		Short: "Inspect bootc-labeled images",
	}
	cmd.AddCommand(newImagesListCommand(a))
	return cmd
}

// newImagesListCommand implements the §2.3 supplemented `images list`
// feature: a thin composition of the Image Inspector (4.A) over the
// runtime's local image list, not a new inspection path.
func newImagesListCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List bootc-labeled images known to local container storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			refs, err := localImageReferences(cmd.Context(), a)
			if err != nil {
				return err
			}

			insp := bootcimage.New(nil, a.log)
			var facts []*bootcimage.Facts
			for _, ref := range refs {
				f, err := insp.Inspect(cmd.Context(), ref, "")
				if err != nil {
					a.log.WithError(err).WithField("image", ref).Debug("skipping non-bootc image")
					continue
				}
				facts = append(facts, f)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(facts)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REFERENCE\tARCHITECTURE\tEST. SIZE")
			for _, f := range facts {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", f.Reference, f.Architecture, f.EstimatedRootfsBytes)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON instead of a table")
	return cmd
}

// localImageReferences enumerates the runtime's local images; kept
// separate from bootcimage.Inspector since listing images is not the
// inspector's job. It does not go through the outer runner either.
func localImageReferences(ctx context.Context, a *app) ([]string, error) {
	// The runtime.Runner interface models container lifecycle, not image
	// enumeration (§4.F names containers as its only concern), so image
	// listing goes straight through the configured runtime binary.
	return execRuntimeImageList(ctx, a.cfg.ContainerRuntime)
}
