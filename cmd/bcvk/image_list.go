package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
)

// execRuntimeImageList shells out to the configured runtime's own `images`
// listing, mirroring the Outer Runner's os/exec fallback shape (4.F) for
// the one operation that interface doesn't model.
func execRuntimeImageList(ctx context.Context, binary string) ([]string, error) {
	out, err := exec.CommandContext(ctx, binary, "images", "--format", "json").Output()
	if err != nil {
		return nil, fmt.Errorf("listing local images: %w", err)
	}

	var raw []struct {
		Names []string `json:"Names"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("parsing local image list: %w", err)
	}

	var refs []string
	for _, r := range raw {
		refs = append(refs, r.Names...)
	}
	return refs, nil
}
