// Package app wires application components and startup helpers.
package app

import (
	"context"
	"fmt"

	qdrantcli "github.com/fairyhunter13/cv-match-engine/internal/adapter/vector/qdrant"
)

// EnsureCollections creates the six record collections when missing. The
// index vector is a placeholder; records are fetched by id, never by
// similarity search.
func EnsureCollections(ctx context.Context, qcli *qdrantcli.Client) error {
	if qcli == nil {
		return fmt.Errorf("qdrant client not configured")
	}
	for _, name := range qdrantcli.Collections() {
		if err := qcli.EnsureCollection(ctx, name, qdrantcli.PlaceholderDim, "Cosine"); err != nil {
			return fmt.Errorf("ensure collection %s: %w", name, err)
		}
	}
	return nil
}
