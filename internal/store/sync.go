package store

import (
	"context"
	"fmt"
)

// Sync copies every visible node from a backup directory snapshot into a
// live Store, one-way (backup -> native), preserving each node's own id.
// It never runs the other direction: a live store's pointer-compressed
// duplicates are already resolved by the time AllVisible returns them, so
// there is nothing meaningful to write back into a directory snapshot that
// the directory didn't already have.
func Sync(ctx context.Context, src *BackupStore, dst Store) ([]string, error) {
	nodes, err := src.AllVisible(ctx)
	if err != nil {
		return nil, &SyncError{Src: "backup", Dst: "native", Cause: err}
	}

	var copied []string
	for _, n := range nodes {
		if err := dst.ForceInsertPassive(ctx, n); err != nil {
			return copied, &SyncError{Src: "backup", Dst: "native", Cause: fmt.Errorf("node %s: %w", n.ID, err)}
		}
		copied = append(copied, n.ID)
	}
	return copied, nil
}
