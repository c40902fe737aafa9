package snapshot

import (
	"context"
	"errors"

	"github.com/avorel/ensemble/pkg/api"
)

// ErrSnapshotNotFound is returned when no snapshot exists for a run ID.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// Filter selects snapshots from a store. An empty Ensemble means
// "no filter" for that field.
type Filter struct {
	Ensemble string
}

// Store handles durable storage of suspended-run snapshots so a run can be
// resumed in a different process than the one that suspended it.
type Store interface {
	// Save persists snap, overwriting any snapshot with the same RunID.
	Save(ctx context.Context, snap *api.SuspendedState) error
	// Load returns the snapshot for runID, or ErrSnapshotNotFound.
	Load(ctx context.Context, runID string) (*api.SuspendedState, error)
	// List returns snapshots matching filter, in no particular order.
	List(ctx context.Context, filter Filter) ([]*api.SuspendedState, error)
	// Delete removes the snapshot for runID. It is idempotent.
	Delete(ctx context.Context, runID string) error
}
