package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/avorel/ensemble/pkg/api"
)

// encodeSnapshot serializes a snapshot as JSON. JSON is used instead of a
// binary codec because snapshot payloads are free-form maps and interface
// values, and the encoding must stay readable for operators inspecting
// parked runs.
func encodeSnapshot(snap *api.SuspendedState) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot %q: %w", snap.RunID, err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*api.SuspendedState, error) {
	if len(data) == 0 {
		return nil, ErrSnapshotNotFound
	}
	var snap api.SuspendedState
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
