package remote

import (
	"encoding/json"
	"fmt"

	"github.com/K-jun98/bucket4j/core"
)

// SnapshotFormat is the version tag written into every persisted snapshot.
// Readers accept any format up to and including this one.
const SnapshotFormat = 1

type snapshotEnvelope struct {
	Format        int                `json:"format"`
	Configuration core.Configuration `json:"configuration"`
	State         core.State         `json:"state"`
}

// EncodeSnapshot serializes s into the persisted envelope.
func EncodeSnapshot(s Snapshot) ([]byte, error) {
	data, err := json.Marshal(snapshotEnvelope{
		Format:        SnapshotFormat,
		Configuration: s.Configuration,
		State:         s.State,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode snapshot: %w", ErrSerialization, err)
	}
	return data, nil
}

// DecodeSnapshot parses a persisted envelope. Unknown fields are ignored so
// that newer writers can add data older readers do not understand.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode snapshot: %w", ErrSerialization, err)
	}
	if err := checkFormat("snapshot", env.Format, SnapshotFormat); err != nil {
		return Snapshot{}, err
	}
	if err := env.Configuration.Validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: stored configuration: %w", ErrSerialization, err)
	}
	if err := env.State.Validate(env.Configuration); err != nil {
		return Snapshot{}, fmt.Errorf("%w: stored state: %w", ErrSerialization, err)
	}
	return Snapshot{Configuration: env.Configuration, State: env.State}, nil
}

func checkFormat(what string, got, supported int) error {
	if got <= 0 {
		return fmt.Errorf("%w: %s has no format tag", ErrSerialization, what)
	}
	if got > supported {
		return fmt.Errorf("%w: %s format %d is newer than supported %d", ErrSerialization, what, got, supported)
	}
	return nil
}
