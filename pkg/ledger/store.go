package ledger

import (
	"context"
	"encoding/json"
)

// Store persists committed entries. Implementations must make Append atomic:
// either the entry and its atom are both durable, or neither is, and an
// append whose previous_hash/sequence no longer match the stored head must
// fail with *SequenceConflictError.
type Store interface {
	// Head returns the container's current position. A container with no
	// entries reports GenesisState, never ErrNotFound.
	Head(ctx context.Context, containerID string) (State, error)

	// Append persists e. The entry's Sequence and PreviousHash must extend
	// the stored head exactly.
	Append(ctx context.Context, e Entry) error

	// Entry fetches a single entry by sequence.
	Entry(ctx context.Context, containerID string, sequence uint64) (Entry, error)

	// Range returns up to limit entries with sequence >= from, in order.
	Range(ctx context.Context, containerID string, from uint64, limit int) ([]Entry, error)

	// Atom returns the stored canonical payload for a content hash.
	Atom(ctx context.Context, atomHash string) (json.RawMessage, error)

	// Containers lists all container ids with at least one entry.
	Containers(ctx context.Context) ([]string, error)
}
