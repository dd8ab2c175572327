// Package ledger implements the authoritative, partitioned, hash-chained
// append-only store and the engine that performs atomic commits against it.
package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/stratalabs/strata/pkg/crypto"
	"github.com/stratalabs/strata/pkg/link"
)

// ErrNotFound is returned when an entry, atom, or container does not exist.
var ErrNotFound = errors.New("not found")

// SequenceConflictError denotes a race lost to a concurrent writer: causality
// held at validation time but another commit advanced the container first.
// It is the only retryable rejection class.
type SequenceConflictError struct {
	ContainerID string
	Expected    uint64
	Actual      uint64
}

func (e *SequenceConflictError) Error() string {
	return fmt.Sprintf("sequence conflict on %s: expected %d, container now at %d",
		e.ContainerID, e.Expected, e.Actual)
}

// Entry is a committed, immutable ledger record.
type Entry struct {
	ContainerID  string           `json:"container_id"`
	Sequence     uint64           `json:"sequence"`
	EntryHash    string           `json:"entry_hash"`
	PreviousHash string           `json:"previous_hash"`
	AtomHash     string           `json:"atom_hash"`
	Atom         json.RawMessage  `json:"atom"`
	IntentClass  link.IntentClass `json:"intent_class"`
	PhysicsDelta link.Delta       `json:"physics_delta"`
	Signature    string           `json:"signature"`
	AuthorPubkey string           `json:"author_pubkey"`
	CommittedAt  int64            `json:"committed_at"` // unix milliseconds
}

// ComputeEntryHash derives the chained hash from the entry's own fields.
// Server-side only; an entry hash is never accepted from a caller.
func ComputeEntryHash(containerID string, sequence uint64, atomHash, previousHash string, committedAt int64) string {
	return crypto.Sum(crypto.TagEntry,
		[]byte(containerID),
		crypto.Uint64BE(sequence),
		[]byte(atomHash),
		[]byte(previousHash),
		crypto.Uint64BE(uint64(committedAt)),
	)
}

// Hash recomputes the entry hash from the entry's fields. Detecting silent
// corruption is a matter of comparing Hash() with EntryHash.
func (e *Entry) Hash() string {
	return ComputeEntryHash(e.ContainerID, e.Sequence, e.AtomHash, e.PreviousHash, e.CommittedAt)
}

// State is a container's current commit position.
type State struct {
	ContainerID  string   `json:"container_id"`
	NextSequence uint64   `json:"next_sequence"`
	HeadHash     string   `json:"head_hash"`
	Balance      *big.Int `json:"-"`
	Empty        bool     `json:"empty"`
}

// GenesisState is the position of a container with no entries.
func GenesisState(containerID string) State {
	return State{
		ContainerID:  containerID,
		NextSequence: 0,
		HeadHash:     link.GenesisHash,
		Balance:      new(big.Int),
		Empty:        true,
	}
}
