package ledger

import (
	"context"
	"encoding/json"
	"math/big"
	"sort"
	"sync"
)

// MemoryStore keeps per-container chains in process memory. Used by tests and
// single-node development; the durable path is SQLStore.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]Entry
	atoms  map[string]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]Entry),
		atoms:  make(map[string]json.RawMessage),
	}
}

func (s *MemoryStore) Head(_ context.Context, containerID string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.headLocked(containerID), nil
}

func (s *MemoryStore) headLocked(containerID string) State {
	chain := s.chains[containerID]
	if len(chain) == 0 {
		return GenesisState(containerID)
	}
	balance := new(big.Int)
	for i := range chain {
		balance.Add(balance, &chain[i].PhysicsDelta.Int)
	}
	last := chain[len(chain)-1]
	return State{
		ContainerID:  containerID,
		NextSequence: last.Sequence + 1,
		HeadHash:     last.EntryHash,
		Balance:      balance,
	}
}

func (s *MemoryStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	head := s.headLocked(e.ContainerID)
	if e.Sequence != head.NextSequence || e.PreviousHash != head.HeadHash {
		return &SequenceConflictError{
			ContainerID: e.ContainerID,
			Expected:    e.Sequence,
			Actual:      head.NextSequence,
		}
	}
	s.chains[e.ContainerID] = append(s.chains[e.ContainerID], e)
	if e.Atom != nil {
		s.atoms[e.AtomHash] = append(json.RawMessage(nil), e.Atom...)
	}
	return nil
}

func (s *MemoryStore) Entry(_ context.Context, containerID string, sequence uint64) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[containerID]
	if sequence >= uint64(len(chain)) {
		return Entry{}, ErrNotFound
	}
	return chain[sequence], nil
}

func (s *MemoryStore) Range(_ context.Context, containerID string, from uint64, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[containerID]
	if from >= uint64(len(chain)) {
		return nil, nil
	}
	out := chain[from:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return append([]Entry(nil), out...), nil
}

func (s *MemoryStore) Atom(_ context.Context, atomHash string) (json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.atoms[atomHash]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (s *MemoryStore) Containers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.chains))
	for id := range s.chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
