package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratalabs/strata/pkg/atom"
	"github.com/stratalabs/strata/pkg/link"
)

// causalityValidator checks only draft-vs-head position, standing in for the
// full validation boundary.
type causalityValidator struct{}

func (causalityValidator) Validate(_ context.Context, d *link.Draft, head State) error {
	if d.ExpectedSequence != head.NextSequence || d.PreviousHash != head.HeadHash {
		return fmt.Errorf("draft does not extend head")
	}
	return nil
}

// rejectAllValidator refuses every draft.
type rejectAllValidator struct{}

func (rejectAllValidator) Validate(context.Context, *link.Draft, State) error {
	return errors.New("rejected")
}

func testDraft(t *testing.T, head State, payload any, delta int64) *link.Draft {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	atomHash, err := atom.Hash(json.RawMessage(raw))
	require.NoError(t, err)
	return &link.Draft{
		Version:          link.Version,
		ContainerID:      head.ContainerID,
		ExpectedSequence: head.NextSequence,
		PreviousHash:     head.HeadHash,
		AtomHash:         atomHash,
		IntentClass:      link.Conservation,
		PhysicsDelta:     link.NewDelta(delta),
		Atom:             raw,
	}
}

func newTestEngine(t *testing.T, store Store, v Validator, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(store, v, opts...)
	t.Cleanup(e.Stop)
	return e
}

func TestCommitChainsEntries(t *testing.T) {
	store := NewMemoryStore()
	e := newTestEngine(t, store, causalityValidator{})
	ctx := context.Background()

	head, err := e.State(ctx, "wallet/alice")
	require.NoError(t, err)
	require.True(t, head.Empty)
	require.Equal(t, link.GenesisHash, head.HeadHash)

	r1, err := e.Commit(ctx, testDraft(t, head, map[string]any{"n": 1}, 10))
	require.NoError(t, err)
	require.Equal(t, uint64(0), r1.Sequence)
	require.Len(t, r1.EntryHash, 64)

	head, err = e.State(ctx, "wallet/alice")
	require.NoError(t, err)
	require.False(t, head.Empty)
	require.Equal(t, uint64(1), head.NextSequence)
	require.Equal(t, r1.EntryHash, head.HeadHash)
	require.Equal(t, "10", head.Balance.String())

	r2, err := e.Commit(ctx, testDraft(t, head, map[string]any{"n": 2}, 5))
	require.NoError(t, err)
	require.Equal(t, uint64(1), r2.Sequence)

	entry, err := store.Entry(ctx, "wallet/alice", 1)
	require.NoError(t, err)
	require.Equal(t, r1.EntryHash, entry.PreviousHash)
	require.Equal(t, entry.Hash(), entry.EntryHash)
}

func TestCommitEntryHashCoversTimestamp(t *testing.T) {
	store := NewMemoryStore()
	now := time.UnixMilli(1_700_000_000_000)
	e := newTestEngine(t, store, causalityValidator{}, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	head, _ := e.State(ctx, "c/1")
	r, err := e.Commit(ctx, testDraft(t, head, map[string]any{"n": 1}, 0))
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), r.CommittedAt)

	entry, err := store.Entry(ctx, "c/1", 0)
	require.NoError(t, err)
	require.Equal(t, ComputeEntryHash("c/1", 0, entry.AtomHash, link.GenesisHash, now.UnixMilli()), r.EntryHash)
}

func TestConcurrentSameSequenceCommits(t *testing.T) {
	store := NewMemoryStore()
	e := newTestEngine(t, store, causalityValidator{})
	ctx := context.Background()

	head, err := e.State(ctx, "jobs/1")
	require.NoError(t, err)

	// Both drafts extend the same head; exactly one may win.
	a := testDraft(t, head, map[string]any{"writer": "a"}, 0)
	b := testDraft(t, head, map[string]any{"writer": "b"}, 0)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, d := range []*link.Draft{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = e.Commit(ctx, d)
		}()
	}
	wg.Wait()

	var conflicts, wins int
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		var conflict *SequenceConflictError
		require.ErrorAs(t, err, &conflict)
		conflicts++
	}
	require.Equal(t, 1, wins)
	require.Equal(t, 1, conflicts)

	head, err = e.State(ctx, "jobs/1")
	require.NoError(t, err)
	require.Equal(t, uint64(1), head.NextSequence)
}

func TestRejectedCommitLeavesStateUnchanged(t *testing.T) {
	store := NewMemoryStore()
	e := newTestEngine(t, store, rejectAllValidator{})
	ctx := context.Background()

	head, err := e.State(ctx, "c/1")
	require.NoError(t, err)

	_, err = e.Commit(ctx, testDraft(t, head, map[string]any{"n": 1}, 3))
	require.Error(t, err)

	after, err := e.State(ctx, "c/1")
	require.NoError(t, err)
	require.Equal(t, head, after)

	containers, err := store.Containers(ctx)
	require.NoError(t, err)
	require.Empty(t, containers)
}

func TestCommitNotifiesListeners(t *testing.T) {
	store := NewMemoryStore()
	e := newTestEngine(t, store, causalityValidator{})
	ctx := context.Background()

	got := make(chan Entry, 4)
	e.Subscribe(func(entry Entry) { got <- entry })

	head, _ := e.State(ctx, "c/1")
	r, err := e.Commit(ctx, testDraft(t, head, map[string]any{"n": 1}, 0))
	require.NoError(t, err)

	select {
	case entry := <-got:
		require.Equal(t, r.EntryHash, entry.EntryHash)
		require.Equal(t, r.Sequence, entry.Sequence)
	case <-time.After(2 * time.Second):
		t.Fatal("listener never notified")
	}
}

func TestCommitsOnDifferentContainersDoNotContend(t *testing.T) {
	store := NewMemoryStore()
	e := newTestEngine(t, store, causalityValidator{})
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			container := fmt.Sprintf("c/%d", i)
			head, err := e.State(ctx, container)
			if err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = e.Commit(ctx, testDraft(t, head, map[string]any{"i": i}, 0))
		}()
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "container %d", i)
	}
}

func TestVerifyChain(t *testing.T) {
	store := NewMemoryStore()
	e := newTestEngine(t, store, causalityValidator{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		head, err := e.State(ctx, "c/1")
		require.NoError(t, err)
		_, err = e.Commit(ctx, testDraft(t, head, map[string]any{"i": i}, 1))
		require.NoError(t, err)
	}

	n, err := e.VerifyChain(ctx, "c/1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), n)
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	store := NewMemoryStore()
	e := newTestEngine(t, store, causalityValidator{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		head, err := e.State(ctx, "c/1")
		require.NoError(t, err)
		_, err = e.Commit(ctx, testDraft(t, head, map[string]any{"i": i}, 0))
		require.NoError(t, err)
	}

	// Flip a committed timestamp behind the store's back.
	store.mu.Lock()
	store.chains["c/1"][1].CommittedAt++
	store.mu.Unlock()

	_, err := e.VerifyChain(ctx, "c/1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "hash mismatch")
}

func TestLockTimeoutReportsConflict(t *testing.T) {
	store := NewMemoryStore()
	e := newTestEngine(t, store, causalityValidator{}, WithLockTimeout(20*time.Millisecond))
	ctx := context.Background()

	unlock, err := e.acquire(ctx, "c/1")
	require.NoError(t, err)
	defer unlock()

	head, _ := e.State(ctx, "c/1")
	_, err = e.Commit(ctx, testDraft(t, head, map[string]any{"n": 1}, 0))
	var conflict *SequenceConflictError
	require.ErrorAs(t, err, &conflict)
}
