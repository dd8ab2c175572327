package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stratalabs/strata/pkg/link"
)

// Validator gates every draft before the engine will append it. Implemented
// by the membrane; the engine only re-checks causality under its lock.
type Validator interface {
	Validate(ctx context.Context, d *link.Draft, head State) error
}

// Listener receives committed entries in commit order. Listeners run off the
// commit critical path and must not block; slow consumers buffer or shed on
// their own side.
type Listener func(Entry)

// DefaultLockTimeout bounds how long a commit waits for its container lock
// before failing with a retryable SequenceConflictError.
const DefaultLockTimeout = 5 * time.Second

// Engine performs the commit state transition exactly once per accepted
// draft. One exclusive lock per container head; cross-container commits never
// contend.
type Engine struct {
	store       Store
	validator   Validator
	clock       func() time.Time
	lockTimeout time.Duration
	logger      *slog.Logger

	lockMu sync.Mutex
	locks  map[string]chan struct{}

	listenerMu sync.RWMutex
	listeners  []Listener
	notifyCh   chan Entry
	done       chan struct{}
	stopOnce   sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the commit timestamp source for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLockTimeout overrides the bounded wait for a container lock.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = d }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(store Store, validator Validator, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		validator:   validator,
		clock:       time.Now,
		lockTimeout: DefaultLockTimeout,
		logger:      slog.Default(),
		locks:       make(map[string]chan struct{}),
		notifyCh:    make(chan Entry, 1024),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	go e.dispatch()
	return e
}

// Subscribe registers a listener for committed entries.
func (e *Engine) Subscribe(fn Listener) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Stop shuts the notification dispatcher down. Pending notifications are
// delivered first.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.notifyCh) })
	<-e.done
}

func (e *Engine) dispatch() {
	defer close(e.done)
	for entry := range e.notifyCh {
		e.listenerMu.RLock()
		listeners := e.listeners
		e.listenerMu.RUnlock()
		for _, fn := range listeners {
			fn(entry)
		}
	}
}

// Commit validates d through the membrane, then appends it atomically.
// Either the full entry is committed and its receipt returned, or no state
// changes at all.
func (e *Engine) Commit(ctx context.Context, d *link.Draft) (link.Receipt, error) {
	head, err := e.store.Head(ctx, d.ContainerID)
	if err != nil {
		return link.Receipt{}, fmt.Errorf("commit %s: %w", d.ContainerID, err)
	}
	if err := e.validator.Validate(ctx, d, head); err != nil {
		return link.Receipt{}, err
	}

	unlock, err := e.acquire(ctx, d.ContainerID)
	if err != nil {
		return link.Receipt{}, err
	}
	defer unlock()

	// Re-validate causality under the lock: a concurrent writer may have won
	// between validation and lock acquisition. Losing here is retryable.
	head, err = e.store.Head(ctx, d.ContainerID)
	if err != nil {
		return link.Receipt{}, fmt.Errorf("commit %s: %w", d.ContainerID, err)
	}
	if d.ExpectedSequence != head.NextSequence || d.PreviousHash != head.HeadHash {
		return link.Receipt{}, &SequenceConflictError{
			ContainerID: d.ContainerID,
			Expected:    d.ExpectedSequence,
			Actual:      head.NextSequence,
		}
	}

	committedAt := e.clock().UnixMilli()
	entry := Entry{
		ContainerID:  d.ContainerID,
		Sequence:     head.NextSequence,
		PreviousHash: head.HeadHash,
		AtomHash:     d.AtomHash,
		Atom:         d.Atom,
		IntentClass:  d.IntentClass,
		PhysicsDelta: d.PhysicsDelta,
		Signature:    d.Signature,
		AuthorPubkey: d.AuthorPubkey,
		CommittedAt:  committedAt,
	}
	entry.EntryHash = entry.Hash()

	if err := e.store.Append(ctx, entry); err != nil {
		return link.Receipt{}, err
	}

	e.logger.Debug("entry committed",
		"container_id", entry.ContainerID,
		"sequence", entry.Sequence,
		"entry_hash", entry.EntryHash,
		"intent_class", entry.IntentClass.String())

	select {
	case e.notifyCh <- entry:
	default:
		// Dispatcher backlog full. Listeners recover from their checkpoints;
		// a commit is never delayed by its reactions.
		e.logger.Warn("notification dropped", "container_id", entry.ContainerID, "sequence", entry.Sequence)
	}

	return link.Receipt{
		ContainerID: entry.ContainerID,
		Sequence:    entry.Sequence,
		EntryHash:   entry.EntryHash,
		CommittedAt: committedAt,
	}, nil
}

// State returns the container's current position.
func (e *Engine) State(ctx context.Context, containerID string) (State, error) {
	return e.store.Head(ctx, containerID)
}

// acquire takes the container's exclusive lock, bounded by lockTimeout and
// ctx. Timing out is reported as a retryable conflict.
func (e *Engine) acquire(ctx context.Context, containerID string) (func(), error) {
	e.lockMu.Lock()
	ch, ok := e.locks[containerID]
	if !ok {
		ch = make(chan struct{}, 1)
		e.locks[containerID] = ch
	}
	e.lockMu.Unlock()

	timer := time.NewTimer(e.lockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, &SequenceConflictError{ContainerID: containerID}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// VerifyChain walks the container's full chain, recomputing every entry hash
// and checking linkage. Returns the number of verified entries.
func (e *Engine) VerifyChain(ctx context.Context, containerID string) (uint64, error) {
	const page = 500
	prevHash := link.GenesisHash
	var next uint64
	for {
		entries, err := e.store.Range(ctx, containerID, next, page)
		if err != nil {
			return next, err
		}
		if len(entries) == 0 {
			return next, nil
		}
		for _, entry := range entries {
			if entry.Sequence != next {
				return next, fmt.Errorf("chain %s: gap at sequence %d", containerID, next)
			}
			if entry.PreviousHash != prevHash {
				return next, fmt.Errorf("chain %s: broken linkage at sequence %d", containerID, next)
			}
			if entry.Hash() != entry.EntryHash {
				return next, fmt.Errorf("chain %s: hash mismatch at sequence %d", containerID, next)
			}
			prevHash = entry.EntryHash
			next++
		}
	}
}
