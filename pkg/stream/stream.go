// Package stream delivers committed entries to live subscribers with
// cursor-based replay. A reconnecting subscriber within the replay bound
// sees every entry exactly once; beyond the bound it is told to resync from
// the query API instead of silently missing history.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stratalabs/strata/pkg/ledger"
)

// Event types on a subscription channel.
const (
	EventEntry     = "entry"
	EventKeepAlive = "keepalive"
	EventResync    = "resync"
)

// Event is one item delivered to a subscriber.
type Event struct {
	Type  string
	Entry *ledger.Entry // set when Type == EventEntry
}

// ErrResyncRequired reports a cursor too far behind to replay. The caller
// must re-read through the query API and subscribe fresh.
var ErrResyncRequired = errors.New("cursor beyond replay bound, resync required")

const (
	// DefaultReplayBound caps how many entries a reconnect may replay.
	DefaultReplayBound = 1000
	// DefaultKeepAliveInterval paces keep-alives on idle streams.
	DefaultKeepAliveInterval = 15 * time.Second
	// subscriberBuffer is the per-subscriber live queue. Overflow converts
	// the subscription to a resync signal rather than blocking commits.
	subscriberBuffer = 256
)

// Reader is the ledger surface the hub replays from.
type Reader interface {
	Range(ctx context.Context, containerID string, from uint64, limit int) ([]ledger.Entry, error)
	Head(ctx context.Context, containerID string) (ledger.State, error)
}

// Hub fans committed entries out to per-container subscribers.
type Hub struct {
	reader    Reader
	bound     uint64
	keepAlive time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{} // container -> subscribers
}

type subscriber struct {
	containerID string
	inbox       chan ledger.Entry // live feed from Notify
	out         chan Event
	next        uint64 // next sequence to deliver
	overflowed  bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithReplayBound overrides the reconnect replay cap.
func WithReplayBound(n uint64) HubOption {
	return func(h *Hub) { h.bound = n }
}

// WithKeepAliveInterval overrides the idle keep-alive pace.
func WithKeepAliveInterval(d time.Duration) HubOption {
	return func(h *Hub) { h.keepAlive = d }
}

// WithHubLogger sets the hub logger.
func WithHubLogger(l *slog.Logger) HubOption {
	return func(h *Hub) { h.logger = l }
}

func NewHub(reader Reader, opts ...HubOption) *Hub {
	h := &Hub{
		reader:    reader,
		bound:     DefaultReplayBound,
		keepAlive: DefaultKeepAliveInterval,
		logger:    slog.Default(),
		subs:      make(map[string]map[*subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Notify is the ledger.Listener entry point. Never blocks: a subscriber
// whose buffer is full is flipped to resync and dropped from fanout.
func (h *Hub) Notify(entry ledger.Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[entry.ContainerID] {
		select {
		case sub.inbox <- entry:
		default:
			sub.overflowed = true
			h.detachLocked(sub)
			close(sub.inbox)
			h.logger.Warn("subscriber overflow, forcing resync",
				"container_id", entry.ContainerID, "sequence", entry.Sequence)
		}
	}
}

// Subscribe attaches to a container's stream. cursor is the last sequence
// the caller has seen, or nil to tail from the live head. Replay of entries
// strictly after the cursor happens before any live delivery; the returned
// channel closes when ctx ends or after a resync event.
//
// A cursor more than the replay bound behind the head fails immediately
// with ErrResyncRequired; a cursor naming an entry that was never committed
// fails with ledger.ErrNotFound.
func (h *Hub) Subscribe(ctx context.Context, containerID string, cursor *uint64) (<-chan Event, error) {
	head, err := h.reader.Head(ctx, containerID)
	if err != nil {
		return nil, err
	}

	var replayFrom uint64
	if cursor == nil {
		replayFrom = head.NextSequence
	} else {
		// The cursor names the last entry seen, so it must exist. A cursor
		// at head-1 is the live-tail reconnect; anything past it points at
		// entries never committed.
		if *cursor >= head.NextSequence {
			return nil, ledger.ErrNotFound
		}
		replayFrom = *cursor + 1
		if head.NextSequence-replayFrom > h.bound {
			return nil, ErrResyncRequired
		}
	}

	sub := &subscriber{
		containerID: containerID,
		inbox:       make(chan ledger.Entry, subscriberBuffer),
		out:         make(chan Event, subscriberBuffer),
		next:        replayFrom,
	}

	// Attach before replay so nothing committed during replay is missed;
	// the dedupe in run() absorbs the overlap.
	h.mu.Lock()
	if h.subs[containerID] == nil {
		h.subs[containerID] = make(map[*subscriber]struct{})
	}
	h.subs[containerID][sub] = struct{}{}
	h.mu.Unlock()

	go h.run(ctx, sub)
	return sub.out, nil
}

func (h *Hub) run(ctx context.Context, sub *subscriber) {
	defer close(sub.out)
	defer func() {
		h.mu.Lock()
		h.detachLocked(sub)
		h.mu.Unlock()
	}()

	if !h.replay(ctx, sub) {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !h.emit(ctx, sub, Event{Type: EventKeepAlive}) {
				return
			}
		case entry, ok := <-sub.inbox:
			if !ok {
				// Overflowed: tell the subscriber to start over.
				h.emit(ctx, sub, Event{Type: EventResync})
				return
			}
			switch {
			case entry.Sequence < sub.next:
				// Replay/live overlap; already delivered.
			case entry.Sequence == sub.next:
				if !h.emitEntry(ctx, sub, entry) {
					return
				}
			default:
				// Missed live entries; fill the gap from the store.
				if !h.fill(ctx, sub, entry.Sequence) {
					return
				}
				if entry.Sequence == sub.next && !h.emitEntry(ctx, sub, entry) {
					return
				}
			}
			ticker.Reset(h.keepAlive)
		}
	}
}

// replay streams stored entries from sub.next up to the live seam.
func (h *Hub) replay(ctx context.Context, sub *subscriber) bool {
	const page = 200
	for {
		entries, err := h.reader.Range(ctx, sub.containerID, sub.next, page)
		if err != nil {
			h.logger.Error("replay failed", "container_id", sub.containerID, "error", err)
			h.emit(ctx, sub, Event{Type: EventResync})
			return false
		}
		if len(entries) == 0 {
			return true
		}
		for i := range entries {
			if entries[i].Sequence < sub.next {
				continue
			}
			if !h.emitEntry(ctx, sub, entries[i]) {
				return false
			}
		}
	}
}

// fill pulls the store for entries in [sub.next, until).
func (h *Hub) fill(ctx context.Context, sub *subscriber, until uint64) bool {
	for sub.next < until {
		limit := int(until - sub.next)
		if limit > 200 {
			limit = 200
		}
		entries, err := h.reader.Range(ctx, sub.containerID, sub.next, limit)
		if err != nil || len(entries) == 0 {
			h.emit(ctx, sub, Event{Type: EventResync})
			return false
		}
		for i := range entries {
			if entries[i].Sequence < sub.next {
				continue
			}
			if !h.emitEntry(ctx, sub, entries[i]) {
				return false
			}
		}
	}
	return true
}

func (h *Hub) emitEntry(ctx context.Context, sub *subscriber, entry ledger.Entry) bool {
	e := entry
	if !h.emit(ctx, sub, Event{Type: EventEntry, Entry: &e}) {
		return false
	}
	sub.next = entry.Sequence + 1
	return true
}

func (h *Hub) emit(ctx context.Context, sub *subscriber, ev Event) bool {
	select {
	case sub.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *Hub) detachLocked(sub *subscriber) {
	if set, ok := h.subs[sub.containerID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.containerID)
		}
	}
}

// Subscribers reports the live subscriber count for a container.
func (h *Hub) Subscribers(containerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[containerID])
}
