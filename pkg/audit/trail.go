// Package audit writes an append-only JSON record of every commit and
// permit decision, one object per line, to a configurable sink.
package audit

import (
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratalabs/strata/pkg/ledger"
)

// EventType categorizes an audit record.
type EventType string

const (
	EventCommit EventType = "COMMIT"
	EventPermit EventType = "PERMIT"
)

// Event is one structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Actor     string         `json:"actor,omitempty"`
	Resource  string         `json:"resource"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Trail records audit events. Safe for concurrent use.
type Trail struct {
	mu     sync.Mutex
	writer io.Writer
	clock  func() time.Time
}

// NewTrail creates a Trail writing to os.Stdout.
func NewTrail() *Trail {
	return NewTrailWithWriter(os.Stdout)
}

// NewTrailWithWriter creates a Trail writing to the given writer.
// Allows injection for testing and custom sinks.
func NewTrailWithWriter(w io.Writer) *Trail {
	if w == nil {
		w = os.Stdout
	}
	return &Trail{writer: w, clock: time.Now}
}

// Notify is the ledger.Listener entry point: every committed entry leaves
// an audit record.
func (t *Trail) Notify(e ledger.Entry) {
	t.record(Event{
		Type:     EventCommit,
		Actor:    e.AuthorPubkey,
		Resource: e.ContainerID,
		Metadata: map[string]any{
			"sequence":     e.Sequence,
			"entry_hash":   e.EntryHash,
			"atom_hash":    e.AtomHash,
			"intent_class": e.IntentClass.String(),
			"committed_at": e.CommittedAt,
		},
	})
}

// RecordPermit logs a permit decision.
func (t *Trail) RecordPermit(actor, containerID, atomHash string, granted bool, reason string) {
	meta := map[string]any{
		"atom_hash": atomHash,
		"granted":   granted,
	}
	if reason != "" {
		meta["reason"] = reason
	}
	t.record(Event{
		Type:     EventPermit,
		Actor:    actor,
		Resource: containerID,
		Metadata: meta,
	})
}

func (t *Trail) record(e Event) {
	e.ID = uuid.NewString()
	e.Timestamp = t.clock().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	enc := json.NewEncoder(t.writer)
	_ = enc.Encode(e)
}
