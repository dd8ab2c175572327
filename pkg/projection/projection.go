// Package projection derives queryable read models from the committed
// ledger. Projections are eventually consistent: they apply entries after
// commit and never participate in the commit decision.
package projection

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/stratalabs/strata/pkg/ledger"
)

// Projection consumes committed entries to maintain one read model.
// Apply must be idempotent: the engine may deliver an entry more than once
// after a rebuild or a checkpoint gap, keyed by (container, sequence).
type Projection interface {
	Name() string
	// Containers returns the container patterns this projection follows
	// ("*", "prefix/*", or exact ids).
	Containers() []string
	Apply(e ledger.Entry) error
	// Reset drops all derived state ahead of a rebuild.
	Reset()
}

// Source is the ledger surface the engine replays from.
type Source interface {
	Range(ctx context.Context, containerID string, from uint64, limit int) ([]ledger.Entry, error)
	Containers(ctx context.Context) ([]string, error)
}

// Engine feeds committed entries to registered projections in commit order
// and tracks a per-projection, per-container checkpoint so redelivery and
// gaps are both detectable.
type Engine struct {
	source Source
	logger *slog.Logger

	mu          sync.Mutex
	projections []Projection
	// checkpoint[projection][container] = next sequence to apply
	checkpoints map[string]map[string]uint64
}

func NewEngine(source Source, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		source:      source,
		logger:      logger,
		checkpoints: make(map[string]map[string]uint64),
	}
}

// Register adds a projection. Register before feeding entries.
func (e *Engine) Register(p Projection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.projections = append(e.projections, p)
	if _, ok := e.checkpoints[p.Name()]; !ok {
		e.checkpoints[p.Name()] = make(map[string]uint64)
	}
}

// Notify is the ledger.Listener entry point. Out-of-order or duplicate
// notifications are absorbed: behind-checkpoint entries are skipped, ahead-of-
// checkpoint entries trigger a catch-up read from the source.
func (e *Engine) Notify(entry ledger.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range e.projections {
		if !follows(p.Containers(), entry.ContainerID) {
			continue
		}
		next := e.checkpoints[p.Name()][entry.ContainerID]
		switch {
		case entry.Sequence < next:
			// Already applied.
		case entry.Sequence == next:
			e.applyLocked(p, entry)
		default:
			// Missed notifications; pull the gap from the source.
			e.catchUpLocked(context.Background(), p, entry.ContainerID, entry.Sequence+1)
		}
	}
}

func (e *Engine) applyLocked(p Projection, entry ledger.Entry) error {
	if err := p.Apply(entry); err != nil {
		e.logger.Error("projection apply failed",
			"projection", p.Name(),
			"container_id", entry.ContainerID,
			"sequence", entry.Sequence,
			"error", err)
		return err
	}
	e.checkpoints[p.Name()][entry.ContainerID] = entry.Sequence + 1
	return nil
}

func (e *Engine) catchUpLocked(ctx context.Context, p Projection, containerID string, until uint64) {
	const page = 500
	for {
		next := e.checkpoints[p.Name()][containerID]
		if next >= until {
			return
		}
		limit := page
		if remaining := until - next; remaining < page {
			limit = int(remaining)
		}
		entries, err := e.source.Range(ctx, containerID, next, limit)
		if err != nil {
			e.logger.Error("projection catch-up failed",
				"projection", p.Name(), "container_id", containerID, "error", err)
			return
		}
		if len(entries) == 0 {
			return
		}
		for i := range entries {
			if e.applyLocked(p, entries[i]) != nil {
				// Checkpoint stays at the failed entry. Applying later
				// entries now would skip it for good, so give up and let
				// the next notification retry from here.
				return
			}
		}
	}
}

// Checkpoint returns the next sequence the projection will apply for the
// container.
func (e *Engine) Checkpoint(projection, containerID string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkpoints[projection][containerID]
}

// Lag reports how far the projection trails the container head.
func (e *Engine) Lag(ctx context.Context, projection, containerID string, head ledger.State) uint64 {
	applied := e.Checkpoint(projection, containerID)
	if head.NextSequence <= applied {
		return 0
	}
	return head.NextSequence - applied
}

// Rebuild drops every projection's state and replays the full ledger from
// sequence 0, container by container, in sequence order.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	containers, err := e.source.Containers(ctx)
	if err != nil {
		return fmt.Errorf("rebuild: list containers: %w", err)
	}
	sort.Strings(containers)

	for _, p := range e.projections {
		p.Reset()
		e.checkpoints[p.Name()] = make(map[string]uint64)
	}

	const page = 500
	for _, container := range containers {
		var from uint64
		for {
			entries, err := e.source.Range(ctx, container, from, page)
			if err != nil {
				return fmt.Errorf("rebuild %s: %w", container, err)
			}
			if len(entries) == 0 {
				break
			}
			for i := range entries {
				for _, p := range e.projections {
					if follows(p.Containers(), entries[i].ContainerID) {
						if err := e.applyLocked(p, entries[i]); err != nil {
							return fmt.Errorf("rebuild %s: %s at sequence %d: %w",
								container, p.Name(), entries[i].Sequence, err)
						}
					}
				}
			}
			from = entries[len(entries)-1].Sequence + 1
		}
	}
	e.logger.Info("projections rebuilt", "containers", len(containers))
	return nil
}

func follows(patterns []string, containerID string) bool {
	for _, pat := range patterns {
		switch {
		case pat == "*":
			return true
		case strings.HasSuffix(pat, "/*"):
			if strings.HasPrefix(containerID, strings.TrimSuffix(pat, "*")) {
				return true
			}
		case pat == containerID:
			return true
		}
	}
	return false
}
