package projection

import (
	"encoding/json"
	"sync"

	"github.com/stratalabs/strata/pkg/ledger"
)

// applied tracks the highest sequence applied per container, making Apply
// idempotent inside each built-in.
type applied struct {
	seen map[string]uint64 // container -> next expected sequence
}

func newApplied() applied {
	return applied{seen: make(map[string]uint64)}
}

// take reports whether the entry is new and records it.
func (a *applied) take(e ledger.Entry) bool {
	if next, ok := a.seen[e.ContainerID]; ok && e.Sequence < next {
		return false
	}
	a.seen[e.ContainerID] = e.Sequence + 1
	return true
}

type atomEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Message is one timeline item.
type Message struct {
	ContainerID string          `json:"container_id"`
	Sequence    uint64          `json:"sequence"`
	Type        string          `json:"type"`
	Author      string          `json:"author"`
	Body        json.RawMessage `json:"body"`
	CommittedAt int64           `json:"committed_at"`
}

// TimelineProjection maintains the ordered message list per conversation
// container.
type TimelineProjection struct {
	mu       sync.RWMutex
	applied  applied
	messages map[string][]Message
}

func NewTimelineProjection() *TimelineProjection {
	return &TimelineProjection{applied: newApplied(), messages: make(map[string][]Message)}
}

func (p *TimelineProjection) Name() string         { return "timeline" }
func (p *TimelineProjection) Containers() []string { return []string{"chat/*", "tenant/*"} }

func (p *TimelineProjection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = newApplied()
	p.messages = make(map[string][]Message)
}

func (p *TimelineProjection) Apply(e ledger.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.applied.take(e) {
		return nil
	}
	var env atomEnvelope
	if err := json.Unmarshal(e.Atom, &env); err != nil || env.Type == "" {
		return nil // untyped atoms do not surface on timelines
	}
	p.messages[e.ContainerID] = append(p.messages[e.ContainerID], Message{
		ContainerID: e.ContainerID,
		Sequence:    e.Sequence,
		Type:        env.Type,
		Author:      e.AuthorPubkey,
		Body:        env.Payload,
		CommittedAt: e.CommittedAt,
	})
	return nil
}

// Timeline returns the ordered messages for one container.
func (p *TimelineProjection) Timeline(containerID string) []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages[containerID]))
	copy(out, p.messages[containerID])
	return out
}

// Transition is one recorded job state change.
type Transition struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Sequence    uint64 `json:"sequence"`
	CommittedAt int64  `json:"committed_at"`
}

// JobStatus is the current view of one job.
type JobStatus struct {
	JobID       string       `json:"job_id"`
	State       string       `json:"state"`
	ContainerID string       `json:"container_id"`
	History     []Transition `json:"history"`
	UpdatedAt   int64        `json:"updated_at"`
}

// JobsProjection tracks per-job state and full transition history.
type JobsProjection struct {
	mu      sync.RWMutex
	applied applied
	jobs    map[string]*JobStatus
}

func NewJobsProjection() *JobsProjection {
	return &JobsProjection{applied: newApplied(), jobs: make(map[string]*JobStatus)}
}

func (p *JobsProjection) Name() string         { return "jobs" }
func (p *JobsProjection) Containers() []string { return []string{"*"} }

func (p *JobsProjection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = newApplied()
	p.jobs = make(map[string]*JobStatus)
}

func (p *JobsProjection) Apply(e ledger.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.applied.take(e) {
		return nil
	}
	var env atomEnvelope
	if err := json.Unmarshal(e.Atom, &env); err != nil {
		return nil
	}
	switch env.Type {
	case "job.created":
		var created struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(env.Payload, &created); err != nil || created.JobID == "" {
			return nil
		}
		if _, exists := p.jobs[created.JobID]; !exists {
			p.jobs[created.JobID] = &JobStatus{
				JobID:       created.JobID,
				State:       "draft",
				ContainerID: e.ContainerID,
				UpdatedAt:   e.CommittedAt,
			}
		}
	case "job.state_changed":
		var change struct {
			JobID string `json:"job_id"`
			From  string `json:"from"`
			To    string `json:"to"`
		}
		if err := json.Unmarshal(env.Payload, &change); err != nil || change.JobID == "" {
			return nil
		}
		job, ok := p.jobs[change.JobID]
		if !ok {
			job = &JobStatus{JobID: change.JobID, ContainerID: e.ContainerID}
			p.jobs[change.JobID] = job
		}
		job.State = change.To
		job.UpdatedAt = e.CommittedAt
		job.History = append(job.History, Transition{
			From:        change.From,
			To:          change.To,
			Sequence:    e.Sequence,
			CommittedAt: e.CommittedAt,
		})
	}
	return nil
}

// Job returns the current view of one job.
func (p *JobsProjection) Job(jobID string) (JobStatus, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return JobStatus{}, false
	}
	out := *job
	out.History = append([]Transition(nil), job.History...)
	return out, true
}

// Jobs lists every tracked job.
func (p *JobsProjection) Jobs() []JobStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]JobStatus, 0, len(p.jobs))
	for _, job := range p.jobs {
		j := *job
		j.History = append([]Transition(nil), job.History...)
		out = append(out, j)
	}
	return out
}

// PresenceProjection records when each author was last seen committing.
type PresenceProjection struct {
	mu       sync.RWMutex
	applied  applied
	lastSeen map[string]int64 // author pubkey -> unix ms
}

func NewPresenceProjection() *PresenceProjection {
	return &PresenceProjection{applied: newApplied(), lastSeen: make(map[string]int64)}
}

func (p *PresenceProjection) Name() string         { return "presence" }
func (p *PresenceProjection) Containers() []string { return []string{"*"} }

func (p *PresenceProjection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = newApplied()
	p.lastSeen = make(map[string]int64)
}

func (p *PresenceProjection) Apply(e ledger.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.applied.take(e) {
		return nil
	}
	if e.AuthorPubkey == "" {
		return nil
	}
	if e.CommittedAt > p.lastSeen[e.AuthorPubkey] {
		p.lastSeen[e.AuthorPubkey] = e.CommittedAt
	}
	return nil
}

// LastSeen returns the author's most recent commit time in unix ms.
func (p *PresenceProjection) LastSeen(authorPubkey string) (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ts, ok := p.lastSeen[authorPubkey]
	return ts, ok
}

// Actors lists every author with presence.
func (p *PresenceProjection) Actors() map[string]int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]int64, len(p.lastSeen))
	for k, v := range p.lastSeen {
		out[k] = v
	}
	return out
}
