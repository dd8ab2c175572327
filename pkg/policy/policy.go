// Package policy implements the membrane's pluggable rule surface as a
// closed set of tagged rule variants. Every possible rejection reason is
// enumerable; rules carry no executable configuration.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/stratalabs/strata/pkg/ledger"
	"github.com/stratalabs/strata/pkg/link"
)

// Violation subtypes. Stable identifiers surfaced verbatim at the API
// boundary as POLICY_VIOLATION.<subtype>.
const (
	SubtypeSchema            = "schema"
	SubtypeIllegalTransition = "illegal_transition"
	SubtypeRawSensitiveData  = "raw_sensitive_data"
	SubtypeInvalidProvenance = "invalid_provenance"
	SubtypeTenantScope       = "tenant_scope"
)

// Violation is a policy rejection with a stable subtype.
type Violation struct {
	Subtype string
	Rule    string
	Reason  string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("policy violation (%s, rule %s): %s", v.Subtype, v.Rule, v.Reason)
}

// Reader is the read-only ledger view rules may consult, e.g. for provenance.
type Reader interface {
	Range(ctx context.Context, containerID string, from uint64, limit int) ([]ledger.Entry, error)
}

// Input is everything a rule sees about a draft under evaluation.
type Input struct {
	ContainerID string
	IntentClass link.IntentClass
	Atom        json.RawMessage
	Tenant      string
	Ledger      Reader
}

// Rule is one tagged policy variant.
type Rule interface {
	Name() string
	Check(ctx context.Context, in Input) error
}

// binding scopes a rule to containers and intent classes.
type binding struct {
	rule      Rule
	container string // exact id, or "prefix/*", or "*" for all
	classes   map[link.IntentClass]struct{}
}

func (b *binding) matches(containerID string, class link.IntentClass) bool {
	if len(b.classes) > 0 {
		if _, ok := b.classes[class]; !ok {
			return false
		}
	}
	switch {
	case b.container == "*":
		return true
	case strings.HasSuffix(b.container, "/*"):
		return strings.HasPrefix(containerID, strings.TrimSuffix(b.container, "*"))
	default:
		return b.container == containerID
	}
}

// Registry dispatches rules by container and intent class.
type Registry struct {
	mu       sync.RWMutex
	bindings []binding
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds rule to a container pattern ("*", "prefix/*", or exact id)
// and an optional set of intent classes (empty means all classes).
func (r *Registry) Register(container string, classes []link.IntentClass, rule Rule) {
	set := make(map[link.IntentClass]struct{}, len(classes))
	for _, c := range classes {
		set[c] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings = append(r.bindings, binding{rule: rule, container: container, classes: set})
}

// Evaluate runs every matching rule in registration order; the first
// violation rejects the draft.
func (r *Registry) Evaluate(ctx context.Context, in Input) error {
	r.mu.RLock()
	bindings := r.bindings
	r.mu.RUnlock()

	for i := range bindings {
		if !bindings[i].matches(in.ContainerID, in.IntentClass) {
			continue
		}
		if err := bindings[i].rule.Check(ctx, in); err != nil {
			return err
		}
	}
	return nil
}

// atomEnvelope is the minimal shape rules need from a payload.
type atomEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func decodeEnvelope(atom json.RawMessage) (atomEnvelope, error) {
	var env atomEnvelope
	if err := json.Unmarshal(atom, &env); err != nil {
		return env, err
	}
	return env, nil
}
