package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SchemaRule validates an atom against the JSON Schema registered for its
// declared type. Atoms whose type has no registered schema pass unless the
// rule is strict.
type SchemaRule struct {
	schemas map[string]*jsonschema.Schema
	strict  bool
}

// NewSchemaRule compiles the given type -> schema-document map.
func NewSchemaRule(schemas map[string]string, strict bool) (*SchemaRule, error) {
	compiled := make(map[string]*jsonschema.Schema, len(schemas))
	for typ, doc := range schemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://strata.schemas.local/atoms/%s.schema.json", typ)
		if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", typ, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", typ, err)
		}
		compiled[typ] = s
	}
	return &SchemaRule{schemas: compiled, strict: strict}, nil
}

func (r *SchemaRule) Name() string { return "schema" }

func (r *SchemaRule) Check(_ context.Context, in Input) error {
	env, err := decodeEnvelope(in.Atom)
	if err != nil || env.Type == "" {
		return &Violation{Subtype: SubtypeSchema, Rule: r.Name(), Reason: "atom has no declared type"}
	}
	schema, ok := r.schemas[env.Type]
	if !ok {
		if r.strict {
			return &Violation{Subtype: SubtypeSchema, Rule: r.Name(),
				Reason: "no schema registered for type " + env.Type}
		}
		return nil
	}
	var doc any
	if err := json.Unmarshal(in.Atom, &doc); err != nil {
		return &Violation{Subtype: SubtypeSchema, Rule: r.Name(), Reason: "atom is not valid JSON"}
	}
	if err := schema.Validate(doc); err != nil {
		return &Violation{Subtype: SubtypeSchema, Rule: r.Name(),
			Reason: fmt.Sprintf("atom does not conform to schema for %s: %v", env.Type, err)}
	}
	return nil
}

// TransitionRule enforces the job state machine. Terminal states absorb:
// nothing transitions out of completed, rejected, cancelled, or failed.
type TransitionRule struct {
	allowed map[string][]string
}

// DefaultJobTransitions is the job lifecycle FSM.
func DefaultJobTransitions() map[string][]string {
	return map[string][]string{
		"draft":         {"proposed"},
		"proposed":      {"approved", "rejected"},
		"approved":      {"in_progress"},
		"in_progress":   {"waiting_input", "completed", "failed", "cancelled"},
		"waiting_input": {"in_progress", "cancelled", "failed"},
		"completed":     {},
		"rejected":      {},
		"cancelled":     {},
		"failed":        {},
	}
}

func NewTransitionRule(allowed map[string][]string) *TransitionRule {
	if allowed == nil {
		allowed = DefaultJobTransitions()
	}
	return &TransitionRule{allowed: allowed}
}

func (r *TransitionRule) Name() string { return "transition" }

func (r *TransitionRule) Check(_ context.Context, in Input) error {
	env, err := decodeEnvelope(in.Atom)
	if err != nil || env.Type != "job.state_changed" {
		return nil
	}
	var change struct {
		JobID string `json:"job_id"`
		From  string `json:"from"`
		To    string `json:"to"`
	}
	if err := json.Unmarshal(env.Payload, &change); err != nil {
		return &Violation{Subtype: SubtypeIllegalTransition, Rule: r.Name(),
			Reason: "malformed state change payload"}
	}
	targets, known := r.allowed[change.From]
	if !known {
		return &Violation{Subtype: SubtypeIllegalTransition, Rule: r.Name(),
			Reason: fmt.Sprintf("unknown state %q", change.From)}
	}
	for _, t := range targets {
		if t == change.To {
			return nil
		}
	}
	return &Violation{Subtype: SubtypeIllegalTransition, Rule: r.Name(),
		Reason: fmt.Sprintf("job %s may not move %s -> %s", change.JobID, change.From, change.To)}
}

// SensitiveDataRule rejects payloads carrying raw sensitive patterns that
// must only ever appear redacted.
type SensitiveDataRule struct {
	patterns map[string]*regexp.Regexp
}

// DefaultSensitivePatterns covers the classes committed payloads must never
// contain in the raw.
func DefaultSensitivePatterns() map[string]string {
	return map[string]string{
		"ssn":         `\b\d{3}-\d{2}-\d{4}\b`,
		"credit_card": `\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`,
		"phone":       `\b\d{3}-\d{3}-\d{4}\b`,
	}
}

func NewSensitiveDataRule(patterns map[string]string) (*SensitiveDataRule, error) {
	if patterns == nil {
		patterns = DefaultSensitivePatterns()
	}
	compiled := make(map[string]*regexp.Regexp, len(patterns))
	for name, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("sensitive pattern %s: %w", name, err)
		}
		compiled[name] = re
	}
	return &SensitiveDataRule{patterns: compiled}, nil
}

func (r *SensitiveDataRule) Name() string { return "sensitive_data" }

func (r *SensitiveDataRule) Check(_ context.Context, in Input) error {
	text := string(in.Atom)
	for name, re := range r.patterns {
		if re.MatchString(text) {
			return &Violation{Subtype: SubtypeRawSensitiveData, Rule: r.Name(),
				Reason: "raw " + name + " pattern detected in payload"}
		}
	}
	return nil
}

// ProvenanceRule verifies that an action referencing a prior interactive
// card proves the card genuinely originated from an earlier committed entry.
// Prevents forged or replayed approvals.
type ProvenanceRule struct {
	sourceContainer string // container where cards are issued
}

func NewProvenanceRule(sourceContainer string) *ProvenanceRule {
	return &ProvenanceRule{sourceContainer: sourceContainer}
}

func (r *ProvenanceRule) Name() string { return "provenance" }

func (r *ProvenanceRule) Check(ctx context.Context, in Input) error {
	env, err := decodeEnvelope(in.Atom)
	if err != nil || env.Type != "card.action" {
		return nil
	}
	var action struct {
		CardID string `json:"card_id"`
	}
	if err := json.Unmarshal(env.Payload, &action); err != nil || action.CardID == "" {
		return &Violation{Subtype: SubtypeInvalidProvenance, Rule: r.Name(),
			Reason: "card action without card_id"}
	}
	if in.Ledger == nil {
		return &Violation{Subtype: SubtypeInvalidProvenance, Rule: r.Name(),
			Reason: "no ledger available for provenance check"}
	}

	source := r.sourceContainer
	if source == "" {
		source = in.ContainerID
	}
	const page = 500
	var from uint64
	for {
		entries, err := in.Ledger.Range(ctx, source, from, page)
		if err != nil {
			return &Violation{Subtype: SubtypeInvalidProvenance, Rule: r.Name(),
				Reason: "provenance lookup failed: " + err.Error()}
		}
		if len(entries) == 0 {
			break
		}
		for i := range entries {
			if cardIssuedIn(entries[i].Atom, action.CardID) {
				return nil
			}
		}
		from = entries[len(entries)-1].Sequence + 1
	}
	return &Violation{Subtype: SubtypeInvalidProvenance, Rule: r.Name(),
		Reason: fmt.Sprintf("card %s not found in any prior committed entry", action.CardID)}
}

func cardIssuedIn(atom json.RawMessage, cardID string) bool {
	env, err := decodeEnvelope(atom)
	if err != nil || env.Type != "message.sent" {
		return false
	}
	var msg struct {
		Card struct {
			CardID string `json:"card_id"`
		} `json:"card"`
	}
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return false
	}
	return msg.Card.CardID == cardID
}

// TenantScopeRule pins tenant-prefixed containers to the authenticated
// tenant. Containers outside the tenant namespace are unaffected.
type TenantScopeRule struct{}

func NewTenantScopeRule() *TenantScopeRule { return &TenantScopeRule{} }

func (r *TenantScopeRule) Name() string { return "tenant_scope" }

func (r *TenantScopeRule) Check(_ context.Context, in Input) error {
	const prefix = "tenant/"
	if !strings.HasPrefix(in.ContainerID, prefix) {
		return nil
	}
	rest := strings.TrimPrefix(in.ContainerID, prefix)
	tenant, _, _ := strings.Cut(rest, "/")
	if in.Tenant == "" || tenant != in.Tenant {
		return &Violation{Subtype: SubtypeTenantScope, Rule: r.Name(),
			Reason: fmt.Sprintf("container belongs to tenant %q", tenant)}
	}
	return nil
}
