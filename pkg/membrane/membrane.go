// Package membrane is the validation boundary every draft crosses before the
// append engine will consider it. Checks run in a fixed order and each
// failure maps to exactly one stable error, so a caller always learns the
// first reason a draft is unacceptable.
package membrane

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/stratalabs/strata/pkg/atom"
	"github.com/stratalabs/strata/pkg/crypto"
	"github.com/stratalabs/strata/pkg/ledger"
	"github.com/stratalabs/strata/pkg/link"
	"github.com/stratalabs/strata/pkg/policy"
)

// CausalityMismatchError reports a draft built against a stale or wrong view
// of the container head. Detected before the commit lock; the caller must
// refresh state and rebuild the draft.
type CausalityMismatchError struct {
	ContainerID      string
	ExpectedSequence uint64
	ActualSequence   uint64
	ExpectedHead     string
	ActualHead       string
}

func (e *CausalityMismatchError) Error() string {
	return fmt.Sprintf("causality mismatch on %s: draft expects seq %d head %s, container is at seq %d head %s",
		e.ContainerID, e.ExpectedSequence, e.ExpectedHead, e.ActualSequence, e.ActualHead)
}

// SignatureInvalidError reports an author signature that does not verify
// over the draft's signing payload.
type SignatureInvalidError struct {
	Reason string
}

func (e *SignatureInvalidError) Error() string {
	return "signature invalid: " + e.Reason
}

// PhysicsError reports a draft whose declared delta breaks the invariants of
// its intent class, or that lacks the authorization its class demands.
type PhysicsError struct {
	IntentClass link.IntentClass
	Reason      string
}

func (e *PhysicsError) Error() string {
	return fmt.Sprintf("physics violation (%s): %s", e.IntentClass, e.Reason)
}

// ErrInvalidVersion rejects drafts speaking an unknown protocol version.
var ErrInvalidVersion = fmt.Errorf("unsupported draft version, want %d", link.Version)

type tenantKey struct{}

// WithTenant attaches the authenticated tenant to ctx for scope rules.
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenant)
}

// TenantFrom returns the tenant attached by WithTenant, if any.
func TenantFrom(ctx context.Context) string {
	tenant, _ := ctx.Value(tenantKey{}).(string)
	return tenant
}

// Membrane validates drafts. It implements ledger.Validator.
type Membrane struct {
	policies   *policy.Registry
	pacts      *crypto.Keyring
	pactQuorum int
	permits    *PermitIssuer
	reader     policy.Reader
	logger     *slog.Logger
}

// Config wires a Membrane.
type Config struct {
	Policies   *policy.Registry
	Pacts      *crypto.Keyring // trusted pact countersigners
	PactQuorum int             // distinct valid pact signatures required
	Permits    *PermitIssuer   // nil disables the permit path
	Reader     policy.Reader   // read-only ledger view for provenance rules
	Logger     *slog.Logger
}

func New(cfg Config) *Membrane {
	m := &Membrane{
		policies:   cfg.Policies,
		pacts:      cfg.Pacts,
		pactQuorum: cfg.PactQuorum,
		permits:    cfg.Permits,
		reader:     cfg.Reader,
		logger:     cfg.Logger,
	}
	if m.policies == nil {
		m.policies = policy.NewRegistry()
	}
	if m.pactQuorum <= 0 {
		m.pactQuorum = 1
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Validate runs the full check sequence against the container head. Checks
// are ordered cheapest-first and by diagnostic value: a draft with a stale
// head fails on causality before its signature is ever inspected.
func (m *Membrane) Validate(ctx context.Context, d *link.Draft, head ledger.State) error {
	if d.Version != link.Version {
		return ErrInvalidVersion
	}

	if err := m.checkAtomHash(d); err != nil {
		return err
	}
	if err := checkCausality(d, head); err != nil {
		return err
	}
	if err := checkSignature(d); err != nil {
		return err
	}
	if err := m.checkPhysics(d, head); err != nil {
		return err
	}

	tenant := TenantFrom(ctx)
	if err := m.policies.Evaluate(ctx, policy.Input{
		ContainerID: d.ContainerID,
		IntentClass: d.IntentClass,
		Atom:        d.Atom,
		Tenant:      tenant,
		Ledger:      m.reader,
	}); err != nil {
		m.logger.Debug("draft rejected by policy",
			slog.String("container", d.ContainerID),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

// checkAtomHash recomputes the atom's canonical hash and requires the draft
// to carry it. A draft hashing a different payload than it carries is a
// canonicalization-level fault, not a signature fault.
func (m *Membrane) checkAtomHash(d *link.Draft) error {
	if len(d.Atom) == 0 {
		return &atom.CanonicalizationError{Reason: "draft carries no atom payload"}
	}
	computed, err := atom.Hash(d.Atom)
	if err != nil {
		return err
	}
	if computed != d.AtomHash {
		return &atom.CanonicalizationError{
			Reason: fmt.Sprintf("atom_hash %s does not match payload hash %s", d.AtomHash, computed),
		}
	}
	return nil
}

func checkCausality(d *link.Draft, head ledger.State) error {
	if d.ExpectedSequence != head.NextSequence || d.PreviousHash != head.HeadHash {
		return &CausalityMismatchError{
			ContainerID:      d.ContainerID,
			ExpectedSequence: d.ExpectedSequence,
			ActualSequence:   head.NextSequence,
			ExpectedHead:     d.PreviousHash,
			ActualHead:       head.HeadHash,
		}
	}
	return nil
}

func checkSignature(d *link.Draft) error {
	if d.AuthorPubkey == "" {
		return &SignatureInvalidError{Reason: "draft carries no author_pubkey"}
	}
	if d.Signature == "" {
		return &SignatureInvalidError{Reason: "draft is unsigned"}
	}
	payload, err := d.SigningBytes()
	if err != nil {
		return &SignatureInvalidError{Reason: "signing payload: " + err.Error()}
	}
	ok, err := crypto.Verify(d.AuthorPubkey, d.Signature, payload)
	if err != nil {
		return &SignatureInvalidError{Reason: err.Error()}
	}
	if !ok {
		return &SignatureInvalidError{Reason: "signature does not verify over the signing payload"}
	}
	return nil
}

// checkPhysics enforces the per-class delta invariants and, for high-risk
// classes, requires either a verified pact or a verified permit.
func (m *Membrane) checkPhysics(d *link.Draft, head ledger.State) error {
	switch d.IntentClass {
	case link.Observation:
		if !d.PhysicsDelta.IsZero() {
			return &PhysicsError{IntentClass: d.IntentClass,
				Reason: "observation must carry a zero physics_delta"}
		}
		return nil

	case link.Conservation:
		balance := head.Balance
		if balance == nil {
			balance = new(big.Int)
		}
		next := new(big.Int).Add(balance, &d.PhysicsDelta.Int)
		if next.Sign() < 0 {
			return &PhysicsError{IntentClass: d.IntentClass,
				Reason: fmt.Sprintf("balance would go negative: %s + %s = %s",
					balance, d.PhysicsDelta.String(), next)}
		}
		return nil

	case link.Entropy:
		if d.PhysicsDelta.IsZero() {
			return nil
		}
		return m.requireAuthorization(d)

	case link.Evolution:
		if !d.PhysicsDelta.IsZero() {
			return &PhysicsError{IntentClass: d.IntentClass,
				Reason: "evolution must carry a zero physics_delta"}
		}
		return m.requireAuthorization(d)

	default:
		return &PhysicsError{IntentClass: d.IntentClass, Reason: "unknown intent class"}
	}
}

// requireAuthorization accepts either a pact meeting quorum or a permit
// bound to this exact draft. Both present: the pact is checked first.
func (m *Membrane) requireAuthorization(d *link.Draft) error {
	if d.Pact != nil {
		return m.verifyPact(d)
	}
	if d.Permit != "" {
		if m.permits == nil {
			return &PhysicsError{IntentClass: d.IntentClass,
				Reason: "permit presented but permit verification is not configured"}
		}
		if err := m.permits.Verify(d.Permit, d); err != nil {
			return err
		}
		return nil
	}
	return &PhysicsError{IntentClass: d.IntentClass,
		Reason: fmt.Sprintf("%s requires a pact or permit", d.IntentClass)}
}

func (m *Membrane) verifyPact(d *link.Draft) error {
	if m.pacts == nil || m.pacts.Len() == 0 {
		return &PhysicsError{IntentClass: d.IntentClass,
			Reason: "pact presented but no pact signers are registered"}
	}
	digest := d.Pact.Digest(d.AtomHash)
	sigs := make(map[string]string, len(d.Pact.Signatures))
	for _, s := range d.Pact.Signatures {
		sigs[s.Signer] = s.Signature
	}
	if err := m.pacts.VerifyQuorum(digest, sigs, m.pactQuorum); err != nil {
		return &PhysicsError{IntentClass: d.IntentClass,
			Reason: "pact " + d.Pact.PactID + ": " + err.Error()}
	}
	return nil
}
