// Package link defines the draft envelope a caller submits to append an atom
// to a container, and the canonical signing payload the author signs.
package link

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/stratalabs/strata/pkg/atom"
	"github.com/stratalabs/strata/pkg/crypto"
)

// Version is the only accepted draft protocol version.
const Version = 1

// GenesisHash is the previous_hash sentinel of a container's first entry.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// IntentClass classifies the physical effect of a draft. The class drives
// which policy rules and authorization proofs apply.
type IntentClass uint8

const (
	// Observation records a fact with zero physical delta.
	Observation IntentClass = 0
	// Conservation moves value; the container balance may never go negative.
	Conservation IntentClass = 1
	// Entropy creates or destroys value; requires authorization when delta is nonzero.
	Entropy IntentClass = 2
	// Evolution changes the rules themselves; always requires authorization.
	Evolution IntentClass = 3
)

var intentNames = map[IntentClass]string{
	Observation:  "observation",
	Conservation: "conservation",
	Entropy:      "entropy",
	Evolution:    "evolution",
}

func (c IntentClass) String() string {
	if n, ok := intentNames[c]; ok {
		return n
	}
	return fmt.Sprintf("intent_class(%d)", uint8(c))
}

// Valid reports whether c is one of the four defined classes.
func (c IntentClass) Valid() bool {
	_, ok := intentNames[c]
	return ok
}

func (c IntentClass) MarshalJSON() ([]byte, error) {
	n, ok := intentNames[c]
	if !ok {
		return nil, fmt.Errorf("unknown intent class %d", uint8(c))
	}
	return json.Marshal(n)
}

func (c *IntentClass) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for class, name := range intentNames {
		if name == strings.ToLower(s) {
			*c = class
			return nil
		}
	}
	return fmt.Errorf("unknown intent class %q", s)
}

// Delta is a signed big integer carried as a decimal string in JSON so that
// JavaScript callers never lose precision above 2^53.
type Delta struct {
	big.Int
}

// NewDelta returns a Delta holding v.
func NewDelta(v int64) Delta {
	var d Delta
	d.SetInt64(v)
	return d
}

func (d Delta) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Delta) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("physics_delta must be a decimal string: %w", err)
	}
	if _, ok := d.SetString(s, 10); !ok {
		return fmt.Errorf("physics_delta %q is not a decimal integer", s)
	}
	return nil
}

// IsZero reports whether the delta is exactly zero.
func (d *Delta) IsZero() bool { return d.Sign() == 0 }

// PactSignature is one countersignature inside a pact proof.
type PactSignature struct {
	Signer    string `json:"signer"`    // hex Ed25519 public key
	Signature string `json:"signature"` // hex Ed25519 signature over the pact digest
}

// PactProof is a multi-party authorization attached to high-risk drafts.
type PactProof struct {
	PactID     string          `json:"pact_id"`
	Signatures []PactSignature `json:"signatures"`
}

// Digest returns the bytes each pact signer must sign. The digest binds the
// pact to a specific atom hash, so a proof can never authorize a different
// payload.
func (p *PactProof) Digest(atomHash string) []byte {
	return []byte(crypto.Sum(crypto.TagPact, []byte(p.PactID), []byte(atomHash)))
}

// Draft is an unsigned-then-signed proposal to commit one atom to a container.
// Atom carries the full payload; AtomHash is its content address.
type Draft struct {
	Version          int             `json:"version"`
	ContainerID      string          `json:"container_id"`
	ExpectedSequence uint64          `json:"expected_sequence"`
	PreviousHash     string          `json:"previous_hash"`
	AtomHash         string          `json:"atom_hash"`
	IntentClass      IntentClass     `json:"intent_class"`
	PhysicsDelta     Delta           `json:"physics_delta"`
	Pact             *PactProof      `json:"pact,omitempty"`
	AuthorPubkey     string          `json:"author_pubkey"`
	Signature        string          `json:"signature"`
	Atom             json.RawMessage `json:"atom"`
	Permit           string          `json:"permit,omitempty"`
}

// signingPayload is the exact field set covered by the author signature.
// author_pubkey and the signature itself are excluded so there is never
// ambiguity about what was signed.
type signingPayload struct {
	Version          int         `json:"version"`
	ContainerID      string      `json:"container_id"`
	ExpectedSequence uint64      `json:"expected_sequence"`
	PreviousHash     string      `json:"previous_hash"`
	AtomHash         string      `json:"atom_hash"`
	IntentClass      IntentClass `json:"intent_class"`
	PhysicsDelta     Delta       `json:"physics_delta"`
	Pact             *PactProof  `json:"pact"`
}

// SigningBytes returns the domain-tagged canonical bytes the author signs.
func (d *Draft) SigningBytes() ([]byte, error) {
	canonical, err := atom.Canonicalize(signingPayload{
		Version:          d.Version,
		ContainerID:      d.ContainerID,
		ExpectedSequence: d.ExpectedSequence,
		PreviousHash:     d.PreviousHash,
		AtomHash:         d.AtomHash,
		IntentClass:      d.IntentClass,
		PhysicsDelta:     d.PhysicsDelta,
		Pact:             d.Pact,
	})
	if err != nil {
		return nil, fmt.Errorf("signing payload: %w", err)
	}
	out := make([]byte, 0, len(crypto.TagLink)+len(canonical))
	out = append(out, crypto.TagLink...)
	out = append(out, canonical...)
	return out, nil
}

// Sign computes and attaches the author signature.
func (d *Draft) Sign(signer crypto.Signer) error {
	d.AuthorPubkey = signer.PublicKey()
	payload, err := d.SigningBytes()
	if err != nil {
		return err
	}
	d.Signature = signer.Sign(payload)
	return nil
}

// Receipt is the synchronous result of an accepted commit.
type Receipt struct {
	ContainerID string `json:"container_id"`
	Sequence    uint64 `json:"sequence"`
	EntryHash   string `json:"entry_hash"`
	CommittedAt int64  `json:"committed_at"` // unix milliseconds
}
