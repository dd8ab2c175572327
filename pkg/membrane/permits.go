package membrane

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/stratalabs/strata/pkg/link"
)

// DefaultPermitTTL bounds how long a granted permit stays presentable.
const DefaultPermitTTL = 5 * time.Minute

// PermitRequest asks for authorization to commit one specific payload.
type PermitRequest struct {
	ContainerID string           `json:"container_id"`
	AtomHash    string           `json:"atom_hash"`
	IntentClass link.IntentClass `json:"intent_class"`
	Actor       string           `json:"actor"`
}

// PermitDenied is the negative half of the permit protocol.
type PermitDenied struct {
	Reason string
}

func (e *PermitDenied) Error() string { return "permit denied: " + e.Reason }

// Grant is a positive permit decision. Token is presented back on the draft.
type Grant struct {
	Token     string `json:"permit"`
	ExpiresAt int64  `json:"expires_at"` // unix milliseconds
}

// GrantPolicy decides permit requests. Returning an error denies; a
// *PermitDenied passes its reason through verbatim.
type GrantPolicy func(req PermitRequest) error

// permitClaims bind a token to one atom hash in one container. Presenting
// the token against any other payload fails verification.
type permitClaims struct {
	AtomHash    string `json:"atom_hash"`
	ContainerID string `json:"container_id"`
	IntentClass string `json:"intent_class"`
	Actor       string `json:"actor"`
	jwt.RegisteredClaims
}

// PermitIssuer grants and verifies permits. Tokens are HS256 JWTs signed
// with a key shared by issuer and verifier (both are this process).
type PermitIssuer struct {
	key    []byte
	ttl    time.Duration
	clock  func() time.Time
	decide GrantPolicy
}

// IssuerOption configures a PermitIssuer.
type IssuerOption func(*PermitIssuer)

// WithTTL overrides the permit lifetime.
func WithTTL(ttl time.Duration) IssuerOption {
	return func(p *PermitIssuer) { p.ttl = ttl }
}

// WithIssuerClock overrides the time source for tests.
func WithIssuerClock(clock func() time.Time) IssuerOption {
	return func(p *PermitIssuer) { p.clock = clock }
}

// WithGrantPolicy installs the decision hook. Without one, every
// well-formed request is granted.
func WithGrantPolicy(decide GrantPolicy) IssuerOption {
	return func(p *PermitIssuer) { p.decide = decide }
}

func NewPermitIssuer(key []byte, opts ...IssuerOption) (*PermitIssuer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("permit signing key must not be empty")
	}
	p := &PermitIssuer{
		key:   key,
		ttl:   DefaultPermitTTL,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// RequestPermit decides and, if granted, mints a token bound to the request.
func (p *PermitIssuer) RequestPermit(req PermitRequest) (*Grant, error) {
	if req.AtomHash == "" || req.ContainerID == "" {
		return nil, &PermitDenied{Reason: "request must name a container and atom hash"}
	}
	if !req.IntentClass.Valid() {
		return nil, &PermitDenied{Reason: "unknown intent class"}
	}
	if p.decide != nil {
		if err := p.decide(req); err != nil {
			if denied, ok := err.(*PermitDenied); ok {
				return nil, denied
			}
			return nil, &PermitDenied{Reason: err.Error()}
		}
	}

	now := p.clock()
	expires := now.Add(p.ttl)
	claims := permitClaims{
		AtomHash:    req.AtomHash,
		ContainerID: req.ContainerID,
		IntentClass: req.IntentClass.String(),
		Actor:       req.Actor,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.key)
	if err != nil {
		return nil, fmt.Errorf("sign permit: %w", err)
	}
	return &Grant{Token: token, ExpiresAt: expires.UnixMilli()}, nil
}

// Verify checks a presented permit against the draft it must authorize.
func (p *PermitIssuer) Verify(token string, d *link.Draft) error {
	var claims permitClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.key, nil
	}, jwt.WithTimeFunc(p.clock))
	if err != nil {
		return &PhysicsError{IntentClass: d.IntentClass, Reason: "permit: " + err.Error()}
	}
	if !parsed.Valid {
		return &PhysicsError{IntentClass: d.IntentClass, Reason: "permit token is not valid"}
	}
	if claims.AtomHash != d.AtomHash {
		return &PhysicsError{IntentClass: d.IntentClass,
			Reason: "permit is bound to a different payload hash"}
	}
	if claims.ContainerID != d.ContainerID {
		return &PhysicsError{IntentClass: d.IntentClass,
			Reason: "permit is bound to a different container"}
	}
	if claims.IntentClass != d.IntentClass.String() {
		return &PhysicsError{IntentClass: d.IntentClass,
			Reason: "permit is bound to a different intent class"}
	}
	return nil
}
