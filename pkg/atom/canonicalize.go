// Package atom provides deterministic serialization and content addressing
// for ledger payloads. Canonical form is RFC 8785 (JCS) applied after a
// normalization pre-pass: strings are NFC-normalized, non-finite numbers and
// duplicate object keys are rejected. Semantically equal payloads always
// produce identical bytes.
package atom

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"

	"github.com/stratalabs/strata/pkg/crypto"
)

// CanonicalizationError is returned for any payload that cannot be
// canonicalized. Such payloads never reach the membrane.
type CanonicalizationError struct {
	Reason string
	Err    error
}

func (e *CanonicalizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("canonicalization failed: %s: %v", e.Reason, e.Err)
	}
	return "canonicalization failed: " + e.Reason
}

func (e *CanonicalizationError) Unwrap() error { return e.Err }

func canonErr(reason string, err error) *CanonicalizationError {
	return &CanonicalizationError{Reason: reason, Err: err}
}

// Canonicalize returns the canonical byte form of v. v may be a raw JSON
// document ([]byte / json.RawMessage) or any value marshalable to JSON.
func Canonicalize(v any) ([]byte, error) {
	raw, err := toRawJSON(v)
	if err != nil {
		return nil, err
	}
	if err := rejectDuplicateKeys(raw); err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, canonErr("malformed JSON", err)
	}

	normalized, err := normalize(generic)
	if err != nil {
		return nil, err
	}

	// Re-encode without HTML escaping, then let JCS impose RFC 8785 key
	// ordering and number formatting.
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, canonErr("re-encoding failed", err)
	}
	canonical, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, canonErr("jcs transform failed", err)
	}
	return canonical, nil
}

// Hash returns atom_hash: the domain-tagged digest of the canonical form.
func Hash(v any) (string, error) {
	canonical, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return crypto.Sum(crypto.TagAtom, canonical), nil
}

// Parse decodes canonical bytes back into a generic value with numbers
// preserved as json.Number. Canonicalize(Parse(Canonicalize(x))) is
// guaranteed to equal Canonicalize(x).
func Parse(canonical []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(canonical))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, canonErr("malformed canonical bytes", err)
	}
	return v, nil
}

func toRawJSON(v any) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return nil, canonErr("nil payload", nil)
	case json.RawMessage:
		return t, nil
	case []byte:
		return t, nil
	default:
		// Marshal rejects cyclic structures and non-finite floats for us;
		// both surface as CanonicalizationError.
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, canonErr("payload not representable as JSON", err)
		}
		return raw, nil
	}
}

// normalize walks the decoded value: NFC for strings, finiteness for numbers.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nk, err := normalizeString(k)
			if err != nil {
				return nil, err
			}
			if _, dup := out[nk]; dup {
				return nil, canonErr("keys collide after normalization: "+nk, nil)
			}
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[nk] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			ne, err := normalize(elem)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	case string:
		return normalizeString(t)
	case json.Number:
		// JSON grammar cannot express NaN/Inf, but guard against values that
		// arrive as bare tokens through lenient upstream encoders.
		s := strings.ToLower(t.String())
		if strings.Contains(s, "nan") || strings.Contains(s, "inf") {
			return nil, canonErr("non-finite number "+t.String(), nil)
		}
		if err := checkExactNumber(t); err != nil {
			return nil, err
		}
		return t, nil
	default:
		// bool, nil.
		return v, nil
	}
}

// checkExactNumber rejects integer tokens that are not exactly representable
// as IEEE 754 doubles. Canonical number formatting serializes through float64,
// so a lossy integer would collapse distinct payloads onto one canonical form
// and one content address. Callers that need wider integers carry them as
// decimal strings.
func checkExactNumber(n json.Number) error {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		return nil
	}
	f, err := n.Float64()
	if err != nil {
		return canonErr("number out of range: "+s, err)
	}
	if strconv.FormatFloat(f, 'f', -1, 64) != s {
		return canonErr("integer not exactly representable as a double: "+s, nil)
	}
	return nil
}

func normalizeString(s string) (string, error) {
	if !utf8.ValidString(s) {
		return "", canonErr("invalid UTF-8 string", nil)
	}
	return norm.NFC.String(s), nil
}

// rejectDuplicateKeys scans the raw token stream; encoding/json silently
// keeps the last duplicate, which would make two distinct byte streams hash
// to the same atom.
func rejectDuplicateKeys(raw []byte) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return scanValue(dec)
}

func scanValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return canonErr("malformed JSON", err)
	}
	delim, ok := tok.(json.Delim)
	if !ok {
		return nil
	}
	switch delim {
	case '{':
		seen := make(map[string]struct{})
		for dec.More() {
			keyTok, err := dec.Token()
			if err != nil {
				return canonErr("malformed JSON", err)
			}
			key := keyTok.(string)
			if _, dup := seen[key]; dup {
				return canonErr("duplicate object key: "+key, nil)
			}
			seen[key] = struct{}{}
			if err := scanValue(dec); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil { // consume '}'
			return canonErr("malformed JSON", err)
		}
	case '[':
		for dec.More() {
			if err := scanValue(dec); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil { // consume ']'
			return canonErr("malformed JSON", err)
		}
	}
	return nil
}
