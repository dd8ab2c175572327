// Package crypto provides domain-tagged hashing and Ed25519 signing for the
// strata ledger. Every hash computed by the system goes through Sum with a
// fixed purpose tag, so digests produced for different purposes can never
// collide even on identical input bytes.
package crypto

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Domain separation tags. One per hashing purpose; never reuse across purposes.
const (
	TagAtom  = "strata:atom\n"
	TagEntry = "strata:entry\n"
	TagLink  = "strata:link\n"
	TagPact  = "strata:pact\n"
)

// HashSize is the digest size in bytes (BLAKE2b-256).
const HashSize = 32

// HexDigestLen is the length of a hex-encoded digest.
const HexDigestLen = HashSize * 2

// Sum computes the BLAKE2b-256 digest of tag followed by each part in order,
// returned as lowercase hex.
func Sum(tag string, parts ...[]byte) string {
	h, err := blake2b.New256(nil)
	if err != nil {
		// New256 with a nil key cannot fail.
		panic(err)
	}
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Uint64BE returns v encoded as 8 big-endian bytes, for feeding sequence
// numbers and timestamps into Sum with a stable layout.
func Uint64BE(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// ValidDigest reports whether s looks like a hex digest of the right length.
func ValidDigest(s string) bool {
	if len(s) != HexDigestLen {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
