package crypto

import (
	"fmt"
	"sync"
)

// Keyring holds the hex public keys trusted to countersign pacts.
// Verification-only; private keys never enter the keyring.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]struct{}
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]struct{})}
}

// Add registers a trusted signer public key.
func (k *Keyring) Add(pubKeyHex string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[pubKeyHex] = struct{}{}
}

// Revoke removes a key. Signatures from revoked keys stop counting toward
// quorum immediately.
func (k *Keyring) Revoke(pubKeyHex string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, pubKeyHex)
}

// Trusted reports whether pubKeyHex is in the ring.
func (k *Keyring) Trusted(pubKeyHex string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.keys[pubKeyHex]
	return ok
}

// Len returns the number of trusted keys.
func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.keys)
}

// VerifyQuorum checks that at least quorum distinct trusted keys produced a
// valid signature over data. sigs maps signer pubkey (hex) to signature (hex).
func (k *Keyring) VerifyQuorum(data []byte, sigs map[string]string, quorum int) error {
	if quorum <= 0 {
		return fmt.Errorf("quorum must be positive, got %d", quorum)
	}
	valid := 0
	for signer, sig := range sigs {
		if !k.Trusted(signer) {
			continue
		}
		ok, err := Verify(signer, sig, data)
		if err != nil || !ok {
			continue
		}
		valid++
	}
	if valid < quorum {
		return fmt.Errorf("quorum not met: %d of %d required signatures", valid, quorum)
	}
	return nil
}
