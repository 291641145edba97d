// Package capseal optionally seals a message envelope's payload with
// in-process elliptic-curve encryption when a send crosses a trust
// domain boundary — the capability-security analogue of attenuating
// authority across a delegation edge. All key material and ciphertext
// stay in memory; nothing here performs network I/O.
package capseal

import (
	"fmt"
	"sync"

	"github.com/awgh/bencrypt/ecc"
)

// DomainKeyStore holds one ECC keypair per trust domain, generated
// lazily on first use so a run that never crosses domains never pays
// for key generation.
type DomainKeyStore struct {
	mu   sync.Mutex
	keys map[string]*ecc.KeyPair
}

// NewDomainKeyStore builds an empty key store.
func NewDomainKeyStore() *DomainKeyStore {
	return &DomainKeyStore{keys: make(map[string]*ecc.KeyPair)}
}

// KeyFor returns domain's keypair, generating one on first request.
func (s *DomainKeyStore) KeyFor(domain string) (*ecc.KeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kp, ok := s.keys[domain]; ok {
		return kp, nil
	}
	kp := new(ecc.KeyPair)
	if err := kp.GenerateKey(); err != nil {
		return nil, fmt.Errorf("capseal: generating key for domain %q: %w", domain, err)
	}
	s.keys[domain] = kp
	return kp, nil
}

// SealError wraps a failure sealing or opening a payload.
type SealError struct {
	Domain string
	Op     string
	Cause  error
}

func (e *SealError) Error() string {
	return fmt.Sprintf("capseal: %s for domain %q: %v", e.Op, e.Domain, e.Cause)
}
func (e *SealError) Unwrap() error { return e.Cause }

// Seal encrypts payload under targetDomain's public key. Only called
// when the sender's trust domain differs from the target's (the kernel
// facade decides that; capseal itself is domain-agnostic).
func Seal(store *DomainKeyStore, targetDomain string, payload []byte) ([]byte, error) {
	kp, err := store.KeyFor(targetDomain)
	if err != nil {
		return nil, err
	}
	sealed := kp.Encrypt(kp.GetPubKey(), payload)
	return sealed, nil
}

// Open decrypts payload that was sealed for targetDomain.
func Open(store *DomainKeyStore, targetDomain string, sealed []byte) ([]byte, error) {
	kp, err := store.KeyFor(targetDomain)
	if err != nil {
		return nil, err
	}
	payload, err := kp.Decrypt(sealed)
	if err != nil {
		return nil, &SealError{Domain: targetDomain, Op: "open", Cause: err}
	}
	return payload, nil
}
