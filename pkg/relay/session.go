package relay

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/rescp17/vnet/pkg/registry"
)

const hmacKeyInfo = "vnet:hmac:v1"

// PeerState describes how frames to and from a peer are authenticated.
type PeerState int

const (
	// PeerUnknown peers have no session; frames use the fallback key.
	PeerUnknown PeerState = iota
	// PeerExchanging peers have a local key pair but no derived key yet.
	PeerExchanging
	// PeerKeyed peers have a derived per-peer key.
	PeerKeyed
)

func (s PeerState) String() string {
	switch s {
	case PeerUnknown:
		return "unknown"
	case PeerExchanging:
		return "exchanging"
	case PeerKeyed:
		return "keyed"
	default:
		return "invalid"
	}
}

type peerSession struct {
	private    *ecdh.PrivateKey
	sentPublic bool
	authKey    []byte
}

// sessionTable holds per-peer key material.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[registry.PeerID]*peerSession
	fallback []byte
	random   io.Reader
}

func newSessionTable(fallback string) *sessionTable {
	return &sessionTable{
		sessions: make(map[registry.PeerID]*peerSession),
		fallback: []byte(fallback),
		random:   rand.Reader,
	}
}

// key returns the signing key for peer: the derived key once installed,
// the fallback key before that.
func (t *sessionTable) key(peer registry.PeerID) []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.sessions[peer]; ok && s.authKey != nil {
		return s.authKey
	}
	return t.fallback
}

func (t *sessionTable) state(peer registry.PeerID) PeerState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[peer]
	switch {
	case !ok:
		return PeerUnknown
	case s.authKey != nil:
		return PeerKeyed
	default:
		return PeerExchanging
	}
}

// ensure creates a key pair for peer if none exists and returns the public half.
func (t *sessionTable) ensure(peer registry.PeerID) (*ecdh.PublicKey, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[peer]; ok {
		return s.private.PublicKey(), nil
	}
	priv, err := ecdh.P256().GenerateKey(t.random)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	t.sessions[peer] = &peerSession{private: priv}
	return priv.PublicKey(), nil
}

// markSent records that our public key went out and reports whether it
// had already been sent.
func (t *sessionTable) markSent(peer registry.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[peer]
	if !ok {
		return false
	}
	prev := s.sentPublic
	s.sentPublic = true
	return prev
}

// derive computes the per-peer HMAC key from the peer's public key without
// installing it.
func (t *sessionTable) derive(peer registry.PeerID, remote *ecdh.PublicKey) ([]byte, error) {
	t.mu.RLock()
	s, ok := t.sessions[peer]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no key pair for peer %d", peer)
	}
	return deriveKey(s.private, remote)
}

func (t *sessionTable) install(peer registry.PeerID, key []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[peer]; ok {
		s.authKey = key
	}
}

func (t *sessionTable) remove(peer registry.PeerID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[peer]; !ok {
		return false
	}
	delete(t.sessions, peer)
	return true
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// deriveKey runs ECDH and stretches the shared secret with HKDF-SHA256.
func deriveKey(private *ecdh.PrivateKey, remote *ecdh.PublicKey) ([]byte, error) {
	secret, err := private.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hmacKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}
