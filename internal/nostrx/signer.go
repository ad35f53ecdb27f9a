package nostrx

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Signer signs events and performs NIP-04 encryption with one identity.
type Signer interface {
	PublicKey() string
	Sign(ev *nostr.Event) error
	Encrypt(peer, plaintext string) (string, error)
	Decrypt(peer, ciphertext string) (string, error)
}

// ParseSecretKey accepts a 64-char hex key or an nsec bech32 string and
// returns the hex form.
func ParseSecretKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "nsec1") {
		prefix, v, err := nip19.Decode(s)
		if err != nil {
			return "", fmt.Errorf("decode nsec: %w", err)
		}
		key, ok := v.(string)
		if prefix != "nsec" || !ok {
			return "", errors.New("not an nsec key")
		}
		s = key
	}
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return "", errors.New("secret key must be 32 bytes of hex or nsec")
	}
	return strings.ToLower(s), nil
}

// KeySigner holds a secret key in memory. Shared secrets are cached per peer.
type KeySigner struct {
	sk string
	pk string

	mu      sync.Mutex
	secrets map[string][]byte
}

func NewKeySigner(secret string) (*KeySigner, error) {
	sk, err := ParseSecretKey(secret)
	if err != nil {
		return nil, err
	}
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return &KeySigner{sk: sk, pk: pk, secrets: make(map[string][]byte)}, nil
}

func (s *KeySigner) PublicKey() string { return s.pk }

func (s *KeySigner) Sign(ev *nostr.Event) error {
	ev.PubKey = s.pk
	return ev.Sign(s.sk)
}

func (s *KeySigner) shared(peer string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.secrets[peer]; ok {
		return k, nil
	}
	k, err := nip04.ComputeSharedSecret(peer, s.sk)
	if err != nil {
		return nil, fmt.Errorf("shared secret: %w", err)
	}
	s.secrets[peer] = k
	return k, nil
}

func (s *KeySigner) Encrypt(peer, plaintext string) (string, error) {
	k, err := s.shared(peer)
	if err != nil {
		return "", err
	}
	return nip04.Encrypt(plaintext, k)
}

func (s *KeySigner) Decrypt(peer, ciphertext string) (string, error) {
	k, err := s.shared(peer)
	if err != nil {
		return "", err
	}
	return nip04.Decrypt(ciphertext, k)
}
