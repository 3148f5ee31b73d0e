// Package keyring provides versioned symmetric encryption for message bodies.
//
// Keys are identified by a monotonically increasing version. New ciphertext is
// always produced with the current (highest) version while every retained
// version stays available for decryption, so rotating a key never strands
// previously stored messages.
package keyring

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required length of every raw key.
const KeySize = chacha20poly1305.KeySize

var (
	// ErrKeyUnavailable is returned when ciphertext references a key version the ring does not hold.
	ErrKeyUnavailable = errors.New("keyring: key version unavailable")
	// ErrDecrypt is returned when ciphertext fails authentication.
	ErrDecrypt = errors.New("keyring: ciphertext authentication failed")
	// ErrNoKeys is returned when a ring is built without key material.
	ErrNoKeys = errors.New("keyring: no keys configured")
	// ErrInvalidKey is returned for key material of the wrong size.
	ErrInvalidKey = fmt.Errorf("keyring: keys must be %d bytes", KeySize)
)

// KeyRing holds an append-only set of AEAD keys.
type KeyRing struct {
	mu      sync.RWMutex
	keys    map[int]cipher.AEAD
	current int
}

// New builds a ring from raw keys. The first key is version 1 and the last
// one becomes the current version.
func New(keys ...[]byte) (*KeyRing, error) {
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}

	ring := &KeyRing{keys: make(map[int]cipher.AEAD, len(keys))}
	for _, key := range keys {
		if _, err := ring.Rotate(key); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

// FromEncoded parses a comma separated list of base64 keys and builds a ring.
func FromEncoded(encoded string) (*KeyRing, error) {
	keys, err := ParseKeys(encoded)
	if err != nil {
		return nil, err
	}
	return New(keys...)
}

// ParseKeys decodes a comma separated list of base64 (standard or URL-safe) keys.
func ParseKeys(encoded string) ([][]byte, error) {
	var keys [][]byte
	for _, part := range strings.Split(encoded, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, err := decodeKey(part)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}

func decodeKey(value string) ([]byte, error) {
	encodings := []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding}
	for _, enc := range encodings {
		if key, err := enc.DecodeString(value); err == nil {
			if len(key) != KeySize {
				return nil, ErrInvalidKey
			}
			return key, nil
		}
	}
	return nil, fmt.Errorf("keyring: key is not valid base64")
}

// Rotate appends a key as the new current version and returns that version.
// Existing versions are never replaced.
func (k *KeyRing) Rotate(key []byte) (int, error) {
	if len(key) != KeySize {
		return 0, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return 0, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys == nil {
		k.keys = make(map[int]cipher.AEAD)
	}
	k.current++
	k.keys[k.current] = aead
	return k.current, nil
}

// CurrentVersion reports the version used for new ciphertext.
func (k *KeyRing) CurrentVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Versions lists every retained key version in ascending order.
func (k *KeyRing) Versions() []int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	versions := make([]int, 0, len(k.keys))
	for version := range k.keys {
		versions = append(versions, version)
	}
	sort.Ints(versions)
	return versions
}

// Encrypt seals plaintext under the current key. The additional data binds the
// ciphertext to its context and must be supplied again for decryption.
func (k *KeyRing) Encrypt(plaintext, additionalData []byte) ([]byte, int, error) {
	k.mu.RLock()
	version := k.current
	aead, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, 0, ErrNoKeys
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, 0, fmt.Errorf("keyring: generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, additionalData), version, nil
}

// Decrypt opens ciphertext produced by Encrypt with the given key version.
func (k *KeyRing) Decrypt(ciphertext []byte, version int, additionalData []byte) ([]byte, error) {
	k.mu.RLock()
	aead, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, ErrKeyUnavailable
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// GenerateKey returns fresh random key material encoded as base64.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
