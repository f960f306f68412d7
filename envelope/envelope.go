// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package envelope implements the authenticated encryption engine used for
// channel messages and attachments.
//
// Every ciphertext is bound to its channel, sender and key version through
// the AEAD additional authenticated data, so a ciphertext lifted out of one
// context can never be replayed into another: decryption under a different
// channel, sender or key version always fails authentication.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
)

const (
	// KeySize is the channel symmetric key size in bytes (AES-256).
	KeySize = 32

	// NonceSize is the AES-GCM nonce size in bytes.
	NonceSize = 12
)

var (
	// ErrAuthenticationFailed is returned when an AEAD tag fails to
	// verify: a wrong key, tampered ciphertext, or a mismatched channel,
	// sender or key version.
	ErrAuthenticationFailed = errors.New("envelope: authentication failed")

	// ErrInvalidKeySize is returned when a symmetric key is not KeySize
	// bytes.
	ErrInvalidKeySize = errors.New("envelope: invalid key size")
)

// SymmetricKey is an unwrapped channel key.  It exists only in memory after
// a successful oracle unwrap and must never be persisted in cleartext;
// callers hold it for the duration of a single logical operation and Reset
// it afterwards.
type SymmetricKey struct {
	// Bytes is the KeySize byte secret.
	Bytes []byte

	// Version is the keyring version this key was installed at.
	Version uint32
}

// Reset zeroizes the key material.
func (k *SymmetricKey) Reset() {
	for i := range k.Bytes {
		k.Bytes[i] = 0
	}
	k.Bytes = nil
	k.Version = 0
}

// EncryptedPayload is a single AEAD ciphertext with its nonce.  The key
// version used is carried by the enclosing ledger entry, not the payload.
type EncryptedPayload struct {
	Ciphertext []byte
	Nonce      []byte
}

// Scheme is the envelope encryption scheme.  It is constructed once and
// shared by reference; it holds no mutable state.
type Scheme struct {
	rng io.Reader
}

// NewScheme constructs a Scheme drawing nonces from the system entropy
// source.
func NewScheme() *Scheme {
	return &Scheme{rng: rand.Reader}
}

// aad computes the additional authenticated data binding a payload to its
// context: channelID || big-endian uint32 key version || sender, raw byte
// concatenation with no delimiters.  Encrypt and decrypt call sites in
// different processes must produce byte-identical AAD, so the construction
// is deliberately trivial.
func aad(channelID string, version uint32, sender string) []byte {
	out := make([]byte, 0, len(channelID)+4+len(sender))
	out = append(out, channelID...)
	out = binary.BigEndian.AppendUint32(out, version)
	return append(out, sender...)
}

func (s *Scheme) newAEAD(key *SymmetricKey) (cipher.AEAD, error) {
	if len(key.Bytes) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidKeySize, len(key.Bytes))
	}
	blk, err := aes.NewCipher(key.Bytes)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}

// seal encrypts plaintext under key with a freshly generated random nonce.
// Nonces are always drawn from the CSPRNG and never derived, so nonce reuse
// under one key cannot happen short of an entropy source failure.
func (s *Scheme) seal(plaintext []byte, channelID, sender string, key *SymmetricKey) (EncryptedPayload, error) {
	aead, err := s.newAEAD(key)
	if err != nil {
		return EncryptedPayload{}, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(s.rng, nonce); err != nil {
		return EncryptedPayload{}, fmt.Errorf("envelope: failed to generate nonce: %v", err)
	}

	ct := aead.Seal(nil, nonce, plaintext, aad(channelID, key.Version, sender))
	return EncryptedPayload{Ciphertext: ct, Nonce: nonce}, nil
}

func (s *Scheme) open(payload EncryptedPayload, channelID, sender string, key *SymmetricKey) ([]byte, error) {
	aead, err := s.newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(payload.Nonce) != NonceSize {
		return nil, ErrAuthenticationFailed
	}

	pt, err := aead.Open(nil, payload.Nonce, payload.Ciphertext, aad(channelID, key.Version, sender))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return pt, nil
}

// EncryptText encrypts the UTF-8 bytes of text for the given channel and
// sender under key.
func (s *Scheme) EncryptText(text, channelID, sender string, key *SymmetricKey) (EncryptedPayload, error) {
	return s.seal([]byte(text), channelID, sender, key)
}

// DecryptText reverses EncryptText.  It returns ErrAuthenticationFailed if
// the ciphertext was tampered with or the channel, sender or key version do
// not match the ones used at encryption time.
func (s *Scheme) DecryptText(payload EncryptedPayload, channelID, sender string, key *SymmetricKey) (string, error) {
	pt, err := s.open(payload, channelID, sender, key)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
