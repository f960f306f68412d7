// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package keyring maintains the versioned history of a channel's wrapped
// symmetric keys.  Keys are only ever appended by rotation so that messages
// encrypted under an older version remain decryptable for the lifetime of
// the channel.
package keyring

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

const (
	// MaxWrappedKeySize is the maximum allowed size of a wrapped key
	// ciphertext in bytes.
	MaxWrappedKeySize = 512

	// NonceSize is the required wrap nonce size in bytes.
	NonceSize = 12
)

var (
	// ErrNoKeyAttached is returned when a channel has never had a key
	// installed (version 0).
	ErrNoKeyAttached = errors.New("keyring: no key attached")

	// ErrKeyVersionNotFound is returned by Get for versions outside the
	// recorded history.
	ErrKeyVersionNotFound = errors.New("keyring: key version not found")

	// ErrKeyTooLarge is returned when a wrapped key ciphertext exceeds
	// MaxWrappedKeySize.
	ErrKeyTooLarge = errors.New("keyring: wrapped key exceeds maximum size")

	// ErrInvalidNonceSize is returned when a wrap nonce is not NonceSize
	// bytes.
	ErrInvalidNonceSize = errors.New("keyring: invalid wrap nonce size")

	// ErrRotateDenied is returned when the presented capability does not
	// grant the rotate permission.
	ErrRotateDenied = errors.New("keyring: capability does not permit rotation")
)

// Capability is an opaque unforgeable identifier minted by the ledger that
// proves an actor may act on a channel.  This package never inspects it
// beyond handing it to the injected AuthorizationChecker.
type Capability string

// Permission enumerates the channel permissions the ledger's access control
// structure can grant to a capability.
type Permission uint8

const (
	// PermRead grants reading the channel's message log.
	PermRead Permission = iota

	// PermWrite grants appending messages to the channel's log.
	PermWrite

	// PermRotate grants installing a new channel key.
	PermRotate
)

// AuthorizationChecker abstracts the ledger's capability verification.  The
// ledger owns the capability representation; implementations only answer
// whether the given capability carries the given permission.
type AuthorizationChecker interface {
	Check(cap Capability, perm Permission) bool
}

// WrappedKey is a channel symmetric key encrypted by the decryption oracle's
// key-encryption key.  It is safe to persist; the cleartext key only exists
// after a successful oracle unwrap.
type WrappedKey struct {
	// KeyCiphertext is the wrapped key material, at most
	// MaxWrappedKeySize bytes.
	KeyCiphertext []byte

	// Nonce is the NonceSize byte wrap nonce.
	Nonce []byte
}

// Validate checks the wire-level shape constraints of a wrapped key.
func (k *WrappedKey) Validate() error {
	if len(k.KeyCiphertext) > MaxWrappedKeySize {
		return ErrKeyTooLarge
	}
	if len(k.Nonce) != NonceSize {
		return ErrInvalidNonceSize
	}
	return nil
}

// Marshal serializes the WrappedKey.
func (k *WrappedKey) Marshal() ([]byte, error) {
	return cbor.Marshal(k)
}

// Unmarshal deserializes the WrappedKey.
func (k *WrappedKey) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, k)
}

func (k *WrappedKey) clone() WrappedKey {
	return WrappedKey{
		KeyCiphertext: bytes.Clone(k.KeyCiphertext),
		Nonce:         bytes.Clone(k.Nonce),
	}
}

// Keyring holds the append-only rotation log of a single channel's wrapped
// keys.  Version numbers start at 1; version 0 means no key was ever
// attached and the channel is unusable.
//
// Rotation is serialized against concurrent reads so a reader always
// observes either the fully-old or fully-new state.
type Keyring struct {
	sync.RWMutex

	latest        WrappedKey
	latestVersion uint32

	// history[v-1] holds version v for every v < latestVersion.
	history []WrappedKey
}

// New constructs an empty Keyring with no key attached.
func New() *Keyring {
	return new(Keyring)
}

// HasKey returns true if at least one key was ever installed.
func (r *Keyring) HasKey() bool {
	r.RLock()
	defer r.RUnlock()
	return r.latestVersion > 0
}

// LatestVersion returns the current key version, or 0 if no key is attached.
func (r *Keyring) LatestVersion() uint32 {
	r.RLock()
	defer r.RUnlock()
	return r.latestVersion
}

// Latest returns the most recently installed wrapped key and its version.
func (r *Keyring) Latest() (WrappedKey, uint32, error) {
	r.RLock()
	defer r.RUnlock()

	if r.latestVersion == 0 {
		return WrappedKey{}, 0, ErrNoKeyAttached
	}
	return r.latest.clone(), r.latestVersion, nil
}

// Get returns the wrapped key installed at the given version.
func (r *Keyring) Get(version uint32) (WrappedKey, error) {
	r.RLock()
	defer r.RUnlock()

	switch {
	case version == 0 || version > r.latestVersion:
		return WrappedKey{}, fmt.Errorf("%w: version %d, latest %d", ErrKeyVersionNotFound, version, r.latestVersion)
	case version == r.latestVersion:
		return r.latest.clone(), nil
	default:
		return r.history[version-1].clone(), nil
	}
}

// Rotate installs newKey as the channel's current key, pushing the previous
// key onto the history.  The presented capability must carry PermRotate.
//
// Rotation is a single atomic in-memory mutation with no rollback path; a
// validation or authorization failure leaves the Keyring untouched.
// Persisting the new wrapped key to the ledger atomically with this mutation
// is the caller's responsibility.
func (r *Keyring) Rotate(newKey WrappedKey, c Capability, auth AuthorizationChecker) error {
	if err := newKey.Validate(); err != nil {
		return err
	}
	if !auth.Check(c, PermRotate) {
		return ErrRotateDenied
	}

	r.Lock()
	defer r.Unlock()

	if r.latestVersion > 0 {
		r.history = append(r.history, r.latest)
	}
	r.latest = newKey.clone()
	r.latestVersion++
	return nil
}

// Snapshot returns a copy of every installed wrapped key, ordered by
// version; index i holds version i+1.  Intended for the ledger writer that
// persists the rotation log.
func (r *Keyring) Snapshot() []WrappedKey {
	r.RLock()
	defer r.RUnlock()

	if r.latestVersion == 0 {
		return nil
	}
	out := make([]WrappedKey, 0, r.latestVersion)
	for _, k := range r.history {
		out = append(out, k.clone())
	}
	return append(out, r.latest.clone())
}
