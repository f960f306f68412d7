// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package memoracle provides an in-memory decryption oracle.  It implements
// the same capability-gated unwrap contract as the production threshold
// service, backed by a single local key-encryption key, which makes it
// suitable for tests and for single-node deployments that keep the KEK on
// the same host.
package memoracle

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/katzenpost/hpqc/rand"

	"github.com/ledgerchat/ledgerchat/envelope"
	"github.com/ledgerchat/ledgerchat/keyring"
	"github.com/ledgerchat/ledgerchat/oracle"
)

// KEKSize is the key-encryption key size in bytes.
const KEKSize = 32

// ErrUnwrapFailed is returned when a wrapped key fails authentication
// against the KEK, indicating corrupt ledger data or a key wrapped for a
// different channel or version.
var ErrUnwrapFailed = errors.New("memoracle: wrapped key authentication failed")

// Oracle is an in-memory capability-gated unwrap service.
type Oracle struct {
	sync.RWMutex

	kek []byte

	// grants maps a capability identifier to the set of channel IDs it
	// may unwrap keys for.
	grants map[string]map[string]bool
}

// New constructs an Oracle with a freshly generated KEK.
func New() (*Oracle, error) {
	kek := make([]byte, KEKSize)
	if _, err := io.ReadFull(rand.Reader, kek); err != nil {
		return nil, fmt.Errorf("memoracle: failed to generate KEK: %v", err)
	}
	return NewWithKEK(kek)
}

// NewWithKEK constructs an Oracle around an existing KEK.
func NewWithKEK(kek []byte) (*Oracle, error) {
	if len(kek) != KEKSize {
		return nil, fmt.Errorf("memoracle: invalid KEK size: %d", len(kek))
	}
	return &Oracle{
		kek:    kek,
		grants: make(map[string]map[string]bool),
	}, nil
}

// Grant records that capabilityID may unwrap keys for channelID.
func (o *Oracle) Grant(capabilityID, channelID string) {
	o.Lock()
	defer o.Unlock()
	if o.grants[capabilityID] == nil {
		o.grants[capabilityID] = make(map[string]bool)
	}
	o.grants[capabilityID][channelID] = true
}

// Revoke removes capabilityID's access to channelID.
func (o *Oracle) Revoke(capabilityID, channelID string) {
	o.Lock()
	defer o.Unlock()
	delete(o.grants[capabilityID], channelID)
}

// wrapAAD binds a wrapped key to its channel and version so a wrapped key
// copied between channels or versions fails to unwrap.
func wrapAAD(channelID string, version uint32) []byte {
	out := make([]byte, 0, len(channelID)+4)
	out = append(out, channelID...)
	return binary.BigEndian.AppendUint32(out, version)
}

func (o *Oracle) newAEAD() (cipher.AEAD, error) {
	blk, err := aes.NewCipher(o.kek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}

// WrapKey encrypts a channel key under the KEK for the given channel and
// version.
func (o *Oracle) WrapKey(key []byte, channelID string, version uint32) (keyring.WrappedKey, error) {
	if len(key) != envelope.KeySize {
		return keyring.WrappedKey{}, fmt.Errorf("memoracle: invalid channel key size: %d", len(key))
	}
	aead, err := o.newAEAD()
	if err != nil {
		return keyring.WrappedKey{}, err
	}

	nonce := make([]byte, keyring.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return keyring.WrappedKey{}, fmt.Errorf("memoracle: failed to generate wrap nonce: %v", err)
	}

	return keyring.WrappedKey{
		KeyCiphertext: aead.Seal(nil, nonce, key, wrapAAD(channelID, version)),
		Nonce:         nonce,
	}, nil
}

// NewChannelKey generates a fresh random channel key and returns it wrapped
// for the given channel and version.  The cleartext key never leaves this
// function.
func (o *Oracle) NewChannelKey(channelID string, version uint32) (keyring.WrappedKey, error) {
	key := make([]byte, envelope.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return keyring.WrappedKey{}, fmt.Errorf("memoracle: failed to generate channel key: %v", err)
	}
	wrapped, err := o.WrapKey(key, channelID, version)
	for i := range key {
		key[i] = 0
	}
	return wrapped, err
}

// Unwrap implements the oracle.Client interface.  The unwrap is a pure
// function of the inputs and the KEK, so repeated calls with identical
// inputs return bit-identical key material.
func (o *Oracle) Unwrap(ctx context.Context, wrapped keyring.WrappedKey, channelID string, keyVersion uint32, capabilityID string) (*envelope.SymmetricKey, error) {
	o.RLock()
	authorized := o.grants[capabilityID][channelID]
	o.RUnlock()
	if !authorized {
		return nil, fmt.Errorf("%w: capability %q, channel %q", oracle.ErrCapabilityInvalid, capabilityID, channelID)
	}

	// The wrapped key arrives off the wire; reject malformed shapes before
	// they reach the AEAD, which requires an exact nonce length.
	if err := wrapped.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnwrapFailed, err)
	}

	aead, err := o.newAEAD()
	if err != nil {
		return nil, err
	}
	key, err := aead.Open(nil, wrapped.Nonce, wrapped.KeyCiphertext, wrapAAD(channelID, keyVersion))
	if err != nil {
		return nil, ErrUnwrapFailed
	}

	return &envelope.SymmetricKey{Bytes: key, Version: keyVersion}, nil
}
