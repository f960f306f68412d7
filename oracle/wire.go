// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package oracle

import (
	"github.com/fxamacker/cbor/v2"
)

// Error codes carried by UnwrapResponse.
const (
	// UnwrapSuccess indicates the key was unwrapped.
	UnwrapSuccess uint8 = iota

	// UnwrapErrCapabilityInvalid indicates the capability does not grant
	// access to the channel.
	UnwrapErrCapabilityInvalid

	// UnwrapErrInternal indicates an oracle-side failure.
	UnwrapErrInternal
)

// UnwrapRequest asks the oracle to decrypt a wrapped channel key.  It is
// CBOR encoded on the wire.
type UnwrapRequest struct {
	// QueryID correlates the response on a multiplexed connection.
	QueryID uint64

	// KeyCiphertext and WrapNonce are the wrapped key as persisted on
	// the ledger.
	KeyCiphertext []byte
	WrapNonce     []byte

	// ChannelID is the channel the key belongs to.
	ChannelID string

	// KeyVersion is the keyring version the key was installed at.
	KeyVersion uint32

	// CapabilityID identifies the caller's capability for ChannelID.
	CapabilityID string
}

// Marshal serializes the UnwrapRequest.
func (r *UnwrapRequest) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal deserializes the UnwrapRequest.
func (r *UnwrapRequest) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, r)
}

// UnwrapResponse is the oracle's reply to an UnwrapRequest.
type UnwrapResponse struct {
	// QueryID echoes the request's QueryID.
	QueryID uint64

	// ErrorCode is one of the Unwrap* codes.
	ErrorCode uint8

	// KeyBytes is the cleartext channel key on success, empty otherwise.
	KeyBytes []byte `cbor:",omitempty"`

	// KeyVersion echoes the request's KeyVersion.
	KeyVersion uint32
}

// Marshal serializes the UnwrapResponse.
func (r *UnwrapResponse) Marshal() ([]byte, error) {
	return cbor.Marshal(r)
}

// Unmarshal deserializes the UnwrapResponse.
func (r *UnwrapResponse) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, r)
}
