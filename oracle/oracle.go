// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package oracle defines the client side of the capability-gated decryption
// oracle, the external service that unwraps channel keys for callers holding
// a valid per-channel capability.
//
// The oracle's own cryptography is out of scope here; this package only
// speaks its request/response contract.  Unwrap is idempotent: repeated
// calls with identical inputs return bit-identical key material, so callers
// may hold the returned key for the duration of one logical operation, but
// must never persist it beyond that scope.
package oracle

import (
	"context"
	"errors"

	"github.com/ledgerchat/ledgerchat/envelope"
	"github.com/ledgerchat/ledgerchat/keyring"
)

var (
	// ErrCapabilityInvalid is returned when the presented capability does
	// not grant access to the requested channel, or has been revoked.
	// This is an authorization failure and must never be collapsed into
	// an empty result by callers.
	ErrCapabilityInvalid = errors.New("oracle: capability invalid for channel")

	// ErrOracleUnavailable is returned on transport or service failure.
	// Retry policy belongs to the caller.
	ErrOracleUnavailable = errors.New("oracle: service unavailable")
)

// Client is the decryption oracle client interface.
type Client interface {
	// Unwrap requests decryption of a wrapped channel key.  keyVersion
	// is the keyring version the wrapped key was installed at; the
	// returned SymmetricKey carries it so envelope operations bind the
	// right version into their AAD.
	Unwrap(ctx context.Context, wrapped keyring.WrappedKey, channelID string, keyVersion uint32, capabilityID string) (*envelope.SymmetricKey, error)
}
