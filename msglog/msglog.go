// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package msglog models the ledger's append-only per-channel message log
// and implements bidirectional cursor pagination over it.
//
// The ledger itself is an external collaborator; this package only consumes
// its two read primitives, a total entry count per log and a key-value
// object store keyed by content-addressed identifiers, plus an injected
// derivation function mapping (logID, index) to a storage key.  Deriving
// the key for every index in a page lets the paginator fetch a precise
// batch without a preceding list round trip.
package msglog

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"

	"github.com/ledgerchat/ledgerchat/envelope"
)

var (
	// ErrNotFound is returned by object store implementations for a
	// missing key.
	ErrNotFound = errors.New("msglog: object not found")

	// ErrCursorOutOfBounds is returned when a caller-supplied cursor
	// exceeds the log's total count.
	ErrCursorOutOfBounds = errors.New("msglog: cursor out of bounds")
)

// StorageKey is a content-addressed object store identifier.
type StorageKey [hash.HashSize]byte

// String returns the hex representation of the key.
func (k StorageKey) String() string {
	return hex.EncodeToString(k[:])
}

// KeyDeriver maps a log identifier and entry index to the storage key the
// ledger filed the entry under.  The derivation is owned by the ledger
// integration; this package only calls it.
type KeyDeriver func(logID string, index uint64) StorageKey

// DefaultKeyDeriver derives hash(logID || big-endian uint64 index), the
// derivation used by the built-in boltlog ledger.
func DefaultKeyDeriver(logID string, index uint64) StorageKey {
	buf := make([]byte, 0, len(logID)+8)
	buf = append(buf, logID...)
	buf = binary.BigEndian.AppendUint64(buf, index)
	return hash.Sum256(buf)
}

// BlobKey derives the content address of an attachment data blob.
func BlobKey(blob []byte) StorageKey {
	return hash.Sum256(blob)
}

// Log exposes the ledger's per-log entry count.
type Log interface {
	// TotalCount returns the current number of entries in the log.  The
	// count is a snapshot; entries may be appended concurrently.
	TotalCount(ctx context.Context, logID string) (uint64, error)
}

// Appender exposes the ledger's append primitive.  The ledger assigns the
// next sequential index and files the entry under the derived storage key,
// atomically.
type Appender interface {
	Append(ctx context.Context, logID string, entry *Entry) (uint64, error)
}

// ObjectStore is the ledger's key-value object store.
type ObjectStore interface {
	Get(ctx context.Context, key StorageKey) ([]byte, error)
	Put(ctx context.Context, key StorageKey, blob []byte) error
}

// AttachmentRef is an attachment as recorded on a log entry.  The metadata
// payload rides inline so a listing can show file names without fetching
// data blobs; the data payload lives in the object store under its content
// address and is only fetched when the attachment is opened.
type AttachmentRef struct {
	// Metadata is the encrypted canonical metadata.
	Metadata envelope.EncryptedPayload

	// DataKey is the content address of the CBOR-encoded encrypted data
	// payload in the object store.
	DataKey StorageKey
}

// Entry is one message log entry as persisted by the ledger.  KeyVersion
// records which channel key version the payloads were encrypted under;
// decryption resolves that version through the channel's keyring.
type Entry struct {
	// Index is the entry's position in the log, assigned on append.
	Index uint64

	// Sender is the author's actor identifier, bound into the AAD of
	// every payload on this entry.
	Sender string

	// KeyVersion is the keyring version used for all payloads on this
	// entry.
	KeyVersion uint32

	// Text is the encrypted message text.
	Text envelope.EncryptedPayload

	// Attachments holds the entry's attachment references, if any.
	Attachments []AttachmentRef `cbor:",omitempty"`

	// SentAt is the sender-claimed send time.
	SentAt time.Time
}

// Marshal serializes the Entry.
func (e *Entry) Marshal() ([]byte, error) {
	return cbor.Marshal(e)
}

// Unmarshal deserializes the Entry.
func (e *Entry) Unmarshal(b []byte) error {
	return cbor.Unmarshal(b, e)
}
