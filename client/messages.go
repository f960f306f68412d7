// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/ledgerchat/ledgerchat/envelope"
	"github.com/ledgerchat/ledgerchat/keyring"
	"github.com/ledgerchat/ledgerchat/msglog"
)

// isEntryLocal reports whether a key resolution failure is scoped to a
// single entry.  A keyring that has not yet caught up with the version an
// old entry was encrypted under affects only that entry; everything else,
// oracle unavailability and authorization failures included, affects the
// whole page.
func isEntryLocal(err error) bool {
	return errors.Is(err, keyring.ErrKeyVersionNotFound) || errors.Is(err, keyring.ErrNoKeyAttached)
}

// Attachment is a decrypted attachment listing entry.  The metadata is
// decrypted during the listing so file names and sizes can be shown; the
// data blob is only fetched and decrypted when Open is called.  A failed
// metadata decrypt leaves Metadata nil and records the failure in Err.
type Attachment struct {
	Metadata *envelope.AttachmentMetadata
	Err      error

	open func(ctx context.Context) ([]byte, error)
}

// Open downloads the attachment's encrypted data blob from the object
// store and decrypts it.  Each call performs the full fetch and decrypt,
// so a failed download can simply be retried.
func (a *Attachment) Open(ctx context.Context) ([]byte, error) {
	return a.open(ctx)
}

// Message is one decrypted message as returned by Messages.  A message
// whose text failed to decrypt, for example because the local keyring is
// missing the version it was encrypted under, carries the failure in Err
// with the other fields still populated from the log entry.
type Message struct {
	Index      uint64
	Sender     string
	KeyVersion uint32
	SentAt     time.Time

	Text        string
	Attachments []*Attachment

	Err error
}

// MessagePage is one page of decrypted messages.  Messages are in
// ascending index order; Cursor and HasNextPage follow the pagination
// contract of msglog.
type MessagePage struct {
	Messages    []*Message
	Cursor      *uint64
	HasNextPage bool
}

// Messages fetches one page of the channel's message log as actorID and
// decrypts it.
//
// Channel keys are resolved through the oracle at most once per key
// version per call and zeroized before returning.  A per-entry decryption
// failure is recorded on that message; an authorization failure fails the
// whole call since every remaining entry would fail the same way.
func (c *Client) Messages(ctx context.Context, channelID, actorID string, req msglog.PageRequest) (*MessagePage, error) {
	page, err := c.paginator.FetchPage(ctx, channelID, req)
	if err != nil {
		return nil, err
	}

	ch := c.Channel(channelID)
	keys := make(map[uint32]*envelope.SymmetricKey)
	defer func() {
		for _, k := range keys {
			k.Reset()
		}
	}()
	keyFor := func(version uint32) (*envelope.SymmetricKey, error) {
		if k, ok := keys[version]; ok {
			return k, nil
		}
		k, err := c.unwrapKey(ctx, actorID, ch, version)
		if err != nil {
			return nil, err
		}
		keys[version] = k
		return k, nil
	}

	out := &MessagePage{
		Messages:    make([]*Message, 0, len(page.Entries)),
		Cursor:      page.Cursor,
		HasNextPage: page.HasNextPage,
	}
	for _, entry := range page.Entries {
		m, err := c.decryptEntry(ctx, channelID, actorID, entry, keyFor)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, m)
	}
	return out, nil
}

// decryptEntry turns one log entry into a Message.  Key resolution errors
// split two ways: authorization and oracle failures propagate and abort
// the page, while a locally missing key version or a failed AEAD tag is a
// property of this one entry and lands in Message.Err.
func (c *Client) decryptEntry(ctx context.Context, channelID, actorID string, entry *msglog.Entry, keyFor func(uint32) (*envelope.SymmetricKey, error)) (*Message, error) {
	m := &Message{
		Index:      entry.Index,
		Sender:     entry.Sender,
		KeyVersion: entry.KeyVersion,
		SentAt:     entry.SentAt,
	}

	key, err := keyFor(entry.KeyVersion)
	if isEntryLocal(err) {
		decryptFailures.Inc()
		c.log.Warningf("channel %s: entry %d undecryptable: %v", channelID, entry.Index, err)
		m.Err = err
		return m, nil
	}
	if err != nil {
		return nil, err
	}

	m.Text, err = c.scheme.DecryptText(entry.Text, channelID, entry.Sender, key)
	if err != nil {
		decryptFailures.Inc()
		c.log.Warningf("channel %s: entry %d text authentication failed", channelID, entry.Index)
		m.Err = err
		return m, nil
	}

	for _, ref := range entry.Attachments {
		meta, err := c.scheme.DecryptAttachmentMetadata(ref.Metadata, channelID, entry.Sender, key)
		if err != nil {
			decryptFailures.Inc()
			c.log.Warningf("channel %s: entry %d attachment metadata authentication failed", channelID, entry.Index)
			m.Attachments = append(m.Attachments, &Attachment{
				Err:  err,
				open: func(ctx context.Context) ([]byte, error) { return nil, err },
			})
			continue
		}
		m.Attachments = append(m.Attachments, &Attachment{
			Metadata: meta,
			open:     c.attachmentOpener(channelID, actorID, entry.Sender, entry.KeyVersion, ref.DataKey),
		})
	}
	return m, nil
}

// attachmentOpener builds the deferred fetch-and-decrypt closure for one
// attachment.  An Open call is its own logical operation: it resolves the
// channel key through the oracle again and zeroizes it before returning,
// so an attachment opened long after the listing still passes a capability
// check.
func (c *Client) attachmentOpener(channelID, actorID, sender string, version uint32, dataKey msglog.StorageKey) func(ctx context.Context) ([]byte, error) {
	return func(ctx context.Context) ([]byte, error) {
		blob, err := c.cfg.Ledger.Get(ctx, dataKey)
		if err != nil {
			return nil, fmt.Errorf("client: attachment download failed: %w", err)
		}
		var payload envelope.EncryptedPayload
		if err := cbor.Unmarshal(blob, &payload); err != nil {
			return nil, fmt.Errorf("client: attachment blob is malformed: %v", err)
		}

		key, err := c.unwrapKey(ctx, actorID, c.Channel(channelID), version)
		if err != nil {
			return nil, err
		}
		defer key.Reset()

		data, err := c.scheme.DecryptAttachmentData(payload, channelID, sender, key)
		if err != nil {
			decryptFailures.Inc()
			return nil, err
		}
		return data, nil
	}
}
