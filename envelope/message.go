// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Message is a cleartext channel message prior to encryption.
type Message struct {
	Text        string
	Attachments []File
}

// EncryptedMessage is the encrypted form of a Message.  All payloads share
// one key version and AAD context but every payload has its own nonce.
type EncryptedMessage struct {
	Text        EncryptedPayload
	Attachments []EncryptedAttachment
}

// DecryptedAttachment is the result of decrypting one attachment.  A
// per-attachment failure is recorded in Err rather than failing the whole
// message; the caller decides whether a partially readable message is
// usable.
type DecryptedAttachment struct {
	Metadata *AttachmentMetadata
	Data     []byte
	Err      error
}

// DecryptedMessage is the result of decrypting an EncryptedMessage.
type DecryptedMessage struct {
	Text        string
	Attachments []DecryptedAttachment
}

// EncryptMessage encrypts a message's text and all of its attachments.
// Attachments are encrypted concurrently; any failure aborts the whole
// encryption since a partially encrypted message must never be sent.
func (s *Scheme) EncryptMessage(ctx context.Context, msg Message, channelID, sender string, key *SymmetricKey) (*EncryptedMessage, error) {
	text, err := s.EncryptText(msg.Text, channelID, sender, key)
	if err != nil {
		return nil, err
	}

	out := &EncryptedMessage{
		Text:        text,
		Attachments: make([]EncryptedAttachment, len(msg.Attachments)),
	}

	eg, _ := errgroup.WithContext(ctx)
	for i, file := range msg.Attachments {
		eg.Go(func() error {
			enc, err := s.EncryptAttachment(file, channelID, sender, key)
			if err != nil {
				return err
			}
			out.Attachments[i] = enc
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// DecryptMessage decrypts a message's text and all of its attachments.
// Attachments are decrypted concurrently and each one is independently
// tamper-evident: a corrupted attachment surfaces in its Err field and does
// not prevent the text or the other attachments from decrypting.
func (s *Scheme) DecryptMessage(msg *EncryptedMessage, channelID, sender string, key *SymmetricKey) (*DecryptedMessage, error) {
	text, err := s.DecryptText(msg.Text, channelID, sender, key)
	if err != nil {
		return nil, err
	}

	out := &DecryptedMessage{
		Text:        text,
		Attachments: make([]DecryptedAttachment, len(msg.Attachments)),
	}

	var wg sync.WaitGroup
	for i, enc := range msg.Attachments {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out.Attachments[i] = s.decryptAttachment(enc, channelID, sender, key)
		}()
	}
	wg.Wait()
	return out, nil
}

func (s *Scheme) decryptAttachment(enc EncryptedAttachment, channelID, sender string, key *SymmetricKey) DecryptedAttachment {
	meta, err := s.DecryptAttachmentMetadata(enc.Metadata, channelID, sender, key)
	if err != nil {
		return DecryptedAttachment{Err: err}
	}
	data, err := s.DecryptAttachmentData(enc.Data, channelID, sender, key)
	if err != nil {
		return DecryptedAttachment{Metadata: meta, Err: err}
	}
	return DecryptedAttachment{Metadata: meta, Data: data}
}
