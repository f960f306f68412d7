// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func testFile(name string, fill byte, size int) File {
	data := make([]byte, size)
	for i := range data {
		data[i] = fill
	}
	return File{
		Metadata: AttachmentMetadata{
			FileName: name,
			MimeType: "application/octet-stream",
			FileSize: uint64(size),
		},
		Data: data,
	}
}

func TestAttachmentRoundTrip(t *testing.T) {
	s := NewScheme()
	key := testSymmetricKey(5)
	file := testFile("notes.txt", 0x42, 1024)

	enc, err := s.EncryptAttachment(file, "channel-1", "alice", key)
	require.NoError(t, err)

	// Data and metadata must never share a nonce.
	require.NotEqual(t, enc.Data.Nonce, enc.Metadata.Nonce)

	meta, err := s.DecryptAttachmentMetadata(enc.Metadata, "channel-1", "alice", key)
	require.NoError(t, err)
	require.Equal(t, file.Metadata, *meta)

	data, err := s.DecryptAttachmentData(enc.Data, "channel-1", "alice", key)
	require.NoError(t, err)
	require.Equal(t, file.Data, data)
}

func TestAttachmentMetadataCanonicalEncoding(t *testing.T) {
	meta := AttachmentMetadata{FileName: "a", MimeType: "text/plain", FileSize: 7}

	one, err := metadataEncMode.Marshal(&meta)
	require.NoError(t, err)
	two, err := metadataEncMode.Marshal(&meta)
	require.NoError(t, err)
	require.Equal(t, one, two)
}

func TestMessageRoundTrip(t *testing.T) {
	s := NewScheme()
	key := testSymmetricKey(1)

	msg := Message{
		Text: "release the pigeons",
		Attachments: []File{
			testFile("a.bin", 0x01, 512),
			testFile("b.bin", 0x02, 2048),
			testFile("c.bin", 0x03, 64),
		},
	}

	enc, err := s.EncryptMessage(context.Background(), msg, "channel-1", "alice", key)
	require.NoError(t, err)
	require.Len(t, enc.Attachments, 3)

	// All payload nonces across the message must be distinct.
	nonces := map[string]bool{string(enc.Text.Nonce): true}
	for _, a := range enc.Attachments {
		require.False(t, nonces[string(a.Data.Nonce)])
		nonces[string(a.Data.Nonce)] = true
		require.False(t, nonces[string(a.Metadata.Nonce)])
		nonces[string(a.Metadata.Nonce)] = true
	}

	dec, err := s.DecryptMessage(enc, "channel-1", "alice", key)
	require.NoError(t, err)
	require.Equal(t, msg.Text, dec.Text)
	require.Len(t, dec.Attachments, 3)
	for i, a := range dec.Attachments {
		require.NoError(t, a.Err)
		require.Equal(t, msg.Attachments[i].Metadata, *a.Metadata)
		require.Equal(t, msg.Attachments[i].Data, a.Data)
	}
}

func TestMessageCorruptedAttachmentIsIsolated(t *testing.T) {
	s := NewScheme()
	key := testSymmetricKey(1)

	msg := Message{
		Text: "text must survive",
		Attachments: []File{
			testFile("good.bin", 0x01, 128),
			testFile("bad.bin", 0x02, 128),
		},
	}

	enc, err := s.EncryptMessage(context.Background(), msg, "channel-1", "alice", key)
	require.NoError(t, err)

	// Corrupt the second attachment's data payload.
	enc.Attachments[1].Data.Ciphertext[0] ^= 0x01

	dec, err := s.DecryptMessage(enc, "channel-1", "alice", key)
	require.NoError(t, err)
	require.Equal(t, msg.Text, dec.Text)

	require.NoError(t, dec.Attachments[0].Err)
	require.Equal(t, msg.Attachments[0].Data, dec.Attachments[0].Data)

	// The corrupted attachment surfaces its own failure, with intact
	// metadata since only the data payload was mangled.
	require.ErrorIs(t, dec.Attachments[1].Err, ErrAuthenticationFailed)
	require.NotNil(t, dec.Attachments[1].Metadata)
	require.Nil(t, dec.Attachments[1].Data)
}

func TestMessageTextTamperFailsWholeMessage(t *testing.T) {
	s := NewScheme()
	key := testSymmetricKey(1)

	enc, err := s.EncryptMessage(context.Background(), Message{Text: "hi"}, "channel-1", "alice", key)
	require.NoError(t, err)

	enc.Text.Ciphertext[0] ^= 0x01
	_, err = s.DecryptMessage(enc, "channel-1", "alice", key)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}
