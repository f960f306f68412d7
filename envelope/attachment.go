// SPDX-FileCopyrightText: © 2025 The ledgerchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package envelope

import (
	"github.com/fxamacker/cbor/v2"
)

// metadataEncMode is the deterministic CBOR encoder for attachment
// metadata.  Canonical encoding keeps the metadata bytes reproducible
// across processes.
var metadataEncMode cbor.EncMode

func init() {
	var err error
	metadataEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// AttachmentMetadata describes an attachment file.  It is encrypted
// separately from the attachment data so a message listing can show file
// names and sizes without downloading the data blobs.
type AttachmentMetadata struct {
	FileName string `cbor:"file_name"`
	MimeType string `cbor:"mime_type"`
	FileSize uint64 `cbor:"file_size"`
}

// File is a cleartext attachment prior to encryption.
type File struct {
	Metadata AttachmentMetadata
	Data     []byte
}

// EncryptedAttachment holds the two independently encrypted payloads of one
// attachment.  Data and metadata each carry their own nonce; the nonces are
// never shared with each other or with the message text.
type EncryptedAttachment struct {
	Data     EncryptedPayload
	Metadata EncryptedPayload
}

// EncryptAttachment encrypts an attachment's data and metadata for the
// given channel and sender under key.  Both payloads use the same AAD
// construction as message text.
func (s *Scheme) EncryptAttachment(file File, channelID, sender string, key *SymmetricKey) (EncryptedAttachment, error) {
	data, err := s.seal(file.Data, channelID, sender, key)
	if err != nil {
		return EncryptedAttachment{}, err
	}

	metaBytes, err := metadataEncMode.Marshal(&file.Metadata)
	if err != nil {
		return EncryptedAttachment{}, err
	}
	meta, err := s.seal(metaBytes, channelID, sender, key)
	if err != nil {
		return EncryptedAttachment{}, err
	}

	return EncryptedAttachment{Data: data, Metadata: meta}, nil
}

// DecryptAttachmentMetadata decrypts and decodes an attachment's metadata
// payload.
func (s *Scheme) DecryptAttachmentMetadata(payload EncryptedPayload, channelID, sender string, key *SymmetricKey) (*AttachmentMetadata, error) {
	pt, err := s.open(payload, channelID, sender, key)
	if err != nil {
		return nil, err
	}
	meta := new(AttachmentMetadata)
	if err := cbor.Unmarshal(pt, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// DecryptAttachmentData decrypts an attachment's data payload.
func (s *Scheme) DecryptAttachmentData(payload EncryptedPayload, channelID, sender string, key *SymmetricKey) ([]byte, error) {
	return s.open(payload, channelID, sender, key)
}
