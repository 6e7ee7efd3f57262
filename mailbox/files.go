//----------------------------------------------------------------------
// This file is part of zaxmail.
// Copyright (C) 2011-2024 Bernd Fix  >Y<
//
// zaxmail is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// zaxmail is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package mailbox

import (
	"context"
	"encoding/json"

	"github.com/bfix/zaxmail/b64"
	zcrypto "github.com/bfix/zaxmail/crypto"
	zerr "github.com/bfix/zaxmail/errors"
)

// StartFileUploadResult is what StartFileUpload returns to the caller.
type StartFileUploadResult struct {
	UploadID     string
	MaxChunkSize int
	StorageToken string
	SKey         [zcrypto.SecretKeyLen]byte
}

// StartFileUpload announces a file transfer to guestTag: it generates
// the transfer's symmetric chunk key, embeds it in metadata, and
// delivers the whole metadata object box-sealed toward the guest
// (spec §4.5.5).
func (m *Mailbox) StartFileUpload(ctx context.Context, url, guestTag string, metadata FileUploadMetadata) (*StartFileUploadResult, error) {
	guestPub, err := m.resolveGuest(guestTag)
	if err != nil {
		return nil, err
	}
	sess, err := m.prepareRelay(ctx, url)
	if err != nil {
		return nil, err
	}

	skeyBytes, err := zcrypto.RandomBytes(zcrypto.SecretKeyLen)
	if err != nil {
		return nil, err
	}
	var skey [zcrypto.SecretKeyLen]byte
	copy(skey[:], skeyBytes)
	metadata.SKey = b64.Bytes(skeyBytes)

	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, err
	}
	nonce, err := zcrypto.MakeNonce(nil, nowUnix)
	if err != nil {
		return nil, err
	}
	ctext := zcrypto.Box(metaJSON, nonce, guestPub, m.ring.GetPrivateCommKey())

	h := zcrypto.H2(guestPub[:])
	to := b64.Encode(h[:])

	reply, err := sess.Command(ctx, m.ring.GetHpk(), "startFileUpload", map[string]interface{}{
		"to":        to,
		"file_size": metadata.OrigSize,
		"metadata":  encryptedMessage{Nonce: b64.Bytes(nonce[:]), Ctext: b64.Bytes(ctext)},
	}, nil)
	if err != nil {
		return nil, err
	}

	var out struct {
		UploadID     string `json:"uploadID"`
		MaxChunkSize int    `json:"max_chunk_size"`
		StorageToken string `json:"storage_token"`
	}
	if err := json.Unmarshal(reply.Decrypted, &out); err != nil {
		return nil, zerr.NewProtocol(url, "startFileUpload", "malformed response payload")
	}
	return &StartFileUploadResult{
		UploadID:     out.UploadID,
		MaxChunkSize: out.MaxChunkSize,
		StorageToken: out.StorageToken,
		SKey:         skey,
	}, nil
}

// UploadFileChunk symmetric-encrypts chunk under skey with a fresh
// timestamped nonce and uploads it as part (0-indexed) of totalParts.
func (m *Mailbox) UploadFileChunk(ctx context.Context, url, uploadID string, chunk []byte, part, totalParts int, skey [zcrypto.SecretKeyLen]byte) error {
	if part < 0 || part >= totalParts {
		return zerr.NewProtocol(url, "uploadFileChunk", "part index out of range")
	}
	sess, err := m.prepareRelay(ctx, url)
	if err != nil {
		return err
	}

	nonce, err := zcrypto.MakeNonce(nil, nowUnix)
	if err != nil {
		return err
	}
	chunkCtext := zcrypto.Secretbox(chunk, nonce, skey)

	_, err = sess.Command(ctx, m.ring.GetHpk(), "uploadFileChunk", map[string]interface{}{
		"uploadID":   uploadID,
		"part":       part,
		"last_chunk": part == totalParts-1,
		"nonce":      b64.Bytes(nonce[:]),
	}, chunkCtext)
	return err
}

// DownloadFileChunk retrieves and decrypts chunk part of uploadID.
func (m *Mailbox) DownloadFileChunk(ctx context.Context, url, uploadID string, part int, skey [zcrypto.SecretKeyLen]byte) ([]byte, error) {
	sess, err := m.prepareRelay(ctx, url)
	if err != nil {
		return nil, err
	}
	reply, err := sess.Command(ctx, m.ring.GetHpk(), "downloadFileChunk", map[string]interface{}{
		"uploadID": uploadID,
		"part":     part,
	}, nil)
	if err != nil {
		return nil, err
	}

	var env encryptedMessage
	if err := json.Unmarshal(reply.ChunkEnvelope, &env); err != nil {
		return nil, zerr.NewProtocol(url, "downloadFileChunk", "malformed chunk envelope")
	}
	var chunkNonce [zcrypto.BoxNonceLen]byte
	copy(chunkNonce[:], env.Nonce)

	return zcrypto.SecretboxOpen(reply.RawChunk, chunkNonce, skey)
}

// FileStatus returns the relay's status string for uploadID (e.g.
// "PENDING", "COMPLETE").
func (m *Mailbox) FileStatus(ctx context.Context, url, uploadID string) (string, error) {
	sess, err := m.prepareRelay(ctx, url)
	if err != nil {
		return "", err
	}
	reply, err := sess.Command(ctx, m.ring.GetHpk(), "fileStatus", map[string]interface{}{
		"uploadID": uploadID,
	}, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(reply.Decrypted, &out); err != nil {
		return "", zerr.NewProtocol(url, "fileStatus", "malformed status payload")
	}
	return out.Status, nil
}

// DeleteFile removes uploadID's stored chunks from the relay and
// returns its status string (e.g. "OK").
func (m *Mailbox) DeleteFile(ctx context.Context, url, uploadID string) (string, error) {
	sess, err := m.prepareRelay(ctx, url)
	if err != nil {
		return "", err
	}
	reply, err := sess.Command(ctx, m.ring.GetHpk(), "deleteFile", map[string]interface{}{
		"uploadID": uploadID,
	}, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(reply.Decrypted, &out); err != nil {
		return "", zerr.NewProtocol(url, "deleteFile", "malformed status payload")
	}
	return out.Status, nil
}

// GetFileMetadata downloads every message in this mailbox on url and
// returns the FileUploadMetadata whose announcement matches uploadID.
func (m *Mailbox) GetFileMetadata(ctx context.Context, url, uploadID string) (*FileUploadMetadata, error) {
	messages, err := m.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		if fm, ok := msg.(FileMetadata); ok && fm.UploadID == uploadID {
			data := fm.Data
			return &data, nil
		}
	}
	return nil, zerr.NewInvariant("no file metadata found for uploadID %q", uploadID)
}
