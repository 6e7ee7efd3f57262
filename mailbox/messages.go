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
	"strconv"

	"github.com/bfix/zaxmail/b64"
	zcrypto "github.com/bfix/zaxmail/crypto"
	zerr "github.com/bfix/zaxmail/errors"
)

// Upload delivers message to guestTag's mailbox on url. If encrypt,
// the payload is box-sealed toward the guest; otherwise the raw string
// is sent, still addressed by the guest's hpk. Returns the relay's
// opaque storage token.
func (m *Mailbox) Upload(ctx context.Context, url, guestTag, message string, encrypt bool) (string, error) {
	guestPub, err := m.resolveGuest(guestTag)
	if err != nil {
		return "", err
	}
	sess, err := m.prepareRelay(ctx, url)
	if err != nil {
		return "", err
	}

	nonce, err := zcrypto.MakeNonce(nil, nowUnix)
	if err != nil {
		return "", err
	}

	// data is the opaque blob the relay echoes back verbatim in a
	// later download; its shape must match what classify() expects
	// for kind=="message". Encrypted deliveries carry the box
	// ciphertext as base64; unencrypted ones carry the raw string, so
	// that a downstream box_open attempt fails format-validation and
	// falls into the documented plaintext-passthrough path.
	var data string
	if encrypt {
		ctext := zcrypto.Box([]byte(message), nonce, guestPub, m.ring.GetPrivateCommKey())
		data = b64.Encode(ctext)
	} else {
		data = message
	}

	h := zcrypto.H2(guestPub[:])
	to := b64.Encode(h[:])

	reply, err := sess.Command(ctx, m.ring.GetHpk(), "upload", map[string]interface{}{
		"to":    to,
		"data":  data,
		"nonce": b64.Bytes(nonce[:]),
	}, nil)
	if err != nil {
		return "", err
	}
	return reply.Raw, nil
}

// Count returns the number of messages currently stored in this
// mailbox on url.
func (m *Mailbox) Count(ctx context.Context, url string) (int, error) {
	sess, err := m.prepareRelay(ctx, url)
	if err != nil {
		return 0, err
	}
	reply, err := sess.Command(ctx, m.ring.GetHpk(), "count", nil, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(reply.Decrypted, &out); err != nil {
		return 0, zerr.NewProtocol(url, "count", "malformed count payload")
	}
	return out.Count, nil
}

// MessageStatus returns the relay's TTL reading for token: -2 missing,
// -1 never expiring, >=0 seconds remaining. The value is surfaced
// verbatim, never rewritten.
func (m *Mailbox) MessageStatus(ctx context.Context, url, token string) (int, error) {
	sess, err := m.prepareRelay(ctx, url)
	if err != nil {
		return 0, err
	}
	reply, err := sess.Command(ctx, m.ring.GetHpk(), "messageStatus", map[string]interface{}{
		"token": token,
	}, nil)
	if err != nil {
		return 0, err
	}
	return parseInt(reply.Raw, url, "messageStatus")
}

// Delete removes the messages identified by nonces and returns the
// remaining count.
func (m *Mailbox) Delete(ctx context.Context, url string, nonces []string) (int, error) {
	sess, err := m.prepareRelay(ctx, url)
	if err != nil {
		return 0, err
	}
	reply, err := sess.Command(ctx, m.ring.GetHpk(), "delete", map[string]interface{}{
		"nonces": nonces,
	}, nil)
	if err != nil {
		return 0, err
	}
	return parseInt(reply.Raw, url, "delete")
}

// Download fetches and classifies every message currently stored in
// this mailbox on url (spec §4.5.4).
func (m *Mailbox) Download(ctx context.Context, url string) ([]Message, error) {
	sess, err := m.prepareRelay(ctx, url)
	if err != nil {
		return nil, err
	}
	reply, err := sess.Command(ctx, m.ring.GetHpk(), "download", nil, nil)
	if err != nil {
		return nil, err
	}
	var records []rawRecord
	if err := json.Unmarshal(reply.Decrypted, &records); err != nil {
		return nil, zerr.NewProtocol(url, "download", "malformed download payload")
	}

	out := make([]Message, 0, len(records))
	for _, rec := range records {
		msg, err := m.classify(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (m *Mailbox) classify(rec rawRecord) (Message, error) {
	senderTag, hasTag := m.ring.GetTagByHpk(rec.From)
	if !hasTag {
		return Plain{Data: rec.Data, From: rec.From, Nonce: rec.Nonce, Time: rec.Time}, nil
	}

	senderPub, ok := m.ring.GetGuestKey(senderTag)
	if !ok {
		return Plain{Data: rec.Data, From: rec.From, Nonce: rec.Nonce, Time: rec.Time}, nil
	}

	switch rec.Kind {
	case "message":
		// rec.Data is base64(ctext) for an encrypted delivery, or the
		// raw plaintext string for an unencrypted one. Either a
		// decoding failure or a box_open authentication failure lands
		// in the same passthrough bucket (spec §4.5.4/§9): both mean
		// "this was never a ciphertext addressed to us".
		var nonce [zcrypto.BoxNonceLen]byte
		copy(nonce[:], rec.Nonce)
		var plain []byte
		if ctext, derr := b64.Decode(rec.Data); derr == nil {
			if p, berr := zcrypto.BoxOpen(ctext, nonce, senderPub, m.ring.GetPrivateCommKey()); berr == nil {
				plain = p
			}
		}
		if plain == nil {
			return TextMessage{Data: rec.Data, SenderTag: senderTag, Nonce: rec.Nonce, Time: rec.Time}, nil
		}
		return TextMessage{Data: string(plain), SenderTag: senderTag, Nonce: rec.Nonce, Time: rec.Time}, nil

	case "file":
		var fr fileRecordData
		if err := json.Unmarshal([]byte(rec.Data), &fr); err != nil {
			return nil, zerr.NewProtocol("", "download", "malformed file record")
		}
		var nonce [zcrypto.BoxNonceLen]byte
		copy(nonce[:], fr.Nonce)
		plain, err := zcrypto.BoxOpen(fr.Ctext, nonce, senderPub, m.ring.GetPrivateCommKey())
		if err != nil {
			return nil, zerr.NewCrypto("download:file-metadata", nil)
		}
		var meta FileUploadMetadata
		if err := json.Unmarshal(plain, &meta); err != nil {
			return nil, zerr.NewProtocol("", "download", "malformed file metadata")
		}
		return FileMetadata{Data: meta, SenderTag: senderTag, UploadID: fr.UploadID, Nonce: rec.Nonce, Time: rec.Time}, nil

	default:
		return nil, zerr.NewProtocol("", "download", "unrecognized record kind: "+rec.Kind)
	}
}

func parseInt(raw, url, cmd string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, zerr.NewProtocol(url, cmd, "non-integer response")
	}
	return n, nil
}
