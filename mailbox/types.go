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

import "github.com/bfix/zaxmail/b64"

// FileUploadMetadata describes a file transfer announced to a guest;
// skey is delivered only inside the encrypted metadata message, never
// to the relay in cleartext.
type FileUploadMetadata struct {
	Name     string    `json:"name"`
	OrigSize int64     `json:"orig_size"`
	Created  int64     `json:"created,omitempty"`
	Modified int64     `json:"modified,omitempty"`
	MD5      string    `json:"md5,omitempty"`
	Attrs    string    `json:"attrs,omitempty"`
	SKey     b64.Bytes `json:"skey"`
}

// Message is the closed tagged union of everything Download can
// return: exactly one of TextMessage, FileMetadata, or Plain, modeled
// on the teacher's network/p2p.Message interface + concrete-struct
// pattern (one exported marker method per variant, unexported so no
// outside package can add a fourth case).
type Message interface {
	isMessage()
}

// TextMessage is a successfully decrypted text message, or one whose
// sender tag could not authenticate (the documented plaintext
// passthrough case -- see Mailbox.Download).
type TextMessage struct {
	Data      string
	SenderTag string
	Nonce     b64.Bytes
	Time      int64
}

func (TextMessage) isMessage() {}

// FileMetadata is a file-announcement message.
type FileMetadata struct {
	Data      FileUploadMetadata
	SenderTag string
	UploadID  string
	Nonce     b64.Bytes
	Time      int64
}

func (FileMetadata) isMessage() {}

// Plain is a message whose sender hpk is not in the keyring; its
// contents are returned opaquely, undecrypted.
type Plain struct {
	Data  string
	From  string
	Nonce b64.Bytes
	Time  int64
}

func (Plain) isMessage() {}

// rawRecord is the wire shape of one downloaded message before it has
// been classified into a Message variant.
type rawRecord struct {
	Kind  string    `json:"kind"`
	From  string    `json:"from"`
	Data  string    `json:"data"`
	Nonce b64.Bytes `json:"nonce"`
	Time  int64     `json:"time"`
}

// fileRecordData is rawRecord.Data, JSON-decoded, when Kind == "file".
type fileRecordData struct {
	Nonce    b64.Bytes `json:"nonce"`
	Ctext    b64.Bytes `json:"ctext"`
	UploadID string    `json:"uploadID"`
}

// encryptedMessage is the NaCl box/secretbox envelope shape used both
// on the wire and for the file-announcement's inner metadata payload.
type encryptedMessage struct {
	Nonce b64.Bytes `json:"nonce"`
	Ctext b64.Bytes `json:"ctext"`
}
