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
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bfix/zaxmail/b64"
	zcrypto "github.com/bfix/zaxmail/crypto"
	zerr "github.com/bfix/zaxmail/errors"
)

var errFakeHTTP = stderrors.New("fake relay error")

// fakeRecord is one stored message in a fake mailbox, shaped like
// rawRecord on the wire.
type fakeRecord struct {
	Kind  string    `json:"kind"`
	From  string    `json:"from"`
	Data  string    `json:"data"`
	Nonce b64.Bytes `json:"nonce"`
	Time  int64     `json:"time"`

	token string // upload's storage token, empty for file-announcement records
}

type fakeFile struct {
	uploadID   string
	chunks     map[int][]byte
	chunkNonce map[int][zcrypto.BoxNonceLen]byte
	lastPart   int
	haveLast   bool
	deleted    bool
}

// fakeRelayServer is an in-process transport.HTTP double implementing
// enough of spec §4.4/§6's wire protocol -- handshake, command
// framing, and every recognized command's storage semantics -- to
// drive a real Mailbox through the end-to-end scenarios of spec §8.
// Grounded on relay.fakeRelay (relay/session_test.go), extended with
// the per-hpk mailbox store the mailbox façade's commands need.
type fakeRelayServer struct {
	mu sync.Mutex

	keys       *zcrypto.Keys
	difficulty int
	force401   bool
	handshakes int

	pending map[string]*fakePendingHS
	proved  map[string]*fakeProvedPeer // keyed by the proving identity's hpk

	mailboxes map[string][]*fakeRecord // keyed by recipient hpk
	tokens    map[string]*fakeRecord   // storage token -> record
	files     map[string]*fakeFile     // uploadID -> chunk store
	nextID    int
}

type fakePendingHS struct {
	clientToken []byte
	relayToken  []byte
}

type fakeProvedPeer struct {
	sessionPub [zcrypto.PublicKeyLen]byte
}

func newFakeRelayServer(difficulty int) *fakeRelayServer {
	keys, err := zcrypto.Keypair()
	if err != nil {
		panic(err)
	}
	return &fakeRelayServer{
		keys:       keys,
		difficulty: difficulty,
		pending:    make(map[string]*fakePendingHS),
		proved:     make(map[string]*fakeProvedPeer),
		mailboxes:  make(map[string][]*fakeRecord),
		tokens:     make(map[string]*fakeRecord),
		files:      make(map[string]*fakeFile),
	}
}

// Post implements transport.HTTP.
func (f *fakeRelayServer) Post(_ context.Context, url string, body []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := strings.LastIndex(url, "/")
	path := url[idx:]
	lines := strings.Split(string(body), "\r\n")

	switch path {
	case "/start_session":
		return f.startSession(url, lines)
	case "/verify_session":
		return f.verifySession(url, lines)
	case "/prove":
		return f.prove(url, lines)
	case "/command":
		return f.command(url, lines)
	}
	return "", zerr.NewNetwork(url, 404, errFakeHTTP)
}

func (f *fakeRelayServer) startSession(url string, lines []string) (string, error) {
	f.handshakes++
	clientToken, err := b64.Decode(lines[0])
	if err != nil {
		return "", zerr.NewNetwork(url, 400, errFakeHTTP)
	}
	relayToken, err := zcrypto.RandomBytes(32)
	if err != nil {
		return "", zerr.NewNetwork(url, 500, errFakeHTTP)
	}
	h2tok := zcrypto.H2(clientToken)
	f.pending[b64.Encode(h2tok[:])] = &fakePendingHS{clientToken: clientToken, relayToken: relayToken}
	return b64.Encode(relayToken) + "\r\n" + strconv.Itoa(f.difficulty), nil
}

func (f *fakeRelayServer) verifySession(url string, lines []string) (string, error) {
	if f.force401 {
		return "", zerr.NewNetwork(url, 401, errFakeHTTP)
	}
	pend, ok := f.pending[lines[0]]
	if !ok {
		return "", zerr.NewNetwork(url, 400, errFakeHTTP)
	}
	nonce, err := b64.Decode(lines[1])
	if err != nil {
		return "", zerr.NewNetwork(url, 400, errFakeHTTP)
	}
	if f.difficulty > 0 {
		handshake := append(append([]byte{}, pend.clientToken...), pend.relayToken...)
		digest := zcrypto.H2(append(handshake, nonce...))
		if !zcrypto.ZeroBits(digest[:], f.difficulty) {
			return "", zerr.NewNetwork(url, 403, errFakeHTTP)
		}
	}
	return b64.Encode(f.keys.Public[:]), nil
}

func (f *fakeRelayServer) prove(url string, lines []string) (string, error) {
	pend, ok := f.pending[lines[0]]
	if !ok {
		return "", zerr.NewNetwork(url, 400, errFakeHTTP)
	}
	sessionPubBytes, err := b64.Decode(lines[1])
	if err != nil || len(sessionPubBytes) != zcrypto.PublicKeyLen {
		return "", zerr.NewNetwork(url, 400, errFakeHTTP)
	}
	var sessionPub [zcrypto.PublicKeyLen]byte
	copy(sessionPub[:], sessionPubBytes)

	outerNonceBytes, _ := b64.Decode(lines[2])
	outerCtext, _ := b64.Decode(lines[3])
	var outerNonce [zcrypto.BoxNonceLen]byte
	copy(outerNonce[:], outerNonceBytes)

	payloadJSON, err := zcrypto.BoxOpen(outerCtext, outerNonce, sessionPub, f.keys.Private)
	if err != nil {
		return "", zerr.NewNetwork(url, 400, errFakeHTTP)
	}
	var payload struct {
		PubKey b64.Bytes `json:"pub_key"`
		Nonce  b64.Bytes `json:"nonce"`
		Ctext  b64.Bytes `json:"ctext"`
	}
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return "", zerr.NewNetwork(url, 400, errFakeHTTP)
	}
	var commPub [zcrypto.PublicKeyLen]byte
	copy(commPub[:], payload.PubKey)
	var innerNonce [zcrypto.BoxNonceLen]byte
	copy(innerNonce[:], payload.Nonce)

	signature, err := zcrypto.BoxOpen(payload.Ctext, innerNonce, commPub, f.keys.Private)
	if err != nil {
		return "", zerr.NewNetwork(url, 400, errFakeHTTP)
	}
	want := zcrypto.H2(append(append(append([]byte{}, sessionPub[:]...), pend.relayToken...), pend.clientToken...))
	if !stdBytesEqual(signature, want[:]) {
		return "", zerr.NewNetwork(url, 403, errFakeHTTP)
	}

	h := zcrypto.H2(commPub[:])
	hpk := b64.Encode(h[:])
	f.proved[hpk] = &fakeProvedPeer{sessionPub: sessionPub}
	delete(f.pending, lines[0])
	return strconv.Itoa(len(f.mailboxes[hpk])), nil
}

func (f *fakeRelayServer) command(url string, lines []string) (string, error) {
	if f.force401 {
		return "", zerr.NewNetwork(url, 401, errFakeHTTP)
	}
	hpk := lines[0]
	peer, ok := f.proved[hpk]
	if !ok {
		return "", zerr.NewNetwork(url, 401, errFakeHTTP)
	}
	nonceBytes, _ := b64.Decode(lines[1])
	ctext, _ := b64.Decode(lines[2])
	var nonce [zcrypto.BoxNonceLen]byte
	copy(nonce[:], nonceBytes)
	plain, err := zcrypto.BoxOpen(ctext, nonce, peer.sessionPub, f.keys.Private)
	if err != nil {
		return "", zerr.NewNetwork(url, 400, errFakeHTTP)
	}
	var req map[string]interface{}
	if err := json.Unmarshal(plain, &req); err != nil {
		return "", zerr.NewNetwork(url, 400, errFakeHTTP)
	}
	cmd, _ := req["cmd"].(string)

	switch cmd {
	case "upload":
		return f.handleUpload(hpk, req)
	case "count":
		return f.boxReply(peer, map[string]interface{}{"count": len(f.liveRecords(hpk))})
	case "download":
		return f.handleDownload(peer, hpk)
	case "messageStatus":
		return f.handleMessageStatus(req)
	case "delete":
		return f.handleDelete(hpk, req)
	case "startFileUpload":
		return f.handleStartFileUpload(hpk, req)
	case "uploadFileChunk":
		return f.handleUploadFileChunk(peer, req, lines)
	case "downloadFileChunk":
		return f.handleDownloadFileChunk(peer, req)
	case "fileStatus":
		return f.handleFileStatus(peer, req)
	case "deleteFile":
		return f.handleDeleteFile(peer, req)
	}
	return "", zerr.NewNetwork(url, 400, errFakeHTTP)
}

func (f *fakeRelayServer) liveRecords(hpk string) []*fakeRecord {
	return f.mailboxes[hpk]
}

func (f *fakeRelayServer) handleUpload(hpk string, req map[string]interface{}) (string, error) {
	to, _ := req["to"].(string)
	data, _ := req["data"].(string)
	nonceB64, _ := req["nonce"].(string)
	nonceBytes, _ := b64.Decode(nonceB64)

	rec := &fakeRecord{Kind: "message", From: hpk, Data: data, Nonce: b64.Bytes(nonceBytes), Time: f.nowUnix()}
	f.nextID++
	token := fmt.Sprintf("tok-%d", f.nextID)
	rec.token = token
	f.mailboxes[to] = append(f.mailboxes[to], rec)
	f.tokens[token] = rec

	// upload's reply is the bare storage token, unencrypted (spec §4.4.4).
	return token, nil
}

func (f *fakeRelayServer) handleDownload(peer *fakeProvedPeer, hpk string) (string, error) {
	recs := f.liveRecords(hpk)
	out := make([]*fakeRecord, len(recs))
	copy(out, recs)
	return f.boxReply(peer, out)
}

func (f *fakeRelayServer) handleMessageStatus(req map[string]interface{}) (string, error) {
	token, _ := req["token"].(string)
	rec, ok := f.tokens[token]
	if !ok || rec == nil {
		return strconv.Itoa(-2), nil
	}
	return strconv.Itoa(-1), nil
}

func (f *fakeRelayServer) handleDelete(hpk string, req map[string]interface{}) (string, error) {
	nonces, _ := req["nonces"].([]interface{})
	wanted := make(map[string]bool, len(nonces))
	for _, n := range nonces {
		if s, ok := n.(string); ok {
			wanted[s] = true
		}
	}
	remaining := f.mailboxes[hpk][:0]
	for _, rec := range f.mailboxes[hpk] {
		if wanted[b64.Encode(rec.Nonce)] {
			delete(f.tokens, rec.token)
			continue
		}
		remaining = append(remaining, rec)
	}
	f.mailboxes[hpk] = remaining
	return strconv.Itoa(len(remaining)), nil
}

func (f *fakeRelayServer) handleStartFileUpload(hpk string, req map[string]interface{}) (string, error) {
	to, _ := req["to"].(string)
	meta, _ := req["metadata"].(map[string]interface{})
	metaNonce, _ := meta["nonce"].(string)
	metaCtext, _ := meta["ctext"].(string)

	f.nextID++
	uploadID := fmt.Sprintf("upl-%d", f.nextID)
	f.files[uploadID] = &fakeFile{uploadID: uploadID, chunks: make(map[int][]byte), chunkNonce: make(map[int][zcrypto.BoxNonceLen]byte)}

	fileData, _ := json.Marshal(struct {
		Nonce    string `json:"nonce"`
		Ctext    string `json:"ctext"`
		UploadID string `json:"uploadID"`
	}{Nonce: metaNonce, Ctext: metaCtext, UploadID: uploadID})

	rec := &fakeRecord{Kind: "file", From: hpk, Data: string(fileData), Time: f.nowUnix()}
	f.mailboxes[to] = append(f.mailboxes[to], rec)

	peer := f.proved[hpk]
	return f.boxReply(peer, map[string]interface{}{
		"uploadID":      uploadID,
		"max_chunk_size": 256,
		"storage_token":  uploadID,
	})
}

func (f *fakeRelayServer) handleUploadFileChunk(peer *fakeProvedPeer, req map[string]interface{}, lines []string) (string, error) {
	uploadID, _ := req["uploadID"].(string)
	file, ok := f.files[uploadID]
	if !ok {
		return "", stderrors.New("unknown uploadID")
	}
	partF, _ := req["part"].(float64)
	part := int(partF)
	lastChunk, _ := req["last_chunk"].(bool)
	nonceB64, _ := req["nonce"].(string)
	nonceBytes, _ := b64.Decode(nonceB64)
	var nonce [zcrypto.BoxNonceLen]byte
	copy(nonce[:], nonceBytes)

	if len(lines) != 4 {
		return "", stderrors.New("uploadFileChunk missing raw chunk line")
	}
	raw, err := b64.Decode(lines[3])
	if err != nil {
		return "", err
	}
	file.chunks[part] = raw
	file.chunkNonce[part] = nonce
	if lastChunk {
		file.lastPart = part
		file.haveLast = true
	}
	return f.boxReply(peer, map[string]interface{}{"ok": true})
}

func (f *fakeRelayServer) handleDownloadFileChunk(peer *fakeProvedPeer, req map[string]interface{}) (string, error) {
	uploadID, _ := req["uploadID"].(string)
	partF, _ := req["part"].(float64)
	part := int(partF)
	file, ok := f.files[uploadID]
	if !ok {
		return "", stderrors.New("unknown uploadID")
	}
	raw, ok := file.chunks[part]
	if !ok {
		return "", stderrors.New("unknown part")
	}
	chunkNonce := file.chunkNonce[part]

	envData, _ := json.Marshal(encryptedMessage{Nonce: b64.Bytes(chunkNonce[:])})
	outerNonce, err := zcrypto.MakeNonce(nil, f.nowUnixFn())
	if err != nil {
		return "", err
	}
	outerCtext := zcrypto.Box(envData, outerNonce, peer.sessionPub, f.keys.Private)
	return b64.Encode(outerNonce[:]) + "\r\n" + b64.Encode(outerCtext) + "\r\n" + b64.Encode(raw), nil
}

func (f *fakeRelayServer) handleFileStatus(peer *fakeProvedPeer, req map[string]interface{}) (string, error) {
	uploadID, _ := req["uploadID"].(string)
	file, ok := f.files[uploadID]
	status := "PENDING"
	if ok && file.haveLast && len(file.chunks) == file.lastPart+1 {
		status = "COMPLETE"
	}
	return f.boxReply(peer, map[string]interface{}{"status": status})
}

func (f *fakeRelayServer) handleDeleteFile(peer *fakeProvedPeer, req map[string]interface{}) (string, error) {
	uploadID, _ := req["uploadID"].(string)
	if file, ok := f.files[uploadID]; ok {
		file.deleted = true
		delete(f.files, uploadID)
	}
	return f.boxReply(peer, map[string]interface{}{"status": "OK"})
}

func (f *fakeRelayServer) boxReply(peer *fakeProvedPeer, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	nonce, err := zcrypto.MakeNonce(nil, f.nowUnixFn())
	if err != nil {
		return "", err
	}
	ctext := zcrypto.Box(data, nonce, peer.sessionPub, f.keys.Private)
	return b64.Encode(nonce[:]) + "\r\n" + b64.Encode(ctext), nil
}

func (f *fakeRelayServer) nowUnix() int64 { return time.Now().Unix() }
func (f *fakeRelayServer) nowUnixFn() func() int64 {
	return func() int64 { return time.Now().Unix() }
}

func stdBytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
