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

// Package relay implements the per-(mailbox,URL) session state machine
// that authenticates a client to an untrusted Zax relay: token
// exchange, a proof-of-work difficulty challenge, an ownership proof
// under the owner's long-term key, and the encrypted request/response
// framing every subsequent command rides on (spec §4.4).
package relay

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/bfix/zaxmail/b64"
	"github.com/bfix/zaxmail/config"
	zcrypto "github.com/bfix/zaxmail/crypto"
	zerr "github.com/bfix/zaxmail/errors"
	"github.com/bfix/zaxmail/logger"
	"github.com/bfix/zaxmail/transport"
)

var relayLog = logger.Component("relay")

// State is a position in the handshake state machine (spec §4.4.1).
type State int

const (
	StateFresh State = iota
	StateTokenAcquired
	StateKeyAcquired
	StateProved
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateTokenAcquired:
		return "token-acquired"
	case StateKeyAcquired:
		return "key-acquired"
	case StateProved:
		return "proved"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// recognizedCommands is the exact command set spec §4.4.4 names.
// getEntropy is deliberately absent: it is rejected, per spec §9.
var recognizedCommands = map[string]bool{
	"count":             true,
	"upload":            true,
	"download":          true,
	"messageStatus":     true,
	"delete":            true,
	"startFileUpload":   true,
	"uploadFileChunk":   true,
	"downloadFileChunk": true,
	"fileStatus":        true,
	"deleteFile":        true,
}

// singleLineCommands get a bare, unencrypted one-line response.
var singleLineCommands = map[string]bool{
	"upload":        true,
	"messageStatus": true,
	"delete":        true,
}

// Session is one relay URL's handshake/command state. Callers outside
// package mailbox should not need to touch it directly; it is exported
// so alternate façades can be built against the same protocol engine.
type Session struct {
	cfg   *config.Config
	http  transport.HTTP
	url   string
	nowFn func() time.Time

	state State

	clientToken []byte
	relayToken  []byte
	difficulty  int

	relayPubKey [zcrypto.PublicKeyLen]byte
	sessionKeys *zcrypto.Keys

	tokenDeadline   time.Time
	sessionDeadline time.Time
}

// New creates a fresh, unconnected session for url.
func New(cfg *config.Config, http transport.HTTP, url string) *Session {
	return &Session{cfg: cfg, http: http, url: url, nowFn: time.Now, state: StateFresh}
}

// Connected reports whether the session has completed step 3 and
// neither its token nor its session deadline has passed (spec §4.4.3:
// "if either deadline has passed, the session is invalidated").
func (s *Session) Connected() bool {
	if s.state != StateProved {
		return false
	}
	now := s.nowFn()
	return now.Before(s.tokenDeadline) && now.Before(s.sessionDeadline)
}

// invalidate discards all ephemerals and returns to Fresh.
func (s *Session) invalidate() {
	s.state = StateFresh
	s.clientToken = nil
	s.relayToken = nil
	s.difficulty = 0
	s.sessionKeys = nil
	s.tokenDeadline = time.Time{}
	s.sessionDeadline = time.Time{}
}

// EnsureConnected performs the three-leg handshake if the session is
// not currently in a usable Proved state.
func (s *Session) EnsureConnected(ctx context.Context, commPub, commPriv [zcrypto.PublicKeyLen]byte) error {
	if s.Connected() {
		return nil
	}
	s.invalidate()
	if err := s.startSession(ctx); err != nil {
		return err
	}
	if err := s.verifySession(ctx); err != nil {
		s.invalidate()
		return err
	}
	if err := s.prove(ctx, commPub, commPriv); err != nil {
		s.invalidate()
		return err
	}
	return nil
}

func (s *Session) post(ctx context.Context, path string, lines ...string) (string, error) {
	body := []byte(strings.Join(lines, "\r\n"))
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RelayAjaxTimeout)
	defer cancel()
	return s.http.Post(ctx, s.url+path, body)
}

func splitLines(body string) []string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.TrimRight(body, "\n")
	if body == "" {
		return nil
	}
	return strings.Split(body, "\n")
}

// startSession is handshake leg 1.
func (s *Session) startSession(ctx context.Context) error {
	token, err := zcrypto.RandomBytes(s.cfg.RelayTokenLen)
	if err != nil {
		return err
	}
	resp, err := s.post(ctx, "/start_session", b64.Encode(token))
	if err != nil {
		return err
	}
	lines := splitLines(resp)
	if len(lines) != 2 {
		return zerr.NewProtocol(s.url, "start_session", "expected 2 response lines")
	}
	relayToken, err := b64.Decode(lines[0])
	if err != nil {
		return zerr.NewProtocol(s.url, "start_session", "malformed relay token")
	}
	difficulty, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return zerr.NewProtocol(s.url, "start_session", "malformed difficulty")
	}

	s.clientToken = token
	s.relayToken = relayToken
	s.difficulty = difficulty
	s.tokenDeadline = s.cfg.GuardedTokenDeadline(s.nowFn())
	s.state = StateTokenAcquired
	relayLog.Printf(logger.DBG, "%s: start_session -> difficulty=%d", s.url, difficulty)
	return nil
}

// verifySession is handshake leg 2: the PoW-gated challenge response.
func (s *Session) verifySession(ctx context.Context) error {
	if s.state != StateTokenAcquired {
		return zerr.NewInvariant("relay: verify_session called out of order (state=%s)", s.state)
	}
	handshake := append(append([]byte{}, s.clientToken...), s.relayToken...)

	nonce, err := zcrypto.SearchNonce(ctx, handshake, s.difficulty)
	if err != nil {
		return err
	}

	h2ClientToken := zcrypto.H2(s.clientToken)
	resp, err := s.post(ctx, "/verify_session", b64.Encode(h2ClientToken[:]), b64.Encode(nonce[:]))
	if err != nil {
		return err
	}
	lines := splitLines(resp)
	if len(lines) != 1 {
		return zerr.NewProtocol(s.url, "verify_session", "expected 1 response line")
	}
	pubBytes, err := b64.Decode(lines[0])
	if err != nil || len(pubBytes) != zcrypto.PublicKeyLen {
		return zerr.NewProtocol(s.url, "verify_session", "malformed relay public key")
	}
	copy(s.relayPubKey[:], pubBytes)
	s.state = StateKeyAcquired
	relayLog.Printf(logger.DBG, "%s: verify_session complete", s.url)
	return nil
}

// prove is handshake leg 3: the owner's ownership proof.
func (s *Session) prove(ctx context.Context, commPub, commPriv [zcrypto.PublicKeyLen]byte) error {
	if s.state != StateKeyAcquired {
		return zerr.NewInvariant("relay: prove called out of order (state=%s)", s.state)
	}
	sessionKeys, err := zcrypto.Keypair()
	if err != nil {
		return err
	}

	sigInput := append(append([]byte{}, sessionKeys.Public[:]...), s.relayToken...)
	sigInput = append(sigInput, s.clientToken...)
	signature := zcrypto.H2(sigInput)

	payload := struct {
		PubKey b64.Bytes `json:"pub_key"`
		Nonce  b64.Bytes `json:"nonce"`
		Ctext  b64.Bytes `json:"ctext"`
	}{PubKey: b64.Bytes(commPub[:])}

	innerNonce, err := zcrypto.MakeNonce(nil, func() int64 { return s.nowFn().Unix() })
	if err != nil {
		return err
	}
	innerCtext := zcrypto.Box(signature[:], innerNonce, s.relayPubKey, commPriv)
	payload.Nonce = b64.Bytes(innerNonce[:])
	payload.Ctext = b64.Bytes(innerCtext)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	outerNonce, err := zcrypto.MakeNonce(nil, func() int64 { return s.nowFn().Unix() })
	if err != nil {
		return err
	}
	outerCtext := zcrypto.Box(payloadJSON, outerNonce, s.relayPubKey, sessionKeys.Private)

	h2ClientToken := zcrypto.H2(s.clientToken)
	resp, err := s.post(ctx, "/prove",
		b64.Encode(h2ClientToken[:]),
		b64.Encode(sessionKeys.Public[:]),
		b64.Encode(outerNonce[:]),
		b64.Encode(outerCtext),
	)
	if err != nil {
		return err
	}
	lines := splitLines(resp)
	if len(lines) != 1 {
		return zerr.NewProtocol(s.url, "prove", "expected 1 response line")
	}
	if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err != nil {
		return zerr.NewProtocol(s.url, "prove", "non-integer mailbox count")
	}

	s.sessionKeys = sessionKeys
	s.sessionDeadline = s.cfg.GuardedSessionDeadline(s.nowFn())
	s.state = StateProved
	relayLog.Printf(logger.DBG, "%s: prove complete, session established", s.url)
	return nil
}

// Reply is a parsed /command response, shaped per spec §4.4.4.
type Reply struct {
	// Raw holds the bare response for single-line commands (upload,
	// messageStatus, delete).
	Raw string
	// Decrypted holds the box-opened JSON payload for the common
	// 2-line commands.
	Decrypted []byte
	// ChunkEnvelope holds the box-opened {nonce, ctext} JSON for
	// downloadFileChunk's first two lines.
	ChunkEnvelope []byte
	// RawChunk holds downloadFileChunk's undecrypted third line,
	// base64-decoded.
	RawChunk []byte
}

// Command issues cmd against /command with the given JSON-serializable
// params, encrypted under the established session key. rawExtra, when
// non-nil, is appended as the request's optional fourth line
// (uploadFileChunk's symmetric chunk ciphertext).
func (s *Session) Command(ctx context.Context, hpk string, cmd string, params map[string]interface{}, rawExtra []byte) (*Reply, error) {
	if !recognizedCommands[cmd] {
		return nil, zerr.NewInvariant("relay: unrecognized command %q", cmd)
	}
	if s.state != StateProved {
		return nil, zerr.NewInvariant("relay: command issued before session is proved")
	}

	body := map[string]interface{}{"cmd": cmd}
	for k, v := range params {
		body[k] = v
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	nonce, err := zcrypto.MakeNonce(nil, func() int64 { return s.nowFn().Unix() })
	if err != nil {
		return nil, err
	}
	ctext := zcrypto.Box(payload, nonce, s.relayPubKey, s.sessionKeys.Private)

	lines := []string{hpk, b64.Encode(nonce[:]), b64.Encode(ctext)}
	if rawExtra != nil {
		lines = append(lines, b64.Encode(rawExtra))
	}

	resp, err := s.post(ctx, "/command", lines...)
	if err != nil {
		var netErr *zerr.NetworkError
		if stderrors.As(err, &netErr) && netErr.Status == 401 {
			s.invalidate()
		}
		return nil, err
	}
	respLines := splitLines(resp)

	switch {
	case singleLineCommands[cmd]:
		if len(respLines) != 1 {
			return nil, zerr.NewProtocol(s.url, cmd, "expected 1 response line")
		}
		return &Reply{Raw: respLines[0]}, nil

	case cmd == "downloadFileChunk":
		if len(respLines) != 3 {
			return nil, zerr.NewProtocol(s.url, cmd, "expected 3 response lines")
		}
		env, err := s.openReplyBox(respLines[0], respLines[1], cmd)
		if err != nil {
			return nil, err
		}
		raw, err := b64.Decode(respLines[2])
		if err != nil {
			return nil, zerr.NewProtocol(s.url, cmd, "malformed raw chunk encoding")
		}
		return &Reply{ChunkEnvelope: env, RawChunk: raw}, nil

	default:
		if len(respLines) != 2 {
			return nil, zerr.NewProtocol(s.url, cmd, "expected 2 response lines")
		}
		dec, err := s.openReplyBox(respLines[0], respLines[1], cmd)
		if err != nil {
			return nil, err
		}
		return &Reply{Decrypted: dec}, nil
	}
}

func (s *Session) openReplyBox(nonceB64, ctextB64, cmd string) ([]byte, error) {
	nonceBytes, err := b64.Decode(nonceB64)
	if err != nil || len(nonceBytes) != zcrypto.BoxNonceLen {
		return nil, zerr.NewProtocol(s.url, cmd, "malformed response nonce")
	}
	ctext, err := b64.Decode(ctextB64)
	if err != nil {
		return nil, zerr.NewProtocol(s.url, cmd, "malformed response ciphertext")
	}
	var nonce [zcrypto.BoxNonceLen]byte
	copy(nonce[:], nonceBytes)
	return zcrypto.BoxOpen(ctext, nonce, s.relayPubKey, s.sessionKeys.Private)
}
