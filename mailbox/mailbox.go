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

// Package mailbox is the user-facing API: it orchestrates relay
// session establishment, encodes/decodes command payloads, classifies
// downloaded messages into their typed variants, and drives the
// symmetric chunked file-transfer sub-protocol (spec §4.5).
package mailbox

import (
	"context"
	"sync"

	"github.com/bfix/zaxmail/config"
	zcrypto "github.com/bfix/zaxmail/crypto"
	zerr "github.com/bfix/zaxmail/errors"
	"github.com/bfix/zaxmail/keyring"
	"github.com/bfix/zaxmail/logger"
	"github.com/bfix/zaxmail/relay"
	"github.com/bfix/zaxmail/storage"
	"github.com/bfix/zaxmail/transport"
)

var mbLog = logger.Component("mailbox")

// Mailbox is one identity's owning handle: its keyring, its encrypted
// store, and a per-URL relay session map. A caller creates one
// Mailbox per identity and reuses it across every relay it talks to.
type Mailbox struct {
	cfg   *config.Config
	http  transport.HTTP
	store *storage.Store
	ring  *keyring.Keyring

	mu       sync.Mutex
	sessions map[string]*relay.Session
	locks    map[string]*sync.Mutex
}

func newMailbox(ctx context.Context, cfg *config.Config, http transport.HTTP, driver storage.Driver, identity string) (*Mailbox, *storage.Store, error) {
	st, err := storage.Open(ctx, cfg, driver, identity)
	if err != nil {
		return nil, nil, err
	}
	return &Mailbox{
		cfg:      cfg,
		http:     http,
		store:    st,
		sessions: make(map[string]*relay.Session),
		locks:    make(map[string]*sync.Mutex),
	}, st, nil
}

// New creates a fresh Mailbox for identity, generating a new comm
// keypair on first use.
func New(ctx context.Context, cfg *config.Config, http transport.HTTP, driver storage.Driver, identity string) (*Mailbox, error) {
	mb, st, err := newMailbox(ctx, cfg, http, driver, identity)
	if err != nil {
		return nil, err
	}
	ring, err := keyring.New(ctx, st)
	if err != nil {
		return nil, err
	}
	mb.ring = ring
	return mb, nil
}

// FromSeed creates a Mailbox whose comm keypair is deterministically
// derived from seed.
func FromSeed(ctx context.Context, cfg *config.Config, http transport.HTTP, driver storage.Driver, identity string, seed []byte) (*Mailbox, error) {
	mb, err := New(ctx, cfg, http, driver, identity)
	if err != nil {
		return nil, err
	}
	if err := mb.ring.SetCommFromSeed(ctx, seed); err != nil {
		return nil, err
	}
	return mb, nil
}

// FromSecKey creates a Mailbox whose comm keypair is derived from sk.
func FromSecKey(ctx context.Context, cfg *config.Config, http transport.HTTP, driver storage.Driver, identity string, sk [zcrypto.SecretKeyLen]byte) (*Mailbox, error) {
	mb, err := New(ctx, cfg, http, driver, identity)
	if err != nil {
		return nil, err
	}
	if err := mb.ring.SetCommFromSecKey(ctx, sk); err != nil {
		return nil, err
	}
	return mb, nil
}

// FromBackup recreates a Mailbox's keyring from a string produced by
// (*Mailbox).Backup.
func FromBackup(ctx context.Context, cfg *config.Config, http transport.HTTP, driver storage.Driver, identity string, backup string) (*Mailbox, error) {
	mb, st, err := newMailbox(ctx, cfg, http, driver, identity)
	if err != nil {
		return nil, err
	}
	ring, err := keyring.FromBackup(ctx, st, backup)
	if err != nil {
		return nil, err
	}
	mb.ring = ring
	return mb, nil
}

// Backup serializes the keyring as an armored backup string.
func (m *Mailbox) Backup() (string, error) {
	return m.ring.Backup()
}

// AddGuest registers a guest's public key under tag.
func (m *Mailbox) AddGuest(ctx context.Context, tag string, publicKey [zcrypto.PublicKeyLen]byte) error {
	return m.ring.AddGuest(ctx, tag, publicKey)
}

// RemoveGuest removes a guest registration.
func (m *Mailbox) RemoveGuest(ctx context.Context, tag string) error {
	return m.ring.RemoveGuest(ctx, tag)
}

// GetPubCommKey returns the owner's public communication key.
func (m *Mailbox) GetPubCommKey() [zcrypto.PublicKeyLen]byte { return m.ring.GetPubCommKey() }

// GetPrivateCommKey returns the owner's private communication key.
func (m *Mailbox) GetPrivateCommKey() [zcrypto.SecretKeyLen]byte { return m.ring.GetPrivateCommKey() }

// GetHpk returns the owner's relay-facing address.
func (m *Mailbox) GetHpk() string { return m.ring.GetHpk() }

// SelfDestruct removes every row this Mailbox's store ever wrote.
func (m *Mailbox) SelfDestruct(ctx context.Context) error {
	// the keyring's two rows, then the storage key itself
	for _, tag := range []string{"comm_key", "guest_registry"} {
		if err := m.store.Remove(ctx, tag); err != nil {
			return err
		}
	}
	return m.store.SelfDestruct(ctx)
}

// prepareRelay returns the (possibly newly-handshaken) session for
// url. A dedicated per-URL lock is held across the handshake check
// itself (spec §4.5.2/§5), so concurrent callers targeting the same
// URL cannot race two overlapping handshake attempts against one
// Session's ephemerals; callers targeting different URLs never
// contend on each other's locks.
func (m *Mailbox) prepareRelay(ctx context.Context, url string) (*relay.Session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[url]
	if !ok {
		sess = relay.New(m.cfg, m.http, url)
		m.sessions[url] = sess
	}
	lock, ok := m.locks[url]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[url] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	if err := sess.EnsureConnected(ctx, m.ring.GetPubCommKey(), m.ring.GetPrivateCommKey()); err != nil {
		return nil, err
	}
	return sess, nil
}

// resolveGuest looks up guestTag, failing with InvariantError before
// any network I/O if it is unknown (spec §4.5.3).
func (m *Mailbox) resolveGuest(guestTag string) ([zcrypto.PublicKeyLen]byte, error) {
	pk, ok := m.ring.GetGuestKey(guestTag)
	if !ok {
		return pk, zerr.NewInvariant("unknown guest %q", guestTag)
	}
	return pk, nil
}
