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

package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bfix/zaxmail/b64"
	"github.com/bfix/zaxmail/config"
	zcrypto "github.com/bfix/zaxmail/crypto"
	zerr "github.com/bfix/zaxmail/errors"
	"golang.org/x/text/secure/precis"
	"golang.org/x/text/width"
)

// nowFunc is the clock Save's nonce timestamps are read from; it is a
// package variable so it can be replaced, and defaults to time.Now.
var nowFunc = time.Now

// NormalizeID canonicalizes a caller-chosen identifier (a mailbox
// identity id, a guest tag) before it is used as a storage-key
// component, so visually identical strings that differ only in
// full-width encoding or case collapse to the same row. Adapted from
// sec51-cryptoengine's sanitizeIdentifier (URL-unescape, trim, lower,
// whitespace folding), upgraded to the PRECIS UsernameCaseMapped
// profile after a width.Fold pass.
func NormalizeID(s string) string {
	folded := width.Fold.String(s)
	norm, err := precis.UsernameCaseMapped.String(folded)
	if err != nil {
		// PRECIS rejects the input outright (disallowed code points);
		// fall back to the folded form rather than fail an otherwise
		// harmless local tag.
		return folded
	}
	return norm
}

// Store is a symmetric-encrypted envelope around a Driver: every
// value is secretbox-sealed under a single storage-wide key that is
// generated on first use and persisted alongside the data it protects
// (spec §4.2).
type Store struct {
	cfg    *config.Config
	driver Driver
	id     string
	key    [zcrypto.SecretKeyLen]byte
}

type storageKeyEnvelope struct {
	Key b64.Bytes `json:"key"`
}

// Open loads (or creates, on first use) the storage key for id and
// returns a Store backed by driver.
func Open(ctx context.Context, cfg *config.Config, driver Driver, id string) (*Store, error) {
	if driver == nil {
		return nil, zerr.NewInvariant("storage: nil driver")
	}
	id = NormalizeID(id)
	slot := cfg.Namespace(cfg.StorageKTag, id)

	raw, found, err := driver.Get(ctx, slot)
	if err != nil {
		return nil, err
	}

	s := &Store{cfg: cfg, driver: driver, id: id}
	if found {
		var env storageKeyEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, zerr.NewProtocol("", "", "corrupt storage key envelope")
		}
		copy(s.key[:], env.Key)
		return s, nil
	}

	keyBytes, err := zcrypto.RandomBytes(zcrypto.SecretKeyLen)
	if err != nil {
		return nil, err
	}
	copy(s.key[:], keyBytes)

	data, err := json.Marshal(storageKeyEnvelope{Key: b64.Bytes(keyBytes)})
	if err != nil {
		return nil, err
	}
	if err := driver.Set(ctx, slot, string(data)); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ctextSlot(tag string) string {
	return s.cfg.Namespace(tag, s.id)
}

func (s *Store) nonceSlot(tag string) string {
	return s.cfg.NonceTag + s.ctextSlot(tag)
}

// Save serializes value as JSON and stores it, secretbox-encrypted
// under a freshly generated nonce, as a (ciphertext, nonce) row pair.
func (s *Store) Save(ctx context.Context, tag string, value interface{}) error {
	plain, err := json.Marshal(value)
	if err != nil {
		return err
	}
	nonce, err := zcrypto.MakeNonce(nil, nowUnix)
	if err != nil {
		return err
	}
	ct := zcrypto.Secretbox(plain, nonce, s.key)

	if err := s.driver.Set(ctx, s.ctextSlot(tag), b64.Encode(ct)); err != nil {
		return err
	}
	return s.driver.Set(ctx, s.nonceSlot(tag), b64.Encode(nonce[:]))
}

// Get loads and decrypts the value stored under tag into dst (a
// pointer, as for json.Unmarshal). It returns (false, nil) if either
// the ciphertext or its nonce row is missing. An authentication
// failure during decryption is reported as a CryptoError, never a
// silent miss.
func (s *Store) Get(ctx context.Context, tag string, dst interface{}) (bool, error) {
	ctB64, ok, err := s.driver.Get(ctx, s.ctextSlot(tag))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	nonceB64, ok, err := s.driver.Get(ctx, s.nonceSlot(tag))
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	ct, err := b64.Decode(ctB64)
	if err != nil {
		return false, zerr.NewProtocol("", "", "corrupt ciphertext encoding")
	}
	nonceBytes, err := b64.Decode(nonceB64)
	if err != nil || len(nonceBytes) != zcrypto.BoxNonceLen {
		return false, zerr.NewProtocol("", "", "corrupt nonce encoding")
	}
	var nonce [zcrypto.BoxNonceLen]byte
	copy(nonce[:], nonceBytes)

	plain, err := zcrypto.SecretboxOpen(ct, nonce, s.key)
	if err != nil {
		return false, zerr.NewCrypto("store.get:"+tag, nil)
	}
	if err := json.Unmarshal(plain, dst); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes both rows (ciphertext and nonce) for tag.
func (s *Store) Remove(ctx context.Context, tag string) error {
	if err := s.driver.Remove(ctx, s.ctextSlot(tag)); err != nil {
		return err
	}
	return s.driver.Remove(ctx, s.nonceSlot(tag))
}

// SelfDestruct removes the storage-key slot, rendering every row this
// Store ever wrote irrecoverable.
func (s *Store) SelfDestruct(ctx context.Context) error {
	return s.driver.Remove(ctx, s.cfg.Namespace(s.cfg.StorageKTag, s.id))
}

func nowUnix() int64 {
	return nowFunc().Unix()
}
