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

// Package keyring holds one identity's long-term communication
// keypair plus its guest registry -- the mapping from an owner-chosen
// tag to a guest's public key and derived relay address (spec §4.3).
package keyring

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/bfix/zaxmail/b64"
	zcrypto "github.com/bfix/zaxmail/crypto"
	zerr "github.com/bfix/zaxmail/errors"
	"github.com/bfix/zaxmail/storage"
)

// armorBlockType names the ASCII-armor block a backup is wrapped in.
// Grounded on the teacher's crypto/openpgp.go use of
// golang.org/x/crypto/openpgp/armor to wrap binary payloads as
// copy-pasteable text; here we wrap a JSON payload rather than an
// OpenPGP packet stream.
const armorBlockType = "ZAXMAIL KEYRING BACKUP"

const commKeyTag = "__::commKey::__"

// GuestRecord is a guest's public key and its derived relay address.
type GuestRecord struct {
	PK  b64.Bytes `json:"pk"`
	HPK b64.Bytes `json:"hpk"`
}

// Keyring owns one identity's communication keypair and its guest
// registry. A single writer lock guards mutation; readers may proceed
// in parallel (spec §5 "Shared resources").
type Keyring struct {
	mu     sync.RWMutex
	store  *storage.Store
	keys   *zcrypto.Keys
	guests map[string]GuestRecord
}

// normTag canonicalizes a guest tag the same way storage.NormalizeID
// canonicalizes storage ids, so two visually-identical tags collapse
// into the same registry entry.
func normTag(tag string) string {
	return storage.NormalizeID(tag)
}

func hpkOf(pub [zcrypto.PublicKeyLen]byte) [32]byte {
	return zcrypto.H2(pub[:])
}

// New opens (or creates) the keyring for id: the comm key is loaded
// from the store if present, otherwise a fresh pair is generated and
// persisted. A persisted guest registry is loaded if present; none is
// written until the first guest is added or removed.
func New(ctx context.Context, st *storage.Store) (*Keyring, error) {
	kr := &Keyring{store: st, guests: make(map[string]GuestRecord)}

	var commEnv struct {
		SK b64.Bytes `json:"sk"`
	}
	found, err := st.Get(ctx, "comm_key", &commEnv)
	if err != nil {
		return nil, err
	}
	if found {
		var sk [zcrypto.SecretKeyLen]byte
		copy(sk[:], commEnv.SK)
		keys, err := zcrypto.KeypairFromSecretKey(sk)
		if err != nil {
			return nil, err
		}
		kr.keys = keys
	} else {
		keys, err := zcrypto.Keypair()
		if err != nil {
			return nil, err
		}
		kr.keys = keys
		if err := kr.persistCommKey(ctx); err != nil {
			return nil, err
		}
	}

	var reg []struct {
		Tag    string      `json:"tag"`
		Record GuestRecord `json:"record"`
	}
	if found, err := st.Get(ctx, "guest_registry", &reg); err != nil {
		return nil, err
	} else if found {
		for _, e := range reg {
			kr.guests[e.Tag] = e.Record
		}
	}
	return kr, nil
}

func (k *Keyring) persistCommKey(ctx context.Context) error {
	return k.store.Save(ctx, "comm_key", struct {
		SK b64.Bytes `json:"sk"`
	}{SK: b64.Bytes(k.keys.Private[:])})
}

func (k *Keyring) persistGuestsLocked(ctx context.Context) error {
	type entry struct {
		Tag    string      `json:"tag"`
		Record GuestRecord `json:"record"`
	}
	list := make([]entry, 0, len(k.guests))
	for tag, rec := range k.guests {
		list = append(list, entry{Tag: tag, Record: rec})
	}
	return k.store.Save(ctx, "guest_registry", list)
}

// AddGuest computes hpk = h2(publicKey), stores {pk, hpk} under tag,
// and persists the registry. Overwriting an existing tag is allowed
// and atomic (the whole registry is rewritten under the write lock).
func (k *Keyring) AddGuest(ctx context.Context, tag string, publicKey [zcrypto.PublicKeyLen]byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	hpk := hpkOf(publicKey)
	k.guests[normTag(tag)] = GuestRecord{PK: b64.Bytes(publicKey[:]), HPK: b64.Bytes(hpk[:])}
	return k.persistGuestsLocked(ctx)
}

// RemoveGuest deletes tag from the registry and persists the change.
func (k *Keyring) RemoveGuest(ctx context.Context, tag string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.guests, normTag(tag))
	return k.persistGuestsLocked(ctx)
}

// GetPubCommKey returns the owner's public communication key.
func (k *Keyring) GetPubCommKey() [zcrypto.PublicKeyLen]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys.Public
}

// GetPrivateCommKey returns the owner's private communication key.
func (k *Keyring) GetPrivateCommKey() [zcrypto.SecretKeyLen]byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.keys.Private
}

// GetHpk returns base64(h2(publicCommKey)), the owner's relay address.
func (k *Keyring) GetHpk() string {
	pub := k.GetPubCommKey()
	h := hpkOf(pub)
	return b64.Encode(h[:])
}

// GetGuestKey resolves tag to its registered public key.
func (k *Keyring) GetGuestKey(tag string) (pub [zcrypto.PublicKeyLen]byte, ok bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	rec, found := k.guests[normTag(tag)]
	if !found {
		return pub, false
	}
	copy(pub[:], rec.PK)
	return pub, true
}

// GetTagByHpk resolves a base64 relay address back to the guest tag
// that registered it (linear scan; tag count is expected in the
// hundreds, per spec §4.3).
func (k *Keyring) GetTagByHpk(hpk string) (tag string, ok bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for t, rec := range k.guests {
		if b64.Encode(rec.HPK) == hpk {
			return t, true
		}
	}
	return "", false
}

// SetCommFromSeed replaces the comm key with the one deterministically
// derived from seed and persists it.
func (k *Keyring) SetCommFromSeed(ctx context.Context, seed []byte) error {
	keys, err := zcrypto.KeypairFromSeed(seed)
	if err != nil {
		return err
	}
	return k.setCommKey(ctx, keys)
}

// SetCommFromSecKey replaces the comm key with the pair derived from
// sk and persists it.
func (k *Keyring) SetCommFromSecKey(ctx context.Context, sk [zcrypto.SecretKeyLen]byte) error {
	keys, err := zcrypto.KeypairFromSecretKey(sk)
	if err != nil {
		return err
	}
	return k.setCommKey(ctx, keys)
}

func (k *Keyring) setCommKey(ctx context.Context, keys *zcrypto.Keys) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys = keys
	return k.persistCommKey(ctx)
}

// Backup serializes the comm secret key and every guest's public key
// as a JSON object keyed by tag (the reserved commKeyTag holding the
// secret), then wraps it in an ASCII-armor text envelope so the
// result is safely copy-pasteable.
func (k *Keyring) Backup() (string, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	payload := make(map[string]string, len(k.guests)+1)
	payload[commKeyTag] = b64.Encode(k.keys.Private[:])
	for tag, rec := range k.guests {
		payload[tag] = b64.Encode(rec.PK)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, armorBlockType, nil)
	if err != nil {
		return "", zerr.NewCrypto("keyring-backup-armor", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", zerr.NewCrypto("keyring-backup-armor", err)
	}
	if err := w.Close(); err != nil {
		return "", zerr.NewCrypto("keyring-backup-armor", err)
	}
	return buf.String(), nil
}

// FromBackup recreates a keyring for id from a string produced by
// Backup: it sets the comm key from the embedded secret, then adds
// every remaining entry as a guest. Any entry whose key equals the
// reserved comm-key tag is not treated as a guest.
func FromBackup(ctx context.Context, st *storage.Store, backup string) (*Keyring, error) {
	block, err := armor.Decode(bytes.NewBufferString(backup))
	if err != nil {
		return nil, zerr.NewCrypto("keyring-backup-armor", err)
	}
	if block.Type != armorBlockType {
		return nil, zerr.NewProtocol("", "", "unexpected armor block type: "+block.Type)
	}
	raw, err := io.ReadAll(block.Body)
	if err != nil {
		return nil, zerr.NewCrypto("keyring-backup-armor", err)
	}

	var payload map[string]string
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, zerr.NewProtocol("", "", "corrupt keyring backup payload")
	}

	skB64, ok := payload[commKeyTag]
	if !ok {
		return nil, zerr.NewInvariant("keyring backup missing comm key")
	}
	skBytes, err := b64.Decode(skB64)
	if err != nil || len(skBytes) != zcrypto.SecretKeyLen {
		return nil, zerr.NewProtocol("", "", "corrupt comm key in backup")
	}
	var sk [zcrypto.SecretKeyLen]byte
	copy(sk[:], skBytes)

	kr, err := New(ctx, st)
	if err != nil {
		return nil, err
	}
	if err := kr.SetCommFromSecKey(ctx, sk); err != nil {
		return nil, err
	}

	for tag, pkB64 := range payload {
		if tag == commKeyTag {
			continue
		}
		pkBytes, err := b64.Decode(pkB64)
		if err != nil || len(pkBytes) != zcrypto.PublicKeyLen {
			return nil, zerr.NewProtocol("", "", "corrupt guest key in backup: "+tag)
		}
		var pk [zcrypto.PublicKeyLen]byte
		copy(pk[:], pkBytes)
		if err := kr.AddGuest(ctx, tag, pk); err != nil {
			return nil, err
		}
	}
	return kr, nil
}
