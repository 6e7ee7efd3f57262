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

// Package crypto is the uniform, deterministic-width wrapper over the
// NaCl primitives (box, secretbox, Curve25519) and the hashing helpers
// the rest of zaxmail is built on. Nothing here reimplements crypto;
// it only adapts golang.org/x/crypto to the shapes the keyring, store
// and relay packages need.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"

	zerr "github.com/bfix/zaxmail/errors"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Fixed widths required by NaCl and relied on throughout the package.
const (
	SecretKeyLen      = 32 // secretbox/box key width
	PublicKeyLen      = 32 // Curve25519 public key width
	BoxNonceLen       = 24 // box/secretbox nonce width
	SecretboxOverhead = secretbox.Overhead
	BoxOverhead       = box.Overhead
)

// Keys is an owned or guest Curve25519 communication keypair. Guest
// entries only ever populate Public.
type Keys struct {
	Public  [PublicKeyLen]byte
	Private [SecretKeyLen]byte
}

// RandomBytes fills a freshly allocated slice of n bytes from the
// system CSPRNG. It fails with a TimeoutError (per spec §7, an RNG
// sanity-check failure) if fewer than n bytes could be read.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := rand.Read(buf)
	if err != nil {
		return nil, zerr.NewTimeout("random-bytes", err)
	}
	if got != n {
		return nil, zerr.NewTimeout("random-bytes", zerr.NewInvariant("short read: got %d want %d", got, n))
	}
	return buf, nil
}

// Keypair generates a fresh Curve25519 keypair.
func Keypair() (*Keys, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, zerr.NewCrypto("keypair", err)
	}
	return &Keys{Public: *pub, Private: *priv}, nil
}

// KeypairFromSecretKey derives the matching public key for a given
// 32-byte Curve25519 secret scalar.
func KeypairFromSecretKey(sk [SecretKeyLen]byte) (*Keys, error) {
	var pub [PublicKeyLen]byte
	out, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return nil, zerr.NewCrypto("keypair-from-secret", err)
	}
	copy(pub[:], out)
	return &Keys{Public: pub, Private: sk}, nil
}

// KeypairFromSeed derives a keypair deterministically from an
// arbitrary-length seed: sk = sha512(seed)[:32], per spec §4.1.
func KeypairFromSeed(seed []byte) (*Keys, error) {
	digest := sha512.Sum512(seed)
	var sk [SecretKeyLen]byte
	copy(sk[:], digest[:SecretKeyLen])
	return KeypairFromSecretKey(sk)
}

// Sha256 returns the SHA-256 digest of data.
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// H2 implements the Dodis hash-of-hash construction:
// h2(m) = sha256(sha256(0^64 || m)).
func H2(m []byte) [32]byte {
	pad := make([]byte, 64+len(m))
	copy(pad[64:], m)
	inner := sha256.Sum256(pad)
	return sha256.Sum256(inner[:])
}

// Secretbox seals msg under key with nonce, authenticated.
func Secretbox(msg []byte, nonce [BoxNonceLen]byte, key [SecretKeyLen]byte) []byte {
	return secretbox.Seal(nil, msg, &nonce, &key)
}

// SecretboxOpen authenticates and decrypts ct; failure is reported as
// a CryptoError, never a silent zero value.
func SecretboxOpen(ct []byte, nonce [BoxNonceLen]byte, key [SecretKeyLen]byte) ([]byte, error) {
	msg, ok := secretbox.Open(nil, ct, &nonce, &key)
	if !ok {
		return nil, zerr.NewCrypto("secretbox_open", nil)
	}
	return msg, nil
}

// Box seals msg for pkRecv, authenticated as coming from skSend.
func Box(msg []byte, nonce [BoxNonceLen]byte, pkRecv, skSend [PublicKeyLen]byte) []byte {
	return box.Seal(nil, msg, &nonce, &pkRecv, &skSend)
}

// BoxOpen authenticates and decrypts ct, which must have been sealed
// by the holder of skRecv's counterpart for pkSend.
func BoxOpen(ct []byte, nonce [BoxNonceLen]byte, pkSend, skRecv [PublicKeyLen]byte) ([]byte, error) {
	msg, ok := box.Open(nil, ct, &nonce, &pkSend, &skRecv)
	if !ok {
		return nil, zerr.NewCrypto("box_open", nil)
	}
	return msg, nil
}

// MakeNonce constructs a 24-byte nonce per spec §4.1: start from full
// randomness, zero the header area (8 bytes, or 12 when extra is
// given), then overwrite the header with the current Unix-second
// timestamp (and, if given, extra as a big-endian uint32 at [8:12]).
func MakeNonce(extra *uint32, now func() int64) ([BoxNonceLen]byte, error) {
	var nonce [BoxNonceLen]byte
	raw, err := RandomBytes(BoxNonceLen)
	if err != nil {
		return nonce, err
	}
	copy(nonce[:], raw)

	hdrLen := 8
	if extra != nil {
		hdrLen = 12
	}
	for i := 0; i < hdrLen; i++ {
		nonce[i] = 0
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(now()))
	copy(nonce[0:8], ts[:])

	if extra != nil {
		var ex [4]byte
		binary.BigEndian.PutUint32(ex[:], *extra)
		copy(nonce[8:12], ex[:])
	}
	return nonce, nil
}
