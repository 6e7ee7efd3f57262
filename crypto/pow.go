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

package crypto

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"runtime"

	zerr "github.com/bfix/zaxmail/errors"
	"github.com/bfix/zaxmail/internal/workerpool"
	"github.com/bfix/zaxmail/logger"
	"golang.org/x/crypto/hkdf"
)

var powLog = logger.Component("crypto/pow")

// ZeroBits reports whether the rightmost d bits of a are all zero,
// per spec §4.4.2: a[0] holds the lowest bits, each successive byte
// the next higher 8 bits.
func ZeroBits(a []byte, d int) bool {
	if d <= 0 {
		return true
	}
	fullBytes := d / 8
	rem := d % 8
	if fullBytes > len(a) {
		return false
	}
	for i := 0; i < fullBytes; i++ {
		if a[i] != 0 {
			return false
		}
	}
	if rem == 0 {
		return true
	}
	if fullBytes >= len(a) {
		return false
	}
	mask := byte(1<<uint(rem)) - 1
	return a[fullBytes]&mask == 0
}

// powStream derives a deterministic, per-worker candidate-nonce stream
// from a single random seed using HKDF-SHA256, so concurrent search
// workers never contend on the system CSPRNG (grounded on
// sec51-cryptoengine's HKDF-derived nonce idiom, repurposed here to
// derive a stream of PoW candidates instead of a single nonce).
func powStream(seed []byte, worker int) io.Reader {
	return hkdf.New(sha256.New, seed, nil, []byte(fmt.Sprintf("zax-pow-worker-%d", worker)))
}

// SearchNonce finds a 32-byte nonce n such that
// ZeroBits(H2(handshake||n), difficulty) holds, per spec §4.4.2 step 2.
// If difficulty is 0, it returns H2(handshake) directly, matching the
// spec's difficulty-0 shortcut. The search is cooperatively
// cancellable via ctx and logs progress at DBG when difficulty > 10.
func SearchNonce(ctx context.Context, handshake []byte, difficulty int) ([32]byte, error) {
	if difficulty <= 0 {
		return H2(handshake), nil
	}
	if difficulty > 10 {
		powLog.Printf(logger.DBG, "searching PoW nonce, difficulty=%d", difficulty)
	}

	seed, err := RandomBytes(32)
	if err != nil {
		return [32]byte{}, err
	}

	numWorkers := runtime.GOMAXPROCS(0)
	if numWorkers < 1 {
		numWorkers = 1
	}

	type candidate struct {
		nonce [32]byte
	}

	res, ok := workerpool.Search(ctx, numWorkers, func(ctx context.Context, worker int) (candidate, bool) {
		wseed := seed
		stream := powStream(wseed, worker)
		buf := make([]byte, 32)
		tried := 0
		for {
			select {
			case <-ctx.Done():
				return candidate{}, false
			default:
			}
			if _, err := io.ReadFull(stream, buf); err != nil {
				// one HKDF stream yields at most 255 hash blocks; chain a
				// fresh seed and continue with a new stream
				next := H2(wseed)
				wseed = next[:]
				stream = powStream(wseed, worker)
				if _, err := io.ReadFull(stream, buf); err != nil {
					return candidate{}, false
				}
			}
			probe := make([]byte, 0, len(handshake)+32)
			probe = append(probe, handshake...)
			probe = append(probe, buf...)
			digest := H2(probe)
			if ZeroBits(digest[:], difficulty) {
				var n [32]byte
				copy(n[:], buf)
				return candidate{nonce: n}, true
			}
			tried++
			if difficulty > 10 && tried%200000 == 0 {
				powLog.Printf(logger.DBG, "worker %d: %d candidates tried", worker, tried)
			}
		}
	})
	if !ok {
		return [32]byte{}, zerr.NewTimeout("pow-search", ctx.Err())
	}
	return res.nonce, nil
}
