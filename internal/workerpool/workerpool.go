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

// Package workerpool runs a fixed number of worker goroutines over a
// search space and stops them all as soon as one produces an
// acceptable result. It exists for the proof-of-work nonce search
// (spec §4.4.2 / §5: "cooperatively cancellable ... should log
// progress when difficulty > 10"), which is the only place zaxmail
// needs unbounded, cancellable, parallel work.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Searcher tries candidate values of its own making until ctx is
// done or it finds one satisfying its own acceptance criteria, in
// which case it returns (result, true).
type Searcher[R any] func(ctx context.Context, worker int) (result R, ok bool)

// errFound is errgroup's cancellation signal: the first worker to
// accept a result returns it so errgroup tears down every sibling's
// context immediately, rather than letting them run to their own
// ctx.Done().
var errFound = errors.New("workerpool: result found")

// Search runs numWorkers copies of try concurrently, adapted from the
// teacher's concurrent.Dispatcher[T,R] generic worker pool but built
// directly on golang.org/x/sync/errgroup for the cancel-on-first-winner
// behaviour a proof-of-work search needs. It returns false if ctx is
// cancelled before any worker accepts.
func Search[R any](ctx context.Context, numWorkers int, try Searcher[R]) (R, bool) {
	var zero R
	var mu sync.Mutex
	var result R
	var ok bool

	g, gctx := errgroup.WithContext(ctx)
	for n := 0; n < numWorkers; n++ {
		worker := n
		g.Go(func() error {
			res, found := try(gctx, worker)
			if !found {
				return nil
			}
			mu.Lock()
			if !ok {
				result, ok = res, true
			}
			mu.Unlock()
			return errFound
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errFound) {
		return zero, false
	}
	if !ok {
		return zero, false
	}
	return result, true
}
