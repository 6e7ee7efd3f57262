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

// Package storage provides the encrypted key-value layer every
// zaxmail identity is built on (spec §4.2), plus the narrow external
// driver contract (spec §6) it is built against. The driver itself --
// a database, a browser's local storage, a flat file -- is the
// caller's concern; this package only ever sees opaque strings.
package storage

import "context"

// Driver is the external, untyped key/value backing store consumed by
// Store. Implementations need not be encrypted themselves -- Store
// encrypts every value before it reaches Set.
//
// Modeled on the narrow, verb-named, context-aware interface split the
// teacher repository uses for its transport Connector (one small
// interface per capability, no kitchen-sink "Storage" God interface).
type Driver interface {
	// Get returns the stored value and true, or ("", false) if the key
	// is absent.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes value under key, replacing any existing value.
	Set(ctx context.Context, key, value string) error

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}
