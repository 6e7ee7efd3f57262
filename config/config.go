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

// Package config collects the tunables a Mailbox and its RelaySessions
// are built from: token widths, handshake/session timeouts, the HTTP
// per-call deadline, and the namespace constants used to lay out
// persisted state.
package config

import "time"

// Config holds the values referenced throughout §6 of the relay
// protocol and the encrypted store's key-namespacing scheme.
type Config struct {
	// RelayTokenLen is the width, in bytes, of clientToken/relayToken.
	RelayTokenLen int

	// RelayTokenTimeout bounds how long a session stays usable after
	// start_session returned; once it passes, the session re-handshakes
	// on next use even if the session deadline has not.
	RelayTokenTimeout time.Duration

	// RelaySessionTimeout bounds the time a proved session stays usable.
	RelaySessionTimeout time.Duration

	// RelayAjaxTimeout bounds a single HTTP round trip to a relay.
	RelayAjaxTimeout time.Duration

	// StorageRoot namespaces every key written by the encrypted store.
	StorageRoot string

	// NonceTag, SKeyTag, CommKeyTag name the well-known rows described
	// in spec §6's "Persisted state layout".
	NonceTag    string
	SKeyTag     string
	CommKeyTag  string
	GuestsTag   string
	StorageKTag string
}

// guardFactor shrinks a nominal deadline by 10%, matching §4.4.3's
// "reduced by a small guard band (e.g. 10%)".
const guardFactor = 0.9

// Default returns the documented default configuration.
func Default() *Config {
	return &Config{
		RelayTokenLen:       32,
		RelayTokenTimeout:   5 * time.Minute,
		RelaySessionTimeout: 20 * time.Minute,
		RelayAjaxTimeout:    5 * time.Second,
		StorageRoot:         "v2.stor.vlt12",
		NonceTag:            "__nc.",
		SKeyTag:             "skey",
		CommKeyTag:          "comm_key",
		GuestsTag:           "guest_registry",
		StorageKTag:         "storage_key",
	}
}

// GuardedTokenDeadline returns the instant after which a session's
// token is considered expired, relative to when start_session returned.
func (c *Config) GuardedTokenDeadline(from time.Time) time.Time {
	return from.Add(time.Duration(float64(c.RelayTokenTimeout) * guardFactor))
}

// GuardedSessionDeadline returns the instant after which a proved
// session must be re-established, relative to when prove succeeded.
func (c *Config) GuardedSessionDeadline(from time.Time) time.Time {
	return from.Add(time.Duration(float64(c.RelaySessionTimeout) * guardFactor))
}

// Namespace builds the "<tag>.<id>.<root>" key used by the
// encrypted store for a value owned by storage instance id.
func (c *Config) Namespace(tag, id string) string {
	return tag + "." + id + "." + c.StorageRoot
}
