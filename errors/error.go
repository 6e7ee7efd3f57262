//----------------------------------------------------------------------
// This file is part of zaxmail.
// Copyright (C) 2011-2023 Bernd Fix  >Y<
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

// Package errors defines the typed error taxonomy used across the
// zaxmail client library. Every error bubbles up to the caller
// unmodified; no layer here swallows an error, it only classifies it.
package errors

import "fmt"

// NetworkError wraps a failed HTTP round trip to a relay. Status is 0
// when no response was received at all (dial/timeout failure).
type NetworkError struct {
	URL    string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("network error: %s [%d] (%s)", e.Err, e.Status, e.URL)
	}
	return fmt.Sprintf("network error: %s (%s)", e.Err, e.URL)
}

// Unwrap exposes the underlying transport error for errors.Is/As.
func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetwork builds a NetworkError. status is 0 if unknown.
func NewNetwork(url string, status int, err error) *NetworkError {
	return &NetworkError{URL: url, Status: status, Err: err}
}

// ProtocolError signals a relay response that violates the wire
// framing or command-response arity the client expects.
type ProtocolError struct {
	URL     string
	Command string
	Reason  string
}

func (e *ProtocolError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("protocol error: %s [cmd=%s url=%s]", e.Reason, e.Command, e.URL)
	}
	return fmt.Sprintf("protocol error: %s [url=%s]", e.Reason, e.URL)
}

// NewProtocol builds a ProtocolError.
func NewProtocol(url, command, reason string) *ProtocolError {
	return &ProtocolError{URL: url, Command: command, Reason: reason}
}

// CryptoError signals an authenticated-decryption failure (box/
// secretbox open, or encrypted-store decryption) outside of the
// documented plaintext-passthrough case in Mailbox.Download.
type CryptoError struct {
	Operation string
	Err       error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crypto error: %s failed: %s", e.Operation, e.Err)
	}
	return fmt.Sprintf("crypto error: %s failed authentication", e.Operation)
}

// Unwrap exposes the underlying cause, if any.
func (e *CryptoError) Unwrap() error { return e.Err }

// NewCrypto builds a CryptoError. err may be nil for a bare
// authentication failure (no underlying Go error to wrap).
func NewCrypto(operation string, err error) *CryptoError {
	return &CryptoError{Operation: operation, Err: err}
}

// InvariantError signals a programming error on the caller's side: an
// unknown guest tag, an unrecognized relay command, a missing storage
// driver, proving a session before it was opened, and so on.
type InvariantError struct {
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated: %s", e.Detail)
}

// NewInvariant builds an InvariantError.
func NewInvariant(format string, args ...interface{}) *InvariantError {
	return &InvariantError{Detail: fmt.Sprintf(format, args...)}
}

// TimeoutError signals an RNG sanity-check failure or an HTTP-level
// timeout tripped by the caller-configured deadline.
type TimeoutError struct {
	Op  string
	Err error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s: %s", e.Op, e.Err)
}

// Unwrap exposes the underlying cause, if any.
func (e *TimeoutError) Unwrap() error { return e.Err }

// NewTimeout builds a TimeoutError.
func NewTimeout(op string, err error) *TimeoutError {
	return &TimeoutError{Op: op, Err: err}
}
