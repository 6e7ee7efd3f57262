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

// Package transport is the narrow HTTP driver contract a relay.Session
// is built against (spec §6): one POST, one response body. Swapping
// the implementation -- plain net/http, a SOCKS5/Tor-proxied dial, a
// test double -- never touches the relay protocol logic.
package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	zerr "github.com/bfix/zaxmail/errors"
)

var errUnexpectedStatus = errors.New("unexpected HTTP status")

// HTTP is the single capability a relay.Session needs from the
// outside world: post body to url and return the response body as a
// string, or a NetworkError carrying whatever status code (if any)
// was observed. Modeled on the narrow, verb-named Connector/Transport
// split the teacher uses for its p2p transports (one function per
// capability, no generic "Client" god-interface).
type HTTP interface {
	Post(ctx context.Context, url string, body []byte) (string, error)
}

// Default is a plain net/http-backed HTTP transport.
type Default struct {
	Client *http.Client
}

// NewDefault builds a Default transport with the given per-call
// timeout as the underlying client's timeout.
func NewDefault(timeout time.Duration) *Default {
	return &Default{Client: &http.Client{Timeout: timeout}}
}

// Post implements HTTP.
func (d *Default) Post(ctx context.Context, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", zerr.NewNetwork(url, 0, err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Accept", "text/plain")

	resp, err := d.Client.Do(req)
	if err != nil {
		return "", zerr.NewNetwork(url, 0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", zerr.NewNetwork(url, resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", zerr.NewNetwork(url, resp.StatusCode, errUnexpectedStatus)
	}
	return string(data), nil
}
