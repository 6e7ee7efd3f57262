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

package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/bfix/zaxmail/logger"
)

var socksLog = logger.Component("transport/socks")

// socksReplyState mirrors the RFC 1928 reply codes.
var socksReplyState = []string{
	"succeeded",
	"general SOCKS server failure",
	"connection not allowed by ruleset",
	"network unreachable",
	"host unreachable",
	"connection refused",
	"TTL expired",
	"command not supported",
	"address type not supported",
}

// dialSocks5 performs a minimal SOCKS5 (RFC 1928, no-auth only) CONNECT
// handshake through proxyAddr ("host:port") to addr:port, returning the
// resulting net.Conn. Adapted from the teacher's network/socks.go
// Socks5ConnectTimeout, trimmed to the "connect-only, no auth" subset
// a local Tor SOCKS port needs, and wired to context cancellation
// instead of a bare timeout duration.
func dialSocks5(ctx context.Context, proxyAddr, network, addr string) (net.Conn, error) {
	if network != "tcp" {
		return nil, errors.New("transport: socks5 dialer supports tcp only")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, errors.New("transport: invalid target port")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	// greeting: version 5, one auth method, "no authentication required"
	if _, err := conn.Write([]byte{5, 1, 0}); err != nil {
		conn.Close()
		return nil, err
	}
	reply := make([]byte, 2)
	if _, err := readFull(conn, reply); err != nil {
		conn.Close()
		return nil, err
	}
	if reply[0] != 5 || reply[1] == 0xFF {
		conn.Close()
		return nil, errors.New("transport: socks5 proxy refused no-auth connection")
	}

	// connect request: domain-name addressing so the proxy (Tor) does
	// the DNS resolution, never the client.
	dn := []byte(host)
	req := make([]byte, 0, 7+len(dn))
	req = append(req, 5, 1, 0, 3, byte(len(dn)))
	req = append(req, dn...)
	req = append(req, byte(port>>8), byte(port&0xFF))
	if _, err := conn.Write(req); err != nil {
		conn.Close()
		return nil, err
	}

	resp := make([]byte, 4)
	if _, err := readFull(conn, resp); err != nil {
		conn.Close()
		return nil, err
	}
	if resp[1] != 0 {
		conn.Close()
		msg := "unknown SOCKS error"
		if int(resp[1]) < len(socksReplyState) {
			msg = socksReplyState[resp[1]]
		}
		socksLog.Printf(logger.WARN, "proxy refused connect to %s: %s", addr, msg)
		return nil, errors.New("transport: socks5 connect failed: " + msg)
	}
	// drain the bound-address portion of the reply (variable length,
	// depending on address type in resp[3]); the size only matters for
	// further reads on this conn, which http.Transport drives directly.
	switch resp[3] {
	case 1: // IPv4
		skip(conn, 4+2)
	case 3: // domain name
		ln := make([]byte, 1)
		readFull(conn, ln)
		skip(conn, int(ln[0])+2)
	case 4: // IPv6
		skip(conn, 16+2)
	}
	return conn, nil
}

func skip(conn net.Conn, n int) {
	if n <= 0 {
		return
	}
	readFull(conn, make([]byte, n))
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// NewTorProxied builds a Default transport whose connections are
// dialed through a local Tor SOCKS5 proxy (conventionally
// 127.0.0.1:9050), giving the relay protocol's mutual-anonymity
// property an actual network-level anchor: the relay never sees the
// client's real address, matching the spec's framing of the relay as
// untrusted infrastructure rather than a semi-trusted peer.
func NewTorProxied(proxyAddr string, timeout time.Duration) *Default {
	tr := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialSocks5(ctx, proxyAddr, network, addr)
		},
	}
	return &Default{Client: &http.Client{Timeout: timeout, Transport: tr}}
}
