// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"net/netip"
	"time"
)

// SocketHandle identifies one of the UDP binder's open sockets
// (spec.md §3), opaque to core beyond equality comparison.
type SocketHandle int

// Path is one concrete (socket, remote address) pair known to reach a
// peer (spec.md GLOSSARY).
type Path struct {
	Socket        SocketHandle
	Remote        netip.AddrPort
	LastSend      time.Time
	LastReceive   time.Time
	TrustedPathID uint64
	Expired       bool
	Preferred     bool
}

// pathExpiry is how long a path may go unconfirmed before it is marked
// expired and dropped from future sends.
const pathExpiry = 5 * time.Minute

func (p *Path) touchReceive(now time.Time) {
	p.LastReceive = now
	p.Expired = false
}

func (p *Path) touchSend(now time.Time) {
	p.LastSend = now
}

func (p *Path) isStale(now time.Time) bool {
	return p.LastReceive.IsZero() || now.Sub(p.LastReceive) > pathExpiry
}
