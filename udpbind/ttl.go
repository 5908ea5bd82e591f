// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package udpbind

import (
	"net"

	"golang.org/x/net/ipv4"
)

// getTTL and setTTL wrap golang.org/x/net/ipv4's per-packet TTL
// control for the SendOn TTL override (spec.md §4.B: "for IPv4 may
// set a per-send TTL then restore").
func getTTL(conn *net.UDPConn) int {
	p := ipv4.NewPacketConn(conn)
	ttl, err := p.TTL()
	if err != nil {
		return 0
	}
	return ttl
}

func setTTL(conn *net.UDPConn, ttl int) {
	if ttl <= 0 {
		return
	}
	p := ipv4.NewPacketConn(conn)
	_ = p.SetTTL(ttl)
}
