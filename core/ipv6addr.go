// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "net/netip"

// SixPlaneAddr deterministically derives the "6PLANE" IPv6 address for
// (nwid, addr), the scheme the original SDK exposes as
// zts_get_6plane_addr: fc + the network ID folded to 32 bits (high
// xor low word) + the 40-bit node address, zero-padded to a /80
// prefix with the host part fixed at 1. Two nodes on the same network
// compute the same prefix and only differ in the embedded address, so
// the result never collides with another network's 6PLANE space.
func SixPlaneAddr(nwid NetworkID, addr Address) netip.Prefix {
	var b [16]byte
	b[0] = 0xfc
	nwid32 := uint32(uint64(nwid)>>32) ^ uint32(uint64(nwid))
	b[1] = byte(nwid32 >> 24)
	b[2] = byte(nwid32 >> 16)
	b[3] = byte(nwid32 >> 8)
	b[4] = byte(nwid32)
	copy(b[5:10], addr[:])
	b[15] = 0x01
	return netip.PrefixFrom(netip.AddrFrom16(b), 80)
}

// RFC4193Addr deterministically derives the RFC 4193 unique-local
// IPv6 address for (nwid, addr), the scheme the original SDK exposes
// as zts_get_rfc4193_addr: fd + the full 64-bit network ID + the
// fixed bytes 99:93 + the 40-bit node address, as a /88 prefix.
func RFC4193Addr(nwid NetworkID, addr Address) netip.Prefix {
	var b [16]byte
	b[0] = 0xfd
	v := uint64(nwid)
	for i := 0; i < 8; i++ {
		b[1+i] = byte(v >> (56 - 8*i))
	}
	b[9] = 0x99
	b[10] = 0x93
	copy(b[11:16], addr[:])
	return netip.PrefixFrom(netip.AddrFrom16(b), 88)
}
