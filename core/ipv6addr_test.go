// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestSixPlaneAddrIsDeterministicAndPrefixedFC(t *testing.T) {
	c := qt.New(t)
	addr := Address{1, 2, 3, 4, 5}
	nwid := NetworkID(0x8056c2e21c000001)

	p1 := SixPlaneAddr(nwid, addr)
	p2 := SixPlaneAddr(nwid, addr)
	c.Assert(p1, qt.Equals, p2)
	c.Assert(p1.Bits(), qt.Equals, 80)
	c.Assert(p1.Addr().As16()[0], qt.Equals, byte(0xfc))

	other := SixPlaneAddr(NetworkID(0x1122334455667788), addr)
	c.Assert(p1, qt.Not(qt.Equals), other)
}

func TestRFC4193AddrIsDeterministicAndPrefixedFD(t *testing.T) {
	c := qt.New(t)
	addr := Address{1, 2, 3, 4, 5}
	nwid := NetworkID(0x8056c2e21c000001)

	p1 := RFC4193Addr(nwid, addr)
	p2 := RFC4193Addr(nwid, addr)
	c.Assert(p1, qt.Equals, p2)
	c.Assert(p1.Bits(), qt.Equals, 88)
	b := p1.Addr().As16()
	c.Assert(b[0], qt.Equals, byte(0xfd))
	c.Assert(b[9], qt.Equals, byte(0x99))
	c.Assert(b[10], qt.Equals, byte(0x93))
	c.Assert([5]byte{b[11], b[12], b[13], b[14], b[15]}, qt.Equals, [5]byte(addr))

	other := RFC4193Addr(nwid, Address{9, 9, 9, 9, 9})
	c.Assert(p1, qt.Not(qt.Equals), other)
}

func TestNodeJoinAdHocNetworkSelfAssignsRFC4193Address(t *testing.T) {
	c := qt.New(t)
	addr := Address{5, 4, 3, 2, 1}
	node := NewNode(Identity{}, addr, &fakeCallbacks{})

	net, err := node.Join(NetworkID(0xff00000000000000))
	c.Assert(err, qt.IsNil)

	want := RFC4193Addr(net.ID, addr)
	found := false
	for _, p := range net.AssignedIPs() {
		if p == want {
			found = true
		}
	}
	c.Assert(found, qt.IsTrue)
}
