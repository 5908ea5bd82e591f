// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"net/netip"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

// fakeCallbacks routes WirePacketSendFunction directly into the peer
// node's ProcessWirePacket, modeling a perfect loopback link so two
// Nodes can be wired together without a real udpbind.Binder.
type fakeCallbacks struct {
	mu     sync.Mutex
	self   *Node
	peer   *Node
	sock   SocketHandle
	events []int
	frames [][]byte
}

func (f *fakeCallbacks) VirtualNetworkConfigUpdated(n *Network) {}

func (f *fakeCallbacks) VirtualNetworkFrame(id NetworkID, src, dst MAC, etherType uint16, frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), frame...))
}

func (f *fakeCallbacks) WirePacketSendFunction(sock SocketHandle, remote netip.AddrPort, packet []byte) error {
	return f.peer.ProcessWirePacket(f.sock, remote, packet, time.Now())
}

func (f *fakeCallbacks) PathCheckFunction(addr Address, remote netip.AddrPort) bool {
	return true
}

func (f *fakeCallbacks) EventCallback(code int, detail interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, code)
}

func mustIdentity(c *qt.C) (Identity, Address) {
	id, addr, err := GenerateIdentity()
	c.Assert(err, qt.IsNil)
	return id, addr
}

func TestNodeHelloEchoRoundTrip(t *testing.T) {
	c := qt.New(t)

	idA, addrA := mustIdentity(c)
	idB, addrB := mustIdentity(c)

	cbA := &fakeCallbacks{sock: 1}
	cbB := &fakeCallbacks{sock: 2}
	nodeA := NewNode(idA, addrA, cbA)
	nodeB := NewNode(idB, addrB, cbB)
	cbA.self, cbA.peer = nodeA, nodeB
	cbB.self, cbB.peer = nodeB, nodeA

	nodeA.Orbit(addrB, idB.Public)
	nodeB.Orbit(addrA, idA.Public)

	remote := netip.MustParseAddrPort("10.0.0.2:9993")

	peerB, ok := nodeA.PeerByAddress(addrB)
	c.Assert(ok, qt.IsTrue)
	peerB.touchPath(1, Path{Remote: remote}, time.Now())

	err := nodeA.sendTo(peerB, verbEcho, nil)
	c.Assert(err, qt.IsNil)

	c.Assert(len(cbA.events) > 0, qt.IsTrue)
}

func TestNodeJoinIsIdempotent(t *testing.T) {
	c := qt.New(t)
	id, addr := mustIdentity(c)
	cb := &fakeCallbacks{}
	n := NewNode(id, addr, cb)
	cb.self, cb.peer = n, n

	net1, err := n.Join(0x0102030405060708)
	c.Assert(err, qt.IsNil)
	net2, err := n.Join(0x0102030405060708)
	c.Assert(err, qt.IsNil)
	c.Assert(net1, qt.Equals, net2)
	c.Assert(len(n.Networks()), qt.Equals, 1)
}

func TestNodeAdHocNetworkIsImmediatelyOK(t *testing.T) {
	c := qt.New(t)
	id, addr := mustIdentity(c)
	cb := &fakeCallbacks{}
	n := NewNode(id, addr, cb)
	cb.self, cb.peer = n, n

	net, err := n.Join(NetworkID(0xff00270000000000 | uint64(0x1f90)<<40))
	c.Assert(err, qt.IsNil)
	c.Assert(net.Status, qt.Equals, StatusOK)
}

func TestNodeVirtualFrameBetweenTwoPeers(t *testing.T) {
	c := qt.New(t)

	idA, addrA := mustIdentity(c)
	idB, addrB := mustIdentity(c)

	cbA := &fakeCallbacks{sock: 1}
	cbB := &fakeCallbacks{sock: 2}
	nodeA := NewNode(idA, addrA, cbA)
	nodeB := NewNode(idB, addrB, cbB)
	cbA.self, cbA.peer = nodeA, nodeB
	cbB.self, cbB.peer = nodeB, nodeA

	nodeA.Orbit(addrB, idB.Public)
	nodeB.Orbit(addrA, idA.Public)

	const nwid NetworkID = 0xabcdef0123456789
	_, err := nodeA.Join(nwid)
	c.Assert(err, qt.IsNil)
	_, err = nodeB.Join(nwid)
	c.Assert(err, qt.IsNil)

	remote := netip.MustParseAddrPort("10.0.0.2:9993")
	peerB, _ := nodeA.PeerByAddress(addrB)
	peerB.touchPath(1, Path{Remote: remote}, time.Now())

	dstMAC := deriveMAC(addrB, nwid)
	srcMAC := deriveMAC(addrA, nwid)
	frame := []byte("hello over the wire")

	err = nodeA.ProcessVirtualFrame(nwid, srcMAC, dstMAC, 0x0800, frame)
	c.Assert(err, qt.IsNil)

	c.Assert(len(cbB.frames), qt.Equals, 1)
	c.Assert(cbB.frames[0], qt.DeepEquals, frame)
}

func TestNodeProcessBackgroundTasksExpiresStalePaths(t *testing.T) {
	c := qt.New(t)
	idA, addrA := mustIdentity(c)
	_, addrB := mustIdentity(c)
	cb := &fakeCallbacks{}
	n := NewNode(idA, addrA, cb)
	cb.self, cb.peer = n, n

	n.Orbit(addrB, [32]byte{})
	peer, _ := n.PeerByAddress(addrB)
	old := time.Now().Add(-2 * pathExpiry)
	peer.touchPath(1, Path{Remote: netip.MustParseAddrPort("10.0.0.2:1")}, old)

	_, err := n.ProcessBackgroundTasks(time.Now().Add(2 * backgroundInterval))
	c.Assert(err, qt.IsNil)

	_, ok := peer.bestPath()
	c.Assert(ok, qt.IsFalse)
}

func TestNodeSetLocalAddressesReplacesPriorSet(t *testing.T) {
	c := qt.New(t)
	idA, addrA := mustIdentity(c)
	cb := &fakeCallbacks{}
	n := NewNode(idA, addrA, cb)

	c.Assert(n.LocalAddresses(), qt.HasLen, 0)

	first := []netip.AddrPort{netip.MustParseAddrPort("192.168.1.5:9993")}
	n.SetLocalAddresses(first)
	c.Assert(n.LocalAddresses(), qt.DeepEquals, first)

	second := []netip.AddrPort{netip.MustParseAddrPort("203.0.113.9:9993")}
	n.SetLocalAddresses(second)
	c.Assert(n.LocalAddresses(), qt.DeepEquals, second)
}
