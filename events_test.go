// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zt

import (
	"net/netip"
	"testing"

	qt "github.com/frankban/quicktest"

	"go.zt.dev/ztcore/core"
	"go.zt.dev/ztcore/event"
)

func TestAddressToUint64PacksBigEndian(t *testing.T) {
	c := qt.New(t)
	addr := core.Address{0x01, 0x02, 0x03, 0x04, 0x05}
	c.Assert(addressToUint64(addr), qt.Equals, uint64(0x0102030405))
}

func TestNetworkStatusEventMapping(t *testing.T) {
	c := qt.New(t)
	c.Assert(networkStatusEvent(core.StatusOK), qt.Equals, event.NetworkOK)
	c.Assert(networkStatusEvent(core.StatusAccessDenied), qt.Equals, event.NetworkAccessDenied)
	c.Assert(networkStatusEvent(core.StatusNotFound), qt.Equals, event.NetworkNotFound)
	c.Assert(networkStatusEvent(core.StatusClientTooOld), qt.Equals, event.NetworkClientTooOld)
	// StatusPortError has no dedicated wire event; see DESIGN.md.
	c.Assert(networkStatusEvent(core.StatusPortError), qt.Equals, event.NetworkUpdate)
	c.Assert(networkStatusEvent(core.StatusRequestingConfig), qt.Equals, event.NetworkRequestConfig)
}

func TestPeerRoleName(t *testing.T) {
	c := qt.New(t)
	c.Assert(peerRoleName(core.RoleMoon), qt.Equals, "moon")
	c.Assert(peerRoleName(core.RolePlanet), qt.Equals, "planet")
	c.Assert(peerRoleName(core.RoleLeaf), qt.Equals, "leaf")
}

func TestHasAssignedFamily(t *testing.T) {
	c := qt.New(t)

	cb := noopCallbacks{}
	node := core.NewNode(core.Identity{}, core.Address{1}, cb)
	netw, err := node.Join(core.NetworkID(1))
	c.Assert(err, qt.IsNil)

	c.Assert(hasAssignedFamily(netw, true), qt.IsFalse)
	c.Assert(hasAssignedFamily(netw, false), qt.IsFalse)

	c.Assert(netw.AddAssignedIP(netip.MustParsePrefix("10.0.0.1/24")), qt.IsNil)
	c.Assert(hasAssignedFamily(netw, true), qt.IsTrue)
	c.Assert(hasAssignedFamily(netw, false), qt.IsFalse)

	c.Assert(netw.AddAssignedIP(netip.MustParsePrefix("fd00::1/64")), qt.IsNil)
	c.Assert(hasAssignedFamily(netw, false), qt.IsTrue)
}

// noopCallbacks satisfies core.Callbacks for tests that only need a
// *core.Node to exist, never expecting any callback to actually fire.
type noopCallbacks struct{}

func (noopCallbacks) VirtualNetworkConfigUpdated(*core.Network)                           {}
func (noopCallbacks) VirtualNetworkFrame(core.NetworkID, core.MAC, core.MAC, uint16, []byte) {}
func (noopCallbacks) WirePacketSendFunction(core.SocketHandle, netip.AddrPort, []byte) error {
	return nil
}
func (noopCallbacks) PathCheckFunction(core.Address, netip.AddrPort) bool { return true }
func (noopCallbacks) EventCallback(int, interface{})                     {}
