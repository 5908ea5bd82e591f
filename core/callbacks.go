// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import "net/netip"

// Callbacks is how a Node reports side effects upward to its service
// orchestrator (Component H), mirroring the function-pointer struct
// the original SDK takes at node construction time (spec.md §4.C).
// Implementations must not block: Node invokes these synchronously
// from ProcessWirePacket/ProcessVirtualFrame/ProcessBackgroundTasks.
type Callbacks interface {
	// VirtualNetworkConfigUpdated is called whenever a membership's
	// configuration changes (MTU, status, broadcast flag).
	VirtualNetworkConfigUpdated(n *Network)

	// VirtualNetworkFrame delivers a frame received from the overlay
	// that should be injected into the local virtual tap for network id.
	VirtualNetworkFrame(id NetworkID, src, dst MAC, etherType uint16, frame []byte)

	// WirePacketSendFunction is called to transmit an encrypted packet
	// to a remote address over the given path. Returning an error does
	// not stop processing; it is logged and the path may be penalized.
	WirePacketSendFunction(sock SocketHandle, remote netip.AddrPort, packet []byte) error

	// PathCheckFunction lets the orchestrator veto a candidate path
	// (e.g. one that targets the node's own tap IPs) before it is used.
	PathCheckFunction(addr Address, remote netip.AddrPort) bool

	// EventCallback reports a lifecycle event for translation onto the
	// event.Bus.
	EventCallback(code int, detail interface{})
}
