// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zt

import (
	"net/netip"

	"go.zt.dev/ztcore/core"
)

var _ core.Callbacks = (*Node)(nil)

// VirtualNetworkConfigUpdated persists the membership's latest status
// to the network-config cache and reconciles its assigned IPs onto
// the matching netif whenever core changes it, spec.md §3's "for
// every (nwid, ip) reported as assigned, a netif with that IP must
// exist on the matching tap ... reconciled on every config update".
// This callback fires from inside core.Node.Join before this
// package's own Join has built the membership's tap/stack, so a
// membership not found here yet is reconciled explicitly by Join
// instead once it exists.
func (n *Node) VirtualNetworkConfigUpdated(net *core.Network) {
	if err := n.store.SaveNetworkConfig(net.ID, []byte(net.Status.String())); err != nil {
		n.log.WithError(err).WithField("network", net.ID).Warn("zt: persist network config")
	}
	if m, err := n.membershipFor(net.ID); err == nil {
		n.reconcileAssignedIPs(net.ID, net, m)
	}
}

// VirtualNetworkFrame injects a frame core received from the overlay
// into the matching network's virtual tap.
func (n *Node) VirtualNetworkFrame(id core.NetworkID, src, dst core.MAC, etherType uint16, frame []byte) {
	m, err := n.membershipFor(id)
	if err != nil {
		return
	}
	if err := m.tap.InjectInbound(src, frame); err != nil {
		n.log.WithError(err).WithField("network", id).Debug("zt: inject inbound frame")
	}
}

// WirePacketSendFunction hands an encrypted packet to the UDP binder
// for transmission.
func (n *Node) WirePacketSendFunction(sockHandle core.SocketHandle, remote netip.AddrPort, packet []byte) error {
	return n.binder.SendOn(sockHandle, remote, packet, 0)
}

// PathCheckFunction vetoes any candidate remote address that happens
// to be one of our own virtual network IPs, so a misrouted packet
// can't make the node talk to itself over the overlay.
func (n *Node) PathCheckFunction(addr core.Address, remote netip.AddrPort) bool {
	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()
	for _, m := range n.memberships {
		for _, ip := range m.stack.Addresses() {
			if ip == remote.Addr() {
				return false
			}
		}
	}
	return true
}

// EventCallback logs core-originated events at debug level; the
// user-visible event stream is package event's Bus, fed separately by
// the maintenance loop's own event generation step.
func (n *Node) EventCallback(code int, detail interface{}) {
	n.callbackMu.Lock()
	defer n.callbackMu.Unlock()
	n.log.WithField("code", code).Debug("zt: core event")
}
