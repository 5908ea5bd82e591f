// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"net/netip"

	"go4.org/netipx"
)

// Network is a node's membership in one virtual network: the
// configuration pushed down from the controller (or derived locally
// for an ad-hoc network) plus the bookkeeping core needs to bridge it
// to a vtap.Tap and netstack.Stack (spec.md §3).
type Network struct {
	ID     NetworkID
	MAC    MAC
	MTU    int
	Status NetworkStatus

	assignedIPs []netip.Prefix
	routes      []Route
	multicast   []MulticastGroup

	// Broadcast tracks whether this network carries a virtual broadcast
	// group (ff:ff:ff:ff:ff:ff), mirroring the controller flag of the
	// same name.
	Broadcast bool
}

const defaultMTU = 2800

// newNetwork constructs a Network in StatusRequestingConfig, with a MAC
// deterministically derived from the node address and network ID so
// it is stable across restarts without being persisted separately.
func newNetwork(id NetworkID, nodeAddr Address) *Network {
	return &Network{
		ID:     id,
		MAC:    deriveMAC(nodeAddr, id),
		MTU:    defaultMTU,
		Status: StatusRequestingConfig,
	}
}

// deriveMAC matches the original SDK's locally-administered,
// unicast MAC derivation: the low 40 bits come from the node address,
// the network ID is folded in over the top byte so distinct networks
// on the same node get distinct MACs.
func deriveMAC(addr Address, nwid NetworkID) MAC {
	var m MAC
	copy(m[1:], addr[:])
	m[0] = 0x02 ^ byte(uint64(nwid)>>32)
	return m
}

// DeriveMAC exposes the same derivation newNetwork uses internally, so
// callers that must build a vtap.Tap or netstack.Stack before a
// membership's Network record exists (the service orchestrator's Join)
// can compute the matching MAC up front.
func DeriveMAC(addr Address, nwid NetworkID) MAC {
	return deriveMAC(addr, nwid)
}

// AssignedIPs returns the IPs currently assigned on this membership.
func (n *Network) AssignedIPs() []netip.Prefix {
	out := make([]netip.Prefix, len(n.assignedIPs))
	copy(out, n.assignedIPs)
	return out
}

// AddAssignedIP adds ip to the membership, enforcing MaxAssignedIPs
// and rejecting duplicates.
func (n *Network) AddAssignedIP(ip netip.Prefix) error {
	for _, existing := range n.assignedIPs {
		if existing == ip {
			return nil
		}
	}
	if len(n.assignedIPs) >= MaxAssignedIPs {
		return fmt.Errorf("core: network %s: too many assigned IPs (max %d)", n.ID, MaxAssignedIPs)
	}
	n.assignedIPs = append(n.assignedIPs, ip)
	return nil
}

// RemoveAssignedIP removes ip from the membership if present.
func (n *Network) RemoveAssignedIP(ip netip.Prefix) {
	for i, existing := range n.assignedIPs {
		if existing == ip {
			n.assignedIPs = append(n.assignedIPs[:i], n.assignedIPs[i+1:]...)
			return
		}
	}
}

// IPSet builds a go4.org/netipx set over the membership's assigned
// IPs, for fast containment checks against outbound virtual frames
// (vtap uses this to decide whether a destination is on-network).
func (n *Network) IPSet() (*netipx.IPSet, error) {
	var b netipx.IPSetBuilder
	for _, p := range n.assignedIPs {
		b.AddPrefix(p)
	}
	return b.IPSet()
}

// Routes returns the pushed routes on this membership.
func (n *Network) Routes() []Route {
	out := make([]Route, len(n.routes))
	copy(out, n.routes)
	return out
}

// SetRoutes replaces the membership's route table, enforcing MaxRoutes.
func (n *Network) SetRoutes(routes []Route) error {
	if len(routes) > MaxRoutes {
		return fmt.Errorf("core: network %s: too many routes (max %d)", n.ID, MaxRoutes)
	}
	n.routes = append([]Route(nil), routes...)
	return nil
}

// MulticastGroups returns the membership's subscribed groups.
func (n *Network) MulticastGroups() []MulticastGroup {
	out := make([]MulticastGroup, len(n.multicast))
	copy(out, n.multicast)
	return out
}

// Subscribe adds a multicast subscription, enforcing
// MaxMulticastGroups and rejecting duplicates.
func (n *Network) Subscribe(g MulticastGroup) error {
	for _, existing := range n.multicast {
		if existing == g {
			return nil
		}
	}
	if len(n.multicast) >= MaxMulticastGroups {
		return fmt.Errorf("core: network %s: too many multicast subscriptions (max %d)", n.ID, MaxMulticastGroups)
	}
	n.multicast = append(n.multicast, g)
	return nil
}

// Unsubscribe removes a multicast subscription if present.
func (n *Network) Unsubscribe(g MulticastGroup) {
	for i, existing := range n.multicast {
		if existing == g {
			n.multicast = append(n.multicast[:i], n.multicast[i+1:]...)
			return
		}
	}
}
