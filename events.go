// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zt

import (
	"net/netip"

	"go.zt.dev/ztcore/core"
	"go.zt.dev/ztcore/event"
)

// addressToUint64 packs a 40-bit core.Address into event.NodeStatus
// and event.PeerDetails' uint64 address fields.
func addressToUint64(a core.Address) uint64 {
	var v uint64
	for _, b := range a {
		v = v<<8 | uint64(b)
	}
	return v
}

// eventsGated reports whether maintenance step 3 should run at all:
// spec.md §4.H gates event generation on the node having at least one
// network whose stack is actually running, so a node with no
// memberships yet doesn't spin generating nothing.
func (n *Node) eventsGated() bool {
	switch State(n.state.Load()) {
	case StateOnline, StateOffline:
	default:
		return false
	}
	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()
	for _, m := range n.memberships {
		if m.stack.State() == "running" {
			return true
		}
	}
	return false
}

// generateEventMessages is maintenance step 3: it diffs each
// membership's network status and IP-readiness against what was last
// published, and each known peer's path count against its last
// observed value, publishing the matching event.Message for every
// transition (spec.md §4.H).
func (n *Node) generateEventMessages() {
	if !n.eventsGated() {
		return
	}

	n.membershipMu.Lock()
	members := make(map[core.NetworkID]*membership, len(n.memberships))
	for id, m := range n.memberships {
		members[id] = m
	}
	n.membershipMu.Unlock()

	for id, m := range members {
		n.emitNetworkEvents(id, m)
	}
	n.emitPeerEvents()
}

func (n *Node) emitNetworkEvents(id core.NetworkID, m *membership) {
	netw, ok := n.coreNode.Network(id)
	if !ok {
		return
	}

	if netw.Status != m.prevStatus {
		n.bus.Publish(event.Message{Code: networkStatusEvent(netw.Status), Network: networkDetails(netw)})
		// A membership leaving StatusOK without being removed (e.g. a
		// controller revoking access) takes its netif's addresses out
		// of service even though the tap/netif itself isn't torn down;
		// there is no separate link-state concept in this design, so
		// NetifDown is tied to that status transition.
		if m.prevStatus == core.StatusOK && netw.Status != core.StatusOK {
			n.bus.Publish(event.Message{Code: event.NetifDown, Netif: netifDetails(netw)})
		}
		m.prevStatus = netw.Status
	}

	running := m.stack.State() == "running"
	ip4Ready := netw.Status == core.StatusOK && running && hasAssignedFamily(netw, true)
	ip6Ready := netw.Status == core.StatusOK && running && hasAssignedFamily(netw, false)
	wasIP4, wasIP6 := m.prevIP4Ready, m.prevIP6Ready

	if ip4Ready && !wasIP4 {
		n.bus.Publish(event.Message{Code: event.NetworkReadyIP4, Network: networkDetails(netw)})
	}
	if ip6Ready && !wasIP6 {
		n.bus.Publish(event.Message{Code: event.NetworkReadyIP6, Network: networkDetails(netw)})
	}
	// The combined code fires once both families have become ready,
	// whether they arrived on the same tick or not, but never refires
	// while both stay ready.
	if ip4Ready && ip6Ready && !(wasIP4 && wasIP6) {
		n.bus.Publish(event.Message{Code: event.NetworkReadyIP4IP6, Network: networkDetails(netw)})
	}
	m.prevIP4Ready, m.prevIP6Ready = ip4Ready, ip6Ready
}

// reconcileAssignedIPs realizes net's current AssignedIPs on m's
// netif: it adds addresses the netif is missing and withdraws ones no
// longer assigned, publishing AddrAdded/AddrRemoved for each change,
// the two-way invariant spec.md §3 and the add_ip/remove_ip contract
// of spec.md §4.E both require.
func (n *Node) reconcileAssignedIPs(id core.NetworkID, net *core.Network, m *membership) {
	want := make(map[netip.Addr]bool)
	for _, p := range net.AssignedIPs() {
		want[p.Addr()] = true
	}
	have := m.stack.Addresses()
	haveSet := make(map[netip.Addr]bool, len(have))
	for _, ip := range have {
		haveSet[ip] = true
		if want[ip] {
			continue
		}
		if err := m.stack.RemoveAddress(ip); err != nil {
			n.log.WithError(err).WithField("network", id).Warn("zt: remove stale netif address")
			continue
		}
		n.publishAddrEvent(id, ip, false)
	}
	for ip := range want {
		if haveSet[ip] {
			continue
		}
		if err := m.stack.AddAddress(ip); err != nil {
			n.log.WithError(err).WithField("network", id).Warn("zt: add netif address")
			continue
		}
		n.publishAddrEvent(id, ip, true)
	}
}

func (n *Node) publishAddrEvent(id core.NetworkID, ip netip.Addr, added bool) {
	var code event.Code
	switch {
	case ip.Is4() && added:
		code = event.AddrAddedIP4
	case ip.Is4() && !added:
		code = event.AddrRemovedIP4
	case !ip.Is4() && added:
		code = event.AddrAddedIP6
	default:
		code = event.AddrRemovedIP6
	}
	n.bus.Publish(event.Message{Code: code, Addr: &event.AddrDetails{NetworkID: uint64(id), Addr: ip}})
}

func hasAssignedFamily(netw *core.Network, v4 bool) bool {
	for _, p := range netw.AssignedIPs() {
		if p.Addr().Is4() == v4 {
			return true
		}
	}
	return false
}

// networkStatusEvent maps a core.NetworkStatus onto its NETWORK_*
// event code. StatusPortError has no dedicated wire event in spec.md's
// event table — a port-mapping failure is reported separately by
// package portmap's own best-effort logging, never as a network
// status — so it falls back to NetworkUpdate (see DESIGN.md).
func networkStatusEvent(status core.NetworkStatus) event.Code {
	switch status {
	case core.StatusOK:
		return event.NetworkOK
	case core.StatusAccessDenied:
		return event.NetworkAccessDenied
	case core.StatusNotFound:
		return event.NetworkNotFound
	case core.StatusClientTooOld:
		return event.NetworkClientTooOld
	case core.StatusPortError:
		return event.NetworkUpdate
	default:
		return event.NetworkRequestConfig
	}
}

func networkDetails(netw *core.Network) *event.NetworkDetails {
	return &event.NetworkDetails{
		NetworkID: uint64(netw.ID),
		MAC:       [6]byte(netw.MAC),
		MTU:       netw.MTU,
		Status:    netw.Status.String(),
	}
}

func netifDetails(netw *core.Network) *event.NetifDetails {
	return &event.NetifDetails{
		NetworkID: uint64(netw.ID),
		MAC:       [6]byte(netw.MAC),
		MTU:       netw.MTU,
	}
}

// emitPeerEvents diffs each peer's current non-expired path count
// against its previously observed count, publishing PeerDirect/
// PeerRelay on a 0→≥1 transition and PeerUnreachable on ≥1→0.
func (n *Node) emitPeerEvents() {
	peers := n.coreNode.Peers()

	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	if n.peerPathCounts == nil {
		n.peerPathCounts = make(map[core.Address]int)
	}

	seen := make(map[core.Address]bool, len(peers))
	for _, p := range peers {
		seen[p.Address] = true
		count := livePathCount(p)
		prev := n.peerPathCounts[p.Address]
		switch {
		case prev == 0 && count > 0:
			n.bus.Publish(event.Message{Code: peerReachableCode(p), Peer: peerDetails(p)})
		case prev > 0 && count == 0:
			n.bus.Publish(event.Message{Code: event.PeerUnreachable, Peer: peerDetails(p)})
		}
		n.peerPathCounts[p.Address] = count
	}
	for addr := range n.peerPathCounts {
		if !seen[addr] {
			delete(n.peerPathCounts, addr)
		}
	}
}

func livePathCount(p *core.Peer) int {
	count := 0
	for _, path := range p.Paths() {
		if !path.Expired {
			count++
		}
	}
	return count
}

// peerReachableCode distinguishes a direct leaf path from a path to
// pinned relay/bootstrap infrastructure (moons/planets).
func peerReachableCode(p *core.Peer) event.Code {
	if p.Role == core.RoleMoon || p.Role == core.RolePlanet {
		return event.PeerRelay
	}
	return event.PeerDirect
}

func peerDetails(p *core.Peer) *event.PeerDetails {
	return &event.PeerDetails{
		Address:   addressToUint64(p.Address),
		Role:      peerRoleName(p.Role),
		PathCount: livePathCount(p),
		LatencyMS: p.LatencyMS,
	}
}

func peerRoleName(r core.PeerRole) string {
	switch r {
	case core.RoleMoon:
		return "moon"
	case core.RolePlanet:
		return "planet"
	default:
		return "leaf"
	}
}
