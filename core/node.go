// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// FatalError reports an unrecoverable condition in the core node (for
// example, an identity collision that could not be resolved), per
// spec.md §7. The service orchestrator surfaces it as a FatalError
// event and stops the node.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("core: fatal: %s", e.Reason)
}

// backgroundInterval bounds how often ProcessBackgroundTasks asks to
// be called again when there is no more urgent pending work.
const backgroundInterval = time.Second

// Node is the overlay node: it owns the local Identity, tracks known
// Peers and Network memberships, and implements the packet- and
// frame-processing entry points the service orchestrator drives
// (spec.md §4.C).
type Node struct {
	mu sync.Mutex

	self    Identity
	address Address
	cb      Callbacks

	peers    map[Address]*Peer
	networks map[NetworkID]*Network
	orbits   map[Address]bool // moons/planets pinned via Orbit

	localAddrs []netip.AddrPort

	lastHousekeeping time.Time
}

// NewNode constructs a Node from an existing (or freshly generated)
// Identity. cb must not be nil.
func NewNode(id Identity, addr Address, cb Callbacks) *Node {
	return &Node{
		self:     id,
		address:  addr,
		cb:       cb,
		peers:    make(map[Address]*Peer),
		networks: make(map[NetworkID]*Network),
		orbits:   make(map[Address]bool),
	}
}

// Address returns the node's own address.
func (n *Node) Address() Address {
	return n.address
}

// Join creates (idempotently) a membership for id and returns it in
// StatusRequestingConfig. The actual configuration arrives later via
// controller traffic (out of scope here) or, for ad-hoc networks, is
// synthesized immediately.
func (n *Node) Join(id NetworkID) (*Network, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if existing, ok := n.networks[id]; ok {
		return existing, nil
	}
	net := newNetwork(id, n.address)
	if loPort, hiPort, ok := id.IsAdHocPublic(); ok {
		net.Status = StatusOK
		_ = loPort
		_ = hiPort
		// An ad-hoc network has no controller to push an assignment, so
		// it self-assigns its RFC4193 address deterministically from
		// (nwid, address) rather than leaving AssignedIPs empty.
		_ = net.AddAssignedIP(RFC4193Addr(id, n.address))
	}
	n.networks[id] = net
	n.cb.VirtualNetworkConfigUpdated(net)
	return net, nil
}

// Leave tears down a membership. It is a no-op if the node is not a
// member of id.
func (n *Node) Leave(id NetworkID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.networks, id)
}

// Network returns the membership for id, if any.
func (n *Node) Network(id NetworkID) (*Network, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	net, ok := n.networks[id]
	return net, ok
}

// Networks returns all current memberships.
func (n *Node) Networks() []*Network {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Network, 0, len(n.networks))
	for _, net := range n.networks {
		out = append(out, net)
	}
	return out
}

// Orbit pins addr as always-trusted infrastructure (a moon or planet),
// as opposed to a leaf peer learned only through network traffic.
func (n *Node) Orbit(addr Address, pub [32]byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orbits[addr] = true
	if _, ok := n.peers[addr]; !ok {
		n.peers[addr] = newPeer(addr, pub, RolePlanet)
	}
}

// SeedPath manually records addr as reachable via sock/remote. It lets
// a caller holding an out-of-band rendezvous hint (the service
// orchestrator's own bootstrap/relay configuration, spec.md §4.C)
// bootstrap a path before any wire traffic has actually been
// exchanged, rather than waiting for an inbound packet's source
// address to establish one via ProcessWirePacket's own touchPath call.
func (n *Node) SeedPath(addr Address, sock SocketHandle, remote netip.AddrPort) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	peer, ok := n.peers[addr]
	if !ok {
		return fmt.Errorf("core: unknown peer %s", addr)
	}
	peer.touchPath(sock, Path{Remote: remote}, time.Now())
	return nil
}

// Deorbit removes a previously pinned address.
func (n *Node) Deorbit(addr Address) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.orbits, addr)
}

// MulticastSubscribe joins a multicast group on network id.
func (n *Node) MulticastSubscribe(id NetworkID, g MulticastGroup) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	net, ok := n.networks[id]
	if !ok {
		return fmt.Errorf("core: not a member of network %s", id)
	}
	return net.Subscribe(g)
}

// MulticastUnsubscribe leaves a multicast group on network id.
func (n *Node) MulticastUnsubscribe(id NetworkID, g MulticastGroup) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if net, ok := n.networks[id]; ok {
		net.Unsubscribe(g)
	}
}

// SetLocalAddresses replaces the set of local interface addresses the
// orchestrator publishes for path discovery (spec.md §4.H maintenance
// loop step 6: "clear local interface addresses in the node,
// re-publish from binder's bound set + port-mapper's external set").
func (n *Node) SetLocalAddresses(addrs []netip.AddrPort) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.localAddrs = append([]netip.AddrPort(nil), addrs...)
}

// LocalAddresses returns the most recently published local interface
// addresses.
func (n *Node) LocalAddresses() []netip.AddrPort {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]netip.AddrPort, len(n.localAddrs))
	copy(out, n.localAddrs)
	return out
}

// PeerByAddress returns the Peer known for addr, if any.
func (n *Node) PeerByAddress(addr Address) (*Peer, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.peers[addr]
	return p, ok
}

// Peers returns all currently known peers.
func (n *Node) Peers() []*Peer {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, p)
	}
	return out
}

// learnPeer returns the Peer for addr, creating it as a leaf if unseen.
func (n *Node) learnPeer(addr Address, pub [32]byte) *Peer {
	p, ok := n.peers[addr]
	if !ok {
		p = newPeer(addr, pub, RoleLeaf)
		n.peers[addr] = p
	}
	return p
}

// ProcessWirePacket handles one ciphertext datagram received on sock
// from remote. It authenticates and decrypts the packet against the
// claimed sender's peer record, then dispatches on the wire verb.
func (n *Node) ProcessWirePacket(sock SocketHandle, remote netip.AddrPort, packet []byte, now time.Time) error {
	srcGuess, ok := peekSourceAddress(packet)
	if !ok {
		return fmt.Errorf("core: dropping undersized packet (%d bytes)", len(packet))
	}

	n.mu.Lock()
	peer, known := n.peers[srcGuess]
	n.mu.Unlock()
	if !known {
		// Unknown sender: nothing to decrypt against yet. A real
		// node would here initiate a HELLO exchange; out of scope.
		return fmt.Errorf("core: dropping packet from unknown peer %s", srcGuess)
	}

	key, err := peer.sessionKey(n.self)
	if err != nil {
		return err
	}
	src, verb, payload, err := openPacket(key, packet)
	if err != nil {
		return err
	}
	if src != srcGuess {
		return fmt.Errorf("core: source address mismatch for %s", src)
	}

	if !n.cb.PathCheckFunction(src, remote) {
		return nil
	}

	n.mu.Lock()
	peer.touchPath(sock, Path{Remote: remote}, now)
	n.mu.Unlock()

	switch verb {
	case verbHello, verbHelloAck:
		n.cb.EventCallback(0, peer)
		return nil
	case verbEcho:
		return n.sendTo(peer, verbHelloAck, nil)
	case verbFrame:
		return n.handleFrame(src, payload)
	case verbMulticastLike:
		return n.handleFrame(src, payload)
	default:
		return fmt.Errorf("core: unknown wire verb %d from %s", verb, src)
	}
}

// handleFrame unpacks a bridged virtual-network frame:
// networkID(8) | srcMAC(6) | dstMAC(6) | etherType(2) | data
func (n *Node) handleFrame(from Address, payload []byte) error {
	const hdr = 8 + 6 + 6 + 2
	if len(payload) < hdr {
		return fmt.Errorf("core: undersized frame from %s (%d bytes)", from, len(payload))
	}
	id := NetworkID(beUint64(payload[0:8]))
	var srcMAC, dstMAC MAC
	copy(srcMAC[:], payload[8:14])
	copy(dstMAC[:], payload[14:20])
	etherType := beUint16(payload[20:22])
	data := payload[hdr:]

	n.mu.Lock()
	_, member := n.networks[id]
	n.mu.Unlock()
	if !member {
		return fmt.Errorf("core: frame for network %s we are not a member of", id)
	}
	n.cb.VirtualNetworkFrame(id, srcMAC, dstMAC, etherType, data)
	return nil
}

// ProcessVirtualFrame accepts an Ethernet frame captured from the
// local vtap.Tap for transmission onto network id, addressed to dst.
// If dst resolves to a known peer with a live path, it is sent
// directly; otherwise the caller should queue it pending discovery.
func (n *Node) ProcessVirtualFrame(id NetworkID, src, dst MAC, etherType uint16, frame []byte) error {
	n.mu.Lock()
	_, member := n.networks[id]
	n.mu.Unlock()
	if !member {
		return fmt.Errorf("core: not a member of network %s", id)
	}

	payload := make([]byte, 0, 22+len(frame))
	payload = appendBEUint64(payload, uint64(id))
	payload = append(payload, src[:]...)
	payload = append(payload, dst[:]...)
	payload = appendBEUint16(payload, etherType)
	payload = append(payload, frame...)

	target, err := n.peerForMAC(id, dst)
	if err != nil {
		return err
	}
	return n.sendTo(target, verbFrame, payload)
}

// peerForMAC resolves a destination MAC learned on virtual network id
// to a known Peer. Broadcast/multicast destinations and ARP discovery
// are out of scope for this minimal bridge; callers are expected to
// resolve unicast destinations via prior HELLO/learn traffic.
func (n *Node) peerForMAC(id NetworkID, dst MAC) (*Peer, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.peers {
		if deriveMAC(p.Address, id) == dst {
			return p, nil
		}
	}
	return nil, fmt.Errorf("core: no known peer for mac %s", dst)
}

// sendTo encrypts payload under verb for peer's current best path and
// hands it to the Callbacks for transmission.
func (n *Node) sendTo(peer *Peer, verb wireVerb, payload []byte) error {
	n.mu.Lock()
	path, ok := peer.bestPath()
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("core: no live path to peer %s", peer.Address)
	}

	key, err := peer.sessionKey(n.self)
	if err != nil {
		return err
	}
	packet, err := sealPacket(n.address, key, verb, payload)
	if err != nil {
		return err
	}

	n.mu.Lock()
	path.touchSend(time.Now())
	n.mu.Unlock()

	return n.cb.WirePacketSendFunction(path.Socket, path.Remote, packet)
}

// ProcessBackgroundTasks performs periodic housekeeping (path expiry,
// membership re-announcement) and reports when it next wants to be
// called, mirroring the original SDK's single maintenance entry point
// (spec.md §4.C/§4.H).
func (n *Node) ProcessBackgroundTasks(now time.Time) (nextDeadline time.Time, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if now.Sub(n.lastHousekeeping) < backgroundInterval {
		return n.lastHousekeeping.Add(backgroundInterval), nil
	}
	n.lastHousekeeping = now

	for _, p := range n.peers {
		p.expirePaths(now)
	}
	return now.Add(backgroundInterval), nil
}

func beUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}

func appendBEUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}

func appendBEUint64(b []byte, v uint64) []byte {
	for shift := 56; shift >= 0; shift -= 8 {
		b = append(b, byte(v>>shift))
	}
	return b
}
