// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package netstack drives one gVisor userspace TCP/IP stack per joined
// virtual network, bridged to that network's vtap.Tap. It is adapted
// from the teacher's wgengine/netstack.Impl, which wires a single
// gVisor NIC for an entire process; this rewrite instead gives each
// network membership its own Stack/NIC pair, since each virtual
// network is an independent L2 broadcast domain (Component F, spec.md
// §4.F).
package netstack

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/bufferv2"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"

	"go.zt.dev/ztcore/core"
	"go.zt.dev/ztcore/vtap"
)

// nicID is always 1: each Stack owns exactly one NIC, so there is
// never a second ID to pick.
const nicID = 1

// Logf mirrors the teacher's hot-path logging shape: a plain function
// value rather than an interface, so the zero value (nil) is a valid,
// silent logger.
type Logf func(format string, args ...interface{})

func (f Logf) call(format string, args ...interface{}) {
	if f != nil {
		f(format, args...)
	}
}

// state is the terminal lifecycle state machine named in spec.md §4.F.
type state int32

const (
	stateInitializing state = iota
	stateRunning
	stateStopping
	stateStopped
)

// Stack is a gVisor-backed TCP/IP stack for one virtual network
// membership, accepting TCP/UDP connections and exposing BSD-shaped
// dial/listen entry points to package sock.
type Stack struct {
	logf   Logf
	nwid   core.NetworkID
	tap    *vtap.Tap
	ipst   *stack.Stack
	linkEP *channel.Endpoint

	ctx       context.Context
	ctxCancel context.CancelFunc

	state atomic.Int32

	mu  sync.Mutex
	ips map[netip.Addr]bool

	stats Stats

	// ForwardTCPIn, if non-nil, is given every inbound TCP connection
	// instead of netstack's own loopback-to-host forwarding, mirroring
	// the teacher's own Impl.ForwardTCPIn escape hatch.
	ForwardTCPIn func(c *gonet.TCPConn, localPort uint16)
	// ForwardUDPIn is the UDP analogue of ForwardTCPIn.
	ForwardUDPIn func(c *gonet.UDPConn, local, remote netip.AddrPort)
}

// mtu is the default virtual-interface MTU, matching core.defaultMTU.
const mtu = 2800

// Create builds a Stack for one network membership, bridged to tap.
// Start must be called before the stack accepts traffic.
func Create(logf Logf, nwid core.NetworkID, tap *vtap.Tap) (*Stack, error) {
	if tap == nil {
		return nil, fmt.Errorf("netstack: nil tap")
	}
	ipst := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4, icmp.NewProtocol6},
	})
	sackEnabled := tcpip.TCPSACKEnabled(true)
	if err := ipst.SetTransportProtocolOption(tcp.ProtocolNumber, &sackEnabled); err != nil {
		return nil, fmt.Errorf("netstack: enable TCP SACK: %v", err)
	}

	linkEP := channel.New(512, mtu, "")
	if err := ipst.CreateNIC(nicID, linkEP); err != nil {
		return nil, fmt.Errorf("netstack: create NIC: %v", err)
	}
	ipst.SetPromiscuousMode(nicID, true)
	ipst.SetSpoofing(nicID, true)

	ipst.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stack{
		logf:      logf,
		nwid:      nwid,
		tap:       tap,
		ipst:      ipst,
		linkEP:    linkEP,
		ctx:       ctx,
		ctxCancel: cancel,
		ips:       make(map[netip.Addr]bool),
	}
	s.state.Store(int32(stateInitializing))
	tap.SetWriteToStack(s.injectInboundEthernet)
	return s, nil
}

// Start registers TCP/UDP forwarders and launches the inject goroutine
// that drains packets the stack generates out to the tap's outbound
// queue, mirroring the teacher's Impl.Start/Impl.inject split.
func (s *Stack) Start() error {
	const tcpReceiveBufferSize = 0
	const maxInFlightConnectionAttempts = 16
	tcpFwd := tcp.NewForwarder(s.ipst, tcpReceiveBufferSize, maxInFlightConnectionAttempts, s.acceptTCP)
	udpFwd := udp.NewForwarder(s.ipst, s.acceptUDP)
	s.ipst.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)
	s.ipst.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)
	go s.inject()
	s.state.Store(int32(stateRunning))
	return nil
}

// Close tears the stack down; Stop() is its public, state-checked name.
func (s *Stack) Close() error {
	s.state.Store(int32(stateStopping))
	s.ctxCancel()
	s.ipst.Close()
	s.state.Store(int32(stateStopped))
	return nil
}

// injectInboundEthernet is wired into tap.SetWriteToStack: a frame
// arriving decrypted from the overlay gets handed straight to the
// NIC's channel.Endpoint as if received on the wire.
func (s *Stack) injectInboundEthernet(frame []byte) error {
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: bufferv2.MakeWithData(append([]byte(nil), frame...)),
	})
	defer pkt.DecRef()
	s.countInbound(len(frame))
	s.linkEP.InjectInbound(etherTypeFromFrame(frame), pkt)
	return nil
}

// AddAddress registers ip on the NIC, making the stack answer for it.
func (s *Stack) AddAddress(ip netip.Addr) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ips[ip] {
		return nil
	}
	protoAddr := protocolAddress(ip)
	if err := s.ipst.AddProtocolAddress(nicID, protoAddr, stack.AddressProperties{}); err != nil {
		return fmt.Errorf("netstack: add address %s: %v", ip, err)
	}
	s.ips[ip] = true
	return nil
}

// RemoveAddress unregisters ip from the NIC.
func (s *Stack) RemoveAddress(ip netip.Addr) error {
	if err := s.checkRunning(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ips[ip] {
		return nil
	}
	if err := s.ipst.RemoveAddress(nicID, tcpip.Address(ip.AsSlice())); err != nil {
		return fmt.Errorf("netstack: remove address %s: %v", ip, err)
	}
	delete(s.ips, ip)
	return nil
}

// inject drains packets the gVisor stack generated (outbound traffic
// from local sockets) and queues them on the tap for encryption and
// transmission over the overlay, mirroring Impl.inject.
func (s *Stack) inject() {
	for {
		pkt := s.linkEP.ReadContext(s.ctx)
		if pkt == nil {
			if s.ctx.Err() != nil {
				return
			}
			continue
		}
		view := stack.PayloadSince(pkt.NetworkHeader())
		pkt.DecRef()
		if len(view) == 0 {
			continue
		}
		dstMAC, etherType := s.resolveOutboundDest(view)
		if err := s.tap.InjectOutbound(dstMAC, etherType, view); err != nil {
			s.logf.call("netstack: %s: inject outbound: %v", s.nwid, err)
			return
		}
		s.countOutbound(len(view))
	}
}

// DialContextTCP opens an outbound TCP connection from this stack.
func (s *Stack) DialContextTCP(ctx context.Context, addr netip.AddrPort) (*gonet.TCPConn, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	full := tcpip.FullAddress{NIC: nicID, Addr: tcpip.Address(addr.Addr().AsSlice()), Port: addr.Port()}
	return gonet.DialContextTCP(ctx, s.ipst, full, protocolNumber(addr.Addr()))
}

// DialContextUDP opens an outbound UDP "connection" from this stack.
func (s *Stack) DialContextUDP(ctx context.Context, addr netip.AddrPort) (*gonet.UDPConn, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	full := tcpip.FullAddress{NIC: nicID, Addr: tcpip.Address(addr.Addr().AsSlice()), Port: addr.Port()}
	return gonet.DialUDP(s.ipst, nil, &full, protocolNumber(addr.Addr()))
}

// ListenTCP accepts inbound TCP connections to laddr.
func (s *Stack) ListenTCP(laddr netip.AddrPort) (*gonet.TCPListener, error) {
	if err := s.checkRunning(); err != nil {
		return nil, err
	}
	full := tcpip.FullAddress{NIC: nicID, Addr: tcpip.Address(laddr.Addr().AsSlice()), Port: laddr.Port()}
	return gonet.ListenTCP(s.ipst, full, protocolNumber(laddr.Addr()))
}

func protocolAddress(ip netip.Addr) tcpip.ProtocolAddress {
	addr := tcpip.Address(ip.AsSlice())
	return tcpip.ProtocolAddress{
		Protocol:          protocolNumber(ip),
		AddressWithPrefix: addr.WithPrefix(),
	}
}

func protocolNumber(ip netip.Addr) tcpip.NetworkProtocolNumber {
	if ip.Is4() {
		return ipv4.ProtocolNumber
	}
	return ipv6.ProtocolNumber
}

func etherTypeFromFrame(frame []byte) tcpip.NetworkProtocolNumber {
	if len(frame) < 1 {
		return 0
	}
	switch frame[0] >> 4 {
	case 4:
		return ipv4.ProtocolNumber
	case 6:
		return ipv6.ProtocolNumber
	default:
		return 0
	}
}

// resolveOutboundDest looks up the hardware address the tap last
// learned for packet's destination IP (see vtap.Tap.MACForIP); an
// unresolved destination is sent as an Ethernet broadcast so the
// overlay node's own delivery logic decides how to handle it, the
// same "flood when unknown" fallback a learning switch uses.
func (s *Stack) resolveOutboundDest(packet []byte) (core.MAC, uint16) {
	etherType := uint16(header.IPv4ProtocolNumber)
	if len(packet) < 1 {
		return broadcastMAC, etherType
	}
	var dstIP netip.Addr
	var ok bool
	switch packet[0] >> 4 {
	case 4:
		etherType = uint16(header.IPv4ProtocolNumber)
		if len(packet) >= 20 {
			var a [4]byte
			copy(a[:], packet[16:20])
			dstIP, ok = netip.AddrFrom4(a), true
		}
	case 6:
		etherType = uint16(header.IPv6ProtocolNumber)
		if len(packet) >= 40 {
			var a [16]byte
			copy(a[:], packet[24:40])
			dstIP, ok = netip.AddrFrom16(a), true
		}
	}
	if !ok {
		return broadcastMAC, etherType
	}
	if mac, found := s.tap.MACForIP(dstIP); found {
		return mac, etherType
	}
	return broadcastMAC, etherType
}

var broadcastMAC = core.MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
