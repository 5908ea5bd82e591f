// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package netstack

import (
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/tcpip/waiter"
)

// acceptTCP handles one inbound TCP SYN the stack's NIC observed,
// completing the handshake and handing the resulting connection to
// ForwardTCPIn, adapted from the teacher's Impl.acceptTCP (stripped of
// the tailscale-specific DNS/SSH/peerapi routing, none of which this
// spec names).
func (s *Stack) acceptTCP(r *tcp.ForwarderRequest) {
	id := r.ID()
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		s.logf.call("netstack: %s: accept TCP: %v", s.nwid, err)
		r.Complete(true)
		return
	}
	r.Complete(false)
	ep.SocketOptions().SetKeepAlive(true)

	conn := gonet.NewTCPConn(&wq, ep)
	localPort := id.LocalPort

	if s.ForwardTCPIn != nil {
		s.ForwardTCPIn(conn, localPort)
		return
	}
	conn.Close()
}

// acceptUDP completes a UDP "connection" (gVisor's forwarder
// abstraction for the first datagram on a new 4-tuple) and hands it to
// ForwardUDPIn, adapted from Impl.acceptUDP.
func (s *Stack) acceptUDP(r *udp.ForwarderRequest) {
	id := r.ID()
	var wq waiter.Queue
	ep, err := r.CreateEndpoint(&wq)
	if err != nil {
		s.logf.call("netstack: %s: accept UDP: %v", s.nwid, err)
		return
	}
	conn := gonet.NewUDPConn(s.ipst, &wq, ep)

	local, ok1 := addrPortFromNetstack(id.LocalAddress, id.LocalPort)
	remote, ok2 := addrPortFromNetstack(id.RemoteAddress, id.RemotePort)
	if !ok1 || !ok2 {
		ep.Close()
		return
	}

	if s.ForwardUDPIn != nil {
		s.ForwardUDPIn(conn, local, remote)
		return
	}
	ep.Close()
}

func addrPortFromNetstack(addr tcpip.Address, port uint16) (netip.AddrPort, bool) {
	ip, ok := netip.AddrFromSlice([]byte(addr))
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), port), true
}
