// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package udpbind

import (
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"

	"golang.org/x/time/rate"

	"go.zt.dev/ztcore/core"
)

// portLo and portHi bound the random primary-port pick when the
// caller passes 0, and the retry ceiling for any single slot, per
// spec.md §4.B.
const (
	portLo      = 20000
	portHi      = 65535
	portSpan    = portHi - portLo + 1
	bindRetries = 1000

	// secondaryBase/secondaryMod implement the collision-avoidance
	// port derived from the node address.
	secondaryBase = 20000
	secondaryMod  = 45500
)

// Secondary derives the per-node secondary port from addr, used to
// avoid NAT collisions between colocated nodes (spec.md §4.B).
func Secondary(addr core.Address) uint16 {
	var v uint64
	for _, b := range addr {
		v = v<<8 | uint64(b)
	}
	return uint16(secondaryBase + int(v%secondaryMod))
}

// boundSocket is one open UDP socket on one (interface address, port)
// pair.
type boundSocket struct {
	handle core.SocketHandle
	iface  string
	laddr  netip.AddrPort
	conn   *net.UDPConn
}

// RecvFunc is handed every inbound datagram read off any of the
// binder's sockets. It must not block: the binder runs one reader
// goroutine per socket and a slow handler stalls that socket's
// receive queue.
type RecvFunc func(handle core.SocketHandle, remote netip.AddrPort, payload []byte)

// recvBufSize bounds one inbound datagram read, sized well above the
// virtual MTU so a maximum-size wire packet never truncates.
const recvBufSize = 8192

// Binder owns the set of UDP sockets a Node sends and receives overlay
// traffic on (Component B, spec.md §4.B).
type Binder struct {
	Filter *Filter

	mu      sync.Mutex
	sockets map[core.SocketHandle]*boundSocket
	nextID  core.SocketHandle

	recvMu   sync.Mutex
	recvFunc RecvFunc

	sendLimiter      *rate.Limiter
	broadcastLimiter *rate.Limiter
}

// NewBinder constructs a Binder with the given admission filter. A
// zero-value Filter allows everything except the hardcoded interface
// prefixes.
func NewBinder(f *Filter) *Binder {
	if f == nil {
		f = &Filter{}
	}
	return &Binder{
		Filter:  f,
		sockets: make(map[core.SocketHandle]*boundSocket),
		// Mirrors magicsock's own use of x/time/rate for pacing STUN
		// and heartbeat traffic: bound how fast a single maintenance
		// tick can hammer the local uplink.
		sendLimiter:      rate.NewLimiter(rate.Limit(2000), 200),
		broadcastLimiter: rate.NewLimiter(rate.Limit(50), 10),
	}
}

// SetRecvHandler installs the callback every socket's reader goroutine
// delivers inbound datagrams to. It must be called before Refresh
// opens any socket that should be read from; sockets opened earlier
// are not retroactively read. The teacher fragment in this pack does
// not include magicsock.go's own receiveIPv4/receiveIPv6 loops, so this
// is grounded on the documented shape (one reader per bound conn,
// dispatching to a single handler) rather than its literal code.
func (b *Binder) SetRecvHandler(f RecvFunc) {
	b.recvMu.Lock()
	defer b.recvMu.Unlock()
	b.recvFunc = f
}

func (b *Binder) dispatch(handle core.SocketHandle, remote netip.AddrPort, payload []byte) {
	b.recvMu.Lock()
	f := b.recvFunc
	b.recvMu.Unlock()
	if f != nil {
		f(handle, remote, payload)
	}
}

// readSocket is the per-socket reader goroutine launched by
// openSocketLocked. It exits when conn is closed.
func (b *Binder) readSocket(handle core.SocketHandle, conn *net.UDPConn) {
	buf := make([]byte, recvBufSize)
	for {
		n, remote, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		payload := append([]byte(nil), buf[:n]...)
		b.dispatch(handle, remote, payload)
	}
}

// Refresh enumerates host interfaces and ensures one UDP socket per
// desired port is open and bound on every address that passes the
// admission filter, closing sockets whose interface or address has
// disappeared.
func (b *Binder) Refresh(desiredPorts []uint16) error {
	candidates, err := enumerateInterfaces()
	if err != nil {
		return fmt.Errorf("udpbind: enumerate interfaces: %w", err)
	}

	wanted := make(map[string]bool)
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, cand := range candidates {
		if !b.Filter.Allow(cand.ifaceName, cand.addr) {
			continue
		}
		for _, port := range desiredPorts {
			key := fmt.Sprintf("%s|%s|%d", cand.ifaceName, cand.addr, port)
			wanted[key] = true
			if b.hasSocketLocked(cand.ifaceName, cand.addr, port) {
				continue
			}
			if err := b.openSocketLocked(cand.ifaceName, cand.addr, port); err != nil {
				// One slot failing to bind shouldn't abort refreshing
				// the rest of the interface set.
				continue
			}
		}
	}

	for handle, sock := range b.sockets {
		key := fmt.Sprintf("%s|%s|%d", sock.iface, sock.laddr.Addr(), sock.laddr.Port())
		if !wanted[key] {
			sock.conn.Close()
			delete(b.sockets, handle)
		}
	}
	return nil
}

func (b *Binder) hasSocketLocked(iface string, addr netip.Addr, port uint16) bool {
	for _, s := range b.sockets {
		if s.iface == iface && s.laddr.Addr() == addr && s.laddr.Port() == port {
			return true
		}
	}
	return false
}

// openSocketLocked binds a UDP socket on addr:port, or addr:0 walking
// upward up to bindRetries times if port is already taken and port
// was not explicitly pinned to a single value by the caller (the
// primary-port random case).
func (b *Binder) openSocketLocked(iface string, addr netip.Addr, port uint16) error {
	start := port
	for attempt := 0; attempt < bindRetries; attempt++ {
		tryPort := start
		if port == 0 {
			tryPort = uint16(portLo + rand.Intn(portSpan))
		} else if attempt > 0 {
			tryPort = port + uint16(attempt)
		}
		laddr := &net.UDPAddr{IP: addr.AsSlice(), Port: int(tryPort)}
		conn, err := net.ListenUDP(udpNetwork(addr), laddr)
		if err != nil {
			if port == 0 || attempt > 0 {
				continue
			}
			return err
		}
		b.nextID++
		handle := b.nextID
		b.sockets[handle] = &boundSocket{
			handle: handle,
			iface:  iface,
			laddr:  netip.AddrPortFrom(addr, tryPort),
			conn:   conn,
		}
		go b.readSocket(handle, conn)
		return nil
	}
	return fmt.Errorf("udpbind: exhausted %d bind attempts on %s", bindRetries, addr)
}

func udpNetwork(addr netip.Addr) string {
	if addr.Is4() {
		return "udp4"
	}
	return "udp6"
}

// SendOn transmits payload on exactly one socket, optionally setting a
// per-datagram TTL for IPv4 and restoring the prior value afterward.
func (b *Binder) SendOn(handle core.SocketHandle, remote netip.AddrPort, payload []byte, ttl int) error {
	if !b.sendLimiter.Allow() {
		return fmt.Errorf("udpbind: send rate limit exceeded")
	}
	b.mu.Lock()
	sock, ok := b.sockets[handle]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("udpbind: unknown socket handle %d", handle)
	}

	restore := -1
	if ttl > 0 && remote.Addr().Is4() {
		restore = getTTL(sock.conn)
		setTTL(sock.conn, ttl)
		defer setTTL(sock.conn, restore)
	}

	_, err := sock.conn.WriteToUDPAddrPort(payload, remote)
	return err
}

// Broadcast sends payload on every currently usable socket, for use
// when no known-good path to remote exists yet.
func (b *Binder) Broadcast(remote netip.AddrPort, payload []byte, ttl int) {
	if !b.broadcastLimiter.Allow() {
		return
	}
	b.mu.Lock()
	handles := make([]core.SocketHandle, 0, len(b.sockets))
	for h := range b.sockets {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		_ = b.SendOn(h, remote, payload, ttl)
	}
}

// LocalAddrs returns every bound socket's local address, for
// publishing onto the node as local interface addresses (spec.md §4.H
// step 6).
func (b *Binder) LocalAddrs() []netip.AddrPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]netip.AddrPort, 0, len(b.sockets))
	for _, s := range b.sockets {
		out = append(out, s.laddr)
	}
	return out
}

// Close closes every open socket.
func (b *Binder) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for handle, s := range b.sockets {
		s.conn.Close()
		delete(b.sockets, handle)
	}
	return nil
}
