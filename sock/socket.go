// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sock presents a BSD-style socket API in front of one
// netstack.Stack, the "thin wrapper around a gonet endpoint" spec.md
// §4.G calls for, reusing the teacher's own gonet.DialContextTCP /
// gonet.DialUDP / gonet.NewTCPConn / gonet.NewUDPConn patterns from
// wgengine/netstack.go (Component G, spec.md §4.G).
package sock

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"

	"go.zt.dev/ztcore/netstack"
)

// connectRetryDefault is the "approximate 30s" default connect
// timeout spec.md §4.G names for a blocking connect, because the
// overlay's first-contact path is lossy for the first few RTTs.
const connectRetryDefault = 30 * time.Second

// connectRetryInterval paces repeated dial attempts within the
// connect timeout window.
const connectRetryInterval = 200 * time.Millisecond

type sockState int

const (
	stateNew sockState = iota
	stateBound
	stateListening
	stateConnected
	stateClosed
)

// Manager issues and tracks Sockets bound to one netstack.Stack,
// mirroring the teacher's single-ipstack-per-process model generalized
// per spec.md §4.F to one Stack per joined network; a Manager wraps
// exactly one such Stack.
type Manager struct {
	stack *netstack.Stack
	reg   *registry
}

// NewManager constructs a Manager whose sockets dial and listen
// through stack.
func NewManager(stack *netstack.Stack) *Manager {
	return &Manager{stack: stack, reg: newRegistry()}
}

// Socket is one BSD-style socket descriptor's state.
type Socket struct {
	mgr *Manager
	fd  int

	domain int
	typ    int
	proto  int

	mu          sync.Mutex
	state       sockState
	nonBlocking bool
	local       netip.AddrPort
	remote      netip.AddrPort

	opts sockOpts

	tcpConn  *gonet.TCPConn
	udpConn  *gonet.UDPConn
	listener *gonet.TCPListener
}

// errArg reports spec.md §4.G's ERR_ARG for a structurally invalid
// call (bad domain/type, NULL-equivalent, etc).
func errArg(format string, args ...interface{}) error {
	return fmt.Errorf("sock: ERR_ARG: "+format, args...)
}

// Socket allocates a new socket of the given address family and type,
// the BSD `socket(2)` entry point. SOCK_RAW is accepted structurally
// but every data-path call on it fails, since this stack has no raw
// transport (matching gVisor's own transport set: tcp/udp/icmp only).
func (m *Manager) Socket(domain, typ, proto int) (*Socket, error) {
	if domain != AFInet && domain != AFInet6 {
		return nil, errArg("unsupported domain %#x", domain)
	}
	if typ != SockStream && typ != SockDgram && typ != SockRaw {
		return nil, errArg("unsupported type %#x", typ)
	}
	s := &Socket{
		mgr:    m,
		domain: domain,
		typ:    typ,
		proto:  proto,
		opts:   newSockOpts(),
	}
	m.reg.add(s)
	return s, nil
}

// Bind records the local address a subsequent Listen or (for
// datagrams) Connect will use. Stream sockets don't separately create
// a kernel-level bind; gonet.ListenTCP takes the full local address at
// listen time, so Bind here is bookkeeping only, matching the "near
// passthrough" framing of spec.md §4.G.
func (s *Socket) Bind(local netip.AddrPort) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateNew {
		return errArg("bind called on socket in state %d", s.state)
	}
	s.local = local
	s.state = stateBound
	return nil
}

// Listen begins accepting inbound TCP connections on the bound local
// address. Only SOCK_STREAM sockets may listen.
func (s *Socket) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typ != SockStream {
		return errArg("listen on non-stream socket")
	}
	if s.state != stateBound {
		return errArg("listen called before bind")
	}
	ln, err := s.mgr.stack.ListenTCP(s.local)
	if err != nil {
		return wrapSocketErr(err)
	}
	s.listener = ln
	s.state = stateListening
	return nil
}

// Accept blocks for the next inbound connection on a listening
// socket and returns a new, connected Socket for it.
func (s *Socket) Accept() (*Socket, netip.AddrPort, error) {
	s.mu.Lock()
	if s.state != stateListening {
		s.mu.Unlock()
		return nil, netip.AddrPort{}, errArg("accept on non-listening socket")
	}
	ln := s.listener
	s.mu.Unlock()

	conn, err := ln.Accept()
	if err != nil {
		return nil, netip.AddrPort{}, wrapSocketErr(err)
	}
	tcpConn := conn.(*gonet.TCPConn)
	remote, _ := netip.ParseAddrPort(tcpConn.RemoteAddr().String())

	accepted := &Socket{
		mgr:     s.mgr,
		domain:  s.domain,
		typ:     SockStream,
		proto:   s.proto,
		opts:    newSockOpts(),
		state:   stateConnected,
		remote:  remote,
		tcpConn: tcpConn,
	}
	s.mgr.reg.add(accepted)
	return accepted, remote, nil
}

// Connect dials remote. Stream sockets retry internally for roughly
// connectRetryDefault (or the socket's configured connect timeout)
// because the overlay's first-contact path is lossy for the first few
// RTTs, per spec.md §4.G; a non-blocking socket makes exactly one
// attempt and reports EAGAIN/EINPROGRESS-equivalent instead of
// waiting.
func (s *Socket) Connect(remote netip.AddrPort) error {
	s.mu.Lock()
	nonBlocking := s.nonBlocking
	typ := s.typ
	s.mu.Unlock()

	timeout := connectRetryDefault
	if nonBlocking {
		timeout = 0
	}

	switch typ {
	case SockStream:
		conn, err := s.dialTCPWithRetry(remote, timeout)
		if err != nil {
			return wrapSocketErr(err)
		}
		s.mu.Lock()
		s.tcpConn = conn
		s.remote = remote
		s.state = stateConnected
		s.applyNoDelayLocked()
		s.applyKeepAliveLocked()
		s.mu.Unlock()
		return nil
	case SockDgram:
		ctx, cancel := context.WithTimeout(context.Background(), maxDuration(timeout, connectRetryInterval))
		defer cancel()
		conn, err := s.mgr.stack.DialContextUDP(ctx, remote)
		if err != nil {
			return wrapSocketErr(err)
		}
		s.mu.Lock()
		s.udpConn = conn
		s.remote = remote
		s.state = stateConnected
		s.mu.Unlock()
		return nil
	default:
		return errArg("connect on unsupported socket type")
	}
}

func (s *Socket) dialTCPWithRetry(remote netip.AddrPort, timeout time.Duration) (*gonet.TCPConn, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for {
		ctx, cancel := context.WithTimeout(context.Background(), connectRetryInterval)
		conn, err := s.mgr.stack.DialContextTCP(ctx, remote)
		cancel()
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if timeout == 0 || time.Now().After(deadline) {
			return nil, lastErr
		}
	}
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// Send writes b to a connected socket, honoring SO_SNDTIMEO.
func (s *Socket) Send(b []byte) (int, error) {
	s.mu.Lock()
	if s.state != stateConnected {
		s.mu.Unlock()
		return 0, errArg("send on unconnected socket")
	}
	timeo := s.opts.sndTimeo
	tcpConn, udpConn := s.tcpConn, s.udpConn
	s.mu.Unlock()

	if tcpConn != nil {
		if timeo > 0 {
			tcpConn.SetWriteDeadline(time.Now().Add(timeo))
		}
		n, err := tcpConn.Write(b)
		return n, wrapSocketErr(err)
	}
	if timeo > 0 {
		udpConn.SetWriteDeadline(time.Now().Add(timeo))
	}
	n, err := udpConn.Write(b)
	return n, wrapSocketErr(err)
}

// Recv reads into b from a connected socket, honoring SO_RCVTIMEO.
func (s *Socket) Recv(b []byte) (int, error) {
	s.mu.Lock()
	if s.state != stateConnected {
		s.mu.Unlock()
		return 0, errArg("recv on unconnected socket")
	}
	timeo := s.opts.rcvTimeo
	tcpConn, udpConn := s.tcpConn, s.udpConn
	s.mu.Unlock()

	if tcpConn != nil {
		if timeo > 0 {
			tcpConn.SetReadDeadline(time.Now().Add(timeo))
		}
		n, err := tcpConn.Read(b)
		return n, wrapSocketErr(err)
	}
	if timeo > 0 {
		udpConn.SetReadDeadline(time.Now().Add(timeo))
	}
	n, err := udpConn.Read(b)
	return n, wrapSocketErr(err)
}

// SetNonBlocking toggles the socket's blocking mode, the classic
// fcntl(F_SETFL, O_NONBLOCK) idiom spec.md §4.G asks entry points to
// honor.
func (s *Socket) SetNonBlocking(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonBlocking = v
}

// noDelaySetter and keepAliveSetter are satisfied by *gonet.TCPConn on
// gVisor versions that re-expose per-connection socket options; on
// others these options take effect only for the accept-side
// connections stack.acceptTCP builds directly against the raw
// tcpip.Endpoint (see netstack/forward.go). Checking the interface
// rather than calling the method directly keeps this file correct
// either way.
type noDelaySetter interface{ SetNoDelay(bool) error }
type keepAliveSetter interface{ SetKeepAlive(bool) error }

func (s *Socket) applyNoDelayLocked() {
	if s.tcpConn == nil {
		return
	}
	if nd, ok := interface{}(s.tcpConn).(noDelaySetter); ok {
		nd.SetNoDelay(s.opts.noDelay)
	}
}

func (s *Socket) applyKeepAliveLocked() {
	if s.tcpConn == nil {
		return
	}
	if ka, ok := interface{}(s.tcpConn).(keepAliveSetter); ok {
		ka.SetKeepAlive(s.opts.keepAlive)
	}
}

// Close tears the socket down. A SO_LINGER-enabled socket blocks for
// up to its configured number of seconds to flush pending writes
// first, mirroring the standard `close(2)`/SO_LINGER contract spec.md
// §4.G preserves verbatim.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	linger, lingerSecs := s.opts.lingerOn, s.opts.lingerSecs
	tcpConn, udpConn, listener := s.tcpConn, s.udpConn, s.listener
	s.state = stateClosed
	s.mu.Unlock()

	s.mgr.reg.remove(s.fd)

	if linger && tcpConn != nil {
		tcpConn.SetDeadline(time.Now().Add(time.Duration(lingerSecs) * time.Second))
	}
	var err error
	if tcpConn != nil {
		err = tcpConn.Close()
	}
	if udpConn != nil {
		err = udpConn.Close()
	}
	if listener != nil {
		err = listener.Close()
	}
	return err
}

// FD returns the socket's file-descriptor-like handle, assigned by the
// Manager's registry the first time the socket is created.
func (s *Socket) FD() int { return s.fd }

func wrapSocketErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("sock: ERR_SOCKET: %w", err)
}
