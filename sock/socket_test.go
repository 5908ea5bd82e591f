// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sock

import (
	"context"
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"go.zt.dev/ztcore/core"
	"go.zt.dev/ztcore/netstack"
	"go.zt.dev/ztcore/vtap"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	tap := vtap.New(1, core.MAC{0x02, 1, 2, 3, 4, 5})
	stack, err := netstack.Create(nil, 1, tap)
	if err != nil {
		t.Fatalf("create stack: %v", err)
	}
	if err := stack.Start(); err != nil {
		t.Fatalf("start stack: %v", err)
	}
	t.Cleanup(func() { stack.Close() })
	return NewManager(stack)
}

func TestSocketRejectsBadDomainAndType(t *testing.T) {
	c := qt.New(t)
	m := newTestManager(t)

	_, err := m.Socket(0x9999, SockStream, IPProtoTCP)
	c.Assert(err, qt.Not(qt.IsNil))

	_, err = m.Socket(AFInet, 0x9999, IPProtoTCP)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestSocketFDsAreUniqueAndStable(t *testing.T) {
	c := qt.New(t)
	m := newTestManager(t)

	s1, err := m.Socket(AFInet, SockStream, IPProtoTCP)
	c.Assert(err, qt.IsNil)
	s2, err := m.Socket(AFInet, SockStream, IPProtoTCP)
	c.Assert(err, qt.IsNil)

	c.Assert(s1.FD(), qt.Not(qt.Equals), s2.FD())
	got, ok := m.reg.get(s1.FD())
	c.Assert(ok, qt.IsTrue)
	c.Assert(got, qt.Equals, s1)
}

func TestSockOptDefaultsAndRoundTrip(t *testing.T) {
	c := qt.New(t)
	m := newTestManager(t)
	s, err := m.Socket(AFInet, SockStream, IPProtoTCP)
	c.Assert(err, qt.IsNil)

	ttl, err := s.GetSockOpt(0, IPTTL)
	c.Assert(err, qt.IsNil)
	c.Assert(ttl, qt.Equals, defaultTTL)

	c.Assert(s.SetSockOpt(SOLSocket, SORcvTimeo, 250000), qt.IsNil)
	v, err := s.GetSockOpt(SOLSocket, SORcvTimeo)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.Equals, 250000)

	c.Assert(s.SetSockOpt(SOLSocket, SOLinger, 7), qt.IsNil)
	v, err = s.GetSockOpt(SOLSocket, SOLinger)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.Equals, 7)
}

func TestSockOptUnimplementedOptionsEchoLastValue(t *testing.T) {
	c := qt.New(t)
	m := newTestManager(t)
	s, err := m.Socket(AFInet, SockStream, IPProtoTCP)
	c.Assert(err, qt.IsNil)

	c.Assert(s.SetSockOpt(SOLSocket, SOReusePort, 1), qt.IsNil)
	v, err := s.GetSockOpt(SOLSocket, SOReusePort)
	c.Assert(err, qt.IsNil)
	c.Assert(v, qt.Equals, 1)
}

func TestSockOptUnknownOptionIsArgError(t *testing.T) {
	c := qt.New(t)
	m := newTestManager(t)
	s, err := m.Socket(AFInet, SockStream, IPProtoTCP)
	c.Assert(err, qt.IsNil)

	_, err = s.GetSockOpt(SOLSocket, 0x7fff)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestListenBeforeBindIsArgError(t *testing.T) {
	c := qt.New(t)
	m := newTestManager(t)
	s, err := m.Socket(AFInet, SockStream, IPProtoTCP)
	c.Assert(err, qt.IsNil)

	err = s.Listen()
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestSendRecvOnUnconnectedSocketIsArgError(t *testing.T) {
	c := qt.New(t)
	m := newTestManager(t)
	s, err := m.Socket(AFInet, SockDgram, IPProtoUDP)
	c.Assert(err, qt.IsNil)

	_, err = s.Send([]byte("hi"))
	c.Assert(err, qt.Not(qt.IsNil))
	_, err = s.Recv(make([]byte, 4))
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestErrnoForMapsContextDeadlineToETIMEDOUT(t *testing.T) {
	c := qt.New(t)
	c.Assert(errnoFor(context.DeadlineExceeded), qt.Equals, ETIMEDOUT)
	c.Assert(errnoFor(nil), qt.Equals, 0)
	c.Assert(errnoFor(errors.New("boom")), qt.Equals, EIO)
}

func TestCallerTokenErrnoRoundTrip(t *testing.T) {
	c := qt.New(t)
	tok := CallerToken(42)
	c.Assert(Errno(tok), qt.Equals, 0)
	SetErrno(tok, EADDRINUSE)
	c.Assert(Errno(tok), qt.Equals, EADDRINUSE)
}
