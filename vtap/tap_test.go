// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtap

import (
	"net/netip"
	"testing"

	qt "github.com/frankban/quicktest"

	"go.zt.dev/ztcore/core"
)

func TestInjectInboundDeliversToWiredStack(t *testing.T) {
	c := qt.New(t)
	tap := New(0x1122334455667788, core.MAC{0x02, 1, 2, 3, 4, 5})

	var got []byte
	tap.SetWriteToStack(func(frame []byte) error {
		got = append([]byte(nil), frame...)
		return nil
	})

	src := core.MAC{0x02, 6, 7, 8, 9, 10}
	// IPv4 header with source 10.0.0.1 so the MAC-learning path exercises
	// sourceIPFromPacket too.
	frame := make([]byte, 20)
	frame[0] = 0x45
	copy(frame[12:16], []byte{10, 0, 0, 1})

	err := tap.InjectInbound(src, frame)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.DeepEquals, frame)

	mac, ok := tap.MACForIP(netip.AddrFrom4([4]byte{10, 0, 0, 1}))
	c.Assert(ok, qt.IsTrue)
	c.Assert(mac, qt.Equals, src)
}

func TestInjectInboundWithoutWiringFails(t *testing.T) {
	c := qt.New(t)
	tap := New(1, core.MAC{})
	err := tap.InjectInbound(core.MAC{}, []byte("x"))
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestInjectOutboundQueuesFrame(t *testing.T) {
	c := qt.New(t)
	tap := New(1, core.MAC{})
	dst := core.MAC{0x02, 9, 9, 9, 9, 9}

	err := tap.InjectOutbound(dst, 0x0800, []byte("payload"))
	c.Assert(err, qt.IsNil)

	select {
	case f := <-tap.Outbound():
		c.Assert(f.dstMAC, qt.Equals, dst)
		c.Assert(string(f.data), qt.Equals, "payload")
	default:
		t.Fatal("expected a queued outbound frame")
	}
}

func TestInjectOutboundEmptyIsNoOp(t *testing.T) {
	c := qt.New(t)
	tap := New(1, core.MAC{})
	err := tap.InjectOutbound(core.MAC{}, 0, nil)
	c.Assert(err, qt.IsNil)
	select {
	case <-tap.Outbound():
		t.Fatal("unexpected queued frame for empty injection")
	default:
	}
}

func TestTapCloseFailsSubsequentInjectInbound(t *testing.T) {
	c := qt.New(t)
	tap := New(1, core.MAC{})
	tap.SetWriteToStack(func(frame []byte) error { return nil })
	c.Assert(tap.Close(), qt.IsNil)

	err := tap.InjectInbound(core.MAC{}, []byte("x"))
	c.Assert(err, qt.Equals, ErrClosed)
}

func TestOutboundFrameAccessors(t *testing.T) {
	c := qt.New(t)
	tap := New(1, core.MAC{})
	dst := core.MAC{0x02, 9, 9, 9, 9, 9}

	err := tap.InjectOutbound(dst, 0x0800, []byte("payload"))
	c.Assert(err, qt.IsNil)

	f := <-tap.Outbound()
	c.Assert(f.DstMAC(), qt.Equals, dst)
	c.Assert(f.EtherType(), qt.Equals, uint16(0x0800))
	c.Assert(string(f.Data()), qt.Equals, "payload")
}

func TestDoneClosesOnClose(t *testing.T) {
	c := qt.New(t)
	tap := New(1, core.MAC{})
	tap.SetWriteToStack(func(frame []byte) error { return nil })

	select {
	case <-tap.Done():
		t.Fatal("Done closed before Close")
	default:
	}

	c.Assert(tap.Close(), qt.IsNil)

	select {
	case <-tap.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestDiffMulticastGroups(t *testing.T) {
	c := qt.New(t)
	a := core.MulticastGroup{MAC: core.MAC{1}, ADI: 0}
	b := core.MulticastGroup{MAC: core.MAC{2}, ADI: 0}
	d := core.MulticastGroup{MAC: core.MAC{3}, ADI: 0}

	toJoin, toLeave := DiffMulticastGroups([]core.MulticastGroup{a, b}, []core.MulticastGroup{b, d})
	c.Assert(toJoin, qt.DeepEquals, []core.MulticastGroup{d})
	c.Assert(toLeave, qt.DeepEquals, []core.MulticastGroup{a})
}
