// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package vtap bridges one virtual network membership (core.Network)
// to the userspace TCP/IP stack driving it (netstack.Stack), the same
// buffered-channel-plus-poll-goroutine shape the teacher uses to
// bridge wireguard-go to an OS TUN device, adapted here to bridge the
// overlay network to a gVisor NIC instead of a kernel device (Component
// E, spec.md §4.E).
package vtap

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"golang.zx2c4.com/wireguard/device"

	"go.zt.dev/ztcore/core"
)

// MaxPacketSize bounds an injected Ethernet frame, mirroring the
// teacher's own device.MaxContentSize ceiling for injected packets.
const MaxPacketSize = device.MaxContentSize

var (
	// ErrClosed is returned for any operation on a closed Tap.
	ErrClosed = errors.New("vtap: tap closed")
	// errPacketTooBig mirrors the teacher's own oversized-packet guard.
	errPacketTooBig = errors.New("vtap: packet too big")
)

// WriteToStack delivers a frame that arrived (decrypted) from the
// overlay network into the local TCP/IP stack, as if it had been
// received directly on the stack's NIC. Implemented by netstack.Stack
// when it registers itself with a Tap.
type WriteToStack func(frame []byte) error

// outboundFrame is one frame the local stack wants to send out onto
// the overlay network.
type outboundFrame struct {
	dstMAC    core.MAC
	etherType uint16
	data      []byte
}

// Tap is the per-network bridge: InjectInbound hands a frame from the
// network to the stack; InjectOutbound queues a frame the stack
// produced for transmission over the network.
type Tap struct {
	NetworkID core.NetworkID
	MAC       core.MAC

	toStack WriteToStack

	closeOnce sync.Once
	closed    chan struct{}

	outboundMu sync.Mutex
	outbound   chan outboundFrame

	// learnedMu guards a tiny ARP-equivalent: since this bridge carries
	// L3 payloads between core and the stack rather than full Ethernet
	// frames, the destination MAC for an outbound packet is recovered
	// by remembering which MAC last sent us traffic from a given IP,
	// the way a learning switch populates its forwarding table.
	learnedMu sync.Mutex
	learned   map[netip.Addr]core.MAC
}

// outboundQueueDepth bounds how many not-yet-sent frames a Tap buffers
// before InjectOutbound starts blocking, analogous to the teacher's
// single-slot buffer-consumed rendezvous but sized for a few frames of
// slack since this path has no poll goroutine forcing lockstep.
const outboundQueueDepth = 256

// New constructs a Tap for network nwid with hardware address mac. The
// stack side is wired in afterward via SetWriteToStack, mirroring how
// the teacher's Wrapper is constructed before its tun.Device is ready.
func New(nwid core.NetworkID, mac core.MAC) *Tap {
	return &Tap{
		NetworkID: nwid,
		MAC:       mac,
		closed:    make(chan struct{}),
		outbound:  make(chan outboundFrame, outboundQueueDepth),
		learned:   make(map[netip.Addr]core.MAC),
	}
}

// SetWriteToStack wires the stack-side delivery function in. Must be
// called once, before InjectInbound is used.
func (t *Tap) SetWriteToStack(f WriteToStack) {
	t.toStack = f
}

// InjectInbound delivers frame, which arrived decrypted from the
// overlay network with sender hardware address srcMAC, directly into
// the local TCP/IP stack. It blocks on the stack's own injection call
// and does not take ownership of frame.
func (t *Tap) InjectInbound(srcMAC core.MAC, frame []byte) error {
	if t.isClosed() {
		return ErrClosed
	}
	if len(frame) > MaxPacketSize {
		return errPacketTooBig
	}
	if t.toStack == nil {
		return fmt.Errorf("vtap: network %s: no stack wired in", t.NetworkID)
	}
	if srcIP, ok := sourceIPFromPacket(frame); ok {
		t.learnedMu.Lock()
		t.learned[srcIP] = srcMAC
		t.learnedMu.Unlock()
	}
	return t.toStack(frame)
}

// MACForIP returns the hardware address last observed sending traffic
// from ip, if any has been learned yet.
func (t *Tap) MACForIP(ip netip.Addr) (core.MAC, bool) {
	t.learnedMu.Lock()
	defer t.learnedMu.Unlock()
	mac, ok := t.learned[ip]
	return mac, ok
}

// sourceIPFromPacket extracts the source address from an IPv4 or IPv6
// header without validating checksums; used only to keep the MAC
// learning table warm.
func sourceIPFromPacket(b []byte) (netip.Addr, bool) {
	if len(b) < 1 {
		return netip.Addr{}, false
	}
	switch b[0] >> 4 {
	case 4:
		if len(b) < 20 {
			return netip.Addr{}, false
		}
		var a [4]byte
		copy(a[:], b[12:16])
		return netip.AddrFrom4(a), true
	case 6:
		if len(b) < 40 {
			return netip.Addr{}, false
		}
		var a [16]byte
		copy(a[:], b[8:24])
		return netip.AddrFrom16(a), true
	default:
		return netip.Addr{}, false
	}
}

// InjectOutbound queues a frame the local stack produced for
// transmission over the overlay network to dstMAC. It does not block
// except when the outbound queue is momentarily full, and takes
// ownership of data.
func (t *Tap) InjectOutbound(dstMAC core.MAC, etherType uint16, data []byte) error {
	if len(data) > MaxPacketSize {
		return errPacketTooBig
	}
	if len(data) == 0 {
		return nil
	}
	return t.sendOutbound(outboundFrame{dstMAC: dstMAC, etherType: etherType, data: data})
}

// sendOutbound does t.outbound <- f, guarding against a send racing a
// concurrent Close the way the teacher's sendOutbound protects against
// a send-on-closed-channel panic on its own hot path.
func (t *Tap) sendOutbound(f outboundFrame) (err error) {
	defer allowSendOnClosedChannel(&err)
	t.outboundMu.Lock()
	defer t.outboundMu.Unlock()
	select {
	case t.outbound <- f:
		return nil
	case <-t.closed:
		return ErrClosed
	}
}

// allowSendOnClosedChannel suppresses the panic from a send racing a
// concurrent close of the same channel, the same tradeoff the teacher
// makes on its own hot outbound-send path rather than paying for a
// multi-case select on every packet.
func allowSendOnClosedChannel(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if e, ok := r.(error); ok && e.Error() == "send on closed channel" {
		*err = ErrClosed
		return
	}
	panic(r)
}

// Outbound returns the channel the netstack driver's poll loop reads
// queued outbound frames from.
func (t *Tap) Outbound() <-chan outboundFrame {
	return t.outbound
}

// OutboundFrame is the exported shape of a dequeued outbound frame.
type OutboundFrame = outboundFrame

// DstMAC is the hardware address the stack resolved this frame to,
// per Stack.resolveOutboundDest.
func (f OutboundFrame) DstMAC() core.MAC { return f.dstMAC }

// EtherType is the frame's Ethernet type field.
func (f OutboundFrame) EtherType() uint16 { return f.etherType }

// Data is the frame's payload, owned by the caller.
func (f OutboundFrame) Data() []byte { return f.data }

func (t *Tap) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

// Done returns a channel closed once Close has been called, so a
// caller draining Outbound() in its own goroutine knows when to stop
// without racing a close of the outbound channel itself.
func (t *Tap) Done() <-chan struct{} {
	return t.closed
}

// Close shuts the Tap down; any blocked or future InjectOutbound calls
// fail with ErrClosed.
func (t *Tap) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
	})
	return nil
}
