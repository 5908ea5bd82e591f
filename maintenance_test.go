// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zt

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"go.zt.dev/ztcore/event"
)

func TestDetectClockSkewLogsOnlyBeyondThreshold(t *testing.T) {
	c := qt.New(t)
	binder := &fakeBinder{local: netip.MustParseAddrPort("10.255.2.1:9993")}
	node, err := newNode(Config{Ephemeral: true}, binder)
	c.Assert(err, qt.IsNil)

	now := time.Now()
	node.detectClockSkew(now, now.Add(-maintenanceTickInterval)) // ordinary tick, no skew
	node.detectClockSkew(now, now.Add(-maintenanceTickInterval-clockSkewThreshold-time.Second))
}

// recordedEvents collects published event.Messages behind a mutex,
// since the bus drain goroutine delivers them concurrently with the
// test goroutine's own polling.
type recordedEvents struct {
	mu  sync.Mutex
	msg []event.Message
}

func (r *recordedEvents) record(m event.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msg = append(r.msg, m)
}

func (r *recordedEvents) has(code event.Code) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.msg {
		if m.Code == code {
			return true
		}
	}
	return false
}

func TestUpdateOnlineStateTransitionsOnLivePath(t *testing.T) {
	c := qt.New(t)
	nodeA, _ := newWiredPair(t)

	rec := &recordedEvents{}
	nodeA.SetEventHandler(rec.record)

	// newWiredPair already seeds a path each way via OrbitAt, so the
	// very first check should flip nodeA online.
	nodeA.updateOnlineState()
	c.Assert(nodeA.State(), qt.Equals, StateOnline)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !rec.has(event.NodeOnline) {
		time.Sleep(10 * time.Millisecond)
	}
	c.Assert(rec.has(event.NodeOnline), qt.IsTrue)
}

func TestUpdateOnlineStateStaysOfflineWithNoLivePath(t *testing.T) {
	c := qt.New(t)
	nodeA, _ := newWiredPair(t)

	nodeC, err := newNode(Config{Ephemeral: true}, &fakeBinder{local: netip.MustParseAddrPort("10.255.2.9:9993")})
	c.Assert(err, qt.IsNil)
	c.Assert(nodeC.Start(context.Background()), qt.IsNil)
	t.Cleanup(func() { nodeC.Stop() })

	// Orbit without OrbitAt's SeedPath: nodeC knows of nodeA but has no
	// path to it, so it should never flip online.
	nodeC.Orbit(nodeA.Address(), nodeA.identity.Public)
	nodeC.updateOnlineState()
	c.Assert(nodeC.State(), qt.Equals, StateOffline)
}
