// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zt

import (
	"context"
	"errors"
	"time"

	"go.zt.dev/ztcore/core"
	"go.zt.dev/ztcore/event"
	"go.zt.dev/ztcore/vtap"
)

// maintenanceTickInterval is spec.md §4.H's "every ≤100ms" cadence for
// the seven-step housekeeping pass.
const maintenanceTickInterval = 100 * time.Millisecond

// clockSkewThreshold bounds how far a tick's actual interval may drift
// from maintenanceTickInterval before it is treated as a system clock
// jump rather than ordinary scheduling jitter.
const clockSkewThreshold = 10 * time.Second

// bindRefreshInterval paces step 2's interface re-enumeration; it
// doesn't need every-100ms cadence since host interfaces rarely churn.
const bindRefreshInterval = 5 * time.Second

// peerCacheEvictInterval is spec.md §4.H step 7's hourly sweep.
const peerCacheEvictInterval = time.Hour

// maintenanceLoop returns the errgroup.Group worker that runs the
// seven-step maintenance pass until ctx is canceled, mirroring
// Service.cpp's own single-threaded run loop (spec.md §4.H).
func (n *Node) maintenanceLoop(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(maintenanceTickInterval)
		defer ticker.Stop()

		last := time.Now()
		n.lastBindRefresh = last
		n.lastPeerEviction = last

		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				if err := n.maintenanceTick(now, last); err != nil {
					return err
				}
				last = now
			}
		}
	}
}

// maintenanceTick runs the seven named steps once. A returned error is
// always a *core.FatalError and drives the stopping transition
// (spec.md §7); every other failure along the way is logged and
// skipped rather than propagated.
func (n *Node) maintenanceTick(now, last time.Time) error {
	n.detectClockSkew(now, last) // step 1

	if now.Sub(n.lastBindRefresh) >= bindRefreshInterval {
		if err := n.binder.Refresh(n.desiredPorts()); err != nil {
			n.log.WithError(err).Warn("zt: bind refresh")
		}
		n.lastBindRefresh = now
	} // step 2

	n.generateEventMessages() // step 3

	if _, err := n.coreNode.ProcessBackgroundTasks(now); err != nil {
		var fatal *core.FatalError
		if errors.As(err, &fatal) {
			return fatal
		}
		n.log.WithError(err).Warn("zt: background tasks")
	} // step 4

	n.reconcileMulticast() // step 5

	// Defensive re-run of the config-update reconcile (spec.md §3): the
	// callback already does this on every VirtualNetworkConfigUpdated,
	// this just catches any membership that callback missed.
	n.reconcileAllAssignedIPs()

	n.republishLocalAddresses() // step 6

	if now.Sub(n.lastPeerEviction) >= peerCacheEvictInterval {
		removed, err := n.store.EvictStalePeerHints(now)
		if err != nil {
			n.log.WithError(err).Warn("zt: evict peer hints")
		} else if removed > 0 {
			n.log.WithField("removed", removed).Debug("zt: evicted stale peer hints")
		}
		n.lastPeerEviction = now
	} // step 7

	n.updateOnlineState()
	return nil
}

// detectClockSkew logs a warning when the wall clock jumped by more
// than clockSkewThreshold between ticks, the same condition
// Service.cpp's main loop guards against before trusting elapsed-time
// computations for path expiry.
func (n *Node) detectClockSkew(now, last time.Time) {
	drift := now.Sub(last) - maintenanceTickInterval
	if drift < 0 {
		drift = -drift
	}
	if drift > clockSkewThreshold {
		n.log.WithField("drift", drift).Warn("zt: detected system clock jump")
	}
}

// reconcileMulticast diffs each membership's last-observed multicast
// subscriptions against what core.Network currently wants, using
// vtap.DiffMulticastGroups, and adopts the wanted set as observed.
// There is no OS-level multicast layer underneath this userspace
// stack to actually join/leave, so this step's effect is limited to
// keeping the bookkeeping (and any future wiring point) consistent;
// see DESIGN.md.
func (n *Node) reconcileMulticast() {
	n.membershipMu.Lock()
	ids := make([]core.NetworkID, 0, len(n.memberships))
	for id := range n.memberships {
		ids = append(ids, id)
	}
	n.membershipMu.Unlock()

	for _, id := range ids {
		net, ok := n.coreNode.Network(id)
		if !ok {
			continue
		}
		m, err := n.membershipFor(id)
		if err != nil {
			continue
		}
		wanted := net.MulticastGroups()
		toJoin, toLeave := vtap.DiffMulticastGroups(m.observedGroups, wanted)
		if len(toJoin) == 0 && len(toLeave) == 0 {
			continue
		}
		n.log.WithFields(map[string]interface{}{
			"network": id,
			"join":    len(toJoin),
			"leave":   len(toLeave),
		}).Debug("zt: multicast reconcile")
		m.observedGroups = wanted
	}
}

// reconcileAllAssignedIPs runs reconcileAssignedIPs across every
// current membership, the periodic half of spec.md §3's "reconciled
// on every config update" invariant: the event-driven half lives in
// VirtualNetworkConfigUpdated (callbacks.go) and in Join (node.go),
// this step exists only to catch drift if those are ever skipped.
func (n *Node) reconcileAllAssignedIPs() {
	n.membershipMu.Lock()
	ids := make([]core.NetworkID, 0, len(n.memberships))
	for id := range n.memberships {
		ids = append(ids, id)
	}
	n.membershipMu.Unlock()

	for _, id := range ids {
		net, ok := n.coreNode.Network(id)
		if !ok {
			continue
		}
		m, err := n.membershipFor(id)
		if err != nil {
			continue
		}
		n.reconcileAssignedIPs(id, net, m)
	}
}

// republishLocalAddresses clears and re-publishes the node's local
// interface addresses from the binder's bound sockets plus the
// port-mapper's externally discovered address, spec.md §4.H step 6.
func (n *Node) republishLocalAddresses() {
	addrs := n.binder.LocalAddrs()
	if n.mapper != nil {
		if ext, ok := n.mapper.External(); ok {
			addrs = append(addrs, ext)
		}
	}
	n.coreNode.SetLocalAddresses(addrs)
}

// updateOnlineState flips between StateOnline and StateOffline based
// on whether any known peer currently has a non-expired path, and
// publishes the matching NODE_ONLINE/NODE_OFFLINE event on transition.
func (n *Node) updateOnlineState() {
	cur := State(n.state.Load())
	if cur != StateOnline && cur != StateOffline {
		return
	}

	online := false
	for _, p := range n.coreNode.Peers() {
		for _, path := range p.Paths() {
			if !path.Expired {
				online = true
				break
			}
		}
		if online {
			break
		}
	}

	next := StateOffline
	if online {
		next = StateOnline
	}
	if next == cur {
		return
	}
	n.state.Store(int32(next))

	code := event.NodeOffline
	if online {
		code = event.NodeOnline
	}
	n.bus.Publish(event.Message{Code: code, Node: &event.NodeStatus{
		Address:     addressToUint64(n.address),
		PrimaryPort: n.primaryPort,
	}})
}
