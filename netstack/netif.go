// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package netstack

import (
	"errors"
	"net/netip"
)

// ErrStopped is returned by any netif or dial/listen entry point called
// after Close, the stop-then-ERR_INVALID_OP contract spec.md §4.F adds
// on top of the teacher's process-lifetime gVisor stack (which is
// always on and never needs to reject calls made after shutdown).
var ErrStopped = errors.New("netstack: stack is stopped")

// State reports the stack's terminal lifecycle position.
func (s *Stack) State() string {
	switch state(s.state.Load()) {
	case stateInitializing:
		return "initializing"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// checkRunning guards every netif and dial/listen entry point against
// being called once the stack has begun tearing down.
func (s *Stack) checkRunning() error {
	if state(s.state.Load()) == stateStopped || state(s.state.Load()) == stateStopping {
		return ErrStopped
	}
	return nil
}

// Addresses returns the IPs currently registered on the NIC via
// AddAddress.
func (s *Stack) Addresses() []netip.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]netip.Addr, 0, len(s.ips))
	for ip := range s.ips {
		out = append(out, ip)
	}
	return out
}
