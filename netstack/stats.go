// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package netstack

import "sync/atomic"

// Stats counts packets and bytes crossing the boundary between the
// overlay network and this stack's NIC, new per spec.md §4.F (the
// teacher's always-on, process-lifetime Impl has no equivalent need
// for per-membership counters).
type Stats struct {
	PacketsIn  uint64
	BytesIn    uint64
	PacketsOut uint64
	BytesOut   uint64
}

// Stats returns a point-in-time snapshot of s's packet/byte counters.
func (s *Stack) Stats() Stats {
	return Stats{
		PacketsIn:  atomic.LoadUint64(&s.stats.PacketsIn),
		BytesIn:    atomic.LoadUint64(&s.stats.BytesIn),
		PacketsOut: atomic.LoadUint64(&s.stats.PacketsOut),
		BytesOut:   atomic.LoadUint64(&s.stats.BytesOut),
	}
}

func (s *Stack) countInbound(n int) {
	atomic.AddUint64(&s.stats.PacketsIn, 1)
	atomic.AddUint64(&s.stats.BytesIn, uint64(n))
}

func (s *Stack) countOutbound(n int) {
	atomic.AddUint64(&s.stats.PacketsOut, 1)
	atomic.AddUint64(&s.stats.BytesOut, uint64(n))
}
