// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package vtap

import "go.zt.dev/ztcore/core"

// DiffMulticastGroups compares the groups the local stack's NIC is
// currently subscribed to (observed) against the groups core.Network
// wants subscribed (wanted), returning what must be joined and left to
// reconcile the two, per spec.md §4.E's multicast-group diffing.
func DiffMulticastGroups(observed, wanted []core.MulticastGroup) (toJoin, toLeave []core.MulticastGroup) {
	observedSet := make(map[core.MulticastGroup]bool, len(observed))
	for _, g := range observed {
		observedSet[g] = true
	}
	wantedSet := make(map[core.MulticastGroup]bool, len(wanted))
	for _, g := range wanted {
		wantedSet[g] = true
	}

	for _, g := range wanted {
		if !observedSet[g] {
			toJoin = append(toJoin, g)
		}
	}
	for _, g := range observed {
		if !wantedSet[g] {
			toLeave = append(toLeave, g)
		}
	}
	return toJoin, toLeave
}
