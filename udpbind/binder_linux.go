// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package udpbind

import (
	"github.com/vishvananda/netlink"
)

// linkIsUsable reports whether the named link is administratively and
// operationally up, per its live netlink state — a richer signal than
// the net package's FlagUp alone (which only reflects the
// administrative state), layered on top of (never instead of) the
// admission filter's prefix rules.
func linkIsUsable(name string) bool {
	link, err := netlink.LinkByName(name)
	if err != nil {
		// Unknown to netlink (common for some virtual devices); fall
		// back to allowing the net-package view to decide.
		return true
	}
	attrs := link.Attrs()
	if attrs.Flags&netlinkFlagUp == 0 {
		return false
	}
	return attrs.OperState == netlink.OperUp || attrs.OperState == netlink.OperUnknown
}

const netlinkFlagUp = 1 << 0 // net.FlagUp, duplicated to avoid importing net for one bit
