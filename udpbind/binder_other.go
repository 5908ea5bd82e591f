// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package udpbind

// linkIsUsable has no netlink-backed signal outside Linux; the net
// package's own FlagUp (already applied in enumerateInterfaces) is
// the only check available.
func linkIsUsable(name string) bool {
	return true
}
