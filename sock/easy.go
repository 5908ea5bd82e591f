// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sock

import "net/netip"

// BindString is the "easy" bind variant spec.md §4.G describes: it
// composes from Bind so wrappers across a language boundary don't need
// to marshal a sockaddr struct just to pick a local address.
func (s *Socket) BindString(ip string, port uint16) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return errArg("bad address %q: %v", ip, err)
	}
	return s.Bind(netip.AddrPortFrom(addr, port))
}

// ConnectString is the "easy" connect variant, composing from Connect
// the same way BindString composes from Bind.
func (s *Socket) ConnectString(ip string, port uint16) error {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return errArg("bad address %q: %v", ip, err)
	}
	return s.Connect(netip.AddrPortFrom(addr, port))
}
