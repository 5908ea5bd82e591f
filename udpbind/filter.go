// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package udpbind enumerates usable host interfaces and maintains the
// set of UDP sockets a Node sends and receives overlay traffic on.
package udpbind

import (
	"net"
	"net/netip"
	"strings"
)

// excludedPrefixes names interface name prefixes that are never valid
// carriers for overlay traffic: loopback, PPP links, and the various
// OS-specific tunnel/bridge device families a virtual tap itself
// might create, which would otherwise let the node recurse onto its
// own tap (spec.md §4.B admission rule 1).
var excludedPrefixes = []string{
	"lo",
	"ppp",
	"utun",
	"tun",
	"tap",
	"feth",
	"zt", // our own virtual taps, whatever name vtap picked
}

// Filter decides which host interface addresses are eligible for the
// binder to open a UDP socket on.
type Filter struct {
	// InterfaceBlacklist excludes interfaces by name prefix, supplied
	// by the caller (spec.md §4.B admission rule 2).
	InterfaceBlacklist []string
	// AddressBlacklist excludes specific prefixes regardless of which
	// interface carries them (admission rule 3).
	AddressBlacklist []netip.Prefix
	// OwnTapIPs returns the IPs currently assigned to our own virtual
	// taps, checked live on every refresh so a newly joined network's
	// IP is excluded immediately (admission rule 4).
	OwnTapIPs func() []netip.Addr
}

// Allow reports whether ifaceName/addr passes the four-stage admission
// filter described in spec.md §4.B.
func (f *Filter) Allow(ifaceName string, addr netip.Addr) bool {
	if hasAnyPrefix(ifaceName, excludedPrefixes) {
		return false
	}
	if hasAnyPrefix(ifaceName, f.InterfaceBlacklist) {
		return false
	}
	for _, p := range f.AddressBlacklist {
		if p.Contains(addr) {
			return false
		}
	}
	if f.OwnTapIPs != nil {
		for _, own := range f.OwnTapIPs() {
			if own == addr {
				return false
			}
		}
	}
	return true
}

func hasAnyPrefix(s string, prefixes []string) bool {
	lower := strings.ToLower(s)
	for _, p := range prefixes {
		if strings.HasPrefix(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// candidateAddr is one (interface, address) pair discovered during
// enumeration, before filtering.
type candidateAddr struct {
	ifaceName string
	addr      netip.Addr
}

// enumerateInterfaces lists every address on every up interface on the
// host, portably via the net package. binder_linux.go additionally
// consults netlink for link state on Linux, layered on top of this.
func enumerateInterfaces() ([]candidateAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var out []candidateAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if !linkIsUsable(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			var ipPrefix netip.Prefix
			switch v := a.(type) {
			case *net.IPNet:
				ip, ok := netip.AddrFromSlice(v.IP)
				if !ok {
					continue
				}
				ones, _ := v.Mask.Size()
				ipPrefix = netip.PrefixFrom(ip.Unmap(), ones)
			default:
				continue
			}
			out = append(out, candidateAddr{ifaceName: iface.Name, addr: ipPrefix.Addr()})
		}
	}
	return out, nil
}
