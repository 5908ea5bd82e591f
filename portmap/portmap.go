// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package portmap periodically asks the local NAT for an external
// mapping of the auxiliary port (Component D, spec.md §4.D). It is
// optional and best-effort: failure to discover or renew a mapping
// just means no externally-reachable path is published, never a
// fatal error for the node.
package portmap

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/tailscale/goupnp/dcps/internetgateway2"
)

// mappingLifetime is how long each UPnP lease is requested for; Run
// renews it well before expiry.
const (
	mappingLifetime = 10 * time.Minute
	renewMargin     = 2 * time.Minute
	discoverTimeout = 5 * time.Second
)

// client is the subset of the generated IGDv1/IGDv2 WANIPConnection
// clients that portmap needs; internetgateway2's discovery helpers
// return concrete types satisfying this.
type client interface {
	AddPortMapping(NewRemoteHost string, NewExternalPort uint16, NewProtocol string, NewInternalPort uint16, NewInternalClient string, NewEnabled bool, NewPortMappingDescription string, NewLeaseDuration uint32) error
	DeletePortMapping(NewRemoteHost string, NewExternalPort uint16, NewProtocol string) error
	GetExternalIPAddress() (string, error)
}

// Mapper holds the currently discovered external mapping, if any.
type Mapper struct {
	mu       sync.Mutex
	external netip.AddrPort
	have     bool
	client   client
	localIP  string
}

// NewMapper constructs a Mapper. localIP is the host's internal
// address the auxiliary port is bound on.
func NewMapper(localIP string) *Mapper {
	return &Mapper{localIP: localIP}
}

// External returns the most recently discovered external sockaddr, if
// any mapping is currently believed live.
func (m *Mapper) External() (netip.AddrPort, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.external, m.have
}

// Run discovers an IGD and maintains a port mapping for port until ctx
// is canceled, renewing it periodically. It never returns an error for
// a transient discovery failure — those are retried — only for a
// canceled context.
func (m *Mapper) Run(ctx context.Context, port uint16) error {
	ticker := time.NewTicker(mappingLifetime - renewMargin)
	defer ticker.Stop()

	m.tryMap(ctx, port)
	for {
		select {
		case <-ctx.Done():
			m.teardown(port)
			return ctx.Err()
		case <-ticker.C:
			m.tryMap(ctx, port)
		}
	}
}

func (m *Mapper) tryMap(ctx context.Context, port uint16) {
	discoverCtx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	cl, err := discoverIGD(discoverCtx)
	if err != nil {
		m.clearLocked()
		return
	}

	extIP, err := cl.GetExternalIPAddress()
	if err != nil {
		m.clearLocked()
		return
	}
	addr, err := netip.ParseAddr(extIP)
	if err != nil {
		m.clearLocked()
		return
	}

	err = cl.AddPortMapping("", port, "UDP", port, m.localIP, true, "ztcore", uint32(mappingLifetime.Seconds()))
	if err != nil {
		m.clearLocked()
		return
	}

	m.mu.Lock()
	m.client = cl
	m.external = netip.AddrPortFrom(addr, port)
	m.have = true
	m.mu.Unlock()
}

func (m *Mapper) clearLocked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.have = false
}

func (m *Mapper) teardown(port uint16) {
	m.mu.Lock()
	cl := m.client
	m.have = false
	m.mu.Unlock()
	if cl != nil {
		_ = cl.DeletePortMapping("", port, "UDP")
	}
}

// discoverIGD tries, in order, the IGDv2 and IGDv1 WANIPConnection
// service discovery helpers that internetgateway2 generates from the
// UPnP IGD service descriptions, returning the first that answers.
func discoverIGD(ctx context.Context) (client, error) {
	if clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	return nil, fmt.Errorf("portmap: no UPnP IGD found")
}
