// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"sync"
	"time"

	"go.zt.dev/ztcore/core"
)

// MemStore is the in-memory Store used when persistence is disabled
// (zt.Config.Ephemeral), matching the original SDK's own optionality
// for stateGet/statePut (Service.cpp only wires those callbacks when
// NETWORK_CACHING/PEER_CACHING are compiled in — here the equivalent
// "off" switch is a runtime config flag instead of a build flag).
type MemStore struct {
	mu sync.Mutex

	id      core.Identity
	addr    core.Address
	haveID  bool
	authTok string

	planet      []byte
	havePlanet  bool
	networkCfgs map[core.NetworkID][]byte
	peerHints   map[core.Address]peerHintEntry
}

type peerHintEntry struct {
	data  []byte
	saved time.Time
}

// NewMemStore constructs an empty in-memory Store.
func NewMemStore() *MemStore {
	return &MemStore{
		networkCfgs: make(map[core.NetworkID][]byte),
		peerHints:   make(map[core.Address]peerHintEntry),
	}
}

func (m *MemStore) LoadIdentity() (core.Identity, core.Address, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.id, m.addr, m.haveID, nil
}

func (m *MemStore) SaveIdentity(id core.Identity, addr core.Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.id, m.addr, m.haveID = id, addr, true
	return nil
}

func (m *MemStore) LoadAuthToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.authTok == "" {
		tok, err := generateAuthToken()
		if err != nil {
			return "", err
		}
		m.authTok = tok
	}
	return m.authTok, nil
}

func (m *MemStore) LoadPlanet() ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.planet, m.havePlanet, nil
}

func (m *MemStore) SavePlanet(b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.planet, m.havePlanet = append([]byte(nil), b...), true
	return nil
}

func (m *MemStore) LoadNetworkConfig(nwid core.NetworkID) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.networkCfgs[nwid]
	return b, ok, nil
}

func (m *MemStore) SaveNetworkConfig(nwid core.NetworkID, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.networkCfgs[nwid] = append([]byte(nil), b...)
	return nil
}

func (m *MemStore) DeleteNetworkConfig(nwid core.NetworkID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.networkCfgs, nwid)
	return nil
}

func (m *MemStore) ListCachedNetworks() ([]core.NetworkID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.NetworkID, 0, len(m.networkCfgs))
	for nwid := range m.networkCfgs {
		out = append(out, nwid)
	}
	return out, nil
}

func (m *MemStore) LoadPeerHint(addr core.Address) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.peerHints[addr]
	return e.data, ok, nil
}

func (m *MemStore) SavePeerHint(addr core.Address, b []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peerHints[addr] = peerHintEntry{data: append([]byte(nil), b...), saved: time.Now()}
	return nil
}

func (m *MemStore) EvictStalePeerHints(now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for addr, e := range m.peerHints {
		if now.Sub(e.saved) > peerCacheMaxAge {
			delete(m.peerHints, addr)
			removed++
		}
	}
	return removed, nil
}
