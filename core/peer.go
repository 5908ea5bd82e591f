// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package core

import (
	"time"

	"golang.org/x/exp/slices"
)

// Peer tracks everything core knows about one remote node: its
// identity-derived address, protocol/version gossip, and the set of
// Paths currently believed to reach it (spec.md §3).
type Peer struct {
	Address     Address
	PublicKey   [32]byte
	sharedKey   [32]byte
	haveShared  bool
	Role        PeerRole
	RemoteMajor int
	RemoteMinor int
	RemoteRev   int
	LatencyMS   int

	paths []Path
}

// newPeer constructs a Peer for a freshly learned address/public key.
func newPeer(addr Address, pub [32]byte, role PeerRole) *Peer {
	return &Peer{Address: addr, PublicKey: pub, Role: role}
}

// sessionKey lazily derives and caches the ECDH shared secret used to
// key this peer's chacha20poly1305 session (core/wire.go).
func (p *Peer) sessionKey(self Identity) ([32]byte, error) {
	if p.haveShared {
		return p.sharedKey, nil
	}
	k, err := self.ECDH(p.PublicKey)
	if err != nil {
		return [32]byte{}, err
	}
	p.sharedKey = k
	p.haveShared = true
	return k, nil
}

// Paths returns the peer's known paths ordered most-recently-heard
// first. The slice is owned by the caller.
func (p *Peer) Paths() []Path {
	out := make([]Path, len(p.paths))
	copy(out, p.paths)
	return out
}

// touchPath records that a datagram from remote arrived on socket,
// creating the Path if it is new, and re-sorts the path list so the
// most recently confirmed path sorts first.
//
// Peer path ordering stability is implemented with
// slices.SortStableFunc keyed by last-receive time descending, so
// that two paths heard in the same tick keep their prior relative
// order instead of flapping.
func (p *Peer) touchPath(sock SocketHandle, remote Path, now time.Time) {
	for i := range p.paths {
		if p.paths[i].Socket == sock && p.paths[i].Remote == remote.Remote {
			p.paths[i].touchReceive(now)
			p.resortPaths()
			return
		}
	}
	remote.Socket = sock
	remote.touchReceive(now)
	if len(p.paths) >= MaxPaths {
		p.evictWorstPath()
	}
	p.paths = append(p.paths, remote)
	p.resortPaths()
}

func (p *Peer) resortPaths() {
	slices.SortStableFunc(p.paths, func(a, b Path) bool {
		return a.LastReceive.After(b.LastReceive)
	})
}

// evictWorstPath drops the stalest path to make room for a new one.
func (p *Peer) evictWorstPath() {
	worst := 0
	for i := 1; i < len(p.paths); i++ {
		if p.paths[i].LastReceive.Before(p.paths[worst].LastReceive) {
			worst = i
		}
	}
	p.paths = append(p.paths[:worst], p.paths[worst+1:]...)
}

// expirePaths marks paths that haven't been heard from recently as
// expired; it does not remove them, so a returning path is recognized
// rather than relearned.
func (p *Peer) expirePaths(now time.Time) {
	for i := range p.paths {
		if p.paths[i].isStale(now) {
			p.paths[i].Expired = true
		}
	}
}

// bestPath returns the first non-expired path, which by resortPaths's
// invariant is the most recently confirmed live path, or false if the
// peer has none.
func (p *Peer) bestPath() (Path, bool) {
	for _, path := range p.paths {
		if !path.Expired {
			return path, true
		}
	}
	return Path{}, false
}
