// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package store persists node identity, the auth token, the root-set
// ("planet") blob, per-network config caches, and per-peer hint
// caches, the file layout spec.md §6 and original_source/src/Service.cpp's
// nodeStatePutFunction/nodeStateGetFunction name exactly. Disabling
// persistence swaps in an in-memory Store implementing the same
// interface, grounded on the original SDK's own stateGet/statePut
// optionality (Service.cpp only calls them when NETWORK_CACHING/
// PEER_CACHING are compiled in).
package store

import (
	"crypto/rand"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"go.zt.dev/ztcore/core"
)

// peerCacheMaxAge is spec.md §4.H step 7's 30-day peer-cache eviction
// window.
const peerCacheMaxAge = 30 * 24 * time.Hour

// authTokenLength matches spec.md §6's 24-random-alphanumerics
// authtoken.secret.
const authTokenLength = 24

const authTokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Store is the persistence interface the service orchestrator (package
// zt) uses for identity, auth token, planet, network-config, and
// peer-cache state. FileStore and MemStore are the two implementations
// spec.md §6 calls for ("Persistence is optional").
type Store interface {
	LoadIdentity() (core.Identity, core.Address, bool, error)
	SaveIdentity(id core.Identity, addr core.Address) error

	LoadAuthToken() (string, error)

	LoadPlanet() ([]byte, bool, error)
	SavePlanet(b []byte) error

	LoadNetworkConfig(nwid core.NetworkID) ([]byte, bool, error)
	SaveNetworkConfig(nwid core.NetworkID, b []byte) error
	DeleteNetworkConfig(nwid core.NetworkID) error
	ListCachedNetworks() ([]core.NetworkID, error)

	LoadPeerHint(addr core.Address) ([]byte, bool, error)
	SavePeerHint(addr core.Address, b []byte) error
	EvictStalePeerHints(now time.Time) (int, error)
}

// FileStore is the on-disk implementation, rooted at homePath exactly
// as Service.cpp's nodeStatePutFunction/nodeStateGetFunction lay
// things out: identity.public, identity.secret,
// identity.secret.saved_after_collision, authtoken.secret, planet,
// networks.d/<16-hex-nwid>.conf, peers.d/<10-hex-addr>.peer.
type FileStore struct {
	homePath string
}

// NewFileStore constructs a FileStore rooted at homePath, creating the
// directory (and its networks.d/peers.d subdirectories) if absent.
func NewFileStore(homePath string) (*FileStore, error) {
	if err := os.MkdirAll(homePath, 0700); err != nil {
		return nil, errors.Wrapf(err, "store: create home %s", homePath)
	}
	return &FileStore{homePath: homePath}, nil
}

func (s *FileStore) path(elem ...string) string {
	return filepath.Join(append([]string{s.homePath}, elem...)...)
}

// LoadIdentity reads identity.public/identity.secret. found is false
// (with a nil error) if no identity has ever been saved.
func (s *FileStore) LoadIdentity() (core.Identity, core.Address, bool, error) {
	secretPath := s.path("identity.secret")
	b, err := os.ReadFile(secretPath)
	if errors.Is(err, os.ErrNotExist) {
		return core.Identity{}, core.Address{}, false, nil
	}
	if err != nil {
		return core.Identity{}, core.Address{}, false, errors.Wrap(err, "store: read identity.secret")
	}
	id, err := core.UnmarshalSecret(b)
	if err != nil {
		return core.Identity{}, core.Address{}, false, errors.Wrap(err, "store: unmarshal identity.secret")
	}

	pub, err := os.ReadFile(s.path("identity.public"))
	var addr core.Address
	if err == nil && len(pub) == len(addr) {
		copy(addr[:], pub)
	}
	return id, addr, true, nil
}

// SaveIdentity writes identity.public/identity.secret. If a prior
// identity.secret exists and belongs to a different address (an
// address collision was detected and a fresh identity generated), the
// old secret is preserved as identity.secret.saved_after_collision
// rather than overwritten silently, matching spec.md §6's file name
// for that case.
func (s *FileStore) SaveIdentity(id core.Identity, addr core.Address) error {
	secretPath := s.path("identity.secret")
	if old, err := os.ReadFile(secretPath); err == nil {
		if oldID, uerr := core.UnmarshalSecret(old); uerr == nil && oldID.Public != id.Public {
			if err := os.WriteFile(s.path("identity.secret.saved_after_collision"), old, 0600); err != nil {
				return errors.Wrap(err, "store: preserve colliding identity.secret")
			}
		}
	}
	if err := os.WriteFile(secretPath, id.MarshalSecret(), 0600); err != nil {
		return errors.Wrap(err, "store: write identity.secret")
	}
	if err := os.WriteFile(s.path("identity.public"), addr[:], 0644); err != nil {
		return errors.Wrap(err, "store: write identity.public")
	}
	return nil
}

// LoadAuthToken reads authtoken.secret, generating and persisting a
// fresh 24-character random alphanumeric token (0600) if none exists
// yet.
func (s *FileStore) LoadAuthToken() (string, error) {
	p := s.path("authtoken.secret")
	b, err := os.ReadFile(p)
	if err == nil {
		return string(b), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", errors.Wrap(err, "store: read authtoken.secret")
	}
	tok, err := generateAuthToken()
	if err != nil {
		return "", errors.Wrap(err, "store: generate authtoken")
	}
	if err := os.WriteFile(p, []byte(tok), 0600); err != nil {
		return "", errors.Wrap(err, "store: write authtoken.secret")
	}
	return tok, nil
}

func generateAuthToken() (string, error) {
	out := make([]byte, authTokenLength)
	for i := range out {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(authTokenAlphabet))))
		if err != nil {
			return "", err
		}
		out[i] = authTokenAlphabet[n.Int64()]
	}
	return string(out), nil
}

// LoadPlanet reads the opaque root-set blob. Parsing its contents is
// out of scope (spec.md §1); the Store only moves bytes.
func (s *FileStore) LoadPlanet() ([]byte, bool, error) {
	b, err := os.ReadFile(s.path("planet"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "store: read planet")
	}
	return b, true, nil
}

// SavePlanet writes the opaque root-set blob.
func (s *FileStore) SavePlanet(b []byte) error {
	if err := os.WriteFile(s.path("planet"), b, 0644); err != nil {
		return errors.Wrap(err, "store: write planet")
	}
	return nil
}

func networkConfigPath(homePath string, nwid core.NetworkID) string {
	return filepath.Join(homePath, "networks.d", nwid.String()+".conf")
}

// LoadNetworkConfig reads a cached networks.d/<nwid>.conf.
func (s *FileStore) LoadNetworkConfig(nwid core.NetworkID) ([]byte, bool, error) {
	b, err := os.ReadFile(networkConfigPath(s.homePath, nwid))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "store: read network config %s", nwid)
	}
	return b, true, nil
}

// SaveNetworkConfig writes networks.d/<nwid>.conf, creating the
// networks.d subdirectory on first use.
func (s *FileStore) SaveNetworkConfig(nwid core.NetworkID, b []byte) error {
	dir := filepath.Join(s.homePath, "networks.d")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "store: create networks.d")
	}
	if err := os.WriteFile(networkConfigPath(s.homePath, nwid), b, 0600); err != nil {
		return errors.Wrapf(err, "store: write network config %s", nwid)
	}
	return nil
}

// DeleteNetworkConfig removes a cached network config, e.g. on Leave.
func (s *FileStore) DeleteNetworkConfig(nwid core.NetworkID) error {
	err := os.Remove(networkConfigPath(s.homePath, nwid))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "store: delete network config %s", nwid)
	}
	return nil
}

// ListCachedNetworks enumerates the network IDs with a cached
// networks.d/<nwid>.conf file, for the service orchestrator's
// rejoin-on-start sweep (spec.md §4.H).
func (s *FileStore) ListCachedNetworks() ([]core.NetworkID, error) {
	dir := filepath.Join(s.homePath, "networks.d")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: list networks.d")
	}
	var out []core.NetworkID
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".conf")
		if name == e.Name() {
			continue
		}
		nwid, err := core.ParseNetworkID(name)
		if err != nil {
			continue
		}
		out = append(out, nwid)
	}
	return out, nil
}

func peerHintPath(homePath string, addr core.Address) string {
	return filepath.Join(homePath, "peers.d", addr.String()+".peer")
}

// LoadPeerHint reads a cached peers.d/<addr>.peer.
func (s *FileStore) LoadPeerHint(addr core.Address) ([]byte, bool, error) {
	b, err := os.ReadFile(peerHintPath(s.homePath, addr))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "store: read peer hint %s", addr)
	}
	return b, true, nil
}

// SavePeerHint writes peers.d/<addr>.peer, creating the peers.d
// subdirectory on first use.
func (s *FileStore) SavePeerHint(addr core.Address, b []byte) error {
	dir := filepath.Join(s.homePath, "peers.d")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.Wrap(err, "store: create peers.d")
	}
	if err := os.WriteFile(peerHintPath(s.homePath, addr), b, 0644); err != nil {
		return errors.Wrapf(err, "store: write peer hint %s", addr)
	}
	return nil
}

// EvictStalePeerHints deletes peers.d entries whose mtime is more than
// 30 days before now, spec.md §4.H step 7's hourly cleanup sweep.
// Returns the count removed.
func (s *FileStore) EvictStalePeerHints(now time.Time) (int, error) {
	dir := filepath.Join(s.homePath, "peers.d")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "store: list peers.d")
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > peerCacheMaxAge {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// HomeDir returns the directory this FileStore is rooted at.
func (s *FileStore) HomeDir() string { return s.homePath }
