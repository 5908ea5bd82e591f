// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"go.zt.dev/ztcore/core"
)

func TestFileStoreIdentityRoundTrip(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	c.Assert(err, qt.IsNil)

	_, _, found, err := s.LoadIdentity()
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.IsFalse)

	id, addr, err := core.GenerateIdentity()
	c.Assert(err, qt.IsNil)
	c.Assert(s.SaveIdentity(id, addr), qt.IsNil)

	gotID, gotAddr, found, err := s.LoadIdentity()
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.IsTrue)
	c.Assert(gotID.Public, qt.Equals, id.Public)
	c.Assert(gotAddr, qt.Equals, addr)
}

func TestFileStorePreservesColliedIdentityOnRegeneration(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	c.Assert(err, qt.IsNil)

	id1, addr1, err := core.GenerateIdentity()
	c.Assert(err, qt.IsNil)
	c.Assert(s.SaveIdentity(id1, addr1), qt.IsNil)

	id2, addr2, err := core.GenerateIdentity()
	c.Assert(err, qt.IsNil)
	c.Assert(s.SaveIdentity(id2, addr2), qt.IsNil)

	saved, err := os.ReadFile(filepath.Join(dir, "identity.secret.saved_after_collision"))
	c.Assert(err, qt.IsNil)
	oldID, err := core.UnmarshalSecret(saved)
	c.Assert(err, qt.IsNil)
	c.Assert(oldID.Public, qt.Equals, id1.Public)
}

func TestFileStoreAuthTokenIsGeneratedOnceAndPersisted(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	c.Assert(err, qt.IsNil)

	tok1, err := s.LoadAuthToken()
	c.Assert(err, qt.IsNil)
	c.Assert(tok1, qt.HasLen, authTokenLength)

	tok2, err := s.LoadAuthToken()
	c.Assert(err, qt.IsNil)
	c.Assert(tok2, qt.Equals, tok1)

	info, err := os.Stat(filepath.Join(dir, "authtoken.secret"))
	c.Assert(err, qt.IsNil)
	c.Assert(info.Mode().Perm(), qt.Equals, os.FileMode(0600))
}

func TestFileStoreNetworkConfigRoundTrip(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	c.Assert(err, qt.IsNil)

	nwid := core.NetworkID(0x8056c2e21c000001)
	_, found, err := s.LoadNetworkConfig(nwid)
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.IsFalse)

	c.Assert(s.SaveNetworkConfig(nwid, []byte("cfg")), qt.IsNil)
	b, found, err := s.LoadNetworkConfig(nwid)
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.IsTrue)
	c.Assert(string(b), qt.Equals, "cfg")

	c.Assert(s.DeleteNetworkConfig(nwid), qt.IsNil)
	_, found, err = s.LoadNetworkConfig(nwid)
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.IsFalse)
}

func TestFileStoreListsCachedNetworks(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	c.Assert(err, qt.IsNil)

	ids, err := s.ListCachedNetworks()
	c.Assert(err, qt.IsNil)
	c.Assert(ids, qt.HasLen, 0)

	nwid1 := core.NetworkID(0x8056c2e21c000001)
	nwid2 := core.NetworkID(0x8056c2e21c000002)
	c.Assert(s.SaveNetworkConfig(nwid1, []byte("a")), qt.IsNil)
	c.Assert(s.SaveNetworkConfig(nwid2, []byte("b")), qt.IsNil)

	ids, err = s.ListCachedNetworks()
	c.Assert(err, qt.IsNil)
	c.Assert(ids, qt.HasLen, 2)

	c.Assert(s.DeleteNetworkConfig(nwid1), qt.IsNil)
	ids, err = s.ListCachedNetworks()
	c.Assert(err, qt.IsNil)
	c.Assert(ids, qt.HasLen, 1)
	c.Assert(ids[0], qt.Equals, nwid2)
}

func TestFileStoreEvictsStalePeerHints(t *testing.T) {
	c := qt.New(t)
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	c.Assert(err, qt.IsNil)

	var fresh, stale core.Address
	fresh[0], stale[0] = 1, 2
	c.Assert(s.SavePeerHint(fresh, []byte("f")), qt.IsNil)
	c.Assert(s.SavePeerHint(stale, []byte("s")), qt.IsNil)

	stalePath := filepath.Join(dir, "peers.d", stale.String()+".peer")
	oldTime := time.Now().Add(-31 * 24 * time.Hour)
	c.Assert(os.Chtimes(stalePath, oldTime, oldTime), qt.IsNil)

	removed, err := s.EvictStalePeerHints(time.Now())
	c.Assert(err, qt.IsNil)
	c.Assert(removed, qt.Equals, 1)

	_, found, err := s.LoadPeerHint(fresh)
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.IsTrue)

	_, found, err = s.LoadPeerHint(stale)
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.IsFalse)
}

func TestMemStoreImplementsStoreInterface(t *testing.T) {
	c := qt.New(t)
	var s Store = NewMemStore()

	id, addr, err := core.GenerateIdentity()
	c.Assert(err, qt.IsNil)
	c.Assert(s.SaveIdentity(id, addr), qt.IsNil)

	gotID, gotAddr, found, err := s.LoadIdentity()
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.IsTrue)
	c.Assert(gotID.Public, qt.Equals, id.Public)
	c.Assert(gotAddr, qt.Equals, addr)

	tok1, err := s.LoadAuthToken()
	c.Assert(err, qt.IsNil)
	tok2, err := s.LoadAuthToken()
	c.Assert(err, qt.IsNil)
	c.Assert(tok1, qt.Equals, tok2)
}

func TestMemStoreEvictsStalePeerHints(t *testing.T) {
	c := qt.New(t)
	m := NewMemStore()

	var addr core.Address
	addr[0] = 9
	c.Assert(m.SavePeerHint(addr, []byte("x")), qt.IsNil)

	removed, err := m.EvictStalePeerHints(time.Now().Add(31 * 24 * time.Hour))
	c.Assert(err, qt.IsNil)
	c.Assert(removed, qt.Equals, 1)

	_, found, err := m.LoadPeerHint(addr)
	c.Assert(err, qt.IsNil)
	c.Assert(found, qt.IsFalse)
}
