// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zt

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestLoadConfigParsesFileAndAddressBlacklist(t *testing.T) {
	c := qt.New(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
home_dir: /var/lib/ztcore
primary_port: 9993
enable_port_mapping: false
interface_blacklist:
  - docker0
  - veth.*
address_blacklist:
  - 127.0.0.0/8
  - "::1/128"
`
	c.Assert(os.WriteFile(path, []byte(body), 0o600), qt.IsNil)

	cfg, err := LoadConfig(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.HomeDir, qt.Equals, "/var/lib/ztcore")
	c.Assert(cfg.PrimaryPort, qt.Equals, uint16(9993))
	c.Assert(cfg.EnablePortMapping, qt.IsFalse)
	c.Assert(cfg.InterfaceBlacklist, qt.DeepEquals, []string{"docker0", "veth.*"})
	c.Assert(cfg.AddressBlacklist, qt.DeepEquals, []netip.Prefix{
		netip.MustParsePrefix("127.0.0.0/8"),
		netip.MustParsePrefix("::1/128"),
	})
}

func TestLoadConfigDefaultsEnablePortMapping(t *testing.T) {
	c := qt.New(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	c.Assert(os.WriteFile(path, []byte("home_dir: /tmp/zt\n"), 0o600), qt.IsNil)

	cfg, err := LoadConfig(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.EnablePortMapping, qt.IsTrue)
}

func TestLoadConfigRejectsBadAddressBlacklistEntry(t *testing.T) {
	c := qt.New(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	c.Assert(os.WriteFile(path, []byte("address_blacklist:\n  - not-a-prefix\n"), 0o600), qt.IsNil)

	_, err := LoadConfig(path)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestConfigLoggerDefaultsWhenUnset(t *testing.T) {
	c := qt.New(t)
	var cfg Config
	c.Assert(cfg.logger(), qt.Not(qt.IsNil))
}
