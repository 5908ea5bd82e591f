// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package zt

import (
	"fmt"
	"net/netip"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config configures a Node before Start. The zero value is usable: it
// binds all three overlay ports randomly, persists state under
// HomeDir, and runs with port-mapping disabled.
type Config struct {
	// HomeDir is where identity/auth-token/network/peer cache files
	// live. Ignored when Ephemeral is true.
	HomeDir string

	// Ephemeral makes the Node use an in-memory store.Store instead of
	// a store.FileStore, losing all state on Stop (spec.md §6,
	// "Persistence is optional").
	Ephemeral bool

	// PrimaryPort, SecondaryPort, AuxiliaryPort are the three ports
	// spec.md §4.B names: a caller-chosen primary (random if 0), a
	// secondary derived from the node address to avoid NAT collisions
	// between colocated nodes (caller override is rarely useful, but
	// left settable for testing), and an auxiliary port reserved
	// exclusively for the port-mapping helper.
	PrimaryPort   uint16
	SecondaryPort uint16
	AuxiliaryPort uint16

	// EnablePortMapping runs the portmap.Mapper against AuxiliaryPort.
	EnablePortMapping bool

	InterfaceBlacklist []string
	AddressBlacklist   []netip.Prefix

	// Logger receives structured operational logs. A nil Logger gets a
	// logrus.Logger with output effectively silenced.
	Logger *logrus.Logger
}

// rawFileConfig is the on-disk shape Config is loaded from via viper.
// It is kept separate from Config because netip.Prefix has no
// mapstructure decode hook registered by default, so the address
// blacklist is parsed by hand after Unmarshal.
type rawFileConfig struct {
	HomeDir            string   `mapstructure:"home_dir"`
	Ephemeral          bool     `mapstructure:"ephemeral"`
	PrimaryPort        uint16   `mapstructure:"primary_port"`
	SecondaryPort      uint16   `mapstructure:"secondary_port"`
	AuxiliaryPort      uint16   `mapstructure:"auxiliary_port"`
	EnablePortMapping  bool     `mapstructure:"enable_port_mapping"`
	InterfaceBlacklist []string `mapstructure:"interface_blacklist"`
	AddressBlacklist   []string `mapstructure:"address_blacklist"`
}

// LoadConfig reads Node configuration from path (any format viper
// infers from the file extension: YAML, JSON, TOML) plus environment
// variables prefixed ZTCORE_ (e.g. ZTCORE_PRIMARY_PORT overrides
// primary_port).
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ztcore")
	v.AutomaticEnv()
	v.SetDefault("enable_port_mapping", true)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("zt: read config %s: %w", path, err)
	}

	var raw rawFileConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("zt: parse config %s: %w", path, err)
	}

	cfg := Config{
		HomeDir:            raw.HomeDir,
		Ephemeral:          raw.Ephemeral,
		PrimaryPort:        raw.PrimaryPort,
		SecondaryPort:      raw.SecondaryPort,
		AuxiliaryPort:      raw.AuxiliaryPort,
		EnablePortMapping:  raw.EnablePortMapping,
		InterfaceBlacklist: raw.InterfaceBlacklist,
	}
	for _, s := range raw.AddressBlacklist {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return Config{}, fmt.Errorf("zt: config address_blacklist %q: %w", s, err)
		}
		cfg.AddressBlacklist = append(cfg.AddressBlacklist, p)
	}
	return cfg, nil
}

// logger returns cfg.Logger, or a logrus.Logger configured to discard
// everything below Panic level if none was supplied.
func (c Config) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}
