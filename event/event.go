// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package event defines the tagged-union notification messages published
// by the node, stack driver, service loop, and virtual taps, and the
// stable numeric event codes carried over from the original SDK's public
// header (the newer ZeroTierSockets.h numbering, per the design note in
// spec.md §9).
package event

import (
	"fmt"
	"net/netip"
)

// Code identifies the kind of event carried by a Message. Values match
// ZTS_EVENT_* from original_source/include/ZeroTierSockets.h exactly;
// callers persisting or wire-encoding these numbers may rely on them
// never changing.
type Code int

const (
	NodeUp                 Code = 200
	NodeOnline             Code = 201
	NodeOffline             Code = 202
	NodeDown                Code = 203
	NodeIdentityCollision   Code = 204
	NodeUnrecoverableError  Code = 205
	NodeNormalTermination   Code = 206

	NetworkNotFound      Code = 210
	NetworkClientTooOld  Code = 211
	NetworkRequestConfig Code = 212
	NetworkOK            Code = 213
	NetworkAccessDenied  Code = 214
	NetworkReadyIP4      Code = 215
	NetworkReadyIP6      Code = 216
	NetworkReadyIP4IP6   Code = 217
	NetworkDown          Code = 218
	NetworkUpdate        Code = 219

	StackUp   Code = 220
	StackDown Code = 221

	NetifUp       Code = 230
	NetifDown     Code = 231
	NetifRemoved  Code = 232
	NetifLinkUp   Code = 233
	NetifLinkDown Code = 234

	PeerDirect         Code = 240
	PeerRelay          Code = 241
	PeerUnreachable    Code = 242
	PeerPathDiscovered Code = 243
	PeerPathDead       Code = 244

	RouteAdded   Code = 250
	RouteRemoved Code = 251

	AddrAddedIP4   Code = 260
	AddrRemovedIP4 Code = 261
	AddrAddedIP6   Code = 262
	AddrRemovedIP6 Code = 263

	StoreIdentitySecret Code = 270
	StoreIdentityPublic Code = 271
	StorePlanet         Code = 272
	StorePeer           Code = 273
	StoreNetwork        Code = 274
)

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

var codeNames = map[Code]string{
	NodeUp:                 "NODE_UP",
	NodeOnline:             "NODE_ONLINE",
	NodeOffline:            "NODE_OFFLINE",
	NodeDown:               "NODE_DOWN",
	NodeIdentityCollision:  "NODE_IDENTITY_COLLISION",
	NodeUnrecoverableError: "NODE_UNRECOVERABLE_ERROR",
	NodeNormalTermination:  "NODE_NORMAL_TERMINATION",
	NetworkNotFound:        "NETWORK_NOT_FOUND",
	NetworkClientTooOld:    "NETWORK_CLIENT_TOO_OLD",
	NetworkRequestConfig:   "NETWORK_REQUESTING_CONFIG",
	NetworkOK:              "NETWORK_OK",
	NetworkAccessDenied:    "NETWORK_ACCESS_DENIED",
	NetworkReadyIP4:        "NETWORK_READY_IP4",
	NetworkReadyIP6:        "NETWORK_READY_IP6",
	NetworkReadyIP4IP6:     "NETWORK_READY_IP4_IP6",
	NetworkDown:            "NETWORK_DOWN",
	NetworkUpdate:          "NETWORK_UPDATE",
	StackUp:                "STACK_UP",
	StackDown:              "STACK_DOWN",
	NetifUp:                "NETIF_UP",
	NetifDown:              "NETIF_DOWN",
	NetifRemoved:           "NETIF_REMOVED",
	NetifLinkUp:            "NETIF_LINK_UP",
	NetifLinkDown:          "NETIF_LINK_DOWN",
	PeerDirect:             "PEER_DIRECT",
	PeerRelay:              "PEER_RELAY",
	PeerUnreachable:        "PEER_UNREACHABLE",
	PeerPathDiscovered:     "PEER_PATH_DISCOVERED",
	PeerPathDead:           "PEER_PATH_DEAD",
	RouteAdded:             "ROUTE_ADDED",
	RouteRemoved:           "ROUTE_REMOVED",
	AddrAddedIP4:           "ADDR_ADDED_IP4",
	AddrRemovedIP4:         "ADDR_REMOVED_IP4",
	AddrAddedIP6:           "ADDR_ADDED_IP6",
	AddrRemovedIP6:         "ADDR_REMOVED_IP6",
	StoreIdentitySecret:    "STORE_IDENTITY_SECRET",
	StoreIdentityPublic:    "STORE_IDENTITY_PUBLIC",
	StorePlanet:            "STORE_PLANET",
	StorePeer:              "STORE_PEER",
	StoreNetwork:           "STORE_NETWORK",
}

// NodeStatus is the payload for node lifecycle events.
type NodeStatus struct {
	Address     uint64
	PrimaryPort uint16
	Version     string
}

// NetworkDetails is the payload for network status/ready/down events.
type NetworkDetails struct {
	NetworkID uint64
	MAC       [6]byte
	MTU       int
	Status    string
}

// NetifDetails is the payload for netif up/down/removed events.
type NetifDetails struct {
	NetworkID uint64
	MAC       [6]byte
	MTU       int
}

// RouteDetails is the payload for route added/removed events.
type RouteDetails struct {
	NetworkID uint64
	Target    netip.Prefix
	Via       netip.Addr
}

// PeerDetails is the payload for peer direct/relay/unreachable events.
type PeerDetails struct {
	Address   uint64
	Role      string
	PathCount int
	LatencyMS int
}

// AddrDetails is the payload for address added/removed events.
type AddrDetails struct {
	NetworkID uint64
	Addr      netip.Addr
}

// Message is a single tagged-union event. Exactly one of the payload
// fields is populated, selected by Code.
type Message struct {
	Code Code

	Node    *NodeStatus
	Network *NetworkDetails
	Netif   *NetifDetails
	Route   *RouteDetails
	Peer    *PeerDetails
	Addr    *AddrDetails

	// Reason carries a human-readable explanation for fatal/error
	// events (NodeUnrecoverableError, NodeIdentityCollision).
	Reason string
}

func (m Message) String() string {
	if m.Reason != "" {
		return fmt.Sprintf("%s: %s", m.Code, m.Reason)
	}
	return m.Code.String()
}
