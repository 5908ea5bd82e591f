// Copyright (c) 2024 The ztcore Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package zt is the service orchestrator (Component H, spec.md §4.H):
// it owns a Node's identity, persistence, and every per-network
// component fan-out (vtap.Tap, netstack.Stack, sock.Manager), and
// drives the periodic maintenance loop that keeps them all consistent
// with core.Node's view of the world. It is the library's single
// public entry point, the same role Service.cpp plays over
// Node.cpp/Tap.cpp/etc in the original SDK.
package zt

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.zt.dev/ztcore/core"
	"go.zt.dev/ztcore/event"
	"go.zt.dev/ztcore/netstack"
	"go.zt.dev/ztcore/portmap"
	"go.zt.dev/ztcore/sock"
	"go.zt.dev/ztcore/store"
	"go.zt.dev/ztcore/udpbind"
	"go.zt.dev/ztcore/vtap"
)

// State is the orchestrator's lifecycle position, spec.md §4.H:
// off → starting → online ↔ offline → stopping → stopped.
type State int32

const (
	StateOff State = iota
	StateStarting
	StateOnline
	StateOffline
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateStarting:
		return "starting"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// wireBinder is the subset of *udpbind.Binder the orchestrator drives,
// broken out so tests can substitute an in-memory fake instead of
// opening real UDP sockets (see integration_test.go's two-node setup).
type wireBinder interface {
	Refresh(desiredPorts []uint16) error
	SetRecvHandler(f udpbind.RecvFunc)
	SendOn(handle core.SocketHandle, remote netip.AddrPort, payload []byte, ttl int) error
	Broadcast(remote netip.AddrPort, payload []byte, ttl int)
	LocalAddrs() []netip.AddrPort
	Close() error
}

// membership owns everything the orchestrator maintains for one
// joined network beyond core's own *core.Network bookkeeping.
type membership struct {
	tap   *vtap.Tap
	stack *netstack.Stack
	sock  *sock.Manager

	prevStatus      core.NetworkStatus
	prevIP4Ready    bool
	prevIP6Ready    bool
	observedGroups  []core.MulticastGroup
}

// Node is the embeddable virtual-network node: one Identity, its
// virtual network memberships, and the background machinery that
// keeps them reachable.
type Node struct {
	cfg Config
	log *logrus.Logger

	store  store.Store
	binder wireBinder
	mapper *portmap.Mapper
	bus    *event.Bus

	coreNode *core.Node
	identity core.Identity
	address  core.Address

	primaryPort   uint16
	secondaryPort uint16
	auxPort       uint16

	// serviceMu is spec.md §5's service_lock: it serializes Start/Stop
	// against each other and against state-machine transitions.
	serviceMu sync.Mutex
	// startupOnce is spec.md §5's startup_lock: Start's body runs
	// exactly once in this Node's lifetime.
	startupOnce sync.Once
	// callbackMu is spec.md §5's callback_lock: it guards the boundary
	// between core's synchronous Callbacks and this package's own
	// event-handler registration, layered above event.Bus's internal
	// handler lock rather than replacing it.
	callbackMu sync.Mutex

	state atomic.Int32

	membershipMu sync.Mutex
	memberships  map[core.NetworkID]*membership

	eventMu        sync.Mutex
	peerPathCounts map[core.Address]int

	runCtx    context.Context
	runCancel context.CancelFunc
	runGroup  *errgroup.Group

	teardownOnce sync.Once
	fatalErr     atomic.Value

	lastBindRefresh  time.Time
	lastPeerEviction time.Time
}

// New constructs a Node from cfg, loading or generating its identity
// from cfg's store. It does not start any networking; call Start.
func New(cfg Config) (*Node, error) {
	return newNode(cfg, nil)
}

// newNode is New's constructor seam: a non-nil binder (used only by
// tests) replaces the real *udpbind.Binder with a fake wireBinder so
// two Nodes can be wired together entirely in memory.
func newNode(cfg Config, binder wireBinder) (*Node, error) {
	log := cfg.logger()

	var st store.Store
	var err error
	if cfg.Ephemeral {
		st = store.NewMemStore()
	} else {
		st, err = store.NewFileStore(cfg.HomeDir)
		if err != nil {
			return nil, fmt.Errorf("zt: open store: %w", err)
		}
	}

	id, addr, found, err := st.LoadIdentity()
	if err != nil {
		return nil, fmt.Errorf("zt: load identity: %w", err)
	}
	if !found {
		id, addr, err = core.GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("zt: generate identity: %w", err)
		}
		if err := st.SaveIdentity(id, addr); err != nil {
			return nil, fmt.Errorf("zt: save identity: %w", err)
		}
	}

	n := &Node{
		cfg:           cfg,
		log:           log,
		store:         st,
		identity:      id,
		address:       addr,
		memberships:   make(map[core.NetworkID]*membership),
		primaryPort:   cfg.PrimaryPort,
		secondaryPort: cfg.SecondaryPort,
		auxPort:       cfg.AuxiliaryPort,
	}
	n.state.Store(int32(StateOff))
	if n.secondaryPort == 0 {
		n.secondaryPort = udpbind.Secondary(addr)
	}

	n.coreNode = core.NewNode(id, addr, n)
	n.bus = event.NewBus()

	if binder == nil {
		binder = udpbind.NewBinder(&udpbind.Filter{
			InterfaceBlacklist: cfg.InterfaceBlacklist,
			AddressBlacklist:   cfg.AddressBlacklist,
			OwnTapIPs:          n.ownTapIPs,
		})
	}
	n.binder = binder
	n.binder.SetRecvHandler(n.handleInboundDatagram)

	if cfg.EnablePortMapping {
		n.mapper = portmap.NewMapper(localBindAddr())
	}

	return n, nil
}

// localBindAddr is the best-effort local address portmap.NewMapper
// wants for AddPortMapping's NewInternalClient field; an empty string
// lets the IGD infer it from the request's source address when this
// guess is wrong.
func localBindAddr() string {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	host, _, err := net.SplitHostPort(conn.LocalAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// randomPort picks the primary port once at startup when the caller
// left it unset, so repeated bind refreshes don't keep re-randomizing
// it (spec.md §4.B).
func randomPort() uint16 {
	return uint16(20000 + rand.Intn(45500))
}

func (n *Node) desiredPorts() []uint16 {
	ports := []uint16{n.primaryPort, n.secondaryPort}
	if n.auxPort != 0 {
		ports = append(ports, n.auxPort)
	}
	return ports
}

func (n *Node) ownTapIPs() []netip.Addr {
	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()
	var out []netip.Addr
	for _, m := range n.memberships {
		out = append(out, m.stack.Addresses()...)
	}
	return out
}

// State reports the orchestrator's current lifecycle position.
func (n *Node) State() State {
	return State(n.state.Load())
}

// Address returns the node's own 40-bit address.
func (n *Node) Address() core.Address {
	return n.address
}

// AuthToken returns the persisted local API auth token, generating one
// on first use.
func (n *Node) AuthToken() (string, error) {
	return n.store.LoadAuthToken()
}

// SetEventHandler installs (or replaces) the callback that receives
// every event.Message this Node publishes.
func (n *Node) SetEventHandler(h event.Handler) {
	n.callbackMu.Lock()
	defer n.callbackMu.Unlock()
	n.bus.SetHandler(h)
}

// Start brings the node online: it resolves the primary port, performs
// an initial interface bind, rejoins cached networks, and launches the
// maintenance loop and (if enabled) the port-mapping helper. It may be
// called exactly once per Node.
func (n *Node) Start(ctx context.Context) error {
	n.serviceMu.Lock()
	defer n.serviceMu.Unlock()

	if State(n.state.Load()) != StateOff {
		return fmt.Errorf("zt: node already started")
	}

	var startErr error
	n.startupOnce.Do(func() {
		startErr = n.doStart(ctx)
	})
	return startErr
}

func (n *Node) doStart(ctx context.Context) error {
	n.state.Store(int32(StateStarting))
	n.log.Info("zt: starting")

	if n.primaryPort == 0 {
		n.primaryPort = randomPort()
	}

	if err := n.binder.Refresh(n.desiredPorts()); err != nil {
		return fmt.Errorf("zt: initial bind: %w", err)
	}

	if err := n.rejoinCachedNetworks(); err != nil {
		n.log.WithError(err).Warn("zt: rejoin cached networks")
	}

	runCtx, cancel := context.WithCancel(ctx)
	n.runCtx = runCtx
	n.runCancel = cancel

	eg, egCtx := errgroup.WithContext(runCtx)
	n.runGroup = eg

	if n.mapper != nil {
		eg.Go(func() error {
			err := n.mapper.Run(egCtx, n.auxPort)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	eg.Go(n.maintenanceLoop(egCtx))

	n.bus.Start()
	go n.watchdog()

	n.state.Store(int32(StateOffline))
	n.bus.Publish(event.Message{Code: event.NodeUp, Node: &event.NodeStatus{
		Address:     addressToUint64(n.address),
		PrimaryPort: n.primaryPort,
	}})
	n.log.Info("zt: started")
	return nil
}

func (n *Node) rejoinCachedNetworks() error {
	ids, err := n.store.ListCachedNetworks()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := n.Join(id); err != nil {
			n.log.WithError(err).WithField("network", id).Warn("zt: rejoin cached network")
		}
	}
	return nil
}

// watchdog waits for the subsystem group launched by doStart to exit,
// then drives the stopping transition exactly once, whether that exit
// was a fatal error from within the group or an explicit Stop call
// that already canceled runCtx.
func (n *Node) watchdog() {
	err := n.runGroup.Wait()
	n.triggerTeardown(err)
}

func (n *Node) triggerTeardown(cause error) {
	n.teardownOnce.Do(func() {
		var fatal *core.FatalError
		if cause != nil && !errors.Is(cause, context.Canceled) {
			if !errors.As(cause, &fatal) {
				fatal = &core.FatalError{Reason: cause.Error()}
			}
			n.fatalErr.Store(fatal)
			n.log.WithError(fatal).Error("zt: fatal error, stopping")
			n.bus.Publish(event.Message{Code: event.NodeUnrecoverableError, Reason: fatal.Error()})
		}
		n.state.Store(int32(StateStopping))
		n.teardown()
		n.state.Store(int32(StateStopped))
		n.bus.Publish(event.Message{Code: event.NodeDown})
		n.bus.Stop()
	})
}

// Stop tears the node down: every joined network's stack and tap, the
// UDP binder, and the event bus. It corresponds to the original SDK's
// combined stop()+free() path, since this implementation has no
// restart capability once stopped (see DESIGN.md).
func (n *Node) Stop() error {
	n.serviceMu.Lock()
	defer n.serviceMu.Unlock()

	switch State(n.state.Load()) {
	case StateOff, StateStopping, StateStopped:
		return nil
	}

	if n.runCancel != nil {
		n.runCancel()
	}
	if n.runGroup != nil {
		_ = n.runGroup.Wait()
	}
	n.triggerTeardown(nil)
	return nil
}

func (n *Node) teardown() {
	n.membershipMu.Lock()
	members := n.memberships
	n.memberships = make(map[core.NetworkID]*membership)
	n.membershipMu.Unlock()

	for id, m := range members {
		net, hadNet := n.coreNode.Network(id)
		if err := m.stack.Close(); err != nil {
			n.log.WithError(err).WithField("network", id).Warn("zt: close stack")
		}
		if err := m.tap.Close(); err != nil {
			n.log.WithError(err).WithField("network", id).Warn("zt: close tap")
		}
		if hadNet {
			n.bus.Publish(event.Message{Code: event.NetifRemoved, Netif: netifDetails(net)})
		}
	}

	if err := n.binder.Close(); err != nil {
		n.log.WithError(err).Warn("zt: close binder")
	}
}

// Join brings up a virtual network membership: it asks core to create
// (or return the existing) *core.Network, then wires a vtap.Tap,
// netstack.Stack, and sock.Manager to it. Joining the same network
// twice returns the existing membership.
func (n *Node) Join(id core.NetworkID) (*core.Network, error) {
	if State(n.state.Load()) == StateOff {
		return nil, fmt.Errorf("zt: node not started")
	}

	net, err := n.coreNode.Join(id)
	if err != nil {
		return nil, err
	}

	n.membershipMu.Lock()
	_, exists := n.memberships[id]
	n.membershipMu.Unlock()
	if exists {
		return net, nil
	}

	mac := core.DeriveMAC(n.address, id)
	tap := vtap.New(id, mac)

	logf := func(format string, args ...interface{}) {
		n.log.Debugf(format, args...)
	}
	stk, err := netstack.Create(logf, id, tap)
	if err != nil {
		tap.Close()
		return nil, fmt.Errorf("zt: create stack for network %s: %w", id, err)
	}
	if err := stk.Start(); err != nil {
		tap.Close()
		return nil, fmt.Errorf("zt: start stack for network %s: %w", id, err)
	}

	m := &membership{
		tap:   tap,
		stack: stk,
		sock:  sock.NewManager(stk),
	}

	n.membershipMu.Lock()
	n.memberships[id] = m
	n.membershipMu.Unlock()

	go n.pumpOutbound(id, tap)

	// VirtualNetworkConfigUpdated already fired once for ad-hoc
	// networks inside coreNode.Join above, before this membership's
	// tap/stack existed to reconcile onto; run it now that they do.
	n.reconcileAssignedIPs(id, net, m)

	n.bus.Publish(event.Message{Code: event.NetifUp, Netif: netifDetails(net)})

	if err := n.store.SaveNetworkConfig(id, []byte(net.Status.String())); err != nil {
		n.log.WithError(err).Warn("zt: persist network config")
	}

	return net, nil
}

// Leave tears down a membership's tap/stack and forgets the cached
// config.
func (n *Node) Leave(id core.NetworkID) {
	net, hadNet := n.coreNode.Network(id)
	n.coreNode.Leave(id)

	n.membershipMu.Lock()
	m, ok := n.memberships[id]
	if ok {
		delete(n.memberships, id)
	}
	n.membershipMu.Unlock()
	if !ok {
		return
	}

	if err := m.stack.Close(); err != nil {
		n.log.WithError(err).WithField("network", id).Warn("zt: close stack")
	}
	if err := m.tap.Close(); err != nil {
		n.log.WithError(err).WithField("network", id).Warn("zt: close tap")
	}
	if hadNet {
		n.bus.Publish(event.Message{Code: event.NetifRemoved, Netif: netifDetails(net)})
	}
	if err := n.store.DeleteNetworkConfig(id); err != nil {
		n.log.WithError(err).WithField("network", id).Warn("zt: delete cached network config")
	}
}

// Orbit pins addr as always-trusted infrastructure.
func (n *Node) Orbit(addr core.Address, pub [32]byte) {
	n.coreNode.Orbit(addr, pub)
}

// OrbitAt pins addr like Orbit, then seeds a path to it at the given
// rendezvous address. This is for callers that already know where a
// pinned peer (a moon or planet, or a leaf reached over a pre-shared
// ad-hoc link) can be reached, rather than waiting for its address to
// turn up as some inbound packet's source.
func (n *Node) OrbitAt(addr core.Address, pub [32]byte, remote netip.AddrPort) error {
	n.coreNode.Orbit(addr, pub)
	return n.coreNode.SeedPath(addr, 0, remote)
}

// Deorbit removes a previously pinned address.
func (n *Node) Deorbit(addr core.Address) {
	n.coreNode.Deorbit(addr)
}

// MulticastSubscribe joins a multicast group on network id.
func (n *Node) MulticastSubscribe(id core.NetworkID, g core.MulticastGroup) error {
	return n.coreNode.MulticastSubscribe(id, g)
}

// MulticastUnsubscribe leaves a multicast group on network id.
func (n *Node) MulticastUnsubscribe(id core.NetworkID, g core.MulticastGroup) {
	n.coreNode.MulticastUnsubscribe(id, g)
}

// AddAssignedIP adds ip to network id's assignment and immediately
// reconciles it onto the matching netif, spec.md §4.E's add_ip
// operation. A real controller-driven network gets this reconcile for
// free from VirtualNetworkConfigUpdated on every config push; this is
// the same operation for local/ad-hoc assignment that has no
// controller to push one.
func (n *Node) AddAssignedIP(id core.NetworkID, ip netip.Prefix) error {
	net, ok := n.coreNode.Network(id)
	if !ok {
		return fmt.Errorf("zt: not a member of network %s", id)
	}
	if err := net.AddAssignedIP(ip); err != nil {
		return err
	}
	m, err := n.membershipFor(id)
	if err != nil {
		return err
	}
	n.reconcileAssignedIPs(id, net, m)
	return nil
}

// RemoveAssignedIP withdraws ip from network id's assignment and
// reconciles its removal onto the matching netif, spec.md §4.E's
// remove_ip operation.
func (n *Node) RemoveAssignedIP(id core.NetworkID, ip netip.Prefix) error {
	net, ok := n.coreNode.Network(id)
	if !ok {
		return fmt.Errorf("zt: not a member of network %s", id)
	}
	net.RemoveAssignedIP(ip)
	m, err := n.membershipFor(id)
	if err != nil {
		return err
	}
	n.reconcileAssignedIPs(id, net, m)
	return nil
}

// Peers returns all currently known peers.
func (n *Node) Peers() []*core.Peer {
	return n.coreNode.Peers()
}

// Networks returns all current memberships.
func (n *Node) Networks() []*core.Network {
	return n.coreNode.Networks()
}

func (n *Node) membershipFor(id core.NetworkID) (*membership, error) {
	n.membershipMu.Lock()
	defer n.membershipMu.Unlock()
	m, ok := n.memberships[id]
	if !ok {
		return nil, fmt.Errorf("zt: not a member of network %s", id)
	}
	return m, nil
}

// DialContext opens an outbound connection over network id, the BSD
// socket API's connect(2) surfaced as a net.Conn (spec.md §4.G).
func (n *Node) DialContext(ctx context.Context, id core.NetworkID, network, address string) (net.Conn, error) {
	m, err := n.membershipFor(id)
	if err != nil {
		return nil, err
	}
	raddr, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, fmt.Errorf("zt: dial %q: %w", address, err)
	}
	switch network {
	case "tcp", "tcp4", "tcp6":
		return m.stack.DialContextTCP(ctx, raddr)
	case "udp", "udp4", "udp6":
		return m.stack.DialContextUDP(ctx, raddr)
	default:
		return nil, fmt.Errorf("zt: unsupported network %q", network)
	}
}

// Listen accepts inbound TCP connections over network id, the BSD
// socket API's bind(2)+listen(2) surfaced as a net.Listener.
func (n *Node) Listen(id core.NetworkID, network, address string) (net.Listener, error) {
	m, err := n.membershipFor(id)
	if err != nil {
		return nil, err
	}
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("zt: unsupported network %q for listen", network)
	}
	laddr, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, fmt.Errorf("zt: listen %q: %w", address, err)
	}
	return m.stack.ListenTCP(laddr)
}

// Socket allocates a BSD-style socket on network id, the socket(2)
// entry point of the C-ABI surface Component G presents (spec.md
// §4.G). DialContext/Listen cover the common net.Conn/net.Listener
// path over gonet directly; Socket is for callers that need the raw
// socket handle and option surface (SetNonBlocking, SO_LINGER, FD)
// package sock exposes.
func (n *Node) Socket(id core.NetworkID, domain, typ, proto int) (*sock.Socket, error) {
	m, err := n.membershipFor(id)
	if err != nil {
		return nil, err
	}
	return m.sock.Socket(domain, typ, proto)
}

func (n *Node) pumpOutbound(id core.NetworkID, tap *vtap.Tap) {
	mac := tap.MAC
	for {
		select {
		case frame, ok := <-tap.Outbound():
			if !ok {
				return
			}
			if err := n.coreNode.ProcessVirtualFrame(id, mac, frame.DstMAC(), frame.EtherType(), frame.Data()); err != nil {
				n.log.WithError(err).Debug("zt: process virtual frame")
			}
		case <-tap.Done():
			return
		}
	}
}

func (n *Node) handleInboundDatagram(sockHandle core.SocketHandle, remote netip.AddrPort, payload []byte) {
	if err := n.coreNode.ProcessWirePacket(sockHandle, remote, payload, time.Now()); err != nil {
		n.log.WithError(err).Debug("zt: process wire packet")
	}
}
