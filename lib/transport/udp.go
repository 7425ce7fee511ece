// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package transport implements UDPTransport (spec §4.6): one listening
// socket per configured address family, and the outbound address selection
// a peer's packet uses depending on its broadcast/udp_confirmed state,
// grounded on meshlink's net_packet.c choose_udp_address/choose_broadcast_address.
package transport

import (
	"errors"
	"math/rand"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nullmesh/meshcore/lib/graph"
	"github.com/nullmesh/meshcore/lib/logger"
	"github.com/nullmesh/meshcore/lib/xerr"
)

var (
	debug = strings.Contains(os.Getenv("MESHTRACE"), "transport") || os.Getenv("MESHTRACE") == "all"
	l     = logger.DefaultLogger
)

// Socket is one of Transport's listening UDP sockets.
type Socket struct {
	conn   *net.UDPConn
	family string // "udp4" or "udp6"
}

// Family reports whether this socket listens on IPv4 or IPv6.
func (s *Socket) Family() string { return s.family }

// Transport owns every listening UDP socket and dispatches outbound packets
// per spec §4.6.
type Transport struct {
	g *graph.Graph

	mu             sync.RWMutex
	sockets        []*Socket
	localDiscovery *net.UDPAddr

	probeCounter uint64
	rng          *rand.Rand
	rngMu        sync.Mutex

	// Deliver receives every packet read off any listening socket, tagged
	// with the address it arrived from.
	Deliver func(src *net.UDPAddr, data []byte)
}

// New creates a Transport bound to g's nodes and edges for address
// resolution. Call Listen for each configured address family before Send.
func New(g *graph.Graph) *Transport {
	return &Transport{g: g, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Listen opens a UDP socket on network ("udp4" or "udp6") and laddr, and
// starts reading from it in the background.
func (t *Transport) Listen(network, laddr string) (*Socket, error) {
	addr, err := net.ResolveUDPAddr(network, laddr)
	if err != nil {
		return nil, xerr.Wrap(xerr.NetworkError, err, "transport: resolve "+laddr)
	}
	conn, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, xerr.Wrap(xerr.NetworkError, err, "transport: listen "+network+" "+laddr)
	}
	s := &Socket{conn: conn, family: network}

	t.mu.Lock()
	t.sockets = append(t.sockets, s)
	t.mu.Unlock()

	go t.readLoop(s)
	return s, nil
}

func (t *Transport) readLoop(s *Socket) {
	buf := make([]byte, 65536)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if debug {
				l.Debugf("transport: read on %s closed: %v", s.family, err)
			}
			return
		}
		if t.Deliver == nil {
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		t.Deliver(addr, cp)
	}
}

// SetLocalDiscoveryAddress sets the destination used for same-subnet
// discovery broadcasts (spec §4.6 "the configured local-discovery address").
func (t *Transport) SetLocalDiscoveryAddress(addr *net.UDPAddr) {
	t.mu.Lock()
	t.localDiscovery = addr
	t.mu.Unlock()
}

// Close shuts down every listening socket.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var first error
	for _, s := range t.sockets {
		if err := s.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Send picks an outbound socket and destination for node per spec §4.6 and
// writes payload to it.
func (t *Transport) Send(node *graph.Node, payload []byte) error {
	t.mu.RLock()
	if len(t.sockets) == 0 {
		t.mu.RUnlock()
		return xerr.New(xerr.NetworkError, "transport: no listening sockets")
	}
	sock, dest := t.chooseLocked(node)
	t.mu.RUnlock()

	if sock == nil || dest == nil {
		return xerr.New(xerr.PeerUnreachable, "transport: no usable address for "+node.Name)
	}

	_, err := sock.conn.WriteTo(payload, dest)
	if err == nil {
		return nil
	}

	if errors.Is(err, syscall.EMSGSIZE) {
		newMTU := len(payload) - 1
		node.MaxMTU = newMTU
		if node.MTU > newMTU {
			node.MTU = newMTU
		}
		if debug {
			l.Debugf("transport: EMSGSIZE sending to %s, lowering mtu to %d", node.Name, newMTU)
		}
		return nil
	}
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return nil
	}

	l.Warnf("transport: send to %s failed: %v", node.Name, err)
	return xerr.Wrap(xerr.NetworkError, err, "transport: send to "+node.Name)
}

// chooseLocked implements spec §4.6's three-way outbound address selection.
// Callers must hold t.mu for reading.
func (t *Transport) chooseLocked(node *graph.Node) (*Socket, *net.UDPAddr) {
	switch {
	case node.Broadcast:
		sock := t.randomSocketLocked()
		if sock == nil {
			return nil, nil
		}
		if t.localDiscovery != nil && familyOf(t.localDiscovery) == sock.family {
			return sock, t.localDiscovery
		}
		dest := familyBroadcastAddr(sock.family)
		if node.PrevEdge != nil && node.PrevEdge.Address != nil {
			dest.Port = node.PrevEdge.Address.Port
		}
		return sock, dest

	case node.UDPConfirmed:
		sock := t.socketAtLocked(node.SocketIndex)
		if sock == nil {
			sock = t.socketForFamilyLocked(familyOf(node.Address))
		}
		return sock, node.Address
	}

	// Two out of three probes go to a random edge's reverse address (a
	// neighbor's view of how to reach node, which may differ from what node
	// advertised itself); one in three goes straight to node.Address.
	if atomic.AddUint64(&t.probeCounter, 1)%3 != 0 {
		if addr := t.randomReverseEdgeAddrLocked(node); addr != nil {
			sock := t.socketForFamilyLocked(familyOf(addr))
			if sock == nil {
				sock = t.randomSocketLocked()
			}
			return sock, addr
		}
	}
	sock := t.socketForFamilyLocked(familyOf(node.Address))
	if sock == nil {
		sock = t.randomSocketLocked()
	}
	return sock, node.Address
}

func (t *Transport) randomSocketLocked() *Socket {
	if len(t.sockets) == 0 {
		return nil
	}
	t.rngMu.Lock()
	i := t.rng.Intn(len(t.sockets))
	t.rngMu.Unlock()
	return t.sockets[i]
}

func (t *Transport) socketAtLocked(i int) *Socket {
	if i < 0 || i >= len(t.sockets) {
		return nil
	}
	return t.sockets[i]
}

func (t *Transport) socketForFamilyLocked(family string) *Socket {
	if family == "" {
		return nil
	}
	for _, s := range t.sockets {
		if s.family == family {
			return s
		}
	}
	return nil
}

func (t *Transport) randomReverseEdgeAddrLocked(node *graph.Node) *net.UDPAddr {
	var candidates []*net.UDPAddr
	for _, e := range t.g.Edges() {
		if e.To == node && e.Reverse != nil && e.Reverse.Address != nil {
			candidates = append(candidates, e.Reverse.Address)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	t.rngMu.Lock()
	i := t.rng.Intn(len(candidates))
	t.rngMu.Unlock()
	return candidates[i]
}

func familyOf(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	if addr.IP.To4() != nil {
		return "udp4"
	}
	return "udp6"
}

func familyBroadcastAddr(family string) *net.UDPAddr {
	if family == "udp6" {
		return &net.UDPAddr{IP: net.ParseIP("ff02::1")}
	}
	return &net.UDPAddr{IP: net.IPv4(255, 255, 255, 255)}
}
