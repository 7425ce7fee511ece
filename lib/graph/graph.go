// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package graph holds the mesh's Nodes and Edges and recomputes routing
// state whenever the edge set changes: a Dijkstra shortest-path pass sets
// nexthop/via for every reachable Node, and a minimum-spanning-tree pass
// marks the Edges used for broadcast fan-out.
package graph

import (
	"net"
	"time"

	"github.com/nullmesh/meshcore/internal/syncutil"
	"github.com/nullmesh/meshcore/lib/crypto"
	"github.com/nullmesh/meshcore/lib/metrics"
	"github.com/nullmesh/meshcore/lib/sptps"
)

// Node is a mesh participant (spec §3's Node).
type Node struct {
	Name      string
	PublicKey *crypto.PublicKey

	Reachable     bool
	ValidKey      bool
	WaitingForKey bool
	UDPConfirmed  bool
	Broadcast     bool

	Address     *net.UDPAddr
	SocketIndex int

	MinMTU      int
	MaxMTU      int
	MTU         int
	MTUProbes   int
	ProbeCounter int
	LastProbe   time.Time
	RTT         time.Duration
	Bandwidth   float64
	PacketLoss  float64

	Counters *metrics.NodeCounters

	NextHop *Node
	Via     *Node
	PrevEdge *Edge

	Session *sptps.Session

	// Compression is the node's negotiated codec level, or -1 if not yet
	// negotiated (spec §9 "Compression layer is pluggable").
	Compression int
}

// Edge is a directed adjacency advertised by a node about one of its
// neighbors (spec §3's Edge). Reverse points directly at e's counterpart in
// the opposite direction (nil until the peer advertises it); Go's tracing
// collector has no trouble with the resulting two-edge cycle, so there is no
// need for the index-arena indirection a non-GC'd implementation would want.
type Edge struct {
	From, To *Node
	Address  *net.UDPAddr
	Weight   int
	Options  uint32
	MST      bool
	Reverse  *Edge
}

// Graph owns every Node and Edge and the routing state derived from them.
type Graph struct {
	mu syncutil.RWMutex // constructed via syncutil.NewRWMutex in New

	self  *Node
	nodes map[string]*Node

	edges []*Edge

	// OnReachable/OnUnreachable fire on a Node's unreachable<->reachable
	// transition (spec §4.4: "triggers SessionProto session start"/"tears
	// the session down and resets MTU state"). Either may be nil.
	OnReachable   func(*Node)
	OnUnreachable func(*Node)
}

// New creates a Graph with a single, always-reachable self Node.
func New(selfName string, selfKey *crypto.PublicKey) *Graph {
	self := &Node{
		Name:        selfName,
		PublicKey:   selfKey,
		Reachable:   true,
		Compression: -1,
		Counters:    metrics.NewNodeCounters(),
	}
	g := &Graph{
		mu:    syncutil.NewRWMutex(),
		self:  self,
		nodes: map[string]*Node{selfName: self},
	}
	return g
}

// Self returns the local Node.
func (g *Graph) Self() *Node {
	return g.self
}

// Node looks up a Node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns a snapshot of every known Node.
func (g *Graph) Nodes() []*Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	return out
}

// EnsureNode returns the named Node, creating it (unreachable, no key) if
// this is the first time the name has appeared — in a graph update or in
// local configuration (spec §3: "Created when a name first appears").
func (g *Graph) EnsureNode(name string, key *crypto.PublicKey) *Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ensureNodeLocked(name, key)
}

func (g *Graph) ensureNodeLocked(name string, key *crypto.PublicKey) *Node {
	if n, ok := g.nodes[name]; ok {
		if key != nil {
			n.PublicKey = key
		}
		return n
	}
	n := &Node{
		Name:        name,
		PublicKey:   key,
		Compression: -1,
		Counters:    metrics.NewNodeCounters(),
	}
	g.nodes[name] = n
	return n
}

// AddEdge installs a directed adjacency from->to (an ADD_EDGE meta message,
// spec §3). If the reverse edge to->from already exists the two are linked;
// otherwise linking happens when that reverse edge later arrives.
func (g *Graph) AddEdge(from, to string, addr *net.UDPAddr, weight int, options uint32) *Edge {
	g.mu.Lock()
	defer g.mu.Unlock()

	fromNode := g.ensureNodeLocked(from, nil)
	toNode := g.ensureNodeLocked(to, nil)

	e := &Edge{
		From:    fromNode,
		To:      toNode,
		Address: addr,
		Weight:  weight,
		Options: options,
	}
	g.edges = append(g.edges, e)

	for _, other := range g.edges {
		if other.From == toNode && other.To == fromNode && other.Reverse == nil {
			other.Reverse = e
			e.Reverse = other
			break
		}
	}
	return e
}

// RemoveEdge deletes the from->to adjacency (a DEL_EDGE meta message). The
// edge's reverse, if any, has its own Reverse pointer cleared but is left in
// place; the peer is expected to send a matching DEL_EDGE for it.
func (g *Graph) RemoveEdge(from, to string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, e := range g.edges {
		if e.From.Name != from || e.To.Name != to {
			continue
		}
		if e.Reverse != nil {
			e.Reverse.Reverse = nil
		}
		g.edges = append(g.edges[:i], g.edges[i+1:]...)
		return true
	}
	return false
}

// Edges returns a snapshot of every Edge.
func (g *Graph) Edges() []*Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Edge, len(g.edges))
	copy(out, g.edges)
	return out
}
