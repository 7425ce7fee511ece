// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package router

import (
	"testing"

	"github.com/nullmesh/meshcore/lib/graph"
	"github.com/nullmesh/meshcore/lib/wire"
)

func TestRouteToSelfDelivers(t *testing.T) {
	g := graph.New("self", nil)
	var delivered []byte
	r := New(g, func(*graph.Node, []byte) error { t.Fatal("should not dispatch for local delivery"); return nil })
	r.Deliver = func(_ *graph.Node, payload []byte) { delivered = payload }

	if err := r.Send("self", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if string(delivered) != "hello" {
		t.Errorf("expected local delivery of 'hello', got %q", delivered)
	}
}

func TestRouteToUnknownDestinationErrors(t *testing.T) {
	g := graph.New("self", nil)
	r := New(g, func(*graph.Node, []byte) error { return nil })
	if err := r.Send("ghost", []byte("x")); err == nil {
		t.Fatal("expected error routing to an unknown destination")
	}
}

func TestRouteToUnreachableDestinationErrors(t *testing.T) {
	g := graph.New("self", nil)
	g.EnsureNode("a", nil)
	r := New(g, func(*graph.Node, []byte) error { return nil })
	if err := r.Send("a", []byte("x")); err == nil {
		t.Fatal("expected error routing to an unreachable destination")
	}
}

func TestRouteDispatchesToReachableNeighbor(t *testing.T) {
	g := graph.New("self", nil)
	g.AddEdge("self", "a", nil, 1, 0)
	g.AddEdge("a", "self", nil, 1, 0)
	g.Recompute()

	var gotDest *graph.Node
	r := New(g, func(dest *graph.Node, _ []byte) error { gotDest = dest; return nil })

	if err := r.Send("a", []byte("x")); err != nil {
		t.Fatal(err)
	}
	a, _ := g.Node("a")
	if gotDest != a {
		t.Errorf("expected dispatch to node a, got %v", gotDest)
	}
}

func TestRouteDetectsLoop(t *testing.T) {
	g := graph.New("self", nil)
	g.AddEdge("self", "a", nil, 1, 0)
	g.AddEdge("a", "self", nil, 1, 0)
	g.AddEdge("a", "b", nil, 1, 0)
	g.AddEdge("b", "a", nil, 1, 0)
	g.Recompute()

	a, _ := g.Node("a")
	b, _ := g.Node("b")

	r := New(g, func(*graph.Node, []byte) error { t.Fatal("should not dispatch on loop"); return nil })
	raw := wire.EncodeHeader("self", "b", []byte("x"))
	// b's via is a; routing a packet that "arrived from a" toward b would
	// forward back the way it came.
	if err := r.Route(a, raw); err == nil {
		t.Fatal("expected loop detection error")
	}
	_ = b
}

func TestBroadcastMSTExcludesIncomingNeighbor(t *testing.T) {
	g := graph.New("self", nil)
	g.AddEdge("self", "a", nil, 1, 0)
	g.AddEdge("a", "self", nil, 1, 0)
	g.AddEdge("self", "b", nil, 1, 0)
	g.AddEdge("b", "self", nil, 1, 0)
	g.Recompute()

	a, _ := g.Node("a")
	b, _ := g.Node("b")

	var sentTo []*graph.Node
	r := New(g, func(dest *graph.Node, _ []byte) error { sentTo = append(sentTo, dest); return nil })

	r.BroadcastMST(a, []byte("pkt"))

	if len(sentTo) != 1 || sentTo[0] != b {
		t.Errorf("expected MST broadcast to reach only b (excluding incoming a), got %v", sentTo)
	}
}

func TestBroadcastDirectReachesOnlyDirectNeighbors(t *testing.T) {
	g := graph.New("self", nil)
	g.AddEdge("self", "a", nil, 1, 0)
	g.AddEdge("a", "self", nil, 1, 0)
	g.AddEdge("a", "b", nil, 1, 0)
	g.AddEdge("b", "a", nil, 1, 0)
	g.Recompute()

	var delivered bool
	var sentTo []*graph.Node
	r := New(g, func(dest *graph.Node, _ []byte) error { sentTo = append(sentTo, dest); return nil })
	r.Deliver = func(*graph.Node, []byte) { delivered = true }

	r.BroadcastDirect([]byte("pkt"))

	if !delivered {
		t.Error("expected local delivery before fan-out")
	}
	a, _ := g.Node("a")
	if len(sentTo) != 1 || sentTo[0] != a {
		t.Errorf("expected direct broadcast to reach only the direct neighbor a, got %v", sentTo)
	}
}
