// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package graph

import "testing"

func TestDirectNeighborViaIsSelf(t *testing.T) {
	g := New("self", nil)
	g.AddEdge("self", "a", nil, 1, 0)
	g.AddEdge("a", "self", nil, 1, 0)
	g.Recompute()

	a, ok := g.Node("a")
	if !ok {
		t.Fatal("node a not created")
	}
	if !a.Reachable {
		t.Fatal("a should be reachable")
	}
	if a.NextHop != a {
		t.Errorf("nexthop for direct neighbor a should be a itself, got %v", a.NextHop)
	}
	if a.Via != g.Self() {
		t.Errorf("via for direct neighbor should be self, got %v", a.Via)
	}
}

func TestMultiHopRouting(t *testing.T) {
	g := New("self", nil)
	// self -- a -- b, no direct self-b edge.
	g.AddEdge("self", "a", nil, 1, 0)
	g.AddEdge("a", "self", nil, 1, 0)
	g.AddEdge("a", "b", nil, 1, 0)
	g.AddEdge("b", "a", nil, 1, 0)
	g.Recompute()

	a, _ := g.Node("a")
	b, _ := g.Node("b")

	if !b.Reachable {
		t.Fatal("b should be reachable via a")
	}
	if b.NextHop != a {
		t.Errorf("nexthop for b should be a, got %v", b.NextHop)
	}
	if b.Via != a {
		t.Errorf("via for indirect b should be its predecessor a, got %v", b.Via)
	}
}

func TestUnreachableWithoutPath(t *testing.T) {
	g := New("self", nil)
	g.EnsureNode("isolated", nil)
	g.Recompute()

	n, _ := g.Node("isolated")
	if n.Reachable {
		t.Error("node with no edges should be unreachable")
	}
	if n.NextHop != nil {
		t.Error("unreachable node should have nil nexthop")
	}
}

func TestShortestPathPrefersLowerWeight(t *testing.T) {
	g := New("self", nil)
	// Direct self->c costs 10; self->a->c costs 1+1=2.
	g.AddEdge("self", "c", nil, 10, 0)
	g.AddEdge("c", "self", nil, 10, 0)
	g.AddEdge("self", "a", nil, 1, 0)
	g.AddEdge("a", "self", nil, 1, 0)
	g.AddEdge("a", "c", nil, 1, 0)
	g.AddEdge("c", "a", nil, 1, 0)
	g.Recompute()

	a, _ := g.Node("a")
	c, _ := g.Node("c")
	if c.NextHop != a {
		t.Errorf("shortest path to c should go via a, got nexthop %v", c.NextHop)
	}
}

func TestReachabilityCallbacks(t *testing.T) {
	g := New("self", nil)
	var reachableCalls, unreachableCalls []string
	g.OnReachable = func(n *Node) { reachableCalls = append(reachableCalls, n.Name) }
	g.OnUnreachable = func(n *Node) { unreachableCalls = append(unreachableCalls, n.Name) }

	g.AddEdge("self", "a", nil, 1, 0)
	g.AddEdge("a", "self", nil, 1, 0)
	g.Recompute()
	if len(reachableCalls) != 1 || reachableCalls[0] != "a" {
		t.Fatalf("expected OnReachable(a) once, got %v", reachableCalls)
	}

	g.RemoveEdge("self", "a")
	g.RemoveEdge("a", "self")
	g.Recompute()
	if len(unreachableCalls) != 1 || unreachableCalls[0] != "a" {
		t.Fatalf("expected OnUnreachable(a) once, got %v", unreachableCalls)
	}
}

func TestEdgeReverseLinking(t *testing.T) {
	g := New("self", nil)
	e1 := g.AddEdge("self", "a", nil, 1, 0)
	if e1.Reverse != nil {
		t.Fatal("reverse should be nil before the other direction is advertised")
	}
	e2 := g.AddEdge("a", "self", nil, 1, 0)
	if e1.Reverse != e2 || e2.Reverse != e1 {
		t.Fatal("edges should link as mutual reverses once both directions exist")
	}
}

func TestMinimumSpanningTreeMarksEdges(t *testing.T) {
	g := New("self", nil)
	// A triangle: self-a, a-b, b-self, all weight 1; MST should drop one edge
	// pair (three undirected edges in, two survive).
	g.AddEdge("self", "a", nil, 1, 0)
	g.AddEdge("a", "self", nil, 1, 0)
	g.AddEdge("a", "b", nil, 1, 0)
	g.AddEdge("b", "a", nil, 1, 0)
	g.AddEdge("b", "self", nil, 1, 0)
	g.AddEdge("self", "b", nil, 1, 0)
	g.Recompute()

	mstCount := 0
	for _, e := range g.Edges() {
		if e.MST {
			mstCount++
		}
	}
	// Three undirected pairs contribute up to 2*2=4 directed MST-marked
	// edges (two undirected edges survive a 3-node triangle's MST).
	if mstCount != 4 {
		t.Errorf("expected 4 directed edges marked MST (2 undirected survivors), got %d", mstCount)
	}
}
