// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package graph

import (
	"container/heap"

	algograph "github.com/twmb/algoimpl/go/graph"
)

// Recompute runs Dijkstra's shortest path from self over the directed edge
// weights, setting NextHop/Via/Reachable/PrevEdge for every Node, then
// recomputes the undirected minimum spanning tree and marks the Edges used
// for broadcast fan-out (spec §4.4). It fires OnReachable/OnUnreachable for
// any Node whose reachability changed.
//
// Dijkstra itself is hand-rolled over container/heap: the vendored
// twmb/algoimpl/go/graph package (pulled in for MinimumSpanningTree below)
// exposes no shortest-path algorithm, and no other example in the corpus
// carries one either.
func (g *Graph) Recompute() {
	g.mu.Lock()
	defer g.mu.Unlock()

	prevReachable := make(map[*Node]bool, len(g.nodes))
	for _, n := range g.nodes {
		prevReachable[n] = n.Reachable
	}

	g.dijkstraLocked()
	g.recomputeMSTLocked()

	for _, n := range g.nodes {
		if n.Reachable && !prevReachable[n] {
			if g.OnReachable != nil {
				g.OnReachable(n)
			}
		} else if !n.Reachable && prevReachable[n] {
			if g.OnUnreachable != nil {
				g.OnUnreachable(n)
			}
		}
	}
}

// pqItem is one entry in the Dijkstra frontier.
type pqItem struct {
	node *Node
	dist int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) { *pq = append(*pq, x.(*pqItem)) }
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

func (g *Graph) dijkstraLocked() {
	self := g.self

	dist := make(map[*Node]int, len(g.nodes))
	prev := make(map[*Node]*Node, len(g.nodes))
	visited := make(map[*Node]bool, len(g.nodes))
	const unreached = 1<<31 - 1

	for _, n := range g.nodes {
		dist[n] = unreached
		n.Reachable = false
		n.NextHop = nil
		n.Via = nil
		n.PrevEdge = nil
	}
	self.Reachable = true
	dist[self] = 0

	pq := &priorityQueue{{node: self, dist: 0}}
	heap.Init(pq)

	adj := make(map[*Node][]*Edge, len(g.nodes))
	for _, e := range g.edges {
		adj[e.From] = append(adj[e.From], e)
	}

	for pq.Len() > 0 {
		top := heap.Pop(pq).(*pqItem)
		u := top.node
		if visited[u] {
			continue
		}
		visited[u] = true

		for _, e := range adj[u] {
			v := e.To
			nd := dist[u] + e.Weight
			if nd < dist[v] {
				dist[v] = nd
				prev[v] = u
				heap.Push(pq, &pqItem{node: v, dist: nd})
			}
		}
	}

	for _, n := range g.nodes {
		if n == self || dist[n] == unreached {
			continue
		}
		n.Reachable = true

		// Walk back from n to self to find the first hop and n's
		// immediate predecessor.
		path := []*Node{n}
		for cur := n; cur != self; cur = prev[cur] {
			path = append(path, prev[cur])
		}
		// path is now [n, ..., self]; reverse it.
		for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
			path[i], path[j] = path[j], path[i]
		}
		// path[0] == self, path[1] is the first hop.
		n.NextHop = path[1]

		predecessor := path[len(path)-2]
		if predecessor == self {
			n.Via = self
		} else {
			n.Via = predecessor
		}

		for _, e := range g.edges {
			if e.From == self && e.To == n.NextHop {
				n.PrevEdge = e
				break
			}
		}
	}
}

// recomputeMSTLocked marks every Edge's MST field by running the vendored
// MinimumSpanningTree algorithm over the undirected weight graph (each
// bidirectional pair of directed Edges contributes one undirected edge,
// weighted by the lower of the two directions).
func (g *Graph) recomputeMSTLocked() {
	for _, e := range g.edges {
		e.MST = false
	}

	ag := algograph.New(algograph.Undirected)
	byName := make(map[string]algograph.Node, len(g.nodes))
	for name := range g.nodes {
		n := ag.MakeNode()
		var v interface{} = name
		*n.Value = v
		byName[name] = n
	}

	type pair struct{ a, b string }
	seen := make(map[pair]bool)
	undirected := make(map[pair]int)
	for _, e := range g.edges {
		a, b := e.From.Name, e.To.Name
		key := pair{a, b}
		if a > b {
			key = pair{b, a}
		}
		if w, ok := undirected[key]; !ok || e.Weight < w {
			undirected[key] = e.Weight
		}
	}
	for key, w := range undirected {
		if seen[key] {
			continue
		}
		seen[key] = true
		ag.MakeEdgeWeight(byName[key.a], byName[key.b], w)
	}

	mst := ag.MinimumSpanningTree()
	mstPairs := make(map[pair]bool, len(mst))
	for _, me := range mst {
		a, b := (*me.Start.Value).(string), (*me.End.Value).(string)
		key := pair{a, b}
		if a > b {
			key = pair{b, a}
		}
		mstPairs[key] = true
	}

	for _, e := range g.edges {
		a, b := e.From.Name, e.To.Name
		key := pair{a, b}
		if a > b {
			key = pair{b, a}
		}
		if mstPairs[key] {
			e.MST = true
		}
	}
}
