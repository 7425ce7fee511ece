// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package transport

import (
	"net"
	"testing"
	"time"

	"github.com/nullmesh/meshcore/lib/graph"
)

func TestSendToConfirmedAddressUsesItDirectly(t *testing.T) {
	g := graph.New("self", nil)

	tb := New(g)
	sockB, err := tb.Listen("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer tb.Close()

	ta := New(g)
	if _, err := ta.Listen("udp4", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer ta.Close()

	recv := make(chan []byte, 1)
	tb.Deliver = func(_ *net.UDPAddr, data []byte) { recv <- data }

	node := g.EnsureNode("b", nil)
	node.UDPConfirmed = true
	node.Address = sockB.conn.LocalAddr().(*net.UDPAddr)

	if err := ta.Send(node, []byte("hello")); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-recv:
		if string(got) != "hello" {
			t.Errorf("expected 'hello', got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("packet not delivered")
	}
}

func TestSendBroadcastUsesFamilyBroadcastAddress(t *testing.T) {
	g := graph.New("self", nil)
	ta := New(g)
	if _, err := ta.Listen("udp4", "127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer ta.Close()

	node := g.EnsureNode("b", nil)
	node.Broadcast = true

	// No local-discovery address configured and no real broadcast route on
	// this host is guaranteed reachable in a test sandbox, but Send should
	// still resolve a destination and attempt the write without error
	// beyond what the OS itself permits (and EMSGSIZE/EWOULDBLOCK are
	// swallowed, not surfaced).
	if err := ta.Send(node, []byte("x")); err != nil {
		t.Logf("broadcast send returned %v (acceptable in a sandboxed test)", err)
	}
}

func TestSendUnconfirmedProbesAlternateAddresses(t *testing.T) {
	g := graph.New("self", nil)
	ta := New(g)
	sockSelf, err := ta.Listen("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ta.Close()

	tb := New(g)
	sockB, err := tb.Listen("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer tb.Close()
	_ = sockSelf

	recv := make(chan []byte, 8)
	tb.Deliver = func(_ *net.UDPAddr, data []byte) { recv <- data }

	node := g.EnsureNode("b", nil)
	node.Address = sockB.conn.LocalAddr().(*net.UDPAddr)

	// Advertise a reverse-edge address equal to sockB's address too, so
	// both the "probe alternative" and "direct" branches resolve to a
	// deliverable destination regardless of which the counter picks.
	g.AddEdge("self", "b", nil, 1, 0)
	g.AddEdge("b", "self", node.Address, 1, 0)

	for i := 0; i < 3; i++ {
		if err := ta.Send(node, []byte("p")); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-recv:
		case <-time.After(time.Second):
			t.Fatalf("packet %d not delivered", i)
		}
	}
}
