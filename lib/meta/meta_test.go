// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package meta

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nullmesh/meshcore/lib/crypto"
)

func newConnectedPair(t *testing.T) (a, b *Connection) {
	t.Helper()
	keyA, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}

	connA, connB := net.Pipe()

	var wg sync.WaitGroup
	wg.Add(2)
	var aActive, bActive bool

	a, err = New(Config{
		Conn:      connA,
		Initiator: true,
		MyName:    "a",
		MyKey:     keyA,
		Handlers:  Handlers{Active: func() { aActive = true; wg.Done() }},
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err = New(Config{
		Conn:      connB,
		Initiator: false,
		MyName:    "b",
		MyKey:     keyB,
		Handlers:  Handlers{Active: func() { bActive = true; wg.Done() }},
	})
	if err != nil {
		t.Fatal(err)
	}

	go a.Run()
	go b.Run()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handshake did not complete")
	}
	if !aActive || !bActive {
		t.Fatal("both sides should be active")
	}
	return a, b
}

func TestHandshakeReachesActive(t *testing.T) {
	a, b := newConnectedPair(t)
	defer a.Close()
	defer b.Close()

	if a.State() != StateActive || b.State() != StateActive {
		t.Fatalf("expected both ACTIVE, got a=%v b=%v", a.State(), b.State())
	}
	if a.PeerName() != "b" || b.PeerName() != "a" {
		t.Fatalf("expected peer names exchanged, got a.peer=%s b.peer=%s", a.PeerName(), b.PeerName())
	}
}

func TestAddEdgeDelivered(t *testing.T) {
	a, b := newConnectedPair(t)
	defer a.Close()
	defer b.Close()

	received := make(chan [2]string, 1)
	b.h.AddEdge = func(from, to string, weight int, options uint32) {
		received <- [2]string{from, to}
	}

	if err := a.SendAddEdge("a", "c", 5, 0); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		if got[0] != "a" || got[1] != "c" {
			t.Errorf("expected edge a->c, got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("ADD_EDGE not delivered")
	}
}

func TestReqKeyDelivered(t *testing.T) {
	a, b := newConnectedPair(t)
	defer a.Close()
	defer b.Close()

	received := make(chan []byte, 1)
	b.h.ReqKey = func(source, target string, payload []byte) { received <- payload }

	if err := a.SendReqKey("a", "c", []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-received:
		if len(got) != 3 || got[0] != 1 {
			t.Errorf("expected payload [1 2 3], got %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("REQ_KEY not delivered")
	}
}
