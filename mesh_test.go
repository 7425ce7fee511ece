// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package meshcore

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/nullmesh/meshcore/lib/crypto"
	"github.com/nullmesh/meshcore/lib/sptps"
)

func TestOpenAndSetDiscoveryAddress(t *testing.T) {
	mesh, err := Open(t.TempDir(), "self", "meshecho-test", 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := mesh.SetDiscoveryAddress("239.255.0.1:12345"); err != nil {
		t.Fatalf("SetDiscoveryAddress: %v", err)
	}
	if err := mesh.SetDiscoveryAddress("not-an-address"); err == nil {
		t.Fatal("expected an error for an unresolvable discovery address")
	}

	self := mesh.GetSelf()
	if self == nil || self.Name != "self" {
		t.Fatalf("GetSelf() = %v, want node named self", self)
	}
	if _, ok := mesh.GetNode("nobody"); ok {
		t.Fatal("GetNode unexpectedly found an unknown node")
	}
}

func TestNodeName(t *testing.T) {
	if got := nodeName(nil); got != "<nil>" {
		t.Errorf("nodeName(nil) = %q, want <nil>", got)
	}
	n := &Node{Name: "alice"}
	if got := nodeName(n); got != "alice" {
		t.Errorf("nodeName(alice) = %q, want alice", got)
	}
}

// sessionConnPair wires two sptps.Sessions together synchronously, the same
// way lib/sptps's own tests do, each feeding its recordChannel records into
// the pipe a sessionConn reads from -- reproducing onSessionRecord's
// recordChannel case without needing a whole running Mesh.
func sessionConnPair(t *testing.T) (connA, connB *sessionConn, closeFn func()) {
	t.Helper()
	keyA, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}

	prA, pwA := io.Pipe()
	prB, pwB := io.Pipe()

	var a, b *sptps.Session
	var aEstablished, bEstablished bool

	a = sptps.New(sptps.Config{
		Initiator: true,
		MyKey:     keyA,
		PeerKey:   keyB.Public(),
		Label:     "mesh-test",
		Send:      func(data []byte) error { return b.ReceiveData(append([]byte(nil), data...)) },
		Handlers: sptps.Handlers{
			Established: func() { aEstablished = true },
			Receive: func(recordType uint8, data []byte) {
				if recordType == recordChannel {
					pwA.Write(data)
				}
			},
		},
	})
	b = sptps.New(sptps.Config{
		Initiator: false,
		MyKey:     keyB,
		PeerKey:   keyA.Public(),
		Label:     "mesh-test",
		Send:      func(data []byte) error { return a.ReceiveData(append([]byte(nil), data...)) },
		Handlers: sptps.Handlers{
			Established: func() { bEstablished = true },
			Receive: func(recordType uint8, data []byte) {
				if recordType == recordChannel {
					pwB.Write(data)
				}
			},
		},
	})

	if err := a.Start(); err != nil {
		t.Fatalf("handshake start: %v", err)
	}
	if !aEstablished || !bEstablished {
		t.Fatal("handshake did not complete")
	}

	// As in peerFor, each sessionConn reads the records its own session
	// receives: a's Receive handler feeds pwA, so connA reads prA.
	connA = &sessionConn{s: a, r: prA}
	connB = &sessionConn{s: b, r: prB}
	return connA, connB, func() {
		connA.Close()
		connB.Close()
	}
}

func TestSessionConnRoundTripsChannelRecords(t *testing.T) {
	connA, connB, closeFn := sessionConnPair(t)
	defer closeFn()

	if _, err := connA.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 5)
	done := make(chan struct{})
	go func() {
		n, err := connB.Read(buf)
		if err != nil {
			t.Errorf("read: %v", err)
			close(done)
			return
		}
		if string(buf[:n]) != "hello" {
			t.Errorf("got %q, want hello", buf[:n])
		}
		close(done)
	}()

	if _, err := connA.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for channel record to arrive")
	}
}

func TestSessionConnCloseUnblocksRead(t *testing.T) {
	connA, connB, closeFn := sessionConnPair(t)
	defer closeFn()

	errCh := make(chan error, 1)
	go func() {
		_, err := connB.Read(make([]byte, 1))
		errCh <- err
	}()
	connB.Close()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected an error from Read after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not unblock a pending Read")
	}
}

func TestAcceptServiceStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	accepted := make(chan net.Conn, 4)
	svc := &acceptService{ln: ln, accept: func(c net.Conn) { accepted <- c }}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("accept callback was not invoked")
	}
	conn.Close()

	cancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Serve to return an error once cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestTickerServiceTicksUntilCancelled(t *testing.T) {
	ticks := make(chan struct{}, 16)
	svc := &tickerService{interval: 10 * time.Millisecond, tick: func() { ticks <- struct{}{} }}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker never fired")
	}
	select {
	case <-ticks:
	case <-time.After(2 * time.Second):
		t.Fatal("ticker only fired once")
	}

	cancel()
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Serve to return an error once cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
