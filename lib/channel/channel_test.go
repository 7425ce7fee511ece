// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package channel

import (
	"net"
	"testing"
	"time"
)

func TestOpenChannelTagsPortAndRoundTripsData(t *testing.T) {
	connA, connB := net.Pipe()

	a, err := NewPeer(connA, true)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewPeer(connB, false)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	accepted := make(chan *Channel, 1)
	go b.AcceptLoop(func(ch *Channel) { accepted <- ch })

	opened, err := a.Open(42)
	if err != nil {
		t.Fatal(err)
	}
	defer opened.Close()

	var inbound *Channel
	select {
	case inbound = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("channel not accepted")
	}
	if inbound.Port != 42 {
		t.Errorf("expected port 42, got %d", inbound.Port)
	}

	if err := opened.Send([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	inbound.stream.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := inbound.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	if string(buf[:n]) != "hello" {
		t.Errorf("expected 'hello', got %q", buf[:n])
	}
}

func TestCloseChannelDoesNotCloseSession(t *testing.T) {
	connA, connB := net.Pipe()

	a, err := NewPeer(connA, true)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewPeer(connB, false)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	go b.AcceptLoop(func(*Channel) {})

	ch1, err := a.Open(1)
	if err != nil {
		t.Fatal(err)
	}
	ch2, err := a.Open(2)
	if err != nil {
		t.Fatal(err)
	}
	defer ch2.Close()

	if err := ch1.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Open(3); err != nil {
		t.Fatalf("session should still accept new streams after one channel closes: %v", err)
	}
}
