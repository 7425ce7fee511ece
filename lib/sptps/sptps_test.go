// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package sptps

import (
	"bytes"
	"sync"
	"testing"

	"github.com/nullmesh/meshcore/lib/crypto"
)

// pair wires two Sessions together by having each one's Send call the
// other's ReceiveData directly, so the handshake and record exchange are
// driven synchronously in tests.
type pair struct {
	a, b                 *Session
	aEstablished, bEstablished bool
	aReceived, bReceived []string
	mu                   sync.Mutex
}

func newPair(t *testing.T, streamed bool) *pair {
	t.Helper()

	keyA, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}

	p := &pair{}

	p.a = New(Config{
		Initiator: true,
		Streamed:  streamed,
		MyKey:     keyA,
		PeerKey:   keyB.Public(),
		Label:     "test",
		Send:      func(data []byte) error { return p.b.ReceiveData(append([]byte(nil), data...)) },
		Handlers: Handlers{
			Established: func() { p.mu.Lock(); p.aEstablished = true; p.mu.Unlock() },
			Receive: func(_ uint8, data []byte) {
				p.mu.Lock()
				p.aReceived = append(p.aReceived, string(data))
				p.mu.Unlock()
			},
		},
	})
	p.b = New(Config{
		Initiator: false,
		Streamed:  streamed,
		MyKey:     keyB,
		PeerKey:   keyA.Public(),
		Label:     "test",
		Send:      func(data []byte) error { return p.a.ReceiveData(append([]byte(nil), data...)) },
		Handlers: Handlers{
			Established: func() { p.mu.Lock(); p.bEstablished = true; p.mu.Unlock() },
			Receive: func(_ uint8, data []byte) {
				p.mu.Lock()
				p.bReceived = append(p.bReceived, string(data))
				p.mu.Unlock()
			},
		},
	})
	return p
}

func TestHandshakeEstablishesBothSides(t *testing.T) {
	p := newPair(t, false)
	if err := p.a.Start(); err != nil {
		t.Fatal(err)
	}
	if !p.aEstablished || !p.bEstablished {
		t.Fatalf("handshake did not complete: a=%v b=%v", p.aEstablished, p.bEstablished)
	}
	if p.a.State() != PhaseEstablished || p.b.State() != PhaseEstablished {
		t.Fatalf("expected both sessions established, got a=%v b=%v", p.a.State(), p.b.State())
	}
}

func TestApplicationDataRoundTrips(t *testing.T) {
	p := newPair(t, false)
	if err := p.a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.a.Send(RecordData, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := p.b.Send(RecordData, []byte("world")); err != nil {
		t.Fatal(err)
	}
	if len(p.bReceived) != 1 || p.bReceived[0] != "hello" {
		t.Fatalf("b should have received [hello], got %v", p.bReceived)
	}
	if len(p.aReceived) != 1 || p.aReceived[0] != "world" {
		t.Fatalf("a should have received [world], got %v", p.aReceived)
	}
}

func TestSendBeforeEstablishedFails(t *testing.T) {
	p := newPair(t, false)
	if err := p.a.Send(RecordData, []byte("too early")); err == nil {
		t.Fatal("expected Send before handshake completes to fail")
	}
}

func TestForceRekeyPreservesDataFlow(t *testing.T) {
	p := newPair(t, false)
	if err := p.a.Start(); err != nil {
		t.Fatal(err)
	}
	if err := p.a.ForceRekey(); err != nil {
		t.Fatal(err)
	}
	if p.a.State() != PhaseEstablished || p.b.State() != PhaseEstablished {
		t.Fatalf("rekey should end back at ESTABLISHED, got a=%v b=%v", p.a.State(), p.b.State())
	}
	if err := p.a.Send(RecordData, []byte("post-rekey")); err != nil {
		t.Fatal(err)
	}
	if len(p.bReceived) != 1 || p.bReceived[0] != "post-rekey" {
		t.Fatalf("expected post-rekey delivery, got %v", p.bReceived)
	}
}

func TestReceivedAndInSeqnoAdvance(t *testing.T) {
	p := newPair(t, false)
	if err := p.a.Start(); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := p.a.Send(RecordData, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.b.Received(); got != 3 {
		t.Errorf("expected 3 records received, got %d", got)
	}
	if got := p.b.InSeqno(); got != 2 {
		t.Errorf("expected inseqno 2 (0-indexed, 3rd record), got %d", got)
	}
}

func TestStreamedFramingReassemblesAcrossShortReads(t *testing.T) {
	keyA, _ := crypto.GenerateSigningKey()
	keyB, _ := crypto.GenerateSigningKey()

	var buf bytes.Buffer
	var bEstablished bool
	a := New(Config{
		Initiator: true,
		Streamed:  true,
		MyKey:     keyA,
		PeerKey:   keyB.Public(),
		Send:      func(data []byte) error { buf.Write(data); return nil },
	})
	b := New(Config{
		Initiator: false,
		Streamed:  true,
		MyKey:     keyB,
		PeerKey:   keyA.Public(),
		Send:      func(data []byte) error { return nil },
		Handlers:  Handlers{Established: func() { bEstablished = true }},
	})
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	// Feed the KEX record to b one byte at a time to exercise reassembly.
	all := buf.Bytes()
	for i := range all {
		if err := b.ReceiveData(all[i : i+1]); err != nil {
			t.Fatal(err)
		}
	}
	if b.State() != PhaseSig {
		t.Fatalf("expected b to reach SIG after KEX, got %v", b.State())
	}
	_ = bEstablished
}
