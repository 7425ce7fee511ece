// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mtu

import (
	"testing"
	"time"

	"github.com/nullmesh/meshcore/lib/crypto"
	"github.com/nullmesh/meshcore/lib/graph"
	"github.com/nullmesh/meshcore/lib/sptps"
	"github.com/nullmesh/meshcore/lib/wire"
)

// newEstablishedPair wires two Sessions by having each one's Send call the
// other's ReceiveData directly, each delivering inbound probe records
// straight to the given Probers.
func newEstablishedPair(t *testing.T) (sessA, sessB *sptps.Session, probeA, probeB *Prober) {
	t.Helper()
	keyA, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	keyB, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}

	nodeA := &graph.Node{Name: "a", Reachable: true, ValidKey: true, MaxMTU: wire.MTUCeiling}
	nodeB := &graph.Node{Name: "b", Reachable: true, ValidKey: true, MaxMTU: wire.MTUCeiling}

	var a, b *sptps.Session
	var pa, pb *Prober

	a = sptps.New(sptps.Config{
		Initiator: true,
		MyKey:     keyA,
		PeerKey:   keyB.Public(),
		Label:     "mtu-test",
		Send:      func(data []byte) error { return b.ReceiveData(append([]byte(nil), data...)) },
		Handlers: sptps.Handlers{
			Receive: func(recordType uint8, data []byte) {
				if recordType == sptps.RecordProbe {
					pa.HandleProbe(data)
				}
			},
		},
	})
	b = sptps.New(sptps.Config{
		Initiator: false,
		MyKey:     keyB,
		PeerKey:   keyA.Public(),
		Label:     "mtu-test",
		Send:      func(data []byte) error { return a.ReceiveData(append([]byte(nil), data...)) },
		Handlers: sptps.Handlers{
			Receive: func(recordType uint8, data []byte) {
				if recordType == sptps.RecordProbe {
					pb.HandleProbe(data)
				}
			},
		},
	})

	pa = New(nodeA, a, time.Second, 10*time.Second, false)
	pb = New(nodeB, b, time.Second, 10*time.Second, false)

	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	return a, b, pa, pb
}

func TestTickSendsProbeBurstAndEchoesBack(t *testing.T) {
	_, _, pa, _ := newEstablishedPair(t)

	pa.Tick()

	if pa.node.MTUProbes != 1 {
		t.Fatalf("expected MTUProbes=1 after first tick, got %d", pa.node.MTUProbes)
	}
	if !pa.node.UDPConfirmed {
		t.Error("expected UDPConfirmed after a round trip of echoed probes")
	}
	if pa.node.MinMTU == 0 {
		t.Error("expected MinMTU to be raised by at least one echoed probe")
	}
}

func TestTickOnUnreachableNodeResetsProbes(t *testing.T) {
	_, _, pa, _ := newEstablishedPair(t)
	pa.node.Reachable = false
	pa.node.MTUProbes = 5

	pa.Tick()

	if pa.node.MTUProbes != 0 {
		t.Errorf("expected MTUProbes reset to 0 for unreachable node, got %d", pa.node.MTUProbes)
	}
}

func TestConvergedMTUIsFixed(t *testing.T) {
	_, _, pa, _ := newEstablishedPair(t)
	pa.node.MTUProbes = phaseConverged - 1
	pa.node.MinMTU = 1400
	pa.node.MaxMTU = 1400

	pa.Tick()

	if pa.node.MTU != 1400 {
		t.Errorf("expected MTU fixed at 1400, got %d", pa.node.MTU)
	}
	if pa.node.MTUProbes != phaseIdle {
		t.Errorf("expected MTUProbes to settle at phaseIdle, got %d", pa.node.MTUProbes)
	}
}

func TestHandleProbeRequestEchoesViaSession(t *testing.T) {
	sessA, _, pa, pb := newEstablishedPair(t)

	req := make([]byte, 64)
	req[0] = 0
	// Sending a request through sessA delivers it to b's Receive handler,
	// which calls pb.HandleProbe, which echoes a reply back over the same
	// session wiring to a's Receive handler and pa.HandleProbe.
	if err := sessA.Send(sptps.RecordProbe, req); err != nil {
		t.Fatal(err)
	}
	if !pa.node.UDPConfirmed {
		t.Error("expected the initiator's node to be UDP-confirmed after its probe was echoed back")
	}
	_ = pb
}

func TestResetClearsDiscoveryState(t *testing.T) {
	n := &graph.Node{MTU: 1400, MinMTU: 1400, MaxMTU: 1400, MTUProbes: 31, UDPConfirmed: true, PacketLoss: 0.5}
	Reset(n)
	if n.MTU != 0 || n.MinMTU != 0 || n.MTUProbes != 0 || n.UDPConfirmed || n.PacketLoss != 0 {
		t.Errorf("Reset did not clear all discovery fields: %+v", n)
	}
	if n.MaxMTU != wire.MTUCeiling {
		t.Errorf("Reset should restore MaxMTU to the ceiling, got %d", n.MaxMTU)
	}
}
