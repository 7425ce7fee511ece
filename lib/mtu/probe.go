// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package mtu implements the per-peer path-MTU discovery state machine of
// spec §4.2, grounded on meshlink's send_mtu_probe_handler/mtu_probe_h
// (net_packet.c): a 1-second tick sends a burst of randomly-sized probes,
// and replies raise the known-working minimum MTU until the value
// converges.
package mtu

import (
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/nullmesh/meshcore/lib/graph"
	"github.com/nullmesh/meshcore/lib/logger"
	"github.com/nullmesh/meshcore/lib/sptps"
	"github.com/nullmesh/meshcore/lib/wire"
)

const (
	phaseConverged     = 30
	phaseIdle          = 31
	phaseRecheck       = 32
	initialBurstCutoff = 10
	minProbeLen        = 64
)

var (
	debug = strings.Contains(os.Getenv("MESHTRACE"), "mtu") || os.Getenv("MESHTRACE") == "all"
	l     = logger.DefaultLogger
)

// Prober drives one Node's MTU discovery. It hands each already-built probe
// payload to that Node's Session via Session.Send; the Session's SendFunc is
// responsible for actually reaching the wire (UDPTransport, spec §4.6),
// consulting Node.Broadcast to pick a unicast or broadcast/multicast
// destination exactly as tinc's choose_udp_address/choose_broadcast_address
// do for the flag toggled around each broadcast-slot probe.
type Prober struct {
	node    *graph.Node
	session *sptps.Session

	pingInterval time.Duration
	pingTimeout  time.Duration
	localDiscovery bool

	prevReceived      uint32
	prevReceivedSeqno uint32
}

// New creates a Prober bound to node's Session.
func New(node *graph.Node, session *sptps.Session, pingInterval, pingTimeout time.Duration, localDiscovery bool) *Prober {
	return &Prober{
		node:           node,
		session:        session,
		pingInterval:   pingInterval,
		pingTimeout:    pingTimeout,
		localDiscovery: localDiscovery,
	}
}

// NextTimeout returns how long the caller's timer should wait before the
// next Tick, mirroring send_mtu_probe_handler's own timeout_set call.
func (p *Prober) NextTimeout() time.Duration {
	n := p.node
	switch {
	case n.MTUProbes == phaseIdle:
		return p.pingInterval
	case n.MTUProbes == phaseRecheck:
		return p.pingTimeout
	default:
		return time.Second
	}
}

// Tick runs one iteration of the discovery state machine (spec §4.2).
func (p *Prober) Tick() {
	n := p.node
	n.MTUProbes++

	if !n.Reachable || !n.ValidKey {
		if debug {
			l.Debugf("mtu: probing unreachable or rekeying node %s", n.Name)
		}
		n.MTUProbes = 0
		return
	}

	if n.MTUProbes > phaseRecheck {
		if n.MinMTU == 0 {
			n.MTUProbes = phaseIdle
			return
		}
		if debug {
			l.Debugf("mtu: %s did not respond to UDP ping, restarting PMTU discovery", n.Name)
		}
		n.UDPConfirmed = false
		n.MTUProbes = 1
		n.MinMTU = 0
		n.MaxMTU = wire.MTUCeiling
	}

	if n.MTUProbes >= initialBurstCutoff && n.MTUProbes < phaseRecheck && n.MinMTU == 0 {
		if debug {
			l.Debugf("mtu: no response to MTU probes from %s", n.Name)
		}
		n.MTUProbes = phaseIdle
	}

	if n.MTUProbes == phaseConverged || (n.MTUProbes < phaseConverged && n.MinMTU >= n.MaxMTU) {
		if n.MinMTU > n.MaxMTU {
			n.MinMTU = n.MaxMTU
		} else {
			n.MaxMTU = n.MinMTU
		}
		n.MTU = n.MinMTU
		if debug {
			l.Debugf("mtu: fixing MTU of %s to %d after %d probes", n.Name, n.MTU, n.MTUProbes)
		}
		n.MTUProbes = phaseIdle
	}

	if n.MTUProbes == phaseIdle {
		return
	}

	burst := 4
	if p.localDiscovery {
		burst = 5
	}
	for i := 0; i < burst; i++ {
		var length int
		switch {
		case i == 0:
			if n.MTUProbes < phaseConverged || n.MaxMTU+8 >= wire.MTUCeiling {
				continue
			}
			length = n.MaxMTU + 8
		case n.MaxMTU <= n.MinMTU:
			length = n.MaxMTU
		default:
			length = n.MinMTU + 1 + rand.Intn(n.MaxMTU-n.MinMTU)
		}
		if length < minProbeLen {
			length = minProbeLen
		}

		payload := make([]byte, length)
		payload[0] = 0 // probe request
		if _, err := rand.Read(payload[1:]); err != nil {
			continue
		}

		// The broadcast slot is used only while the node has a PrevEdge;
		// without one the broadcast is skipped and this probe goes out
		// unicast (spec §9).
		n.Broadcast = i >= 4 && n.MTUProbes <= initialBurstCutoff && n.PrevEdge != nil
		if err := p.session.Send(sptps.RecordProbe, payload); err != nil && debug {
			l.Debugf("mtu: probe send to %s failed: %v", n.Name, err)
		}
	}
	n.Broadcast = false
	n.ProbeCounter = 0
	n.LastProbe = time.Now()

	p.updatePacketLoss()
}

func (p *Prober) updatePacketLoss() {
	received := p.session.Received()
	seqno := p.session.InSeqno()

	if received > p.prevReceived {
		p.node.PacketLoss = 1 - float64(received-p.prevReceived)/float64(seqno-p.prevReceivedSeqno)
		if p.node.PacketLoss < 0 {
			p.node.PacketLoss = 0
		} else if p.node.PacketLoss > 1 {
			p.node.PacketLoss = 1
		}
	} else if seqno == p.prevReceivedSeqno {
		// Nothing arrived and the sender's counter didn't move either: no
		// evidence of loss either way (spec §9 resolves this degenerate
		// case as loss 0, not a boolean cast). Nothing arriving while the
		// seqno did move counts as loss 1 below.
		p.node.PacketLoss = 0
	} else {
		p.node.PacketLoss = 1
	}

	p.prevReceivedSeqno = seqno
	p.prevReceived = received
}

// HandleProbe processes an inbound PKT_PROBE record: first byte 0 is a
// request (echoed back with first byte 1), nonzero is a reply used to
// refine minmtu/RTT/bandwidth (spec §4.2).
func (p *Prober) HandleProbe(payload []byte) {
	n := p.node
	if len(payload) == 0 {
		return
	}

	if payload[0] == 0 {
		reply := make([]byte, len(payload))
		copy(reply, payload)
		reply[0] = 1
		// The reply must go back out exactly how the probe came in; our
		// Session doesn't distinguish source address, so there is nothing
		// further to toggle here (unlike tinc's temporary udp_confirmed
		// override around send_udppacket).
		_ = p.session.Send(sptps.RecordProbe, reply)
		return
	}

	n.UDPConfirmed = true
	length := len(payload)

	if n.MTUProbes > phaseConverged {
		if length == n.MaxMTU+8 {
			if debug {
				l.Debugf("mtu: increase in PMTU to %s detected, restarting discovery", n.Name)
			}
			n.MaxMTU = wire.MTUCeiling
			n.MTUProbes = initialBurstCutoff
			return
		}
		if n.MinMTU != 0 {
			n.MTUProbes = phaseConverged
		} else {
			n.MTUProbes = 1
		}
	}

	if length > n.MaxMTU {
		length = n.MaxMTU
	}
	if n.MinMTU < length {
		n.MinMTU = length
	}

	now := time.Now()
	diff := now.Sub(n.LastProbe)
	n.ProbeCounter++

	switch n.ProbeCounter {
	case 1:
		n.RTT = diff
		n.LastProbe = now
	case 3:
		n.Bandwidth = 2 * float64(length) / diff.Seconds()
		if debug {
			l.Debugf("mtu: %s RTT %v, burst bandwidth %.3f Mbit/s, rx loss %.2f%%",
				n.Name, n.RTT, n.Bandwidth*8e-6, n.PacketLoss*100)
		}
	}
}

// Reset restores a Node to pre-discovery state, called when the Graph marks
// it unreachable (spec §4.4: "the reverse transition ... resets MTU state").
func Reset(n *graph.Node) {
	n.MTUProbes = 0
	n.MinMTU = 0
	n.MaxMTU = wire.MTUCeiling
	n.MTU = 0
	n.UDPConfirmed = false
	n.ProbeCounter = 0
	n.RTT = 0
	n.Bandwidth = 0
	n.PacketLoss = 0
}
