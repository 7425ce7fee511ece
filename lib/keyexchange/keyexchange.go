// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package keyexchange bridges MetaChannel to SessionProto (spec §4.7):
// whenever Router needs to reach a peer whose SessionProto handshake hasn't
// completed yet, its handshake bytes are base64'd onto REQ_KEY/ANS_KEY meta
// lines and forwarded hop-by-hop along each node's nexthop until they reach
// the target, instead of riding the not-yet-existing UDP path directly.
package keyexchange

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nullmesh/meshcore/lib/crypto"
	"github.com/nullmesh/meshcore/lib/graph"
	"github.com/nullmesh/meshcore/lib/logger"
	"github.com/nullmesh/meshcore/lib/meta"
	"github.com/nullmesh/meshcore/lib/sptps"
	"github.com/nullmesh/meshcore/lib/xerr"
)

// RetryAfter is how long KeyExchange waits for a REQ_KEY response before
// tearing the stalled SessionProto down and retrying (spec §4.7: "If
// already waitingforkey and 10 s elapsed").
const RetryAfter = 10 * time.Second

var (
	debug = strings.Contains(os.Getenv("MESHTRACE"), "keyexchange") || os.Getenv("MESHTRACE") == "all"
	l     = logger.DefaultLogger
)

// ConnFor resolves the active MetaChannel connection toward a direct
// neighbor by name, used to forward REQ_KEY/ANS_KEY one hop at a time.
type ConnFor func(neighborName string) (*meta.Connection, bool)

// TransportSend delivers an already-established session's wire bytes over
// whatever carries application traffic (UDPTransport, once validkey) —
// wired in by the caller after lib/transport exists.
type TransportSend func(node *graph.Node, data []byte) error

// KeyExchange owns one SessionProto Session per peer and the bootstrap
// plumbing that gets its handshake bytes to the peer before either side has
// a working datagram path.
type KeyExchange struct {
	mu sync.Mutex

	g        *graph.Graph
	selfName string
	myKey    *crypto.SigningKey

	entries map[string]*sessionEntry
	lastReq map[string]time.Time

	connFor ConnFor

	// TransportSend and Compression are set by the caller once available;
	// Compression reports the local codec level advertised in ANS_KEY
	// (spec §4.9).
	TransportSend TransportSend
	Compression   func() int

	// Deliver receives authenticated application records from an
	// established session (spec §4.1 Handlers.Receive, forwarded here).
	Deliver func(node *graph.Node, recordType uint8, data []byte)

	// Established fires after node.ValidKey flips true, letting callers
	// start MTUProbe and other per-session machinery at the right time.
	Established func(node *graph.Node)
}

type sessionEntry struct {
	node      *graph.Node
	sess      *sptps.Session
	initiator bool
	sentFirst bool // false until the responder's first outbound frame goes out (ANS_KEY vs REQ_KEY)
}

// New creates a KeyExchange bound to g, signing with myKey, and resolving
// hop connections via connFor.
func New(g *graph.Graph, myKey *crypto.SigningKey, connFor ConnFor) *KeyExchange {
	return &KeyExchange{
		g:        g,
		selfName: g.Self().Name,
		myKey:    myKey,
		entries:  make(map[string]*sessionEntry),
		lastReq:  make(map[string]time.Time),
		connFor:  connFor,
	}
}

// EnsureKey implements spec §4.7's "Router needs to send to a peer with
// !validkey" gate: starts a handshake if none is in flight, or restarts a
// stalled one after RetryAfter elapses.
func (kx *KeyExchange) EnsureKey(node *graph.Node) error {
	kx.mu.Lock()
	defer kx.mu.Unlock()

	if node.ValidKey {
		return nil
	}
	now := time.Now()

	if !node.WaitingForKey {
		node.WaitingForKey = true
		kx.lastReq[node.Name] = now
		e := kx.entryLocked(node, true)
		if debug {
			l.Debugf("keyexchange: starting handshake with %s", node.Name)
		}
		return e.sess.Start()
	}

	if last, ok := kx.lastReq[node.Name]; ok && now.Sub(last) >= RetryAfter {
		if debug {
			l.Debugf("keyexchange: no key from %s after %s, restarting", node.Name, RetryAfter)
		}
		delete(kx.entries, node.Name)
		node.ValidKey = false
		kx.lastReq[node.Name] = now
		return kx.entryLocked(node, true).sess.Start()
	}

	return xerr.New(xerr.NoKey, "keyexchange: still waiting for key from "+node.Name)
}

// entryLocked must be called with kx.mu held. It returns the existing
// session wrapper for node, or lazily creates one in the given role.
func (kx *KeyExchange) entryLocked(node *graph.Node, initiator bool) *sessionEntry {
	if e, ok := kx.entries[node.Name]; ok {
		return e
	}
	e := &sessionEntry{node: node, initiator: initiator}
	e.sess = sptps.New(sptps.Config{
		Initiator: initiator,
		Streamed:  false,
		MyKey:     kx.myKey,
		PeerKey:   node.PublicKey,
		Label:     kx.selfName + "-" + node.Name,
		Send:      func(data []byte) error { return kx.deliver(e, data) },
		Handlers: sptps.Handlers{
			Established: func() { kx.onEstablished(node) },
			Receive: func(recordType uint8, data []byte) {
				if kx.Deliver != nil {
					kx.Deliver(node, recordType, data)
				}
			},
			Alert: func(reason string) {
				l.Warnf("keyexchange: handshake alert from %s: %s", node.Name, reason)
			},
		},
	})
	kx.entries[node.Name] = e
	return e
}

func (kx *KeyExchange) onEstablished(node *graph.Node) {
	node.ValidKey = true
	node.WaitingForKey = false
	if debug {
		l.Debugf("keyexchange: SPTPS key exchange with %s successful", node.Name)
	}
	if kx.Established != nil {
		kx.Established(node)
	}
}

// IsInitiator reports whether the local side started node's SPTPS
// handshake, lazily creating the entry as a responder if neither side has
// needed one yet. Callers use this to agree on a single, session-wide role
// for protocols layered above SessionProto (lib/channel's smux Client/Server
// split) without introducing a second, independently negotiated notion of
// initiator.
func (kx *KeyExchange) IsInitiator(node *graph.Node) bool {
	kx.mu.Lock()
	defer kx.mu.Unlock()
	return kx.entryLocked(node, false).initiator
}

// Session returns node's SessionProto session, lazily creating it as a
// responder if this is the first time it's been needed locally (e.g. to
// hand to lib/mtu's Prober once Established fires).
func (kx *KeyExchange) Session(node *graph.Node) *sptps.Session {
	kx.mu.Lock()
	defer kx.mu.Unlock()
	return kx.entryLocked(node, false).sess
}

// deliver is a session's SendFunc: once validkey it rides TransportSend,
// otherwise it is wrapped in a REQ_KEY/ANS_KEY line and forwarded toward
// the peer one hop at a time (spec §4.7).
//
// Distinguishing REQ_KEY from ANS_KEY by literally inspecting the frame is
// not possible once a cipher is active (the record type is encrypted), so
// this mirrors the distinction functionally instead: a responder's first
// outbound frame (its KEX+SIG reply to an inbound bootstrap) goes out as
// ANS_KEY, exactly the one piggyback reply spec §4.7 calls out by name;
// every other handshake frame in either direction, including rekeys, rides
// REQ_KEY.
func (kx *KeyExchange) deliver(e *sessionEntry, data []byte) error {
	node := e.node
	if node.ValidKey {
		if kx.TransportSend == nil {
			return xerr.New(xerr.Internal, "keyexchange: no transport configured for established session")
		}
		return kx.TransportSend(node, data)
	}

	hop := node.NextHop
	if hop == nil {
		return xerr.New(xerr.PeerUnreachable, "keyexchange: no route to "+node.Name)
	}
	conn, ok := kx.connFor(hop.Name)
	if !ok {
		return xerr.New(xerr.NetworkError, "keyexchange: no meta connection toward "+hop.Name)
	}

	useAnsKey := !e.initiator && !e.sentFirst
	e.sentFirst = true

	if useAnsKey {
		compression := -1
		if kx.Compression != nil {
			compression = kx.Compression()
		}
		return conn.SendAnsKey(kx.selfName, node.Name, data, compression)
	}
	return conn.SendReqKey(kx.selfName, node.Name, data)
}

// HandleReqKey processes an inbound REQ_KEY line (spec §4.7: "forwarded
// verbatim toward target along nexthop. On terminal node, feed payload into
// SessionProto.receive_data").
func (kx *KeyExchange) HandleReqKey(source, target string, payload []byte) error {
	if target == kx.selfName {
		kx.mu.Lock()
		srcNode := kx.g.EnsureNode(source, nil)
		e := kx.entryLocked(srcNode, false)
		kx.mu.Unlock()
		return e.sess.ReceiveData(payload)
	}
	return kx.forward(source, target, payload, false, -1)
}

// HandleAnsKey processes an inbound ANS_KEY line, additionally updating the
// source's advertised compression level (spec §4.7).
func (kx *KeyExchange) HandleAnsKey(source, target string, payload []byte, compression int) error {
	if target == kx.selfName {
		kx.mu.Lock()
		srcNode := kx.g.EnsureNode(source, nil)
		if compression >= 0 {
			srcNode.Compression = compression
		}
		e := kx.entryLocked(srcNode, true)
		kx.mu.Unlock()
		return e.sess.ReceiveData(payload)
	}
	return kx.forward(source, target, payload, true, compression)
}

func (kx *KeyExchange) forward(source, target string, payload []byte, isAns bool, compression int) error {
	destNode, ok := kx.g.Node(target)
	if !ok || destNode.NextHop == nil {
		return xerr.New(xerr.PeerUnreachable, "keyexchange: no route to forward toward "+target)
	}
	conn, ok := kx.connFor(destNode.NextHop.Name)
	if !ok {
		return xerr.New(xerr.NetworkError, "keyexchange: no meta connection toward "+destNode.NextHop.Name)
	}
	if isAns {
		return conn.SendAnsKey(source, target, payload, compression)
	}
	return conn.SendReqKey(source, target, payload)
}
