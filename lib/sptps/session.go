// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package sptps implements the Simple Peer-to-Peer Security session
// protocol of spec §4.1: a minimal authenticated-encryption transport with
// mutual authentication by long-term ECDSA keys and forward secrecy via
// per-session ECDH, grounded on meshlink's sptps.h/sptps.c state machine and
// carried in Go idiom (explicit state, no callback-into-C-struct plumbing).
package sptps

import (
	"crypto/rand"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/nullmesh/meshcore/lib/crypto"
	"github.com/nullmesh/meshcore/lib/logger"
	"github.com/nullmesh/meshcore/lib/xerr"
)

// Phase is the handshake state of spec §3's SessionState.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseKEX
	PhaseSecondaryKEX
	PhaseSig
	PhaseAck
	PhaseEstablished
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseKEX:
		return "KEX"
	case PhaseSecondaryKEX:
		return "SECONDARY_KEX"
	case PhaseSig:
		return "SIG"
	case PhaseAck:
		return "ACK"
	case PhaseEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// RekeyThreshold bounds outgoing records per epoch (spec §3: "outseqno
// never repeats for the same outgoing key; rekey is forced before 2^30
// records").
const RekeyThreshold = 1 << 30

// SendFunc delivers one already-framed record to the peer. The caller
// decides the carrier: a raw UDP socket (lib/transport), or a base64 blob on
// a MetaChannel line (lib/meta) when UDP is unavailable or this is a
// control-channel session.
type SendFunc func(data []byte) error

// Handlers are the Session's upcalls into its owner.
type Handlers struct {
	// Receive is called once per authenticated application record.
	Receive func(recordType uint8, data []byte)
	// Established is called the first time (and again after every rekey)
	// the session reaches PhaseEstablished.
	Established func()
	// Alert is called when the peer signals a handshake failure.
	Alert func(reason string)
}

// Config parameterizes a new Session.
type Config struct {
	Initiator    bool
	Streamed     bool // false = datagram framing (spec §4.1)
	MyKey        *crypto.SigningKey
	PeerKey      *crypto.PublicKey
	Label        string
	ReplayWindow uint // default 16, 0 disables (spec §4.1)
	Send         SendFunc
	Handlers     Handlers
}

// Session is one peer's SPTPS record stream.
type Session struct {
	mu sync.Mutex

	initiator bool
	streamed  bool
	state     Phase

	myKey   *crypto.SigningKey
	peerKey *crypto.PublicKey
	label   []byte

	myNonce  [32]byte
	hisNonce [32]byte
	myKEX    *crypto.EphemeralKey
	hisKEX   [32]byte

	inCipher  *crypto.AEAD
	inSeqno   uint32
	received  uint32 // total records accepted, for MTUProbe loss estimate
	replay    *replayWindow
	outCipher *crypto.AEAD
	outSeqno  uint32

	// secondary (in-flight rekey) epoch, swapped in atomically once both
	// sides have completed the new KEX-SIG-ACK (spec §4.1 "Rekey").
	nextInCipher  *crypto.AEAD
	nextOutCipher *crypto.AEAD
	nextMyNonce   [32]byte
	nextHisNonce  [32]byte
	nextMyKEX     *crypto.EphemeralKey
	nextHisKEX    [32]byte
	rekeying      bool

	send SendFunc
	h    Handlers

	inBuf []byte // streamed-mode reassembly buffer

	dropped uint64 // MAC/replay failures, for testable-property checks
}

var (
	debug = strings.Contains(os.Getenv("MESHTRACE"), "sptps") || os.Getenv("MESHTRACE") == "all"
	l     = logger.DefaultLogger
)

// New constructs a Session. Callers must call Start to begin the handshake
// (initiator) or simply wait for the peer's first record (responder).
func New(cfg Config) *Session {
	s := &Session{
		initiator: cfg.Initiator,
		streamed:  cfg.Streamed,
		state:     PhaseIdle,
		myKey:     cfg.MyKey,
		peerKey:   cfg.PeerKey,
		label:     []byte(cfg.Label),
		replay:    newReplayWindow(cfg.ReplayWindow),
		send:      cfg.Send,
		h:         cfg.Handlers,
	}
	return s
}

// State returns the current handshake phase.
func (s *Session) State() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Dropped returns the count of records discarded for MAC or replay failure.
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Received returns the count of records successfully authenticated, for
// MTUProbe's packet-loss estimate (spec §4.2).
func (s *Session) Received() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.received
}

// InSeqno returns the highest incoming sequence number accepted so far.
func (s *Session) InSeqno() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inSeqno
}

// Start begins the handshake. Only the initiator calls this; the responder
// reacts to the initiator's first KEX record via ReceiveData.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initiator {
		return xerr.New(xerr.Internal, "sptps: only the initiator calls Start")
	}
	return s.sendKEX()
}

// sendKEX must be called with mu held.
func (s *Session) sendKEX() error {
	if _, err := io.ReadFull(rand.Reader, s.myNonce[:]); err != nil {
		return xerr.Wrap(xerr.Internal, err, "sptps: generate KEX nonce")
	}
	kex, err := crypto.GenerateEphemeral()
	if err != nil {
		return err
	}
	s.myKEX = kex
	s.state = PhaseKEX
	payload := append([]byte{hsKEX}, append(append([]byte{}, s.myNonce[:]...), s.myKEX.Public[:]...)...)
	return s.sendRaw(RecordHandshake, payload)
}

// ForceRekey starts a new KEX-SIG-ACK over the established session, per
// spec §4.1 "Rekey". Only the initiator may begin a rekey.
func (s *Session) ForceRekey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initiator {
		return xerr.New(xerr.Internal, "sptps: only the initiator forces rekey")
	}
	return s.startRekeyLocked()
}

// startRekeyLocked must be called with mu held.
func (s *Session) startRekeyLocked() error {
	if s.state != PhaseEstablished {
		return xerr.New(xerr.Internal, "sptps: rekey before established")
	}
	if _, err := io.ReadFull(rand.Reader, s.nextMyNonce[:]); err != nil {
		return xerr.Wrap(xerr.Internal, err, "sptps: generate rekey nonce")
	}
	kex, err := crypto.GenerateEphemeral()
	if err != nil {
		return err
	}
	s.nextMyKEX = kex
	s.rekeying = true
	s.state = PhaseSecondaryKEX
	payload := append([]byte{hsSecondaryKEX}, append(append([]byte{}, s.nextMyNonce[:]...), s.nextMyKEX.Public[:]...)...)
	return s.sendEncrypted(RecordHandshake, payload)
}

func (s *Session) transcript(initiatorKEX, responderKEX []byte) []byte {
	t := make([]byte, 0, len(initiatorKEX)+len(responderKEX)+len(s.label))
	t = append(t, initiatorKEX...)
	t = append(t, responderKEX...)
	t = append(t, s.label...)
	return t
}

func kexBytes(nonce [32]byte, pub [32]byte) []byte {
	b := make([]byte, 64)
	copy(b[:32], nonce[:])
	copy(b[32:], pub[:])
	return b
}

// deriveKeys runs HKDF over the ECDH shared secret and splits the output
// into directional keys so that A's send-key equals B's recv-key (spec §8
// "Handshake symmetry").
func deriveKeys(ephemeral *crypto.EphemeralKey, peerPub [32]byte, transcript []byte, initiator bool) (send, recv *crypto.AEAD, err error) {
	shared, err := ephemeral.Shared(peerPub)
	if err != nil {
		return nil, nil, err
	}
	okm, err := crypto.DeriveKeys(shared, transcript, []byte("meshcore sptps v0"), 64)
	if err != nil {
		return nil, nil, err
	}
	aToB, bToA := okm[:32], okm[32:]
	var sendKey, recvKey []byte
	if initiator {
		sendKey, recvKey = aToB, bToA
	} else {
		sendKey, recvKey = bToA, aToB
	}
	sendCipher, err := crypto.NewAEAD(sendKey)
	if err != nil {
		return nil, nil, err
	}
	recvCipher, err := crypto.NewAEAD(recvKey)
	if err != nil {
		return nil, nil, err
	}
	return sendCipher, recvCipher, nil
}
