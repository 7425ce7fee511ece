// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package meta implements the MetaChannel line-oriented control protocol of
// spec §4.5: a TCP connection carrying ID/META_KEY/CHALLENGE/CHAL_REPLY/ACK
// mutual authentication directly over ECDSA (the long-term signing key
// already in play, rather than a second nested SessionProto handshake just
// for the control line), then ADD_EDGE/DEL_EDGE/REQ_KEY/ANS_KEY/etc once
// ACTIVE.
package meta

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nullmesh/meshcore/lib/crypto"
	"github.com/nullmesh/meshcore/lib/logger"
	"github.com/nullmesh/meshcore/lib/xerr"
)

// Op is a MetaChannel line's operation token (spec §4.5).
type Op string

const (
	OpID         Op = "ID"
	OpMetaKey    Op = "META_KEY"
	OpChallenge  Op = "CHALLENGE"
	OpChalReply  Op = "CHAL_REPLY"
	OpAck        Op = "ACK"
	OpPing       Op = "PING"
	OpPong       Op = "PONG"
	OpAddEdge    Op = "ADD_EDGE"
	OpDelEdge    Op = "DEL_EDGE"
	OpAddSubnet  Op = "ADD_SUBNET"
	OpDelSubnet  Op = "DEL_SUBNET"
	OpReqKey     Op = "REQ_KEY"
	OpAnsKey     Op = "ANS_KEY"
	OpKeyChanged Op = "KEY_CHANGED"
	OpStatus     Op = "STATUS"
	OpError      Op = "ERROR"
	OpTerminal   Op = "TERMINAL"
)

// State is the connection's position in spec §4.5's state machine.
type State int

const (
	StateConnecting State = iota
	StateWaitID
	StateWaitMetaKey
	// StateAuthenticating covers CHALLENGE/CHAL_REPLY/ACK together: since
	// both peers challenge each other, a connection can receive any of the
	// three in either order relative to its own progress through them.
	StateAuthenticating
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateWaitID:
		return "WAIT_ID"
	case StateWaitMetaKey:
		return "WAIT_META_KEY"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateActive:
		return "ACTIVE"
	default:
		return "CLOSED"
	}
}

const challengeSize = 32

var (
	debug = strings.Contains(os.Getenv("MESHTRACE"), "meta") || os.Getenv("MESHTRACE") == "all"
	l     = logger.DefaultLogger
)

// Handlers are a Connection's upcalls, fired on the connection's own
// goroutine (spec §5: "all callbacks run on the loop thread"); the caller is
// responsible for marshaling back onto the core loop if needed.
type Handlers struct {
	AddEdge    func(from, to string, weight int, options uint32)
	DelEdge    func(from, to string)
	ReqKey     func(source, target string, payload []byte)
	AnsKey     func(source, target string, payload []byte, compression int)
	KeyChanged func(name string)
	Status     func(line string)
	Error      func(reason string)
	Active     func() // fired once the handshake completes
}

// Connection is one MetaChannel TCP link to a peer.
type Connection struct {
	conn net.Conn
	rw   *bufio.ReadWriter

	mu    sync.Mutex
	state State

	myName, peerName string
	myKey            *crypto.SigningKey
	peerKey          *crypto.PublicKey
	initiator        bool

	myChallenge []byte
	sentAck     bool
	recvAck     bool

	h Handlers

	pingInterval, pingTimeout time.Duration
	lastActivity              time.Time
}

// Config parameterizes a new Connection.
type Config struct {
	Conn         net.Conn
	Initiator    bool
	MyName       string
	MyKey        *crypto.SigningKey
	PeerKey      *crypto.PublicKey // nil if not yet known (learned from hosts/ after ID)
	PingInterval time.Duration
	PingTimeout  time.Duration
	Handlers     Handlers
}

// New creates a Connection and, if initiator, sends the opening ID line.
func New(cfg Config) (*Connection, error) {
	c := &Connection{
		conn:         cfg.Conn,
		rw:           bufio.NewReadWriter(bufio.NewReader(cfg.Conn), bufio.NewWriter(cfg.Conn)),
		state:        StateConnecting,
		myName:       cfg.MyName,
		myKey:        cfg.MyKey,
		peerKey:      cfg.PeerKey,
		initiator:    cfg.Initiator,
		h:            cfg.Handlers,
		pingInterval: cfg.PingInterval,
		pingTimeout:  cfg.PingTimeout,
		lastActivity: time.Now(),
	}
	if c.pingInterval == 0 {
		c.pingInterval = 60 * time.Second
	}
	if c.pingTimeout == 0 {
		c.pingTimeout = 10 * time.Second
	}
	if c.initiator {
		c.state = StateWaitID
		if err := c.sendLine(OpID, c.myName); err != nil {
			return nil, err
		}
	} else {
		c.state = StateWaitID
	}
	return c, nil
}

// State returns the connection's current protocol state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) sendLine(op Op, args ...string) error {
	line := string(op)
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}
	if debug {
		l.Debugf("meta: -> %s", line)
	}
	if _, err := c.rw.WriteString(line + "\n"); err != nil {
		return xerr.Wrap(xerr.NetworkError, err, "meta: write line")
	}
	return c.rw.Flush()
}

// Run reads lines until the connection closes or errors, dispatching each
// one through the state machine. Intended to be run on its own goroutine.
func (c *Connection) Run() error {
	for {
		line, err := c.rw.ReadString('\n')
		if err != nil {
			return xerr.Wrap(xerr.NetworkError, err, "meta: read line")
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		if debug {
			l.Debugf("meta: <- %s", line)
		}
		c.mu.Lock()
		c.lastActivity = time.Now()
		err = c.handleLine(line)
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
}

// handleLine must be called with mu held.
func (c *Connection) handleLine(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	op, args := Op(fields[0]), fields[1:]

	if op == OpError {
		reason := strings.Join(args, " ")
		if c.h.Error != nil {
			c.h.Error(reason)
		}
		c.state = StateClosed
		return xerr.New(xerr.ProtocolError, "meta: peer sent ERROR: "+reason)
	}

	switch c.state {
	case StateWaitID:
		return c.handleID(op, args)
	case StateWaitMetaKey:
		return c.handleMetaKey(op, args)
	case StateAuthenticating:
		return c.handleAuthenticating(op, args)
	case StateActive:
		return c.handleActive(op, args)
	default:
		return xerr.New(xerr.ProtocolError, "meta: line received in state "+c.state.String())
	}
}

func (c *Connection) handleID(op Op, args []string) error {
	if op != OpID || len(args) < 1 {
		return xerr.New(xerr.ProtocolError, "meta: expected ID")
	}
	c.peerName = args[0]
	if !c.initiator {
		if err := c.sendLine(OpID, c.myName); err != nil {
			return err
		}
	}
	c.state = StateWaitMetaKey
	if c.myKey != nil {
		return c.sendOwnMetaKey()
	}
	return nil
}

func (c *Connection) sendOwnMetaKey() error {
	pub := c.myKey.Public().Marshal()
	return c.sendLine(OpMetaKey, base64.StdEncoding.EncodeToString(pub))
}

func (c *Connection) handleMetaKey(op Op, args []string) error {
	if op != OpMetaKey || len(args) < 1 {
		return xerr.New(xerr.ProtocolError, "meta: expected META_KEY")
	}
	raw, err := base64.StdEncoding.DecodeString(args[0])
	if err != nil {
		return xerr.Wrap(xerr.ProtocolError, err, "meta: decode META_KEY")
	}
	key, err := crypto.UnmarshalPublicKey(raw)
	if err != nil {
		return xerr.Wrap(xerr.ProtocolError, err, "meta: parse META_KEY")
	}
	c.peerKey = key

	c.myChallenge = make([]byte, challengeSize)
	if _, err := rand.Read(c.myChallenge); err != nil {
		return xerr.Wrap(xerr.Internal, err, "meta: generate challenge")
	}
	c.state = StateAuthenticating
	return c.sendLine(OpChallenge, base64.StdEncoding.EncodeToString(c.myChallenge))
}

// handleAuthenticating processes CHALLENGE, CHAL_REPLY, and ACK lines in
// whatever order they arrive: both peers challenge each other over the same
// connection, so there is no fixed interleaving (spec §4.5's mutual
// authentication). The connection reaches ACTIVE once it has both sent and
// received an ACK.
func (c *Connection) handleAuthenticating(op Op, args []string) error {
	switch op {
	case OpChallenge:
		return c.replyToChallenge(args)
	case OpChalReply:
		return c.verifyChalReply(args)
	case OpAck:
		c.recvAck = true
		return c.maybeActivate()
	default:
		return xerr.New(xerr.ProtocolError, "meta: unexpected "+string(op)+" while authenticating")
	}
}

func (c *Connection) replyToChallenge(args []string) error {
	if len(args) < 1 {
		return xerr.New(xerr.ProtocolError, "meta: expected CHALLENGE payload")
	}
	challenge, err := base64.StdEncoding.DecodeString(args[0])
	if err != nil {
		return xerr.Wrap(xerr.ProtocolError, err, "meta: decode CHALLENGE")
	}
	sig, err := c.myKey.Sign(challenge)
	if err != nil {
		return xerr.Wrap(xerr.Internal, err, "meta: sign challenge")
	}
	return c.sendLine(OpChalReply, base64.StdEncoding.EncodeToString(sig))
}

func (c *Connection) verifyChalReply(args []string) error {
	if len(args) < 1 {
		return xerr.New(xerr.ProtocolError, "meta: expected CHAL_REPLY")
	}
	sig, err := base64.StdEncoding.DecodeString(args[0])
	if err != nil {
		return xerr.Wrap(xerr.ProtocolError, err, "meta: decode CHAL_REPLY")
	}
	if !crypto.Verify(c.peerKey, c.myChallenge, sig) {
		if c.h.Error != nil {
			c.h.Error("challenge verification failed")
		}
		return xerr.New(xerr.ProtocolError, "meta: CHAL_REPLY signature invalid")
	}
	c.sentAck = true
	if err := c.sendLine(OpAck, "0"); err != nil {
		return err
	}
	return c.maybeActivate()
}

func (c *Connection) maybeActivate() error {
	if !c.sentAck || !c.recvAck {
		return nil
	}
	c.state = StateActive
	if c.h.Active != nil {
		c.h.Active()
	}
	return nil
}

func (c *Connection) handleActive(op Op, args []string) error {
	switch op {
	case OpAddEdge:
		if len(args) < 3 {
			return xerr.New(xerr.ProtocolError, "meta: malformed ADD_EDGE")
		}
		var weight int
		var options uint32
		fmt.Sscanf(args[2], "%d", &weight)
		if len(args) > 3 {
			fmt.Sscanf(args[3], "%d", &options)
		}
		if c.h.AddEdge != nil {
			c.h.AddEdge(args[0], args[1], weight, options)
		}
	case OpDelEdge:
		if len(args) < 2 {
			return xerr.New(xerr.ProtocolError, "meta: malformed DEL_EDGE")
		}
		if c.h.DelEdge != nil {
			c.h.DelEdge(args[0], args[1])
		}
	case OpReqKey:
		if len(args) < 3 {
			return xerr.New(xerr.ProtocolError, "meta: malformed REQ_KEY")
		}
		payload, err := base64.StdEncoding.DecodeString(args[2])
		if err != nil {
			return xerr.Wrap(xerr.ProtocolError, err, "meta: decode REQ_KEY payload")
		}
		if c.h.ReqKey != nil {
			c.h.ReqKey(args[0], args[1], payload)
		}
	case OpAnsKey:
		if len(args) < 3 {
			return xerr.New(xerr.ProtocolError, "meta: malformed ANS_KEY")
		}
		payload, err := base64.StdEncoding.DecodeString(args[2])
		if err != nil {
			return xerr.Wrap(xerr.ProtocolError, err, "meta: decode ANS_KEY payload")
		}
		compression := -1
		if len(args) > 3 {
			fmt.Sscanf(args[3], "%d", &compression)
		}
		if c.h.AnsKey != nil {
			c.h.AnsKey(args[0], args[1], payload, compression)
		}
	case OpKeyChanged:
		if len(args) < 1 {
			return xerr.New(xerr.ProtocolError, "meta: malformed KEY_CHANGED")
		}
		if c.h.KeyChanged != nil {
			c.h.KeyChanged(args[0])
		}
	case OpStatus:
		if c.h.Status != nil {
			c.h.Status(strings.Join(args, " "))
		}
	case OpPing:
		return c.sendLine(OpPong)
	case OpPong:
		// no-op: lastActivity was already refreshed by Run
	case OpTerminal:
		c.state = StateClosed
		return xerr.New(xerr.NetworkError, "meta: peer sent TERMINAL")
	default:
		if debug {
			l.Debugf("meta: ignoring unknown op %s", op)
		}
	}
	return nil
}

// SendAddEdge advertises an edge to the peer.
func (c *Connection) SendAddEdge(from, to string, weight int, options uint32) error {
	return c.sendLine(OpAddEdge, from, to, fmt.Sprintf("%d", weight), fmt.Sprintf("%d", options))
}

// SendDelEdge retracts an edge previously advertised.
func (c *Connection) SendDelEdge(from, to string) error {
	return c.sendLine(OpDelEdge, from, to)
}

// SendReqKey forwards a key-exchange request toward target (spec §4.7).
func (c *Connection) SendReqKey(source, target string, payload []byte) error {
	return c.sendLine(OpReqKey, source, target, base64.StdEncoding.EncodeToString(payload))
}

// SendAnsKey answers a key-exchange request, optionally advertising a
// compression level (spec §4.7: "ANS_KEY ... advertise compression before
// validkey is asserted").
func (c *Connection) SendAnsKey(source, target string, payload []byte, compression int) error {
	return c.sendLine(OpAnsKey, source, target, base64.StdEncoding.EncodeToString(payload), fmt.Sprintf("%d", compression))
}

// SendKeyChanged notifies the peer that name's long-term key rotated.
func (c *Connection) SendKeyChanged(name string) error {
	return c.sendLine(OpKeyChanged, name)
}

// Ping sends a keepalive if pingInterval has elapsed since the last
// activity, and reports whether pingTimeout has since been exceeded without
// a reply (spec §4.5: "Idle -> send PING after pinginterval; if no PONG
// within pingtimeout, close").
func (c *Connection) Ping() (timedOut bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	idle := time.Since(c.lastActivity)
	if idle > c.pingInterval+c.pingTimeout {
		return true, nil
	}
	if idle > c.pingInterval {
		return false, c.sendLine(OpPing)
	}
	return false, nil
}

// PeerName returns the name the peer announced in its ID line.
func (c *Connection) PeerName() string { return c.peerName }

// PeerKey returns the peer's META_KEY, once known.
func (c *Connection) PeerKey() *crypto.PublicKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerKey
}

// Close terminates the connection, sending TERMINAL first if still active.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state == StateActive {
		_ = c.sendLine(OpTerminal)
	}
	c.state = StateClosed
	c.mu.Unlock()
	return c.conn.Close()
}
