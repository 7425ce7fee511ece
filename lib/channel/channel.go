// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package channel implements byte-stream channel multiplexing (spec §6's
// channel_open/channel_send/channel_close), supplementing the distilled spec
// per SPEC_FULL.md §4.8: one github.com/xtaci/smux session per peer, with
// each smux.Stream's first frame tagging the port it was opened for, since
// smux itself has no notion of named channels.
package channel

import (
	"encoding/binary"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/xtaci/smux"

	"github.com/nullmesh/meshcore/lib/logger"
	"github.com/nullmesh/meshcore/lib/xerr"
)

var (
	debug = strings.Contains(os.Getenv("MESHTRACE"), "channel") || os.Getenv("MESHTRACE") == "all"
	l     = logger.DefaultLogger
)

// portHeaderSize is the fixed-width port tag written as the first frame of
// every stream (spec §4.8: "tagged with the requested port in its first
// frame").
const portHeaderSize = 4

// Channel is one multiplexed byte stream, bound to a port.
type Channel struct {
	stream *smux.Stream
	Port   uint32
}

// Send writes data to the channel.
func (c *Channel) Send(data []byte) error {
	if _, err := c.stream.Write(data); err != nil {
		return xerr.Wrap(xerr.NetworkError, err, "channel: send")
	}
	return nil
}

// Read reads from the channel, implementing io.Reader so callers can drive
// their own receive loop instead of only using a callback.
func (c *Channel) Read(buf []byte) (int, error) {
	return c.stream.Read(buf)
}

// Close closes the channel's underlying stream without affecting the rest
// of the peer's multiplexed session.
func (c *Channel) Close() error {
	return c.stream.Close()
}

// Peer owns the one smux session multiplexing every channel to a given
// node; created as soon as the node's SessionProto session is established
// and torn down on the node's unreachable transition, same lifecycle as SessionProto
// (spec §4.8).
type Peer struct {
	mu   sync.Mutex
	sess *smux.Session
}

// NewPeer wraps conn (in production, channel-type records over the node's
// SessionProto session) in an smux session. initiator must agree with the stream's SessionProto
// role, since smux.Client/Server is itself a protocol handshake.
func NewPeer(conn io.ReadWriteCloser, initiator bool) (*Peer, error) {
	cfg := smux.DefaultConfig()
	var sess *smux.Session
	var err error
	if initiator {
		sess, err = smux.Client(conn, cfg)
	} else {
		sess, err = smux.Server(conn, cfg)
	}
	if err != nil {
		return nil, xerr.Wrap(xerr.NetworkError, err, "channel: smux handshake")
	}
	return &Peer{sess: sess}, nil
}

// Open opens a new channel tagged with port (spec §6 channel_open).
func (p *Peer) Open(port uint32) (*Channel, error) {
	stream, err := p.sess.OpenStream()
	if err != nil {
		return nil, xerr.Wrap(xerr.NetworkError, err, "channel: open stream")
	}
	var hdr [portHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[:], port)
	if _, err := stream.Write(hdr[:]); err != nil {
		stream.Close()
		return nil, xerr.Wrap(xerr.NetworkError, err, "channel: write port header")
	}
	return &Channel{stream: stream, Port: port}, nil
}

// AcceptLoop blocks accepting inbound streams, reading each one's port
// header and handing the resulting Channel to onAccept, until the session
// closes. Run it in its own goroutine per Peer.
func (p *Peer) AcceptLoop(onAccept func(*Channel)) error {
	for {
		stream, err := p.sess.AcceptStream()
		if err != nil {
			return xerr.Wrap(xerr.NetworkError, err, "channel: accept")
		}
		var hdr [portHeaderSize]byte
		if _, err := io.ReadFull(stream, hdr[:]); err != nil {
			if debug {
				l.Debugf("channel: dropping stream with unreadable port header: %v", err)
			}
			stream.Close()
			continue
		}
		onAccept(&Channel{stream: stream, Port: binary.BigEndian.Uint32(hdr[:])})
	}
}

// Close tears down every channel on this peer's session.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.sess.Close(); err != nil {
		return xerr.Wrap(xerr.NetworkError, err, "channel: close session")
	}
	return nil
}

// NumChannels reports how many streams are currently open on the session.
func (p *Peer) NumChannels() int {
	return p.sess.NumStreams()
}
