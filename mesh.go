// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package meshcore is the library API surface of spec §6: Open a
// configuration directory, Start the event loop, and move bytes and
// channels between nodes by name. It wires lib/graph, lib/router,
// lib/meta, lib/keyexchange, lib/transport, lib/channel, lib/mtu, and
// lib/config into one cooperating whole the way syncthing's lib/model wires
// its own protocol/connections/scanner packages together.
package meshcore

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/nullmesh/meshcore/lib/channel"
	"github.com/nullmesh/meshcore/lib/config"
	"github.com/nullmesh/meshcore/lib/crypto"
	"github.com/nullmesh/meshcore/lib/events"
	"github.com/nullmesh/meshcore/lib/graph"
	"github.com/nullmesh/meshcore/lib/keyexchange"
	"github.com/nullmesh/meshcore/lib/logger"
	"github.com/nullmesh/meshcore/lib/meta"
	"github.com/nullmesh/meshcore/lib/mtu"
	"github.com/nullmesh/meshcore/lib/router"
	"github.com/nullmesh/meshcore/lib/sptps"
	"github.com/nullmesh/meshcore/lib/transport"
	"github.com/nullmesh/meshcore/lib/xerr"
)

// recordChannel is an application-level SPTPS record type (spec §4.1:
// "types < 128 may combine flag bits") reserved for byte-stream channel
// data, kept distinct from recordData so KeyExchange.Deliver can tell a
// channel_open/channel_send payload apart from an ordinary Send/Receive
// message without either one needing to inspect the other's contents.
const recordChannel uint8 = 2

// Node is re-exported so host applications never need to import lib/graph
// directly (spec §6: get_self/get_node return "Node").
type Node = graph.Node

// Channel is re-exported for the same reason (channel_open et al).
type Channel = channel.Channel

const (
	defaultPingInterval      = 60 * time.Second
	defaultPingTimeout       = 5 * time.Second
	defaultMetaPort          = 655
	defaultDiscoveryInterval = 5 * time.Second
)

// Mesh is one running (or stopped) mesh instance (spec §6's opaque Mesh
// handle).
type Mesh struct {
	mu       sync.Mutex
	dir      *config.Dir
	name     string
	key      *crypto.SigningKey
	appID    string
	devClass int
	metaPort int

	g         *graph.Graph
	router    *router.Router
	kx        *keyexchange.KeyExchange
	transport *transport.Transport
	events    *events.Logger

	metaConns    map[string]*meta.Connection
	channelPeers map[string]*channel.Peer
	probers      map[string]*mtu.Prober

	candidateAddrs []string

	channelPipes map[string]*io.PipeWriter

	sup    *suture.Supervisor
	cancel context.CancelFunc
	done   chan struct{}

	// Receive, NodeStatus, ChannelAccept, ChannelPoll, and Log are the host
	// callbacks of spec §6. ChannelAccept decides whether to accept an
	// inbound channel_open (false rejects and closes it); unlike meshlink's
	// accept_cb it carries no leading data bytes, since an smux stream has
	// no sideband for data sent before its first Read — callers register a
	// receive callback for an accepted channel via ChannelSetReceive.
	Receive       func(from *Node, data []byte)
	NodeStatus    func(n *Node, reachable bool)
	ChannelAccept func(ch *Channel, port uint32) bool
	ChannelPoll   func(ch *Channel, queued int)
	Log           func(level logger.LogLevel, text string)
}

// Open loads (or bootstraps) confdir as a mesh instance named name (spec §6
// open). appID and deviceClass are carried through unused by the core today,
// matching meshlink's own appid/dev_class parameters reserved for future
// ABI compatibility checks between peers.
func Open(confdir, name, appID string, deviceClass int) (*Mesh, error) {
	dir, err := config.Open(confdir)
	if err != nil {
		dir, err = config.Create(confdir)
		if err != nil {
			return nil, err
		}
	}

	key, err := dir.LoadPrivateKey()
	fresh := err != nil
	if fresh {
		if name == "" {
			return nil, xerr.New(xerr.NameInvalid, "meshcore: name must not be empty")
		}
		key, err = crypto.GenerateSigningKey()
		if err != nil {
			return nil, xerr.Wrap(xerr.Internal, err, "meshcore: generate signing key")
		}
		if err := dir.SavePrivateKey(key); err != nil {
			return nil, err
		}
		if err := dir.WriteMain(&config.Main{Name: name, Port: defaultMetaPort}); err != nil {
			return nil, err
		}
		if err := dir.WriteHost(&config.Host{Name: name, PublicKey: key.Public(), Port: defaultMetaPort}); err != nil {
			return nil, err
		}
	}

	main, err := dir.ReadMain()
	if err != nil {
		return nil, err
	}
	// A freshly bootstrapped dir was just written with name above, so this
	// only bites on reopen: an empty name adopts whatever the dir already
	// calls itself, a non-empty one must agree with it (spec §6 open: "name
	// may be null to reuse the dir's last name", never to rename it).
	if name == "" {
		name = main.Name
	} else if name != main.Name {
		return nil, xerr.New(xerr.NameInvalid, "meshcore: confdir is configured as "+main.Name+", not "+name)
	}
	port := main.Port
	if port == 0 {
		port = defaultMetaPort
	}

	g := graph.New(name, key.Public())

	m := &Mesh{
		dir:          dir,
		name:         name,
		key:          key,
		appID:        appID,
		devClass:     deviceClass,
		metaPort:     port,
		g:            g,
		events:       events.NewLogger(),
		metaConns:    make(map[string]*meta.Connection),
		channelPeers: make(map[string]*channel.Peer),
		probers:      make(map[string]*mtu.Prober),
		channelPipes: make(map[string]*io.PipeWriter),
	}

	m.router = router.New(g, m.sendEstablished)
	m.router.Deliver = func(source *graph.Node, payload []byte) {
		if m.Receive != nil {
			m.Receive(source, payload)
		}
	}

	m.kx = keyexchange.New(g, key, m.connFor)
	m.kx.Deliver = m.onSessionRecord
	m.kx.Established = m.onSessionEstablished
	m.kx.Compression = func() int { return 1 }

	m.transport = transport.New(g)
	m.kx.TransportSend = m.transport.Send
	m.transport.Deliver = m.onUDPPacket

	g.OnReachable = m.onNodeReachable
	g.OnUnreachable = m.onNodeUnreachable

	if err := m.loadKnownHosts(); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Mesh) loadKnownHosts() error {
	names, err := m.dir.ListHosts()
	if err != nil {
		return err
	}
	for _, hostName := range names {
		if hostName == m.name {
			continue
		}
		h, err := m.dir.ReadHost(hostName)
		if err != nil {
			if debug {
				l.Debugf("meshcore: skipping unreadable host %s: %v", hostName, err)
			}
			continue
		}
		n := m.g.EnsureNode(h.Name, h.PublicKey)
		if len(h.Addresses) > 0 {
			n.Address = h.Addresses[0]
		}
	}
	return nil
}

// Start brings the transport listeners, MetaChannel acceptor, and MTU probe
// loop up, each supervised by a suture/v4 tree per SPEC_FULL.md §5 so a
// panic in one restarts it without tearing down the whole mesh.
func (m *Mesh) Start(logLevel logger.LogLevel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sup != nil {
		return xerr.New(xerr.Internal, "meshcore: already started")
	}
	logger.DefaultLogger.SetDebug("", logLevel == logger.LevelDebug)

	if _, err := m.transport.Listen("udp4", fmt.Sprintf(":%d", m.metaPort)); err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", m.metaPort))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	m.sup = suture.New("mesh", suture.Spec{})
	m.sup.Add(&acceptService{ln: ln, accept: m.acceptMeta})
	m.sup.Add(&tickerService{interval: 200 * time.Millisecond, tick: m.tickProbers})
	m.sup.Add(&tickerService{interval: time.Second, tick: m.tickMetaPings})
	m.sup.Add(transport.NewLocalDiscovery(m.metaPort, defaultDiscoveryInterval,
		func() []byte { return []byte(m.name) }, m.onDiscoveryHeard))

	go func() {
		m.sup.Serve(ctx)
		close(m.done)
	}()

	for _, addr := range m.candidateAddrs {
		go m.dialAddress(addr)
	}

	return nil
}

// Stop halts the event loop and every service it supervises, without
// discarding the in-memory graph (spec §6 stop vs close).
func (m *Mesh) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.transport.Close()
	for _, c := range m.metaConns {
		c.Close()
	}
	m.sup = nil
	m.cancel = nil
}

// Close stops the mesh and releases every resource Open acquired.
func (m *Mesh) Close() {
	m.Stop()
}

// Destroy deletes an entire configuration directory (spec §6 destroy).
func Destroy(confdir string) error {
	return config.Destroy(confdir)
}

// GetSelf returns the local Node.
func (m *Mesh) GetSelf() *Node { return m.g.Self() }

// GetNode looks up a Node by name.
func (m *Mesh) GetNode(name string) (*Node, bool) { return m.g.Node(name) }

// Export returns this mesh's own hosts/<name> file contents, suitable for
// out-of-band distribution to a peer that will Import it (spec §6 export).
func (m *Mesh) Export() ([]byte, error) {
	return m.dir.ExportHostBytes(m.name)
}

// Import learns a peer from previously Exported bytes (spec §6 import).
func (m *Mesh) Import(data []byte) (bool, error) {
	h, err := config.ParseHostBytes("", data)
	if err != nil {
		return false, err
	}
	if err := m.dir.WriteHost(h); err != nil {
		return false, err
	}
	n := m.g.EnsureNode(h.Name, h.PublicKey)
	if len(h.Addresses) > 0 {
		n.Address = h.Addresses[0]
	}
	return true, nil
}

// AddAddress records a candidate "host[:port]" address to dial once Start
// runs (spec §6 add_address).
func (m *Mesh) AddAddress(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidateAddrs = append(m.candidateAddrs, addr)
	if m.sup != nil {
		go m.dialAddress(addr)
	}
}

// SetDiscoveryAddress overrides the destination MTUProbe's broadcast-slot
// probes are sent to (spec §4.6 "the configured local-discovery address"),
// for networks where the plain broadcast/multicast fallback address isn't
// reachable (e.g. a routed local-discovery relay).
func (m *Mesh) SetDiscoveryAddress(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return xerr.Wrap(xerr.ConfigError, err, "meshcore: resolve discovery address")
	}
	m.transport.SetLocalDiscoveryAddress(udpAddr)
	return nil
}

// Send routes payload to the named node as a datagram (spec §6 send).
func (m *Mesh) Send(node *Node, payload []byte) bool {
	if node == nil {
		return false
	}
	return m.router.Send(node.Name, payload) == nil
}

// ChannelOpen opens a multiplexed byte-stream channel to node on port (spec
// §6 channel_open). The peer's smux session was already built when the
// session reached Established and is simply reused here; if receive is
// non-nil it is started immediately, the same way meshlink_channel_open
// takes its receive_cb at open time rather than via a separate setter.
func (m *Mesh) ChannelOpen(node *Node, port uint32, receive func(ch *Channel, data []byte)) (*Channel, error) {
	if node == nil || !node.ValidKey {
		return nil, xerr.New(xerr.PeerUnreachable, "meshcore: no established session to "+nodeName(node))
	}
	peer, err := m.peerFor(node)
	if err != nil {
		return nil, err
	}
	ch, err := peer.Open(port)
	if err != nil {
		return nil, err
	}
	if receive != nil {
		m.ChannelSetReceive(ch, receive)
	}
	return ch, nil
}

// ChannelSetReceive starts (or replaces) ch's receive callback, the way
// meshlink's accept_cb calls meshlink_set_channel_receive_cb once it decides
// to accept an inbound channel (spec §6's "channel_accept(Mesh, Channel,
// port, bytes)" callback has no way to register a handler itself, since a
// Channel only becomes visible to a callback once it exists).
func (m *Mesh) ChannelSetReceive(ch *Channel, receive func(ch *Channel, data []byte)) {
	go m.channelReadLoop(ch, receive)
}

func (m *Mesh) channelReadLoop(ch *Channel, receive func(ch *Channel, data []byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			cp := make([]byte, n)
			copy(cp, buf[:n])
			receive(ch, cp)
		}
		if err != nil {
			receive(ch, nil)
			return
		}
	}
}

// ChannelSend writes data to an already-open channel (spec §6 channel_send),
// then fires ChannelPoll the way meshlink's poll_cb reports the channel is
// ready for more — simplified to fire right after every completed Send
// since smux's Write already blocks for flow control, so by the time it
// returns the channel is, by definition, ready again.
func (m *Mesh) ChannelSend(ch *Channel, data []byte) error {
	if err := ch.Send(data); err != nil {
		return err
	}
	if m.ChannelPoll != nil {
		m.ChannelPoll(ch, 0)
	}
	return nil
}

// ChannelClose closes one channel without affecting others on the same peer
// (spec §6 channel_close).
func (m *Mesh) ChannelClose(ch *Channel) error {
	return ch.Close()
}

func nodeName(n *Node) string {
	if n == nil {
		return "<nil>"
	}
	return n.Name
}

var (
	debug = strings.Contains(os.Getenv("MESHTRACE"), "mesh") || os.Getenv("MESHTRACE") == "all"
	l     = logger.DefaultLogger
)

// connFor resolves the MetaChannel connection toward a direct neighbor, used
// by KeyExchange to forward REQ_KEY/ANS_KEY.
func (m *Mesh) connFor(name string) (*meta.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.metaConns[name]
	return c, ok
}

// sendEstablished is the Router's Sender: it requires a validated session
// before handing a payload to SessionProto, compressing it first at our own
// advertised level (spec §9: the level we declared in our own ANS_KEY, not
// dest's — each side compresses its own outgoing traffic independently).
func (m *Mesh) sendEstablished(dest *graph.Node, payload []byte) error {
	if !dest.ValidKey {
		return m.kx.EnsureKey(dest)
	}
	recordType := sptps.RecordData
	if m.kx.Compression != nil {
		if level := m.kx.Compression(); level > 0 {
			compressed, err := crypto.Compress(level, payload)
			if err != nil {
				return xerr.Wrap(xerr.Internal, err, "meshcore: compress")
			}
			payload = compressed
			recordType |= sptps.FlagCompressed
		}
	}
	return dest.Session.Send(recordType, payload)
}

func (m *Mesh) onSessionRecord(node *graph.Node, recordType uint8, data []byte) {
	switch recordType {
	case sptps.RecordProbe:
		m.mu.Lock()
		p := m.probers[node.Name]
		m.mu.Unlock()
		if p != nil {
			p.HandleProbe(data)
		}
	case sptps.RecordData, sptps.RecordData | sptps.FlagCompressed:
		raw := data
		if recordType&sptps.FlagCompressed != 0 {
			decompressed, err := crypto.Decompress(node.Compression, data)
			if err != nil {
				// node advertised a level we can't decode; fall back to
				// identity until its next ANS_KEY renegotiates it (spec §9).
				node.Compression = 0
				if debug {
					l.Debugf("meshcore: decompress from %s: %v, dropping and downgrading", node.Name, err)
				}
				return
			}
			raw = decompressed
		}
		if err := m.router.Route(node, raw); err != nil && debug {
			l.Debugf("meshcore: routing packet from %s: %v", node.Name, err)
		}
	case recordChannel:
		m.mu.Lock()
		w := m.channelPipes[node.Name]
		m.mu.Unlock()
		if w != nil {
			if _, err := w.Write(data); err != nil && debug {
				l.Debugf("meshcore: channel pipe write for %s: %v", node.Name, err)
			}
		}
	}
}

func (m *Mesh) onSessionEstablished(node *graph.Node) {
	node.Session = m.kx.Session(node)
	m.events.Log(events.SessionEstablished, node.Name)

	m.mu.Lock()
	if _, ok := m.probers[node.Name]; !ok {
		m.probers[node.Name] = mtu.New(node, node.Session, defaultPingInterval, defaultPingTimeout, true)
	}
	m.mu.Unlock()

	// The smux Peer is built now, not lazily on first ChannelOpen: smux's
	// Client/Server roles must agree between both ends the same way
	// SessionProto's own initiator/responder roles do (mismatched roles hand
	// out colliding stream IDs), and an inbound channel_open arriving before
	// the local side ever calls ChannelOpen would otherwise have nothing
	// reading the session's pipe, deadlocking the Deliver callback that feeds
	// it.
	if _, err := m.peerFor(node); err != nil && debug {
		l.Debugf("meshcore: building channel peer for %s: %v", node.Name, err)
	}
}

func (m *Mesh) onNodeReachable(n *graph.Node) {
	m.events.Log(events.NodeReachable, n.Name)
	if m.NodeStatus != nil {
		m.NodeStatus(n, true)
	}
	go func() { _ = m.kx.EnsureKey(n) }()
}

func (m *Mesh) onNodeUnreachable(n *graph.Node) {
	m.events.Log(events.NodeUnreachable, n.Name)
	if m.NodeStatus != nil {
		m.NodeStatus(n, false)
	}
	mtu.Reset(n)
	m.mu.Lock()
	delete(m.probers, n.Name)
	if peer, ok := m.channelPeers[n.Name]; ok {
		peer.Close()
		delete(m.channelPeers, n.Name)
	}
	if w, ok := m.channelPipes[n.Name]; ok {
		w.Close()
		delete(m.channelPipes, n.Name)
	}
	m.mu.Unlock()
}

func (m *Mesh) onUDPPacket(src *net.UDPAddr, data []byte) {
	for _, n := range m.g.Nodes() {
		if n.Address != nil && n.Address.String() == src.String() && n.Session != nil {
			n.UDPConfirmed = true
			n.Session.ReceiveData(data)
			return
		}
	}
	if debug {
		l.Debugf("meshcore: dropping UDP packet from unrecognized %s", src)
	}
}

// onDiscoveryHeard handles a same-subnet beacon naming another node: it only
// ever updates the Address of a node this instance already knows by name
// (i.e. whose public key it already trusts via hosts/), since an
// unauthenticated LAN broadcast is never sufficient grounds to learn a new
// peer's identity, only to find a already-known one faster than add_address.
func (m *Mesh) onDiscoveryHeard(data []byte, src net.Addr) {
	name := string(data)
	if name == "" || name == m.name {
		return
	}
	n, ok := m.g.Node(name)
	if !ok {
		return
	}
	udpAddr, ok := src.(*net.UDPAddr)
	if !ok {
		return
	}
	n.Address = &net.UDPAddr{IP: udpAddr.IP, Port: m.metaPort}
}

func (m *Mesh) tickProbers() {
	m.mu.Lock()
	probers := make(map[string]*mtu.Prober, len(m.probers))
	for name, p := range m.probers {
		probers[name] = p
	}
	m.mu.Unlock()
	for name, p := range probers {
		n, ok := m.g.Node(name)
		if ok && time.Since(n.LastProbe) >= p.NextTimeout() {
			p.Tick()
		}
	}
}

// tickMetaPings drives spec §4.5's "send PING after pinginterval, close if
// no PONG within pingtimeout" for every active MetaChannel connection.
func (m *Mesh) tickMetaPings() {
	m.mu.Lock()
	conns := make([]*meta.Connection, 0, len(m.metaConns))
	for _, c := range m.metaConns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		timedOut, err := c.Ping()
		if timedOut {
			c.Close()
			continue
		}
		if err != nil && debug {
			l.Debugf("meshcore: meta ping failed: %v", err)
		}
	}
}

// peerFor returns node's multiplexed channel Peer, building it the first time
// it's needed (normally from onSessionEstablished, eagerly, for every
// session; this lazy path only covers a ChannelOpen racing a just-established
// session before onSessionEstablished's own call has run). The smux role is
// always node's SessionProto initiator/responder role — never "whichever side
// happened to call ChannelOpen first" — so both ends agree on it regardless
// of which side opens the first channel.
func (m *Mesh) peerFor(node *graph.Node) (*channel.Peer, error) {
	m.mu.Lock()
	if p, ok := m.channelPeers[node.Name]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	if node.Session == nil {
		return nil, xerr.New(xerr.PeerUnreachable, "meshcore: no session to "+node.Name)
	}
	initiator := m.kx.IsInitiator(node)

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.channelPeers[node.Name]; ok {
		return p, nil
	}
	pr, pw := io.Pipe()
	m.channelPipes[node.Name] = pw
	p, err := channel.NewPeer(&sessionConn{s: node.Session, r: pr}, initiator)
	if err != nil {
		pr.Close()
		pw.Close()
		delete(m.channelPipes, node.Name)
		return nil, err
	}
	m.channelPeers[node.Name] = p
	go p.AcceptLoop(func(ch *channel.Channel) {
		if m.ChannelAccept != nil && !m.ChannelAccept(ch, ch.Port) {
			ch.Close()
		}
	})
	return p, nil
}

func (m *Mesh) acceptMeta(conn net.Conn) {
	var mc *meta.Connection
	var err error
	mc, err = meta.New(meta.Config{
		Conn:         conn,
		Initiator:    false,
		MyName:       m.name,
		MyKey:        m.key,
		PingInterval: defaultPingInterval,
		PingTimeout:  defaultPingTimeout,
		Handlers:     m.metaHandlers(&mc),
	})
	if err != nil {
		conn.Close()
		return
	}
	if err := mc.Run(); err != nil && debug {
		l.Debugf("meshcore: meta connection from %s ended: %v", conn.RemoteAddr(), err)
	}
	m.forgetMetaConn(mc)
}

func (m *Mesh) dialAddress(addr string) {
	hostPort := addr
	if !strings.Contains(addr, ":") {
		hostPort = fmt.Sprintf("%s:%d", addr, m.metaPort)
	}
	conn, err := net.DialTimeout("tcp", hostPort, 10*time.Second)
	if err != nil {
		if debug {
			l.Debugf("meshcore: dial %s failed: %v", hostPort, err)
		}
		return
	}
	var mc *meta.Connection
	mc, err = meta.New(meta.Config{
		Conn:         conn,
		Initiator:    true,
		MyName:       m.name,
		MyKey:        m.key,
		PingInterval: defaultPingInterval,
		PingTimeout:  defaultPingTimeout,
		Handlers:     m.metaHandlers(&mc),
	})
	if err != nil {
		conn.Close()
		return
	}
	if err := mc.Run(); err != nil && debug {
		l.Debugf("meshcore: meta connection to %s ended: %v", hostPort, err)
	}
	m.forgetMetaConn(mc)
}

// forgetMetaConn drops a closed connection from metaConns if it is still the
// one on record for its peer (a newer reconnect may have already replaced
// it).
func (m *Mesh) forgetMetaConn(mc *meta.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.metaConns[mc.PeerName()] == mc {
		delete(m.metaConns, mc.PeerName())
	}
}

func (m *Mesh) metaHandlers(mc **meta.Connection) meta.Handlers {
	return meta.Handlers{
		Active: func() {
			m.mu.Lock()
			m.metaConns[(*mc).PeerName()] = *mc
			m.mu.Unlock()
		},
		AddEdge: func(from, to string, weight int, options uint32) {
			m.g.AddEdge(from, to, nil, weight, options)
			m.g.Recompute()
			m.events.Log(events.EdgeAdded, from+"->"+to)
		},
		DelEdge: func(from, to string) {
			m.g.RemoveEdge(from, to)
			m.g.Recompute()
			m.events.Log(events.EdgeRemoved, from+"->"+to)
		},
		ReqKey: func(source, target string, payload []byte) {
			if err := m.kx.HandleReqKey(source, target, payload); err != nil && debug {
				l.Debugf("meshcore: REQ_KEY %s->%s: %v", source, target, err)
			}
		},
		AnsKey: func(source, target string, payload []byte, compression int) {
			if err := m.kx.HandleAnsKey(source, target, payload, compression); err != nil && debug {
				l.Debugf("meshcore: ANS_KEY %s->%s: %v", source, target, err)
			}
		},
		KeyChanged: func(name string) {
			if n, ok := m.g.Node(name); ok {
				n.ValidKey = false
				n.WaitingForKey = false
			}
		},
		Status: func(line string) {
			if m.Log != nil {
				m.Log(logger.LevelInfo, line)
			}
		},
	}
}

// sessionConn adapts a *sptps.Session to io.ReadWriteCloser for smux, which
// needs a synchronous byte stream: outbound writes ride the session as
// recordChannel-tagged records, and inbound bytes arrive asynchronously via
// onSessionRecord, which this mesh wires to the write end of r's pipe (see
// peerFor), so Read can block the ordinary io.Reader way smux expects.
type sessionConn struct {
	s *sptps.Session
	r *io.PipeReader
}

func (c *sessionConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *sessionConn) Write(p []byte) (int, error) {
	if err := c.s.Send(recordChannel, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *sessionConn) Close() error {
	return c.r.Close()
}

// acceptService runs a TCP accept loop under the suture tree, handing each
// inbound connection to accept on its own goroutine (spec §5's event loop
// supervises the MetaChannel listener the same way it supervises everything
// else, so a panic handling one connection doesn't take the others with it).
type acceptService struct {
	ln     net.Listener
	accept func(net.Conn)
}

func (a *acceptService) Serve(ctx context.Context) error {
	go func() { <-ctx.Done(); a.ln.Close() }()
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return xerr.Wrap(xerr.NetworkError, err, "meshcore: accept")
		}
		go a.accept(conn)
	}
}

// tickerService runs tick on a fixed interval until ctx is cancelled, used
// for the MTU prober's 1-second-or-so cadence (spec §4.2).
type tickerService struct {
	interval time.Duration
	tick     func()
}

func (t *tickerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.tick()
		}
	}
}
