// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Local-discovery beacons: same-subnet peer discovery via IPv4 broadcast and
// IPv6 multicast, adapted from syncthing's beacon_broadcast.go/
// beacon_multicast.go onto suture/v4's simpler Service interface (the
// teacher's own beacon_*.go used an older suture v1 API this module doesn't
// depend on, plus trace.EventLog instrumentation this module has no
// equivalent of — both dropped rather than carried along unused).
package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/thejerf/suture/v4"
	"golang.org/x/net/ipv6"
)

// DiscoveryPayload supplies the bytes to beacon; DiscoveryHeard is called
// for every beacon received from someone else on the segment.
type DiscoveryPayload func() []byte
type DiscoveryHeard func(data []byte, src net.Addr)

// LocalDiscovery beacons this node's presence over IPv4 broadcast and IPv6
// multicast and hands every beacon it hears to the heard callback, so peers
// on the same segment are found without prior knowledge of their address.
type LocalDiscovery struct {
	sup *suture.Supervisor
}

// NewLocalDiscovery starts beaconing on port every interval, calling payload
// to build each outgoing beacon and heard for every inbound one.
func NewLocalDiscovery(port int, interval time.Duration, payload DiscoveryPayload, heard DiscoveryHeard) *LocalDiscovery {
	sup := suture.New("localDiscovery", suture.Spec{})
	sup.Add(&broadcastBeacon{port: port, interval: interval, payload: payload, heard: heard})
	sup.Add(&multicastBeacon{addr: net.JoinHostPort("ff02::114", strconv.Itoa(port)), interval: interval, payload: payload, heard: heard})
	return &LocalDiscovery{sup: sup}
}

// Serve runs the discovery supervisor until ctx is cancelled.
func (d *LocalDiscovery) Serve(ctx context.Context) error {
	return d.sup.Serve(ctx)
}

type broadcastBeacon struct {
	port     int
	interval time.Duration
	payload  DiscoveryPayload
	heard    DiscoveryHeard
}

func (b *broadcastBeacon) Serve(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: b.port})
	if err != nil {
		if debug {
			l.Debugln("local discovery broadcast listen:", err)
		}
		return err
	}
	defer conn.Close()
	go func() { <-ctx.Done(); conn.Close() }()

	go b.writeLoop(ctx, b.port)

	buf := make([]byte, 65536)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return ctx.Err()
		}
		if b.heard != nil {
			c := make([]byte, n)
			copy(c, buf[:n])
			b.heard(c, addr)
		}
	}
}

func (b *broadcastBeacon) writeLoop(ctx context.Context, port int) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		if debug {
			l.Debugln("local discovery broadcast write socket:", err)
		}
		return
	}
	defer conn.Close()
	go func() { <-ctx.Done(); conn.Close() }()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if b.payload == nil {
			continue
		}
		bs := b.payload()
		for _, dst := range broadcastDestinations(port) {
			conn.SetWriteDeadline(time.Now().Add(time.Second))
			conn.WriteTo(bs, dst)
			conn.SetWriteDeadline(time.Time{})
		}
	}
}

// broadcastDestinations enumerates every broadcast-capable interface's
// subnet broadcast address, falling back to the general 255.255.255.255
// address when interface enumeration fails (net.Interfaces() is broken on
// Android: https://github.com/golang/go/issues/40569).
func broadcastDestinations(port int) []*net.UDPAddr {
	intfs, err := net.Interfaces()
	if err != nil {
		return []*net.UDPAddr{{IP: net.IPv4(255, 255, 255, 255), Port: port}}
	}

	var dsts []*net.UDPAddr
	for _, intf := range intfs {
		if intf.Flags&net.FlagRunning == 0 || intf.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := intf.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			iaddr, ok := addr.(*net.IPNet)
			if !ok || len(iaddr.IP) < 4 || !iaddr.IP.IsGlobalUnicast() || iaddr.IP.To4() == nil {
				continue
			}
			dsts = append(dsts, &net.UDPAddr{IP: subnetBroadcast(iaddr), Port: port})
		}
	}
	if len(dsts) == 0 {
		dsts = append(dsts, &net.UDPAddr{IP: net.IPv4(255, 255, 255, 255), Port: port})
	}
	return dsts
}

func subnetBroadcast(ip *net.IPNet) net.IP {
	bc := make(net.IP, len(ip.IP))
	copy(bc, ip.IP)
	offset := len(bc) - len(ip.Mask)
	for i := range bc {
		if i-offset >= 0 {
			bc[i] = ip.IP[i] | ^ip.Mask[i-offset]
		}
	}
	return bc
}

type multicastBeacon struct {
	addr     string
	interval time.Duration
	payload  DiscoveryPayload
	heard    DiscoveryHeard
}

func (m *multicastBeacon) Serve(ctx context.Context) error {
	gaddr, err := net.ResolveUDPAddr("udp6", m.addr)
	if err != nil {
		if debug {
			l.Debugln("local discovery multicast resolve:", err)
		}
		return err
	}

	lconn, err := net.ListenPacket("udp6", m.addr)
	if err != nil {
		if debug {
			l.Debugln("local discovery multicast listen:", err)
		}
		return err
	}
	defer lconn.Close()
	go func() { <-ctx.Done(); lconn.Close() }()

	pconn := ipv6.NewPacketConn(lconn)
	intfs, err := net.Interfaces()
	if err != nil {
		return err
	}
	joined := 0
	for _, intf := range intfs {
		if pconn.JoinGroup(&intf, &net.UDPAddr{IP: gaddr.IP}) == nil {
			joined++
		}
	}
	if joined == 0 {
		if debug {
			l.Debugln("local discovery: no multicast-capable interfaces")
		}
		return nil
	}

	go m.writeLoop(ctx, gaddr, intfs)

	buf := make([]byte, 65536)
	for {
		n, _, addr, err := pconn.ReadFrom(buf)
		if err != nil {
			return ctx.Err()
		}
		if m.heard != nil {
			c := make([]byte, n)
			copy(c, buf[:n])
			m.heard(c, addr)
		}
	}
}

func (m *multicastBeacon) writeLoop(ctx context.Context, gaddr *net.UDPAddr, intfs []net.Interface) {
	wconn, err := net.ListenPacket("udp6", ":0")
	if err != nil {
		return
	}
	defer wconn.Close()
	go func() { <-ctx.Done(); wconn.Close() }()

	pconn := ipv6.NewPacketConn(wconn)
	wcm := &ipv6.ControlMessage{HopLimit: 1}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.payload == nil {
			continue
		}
		bs := m.payload()
		for _, intf := range intfs {
			wcm.IfIndex = intf.Index
			pconn.SetWriteDeadline(time.Now().Add(time.Second))
			pconn.WriteTo(bs, wcm, gaddr)
			pconn.SetWriteDeadline(time.Time{})
		}
	}
}
