// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command meshecho is a two-role smoke test for the channel API, modelled on
// meshlink's own channels echo test: a "foo" instance opens a channel to a
// "bar" instance on port 7, streams stdin to it in 2000-byte chunks, and bar
// echoes everything it receives back to its own stdout.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/nullmesh/meshcore"
	"github.com/nullmesh/meshcore/lib/logger"
)

const echoPort = 7

var (
	confDir  = "meshecho.conf"
	name     = ""
	appID    = "meshecho"
	role     = "" // "foo" or "bar"
	peerName = ""
	address  = ""
	exportTo = ""
	importAt = ""
)

func main() {
	flag.StringVar(&confDir, "dir", confDir, "configuration directory")
	flag.StringVar(&name, "name", name, "this instance's node name")
	flag.StringVar(&role, "role", role, "\"foo\" (opens the channel) or \"bar\" (echoes it back)")
	flag.StringVar(&peerName, "peer", peerName, "name of the peer node (foo only)")
	flag.StringVar(&address, "addr", address, "address to add as a dial candidate")
	flag.StringVar(&exportTo, "export-to", exportTo, "write this instance's exported host data to a file and exit")
	flag.StringVar(&importAt, "import-from", importAt, "import the peer's exported host data from a file before starting")
	flag.Parse()

	if name == "" || role != "foo" && role != "bar" {
		log.Fatal("usage: meshecho -name=<name> -role=foo|bar ...")
	}

	mesh, err := meshcore.Open(confDir, name, appID, 0)
	if err != nil {
		log.Fatalf("open: %v", err)
	}

	mesh.Log = func(level logger.LogLevel, text string) {
		log.Printf("(%s) [%d] %s", name, level, text)
	}

	if exportTo != "" {
		data, err := mesh.Export()
		if err != nil {
			log.Fatalf("export: %v", err)
		}
		if err := os.WriteFile(exportTo, data, 0o644); err != nil {
			log.Fatalf("write %s: %v", exportTo, err)
		}
		return
	}

	if importAt != "" {
		data, err := os.ReadFile(importAt)
		if err != nil {
			log.Fatalf("read %s: %v", importAt, err)
		}
		if ok, err := mesh.Import(data); err != nil || !ok {
			log.Fatalf("import %s: ok=%v err=%v", importAt, ok, err)
		}
	}

	if address != "" {
		mesh.AddAddress(address)
	}

	reachable := make(chan struct{}, 1)
	mesh.NodeStatus = func(n *meshcore.Node, isReachable bool) {
		if n.Name == peerName && isReachable {
			select {
			case reachable <- struct{}{}:
			default:
			}
		}
	}

	switch role {
	case "bar":
		// Mirrors meshlink's accept_cb: reject anything not on echoPort,
		// otherwise attach a receive handler that echoes whatever arrives.
		mesh.ChannelAccept = func(ch *meshcore.Channel, port uint32) bool {
			if port != echoPort {
				return false
			}
			mesh.ChannelSetReceive(ch, func(ch *meshcore.Channel, data []byte) {
				if data == nil {
					return
				}
				os.Stdout.Write(data)
				mesh.ChannelSend(ch, data)
			})
			return true
		}
	case "foo":
		if peerName == "" {
			log.Fatal("-peer is required for -role=foo")
		}
	}

	if err := mesh.Start(logger.LevelInfo); err != nil {
		log.Fatalf("start: %v", err)
	}
	defer mesh.Close()

	if role == "bar" {
		select {}
	}

	log.Printf("waiting for %s to become reachable", peerName)
	select {
	case <-reachable:
	case <-time.After(20 * time.Second):
		log.Fatalf("%s not reachable after 20s", peerName)
	}

	peer, ok := mesh.GetNode(peerName)
	if !ok {
		log.Fatalf("unknown node %s", peerName)
	}

	ch, err := mesh.ChannelOpen(peer, echoPort, func(ch *meshcore.Channel, data []byte) {
		if data != nil {
			os.Stdout.Write(data)
		}
	})
	if err != nil {
		log.Fatalf("channel open: %v", err)
	}
	defer mesh.ChannelClose(ch)

	content, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		log.Fatalf("read stdin: %v", err)
	}

	const chunkSize = 2000
	for sent := 0; sent < len(content); sent += chunkSize {
		end := sent + chunkSize
		if end > len(content) {
			end = len(content)
		}
		if err := mesh.ChannelSend(ch, content[sent:end]); err != nil {
			log.Fatalf("channel send: %v", err)
		}
	}

	fmt.Fprintln(os.Stderr, "foo finished sending")
	time.Sleep(2 * time.Second)
}
