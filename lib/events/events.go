// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package events provides in-process event subscription and polling. The
// Core event loop (spec §5) logs state transitions here. The host's
// node_status callback (spec §6) is not fed from these events: the Mesh
// calls it directly on each reachability change.
package events

import (
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nullmesh/meshcore/lib/logger"
)

type EventType uint64

const (
	NodeDiscovered EventType = 1 << iota
	NodeReachable
	NodeUnreachable
	SessionEstablished
	SessionClosed
	EdgeAdded
	EdgeRemoved
	KeyExchangeStarted
	MTUConverged
	UDPLost

	AllEvents = ^EventType(0)
)

func (t EventType) String() string {
	switch t {
	case NodeDiscovered:
		return "NodeDiscovered"
	case NodeReachable:
		return "NodeReachable"
	case NodeUnreachable:
		return "NodeUnreachable"
	case SessionEstablished:
		return "SessionEstablished"
	case SessionClosed:
		return "SessionClosed"
	case EdgeAdded:
		return "EdgeAdded"
	case EdgeRemoved:
		return "EdgeRemoved"
	case KeyExchangeStarted:
		return "KeyExchangeStarted"
	case MTUConverged:
		return "MTUConverged"
	case UDPLost:
		return "UDPLost"
	default:
		return "Unknown"
	}
}

const BufferSize = 64

type Logger struct {
	subs   map[int]*Subscription
	nextID int
	mutex  sync.Mutex
}

type Event struct {
	ID   int
	Time time.Time
	Type EventType
	Data interface{}
}

type Subscription struct {
	mask   EventType
	id     int
	events chan Event
	mutex  sync.Mutex
}

var Default = NewLogger()

var (
	ErrTimeout = errors.New("timeout")
	ErrClosed  = errors.New("closed")

	debug = strings.Contains(os.Getenv("MESHTRACE"), "events") || os.Getenv("MESHTRACE") == "all"
	dl    = logger.DefaultLogger
)

func NewLogger() *Logger {
	return &Logger{
		subs: make(map[int]*Subscription),
	}
}

func (l *Logger) Log(t EventType, data interface{}) {
	l.mutex.Lock()
	if debug {
		dl.Debugln("event", l.nextID, t.String(), data)
	}
	e := Event{
		ID:   l.nextID,
		Time: time.Now(),
		Type: t,
		Data: data,
	}
	l.nextID++
	for _, s := range l.subs {
		if s.mask&t != 0 {
			select {
			case s.events <- e:
			default:
				if debug {
					dl.Debugln("dropping event, subscriber", s.id, "not draining")
				}
			}
		}
	}
	l.mutex.Unlock()
}

func (l *Logger) Subscribe(mask EventType) *Subscription {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	s := &Subscription{
		mask:   mask,
		id:     l.nextID,
		events: make(chan Event, BufferSize),
	}
	l.nextID++
	l.subs[s.id] = s
	return s
}

func (l *Logger) Unsubscribe(s *Subscription) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	delete(l.subs, s.id)
	close(s.events)
}

func (s *Subscription) Poll(timeout time.Duration) (Event, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	to := time.After(timeout)
	select {
	case e, ok := <-s.events:
		if !ok {
			return e, ErrClosed
		}
		return e, nil
	case <-to:
		return Event{}, ErrTimeout
	}
}
