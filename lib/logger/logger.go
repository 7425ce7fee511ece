// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package logger implements a leveled, facility-scoped logger. Every other
// package in this module logs through a *Logger rather than the standard
// library "log" package directly, so a host application embedding the mesh
// can redirect or filter output per facility.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// LogLevel is severity as described in spec §7: DEBUG, INFO, WARNING, ERROR.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Handler receives every log line at or above the level it was registered
// for.
type Handler func(l LogLevel, msg string)

// Logger is a leveled logger with facility-based debug gating.
type Logger struct {
	mut      sync.Mutex
	std      *log.Logger
	handlers map[LogLevel][]Handler
	debug    map[string]bool
}

// New creates a Logger writing to stderr by default.
func New() *Logger {
	return &Logger{
		std:      log.New(os.Stderr, "", log.Ltime),
		handlers: make(map[LogLevel][]Handler),
		debug:    make(map[string]bool),
	}
}

// DefaultLogger is used by packages that do not carry their own per-Mesh
// logger reference (tests, standalone tools).
var DefaultLogger = New()

func (l *Logger) SetFlags(flag int)     { l.std.SetFlags(flag) }
func (l *Logger) SetPrefix(p string)    { l.std.SetPrefix(p) }
func (l *Logger) SetOutput(w io.Writer) { l.std.SetOutput(w) }

// AddHandler registers fn to be called for every message at level or above.
func (l *Logger) AddHandler(level LogLevel, fn Handler) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.handlers[level] = append(l.handlers[level], fn)
}

// SetDebug toggles debug-level output for a named facility.
func (l *Logger) SetDebug(facility string, enabled bool) {
	l.mut.Lock()
	defer l.mut.Unlock()
	l.debug[facility] = enabled
}

func (l *Logger) isDebugEnabled(facility string) bool {
	if facility == "" {
		return true
	}
	l.mut.Lock()
	defer l.mut.Unlock()
	return l.debug[facility]
}

func (l *Logger) log(level LogLevel, facility string, s string) {
	if level == LevelDebug && !l.isDebugEnabled(facility) {
		return
	}
	l.mut.Lock()
	l.std.Output(3, level.String()+": "+s)
	var hs []Handler
	for lv, fns := range l.handlers {
		if lv <= level {
			hs = append(hs, fns...)
		}
	}
	l.mut.Unlock()
	for _, h := range hs {
		h(level, s)
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.log(LevelDebug, "", fmt.Sprintf(format, args...)) }
func (l *Logger) Debugln(args ...interface{})               { l.log(LevelDebug, "", fmt.Sprintln(args...)) }
func (l *Logger) Infof(format string, args ...interface{})   { l.log(LevelInfo, "", fmt.Sprintf(format, args...)) }
func (l *Logger) Infoln(args ...interface{})                 { l.log(LevelInfo, "", fmt.Sprintln(args...)) }
func (l *Logger) Warnf(format string, args ...interface{})   { l.log(LevelWarn, "", fmt.Sprintf(format, args...)) }
func (l *Logger) Warnln(args ...interface{})                 { l.log(LevelWarn, "", fmt.Sprintln(args...)) }
func (l *Logger) Errorf(format string, args ...interface{})  { l.log(LevelError, "", fmt.Sprintf(format, args...)) }
func (l *Logger) Errorln(args ...interface{})                { l.log(LevelError, "", fmt.Sprintln(args...)) }

// Facility is a Logger bound to a fixed facility name, used to gate debug
// output per-component (e.g. "sptps", "router", "mtu") the way STTRACE did
// in the teacher.
type Facility struct {
	l    *Logger
	name string
}

func (l *Logger) NewFacility(name, _description string) *Facility {
	return &Facility{l: l, name: name}
}

func (f *Facility) Debugf(format string, args ...interface{}) {
	f.l.log(LevelDebug, f.name, fmt.Sprintf(format, args...))
}
func (f *Facility) Debugln(args ...interface{}) { f.l.log(LevelDebug, f.name, fmt.Sprintln(args...)) }
