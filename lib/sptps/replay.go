// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package sptps

// replayWindow implements the sliding bitmap of spec §4.1: "On receive,
// compute delta = inseqno_received − inseqno_high. If delta ≥ W, slide
// window by delta and set top bit. If delta < 0 and |delta| ≥ W, drop.
// Otherwise test the bit: if set, drop; else authenticate, then set bit."
//
// Window width is capped at 64 (one uint64 bitmap); spec's default is 16,
// comfortably inside that. width 0 disables replay protection entirely.
type replayWindow struct {
	width uint64
	high  uint32 // highest seqno ever accepted
	bits  uint64 // bit i set => high-i was seen
	seen  bool   // have we accepted anything yet
}

func newReplayWindow(width uint) *replayWindow {
	if width > 64 {
		width = 64
	}
	return &replayWindow{width: uint64(width)}
}

// test reports whether seq falls within the acceptable window, without
// marking it seen — callers must authenticate the record before calling
// accept, so a forged datagram can never consume a legitimate seqno's slot.
func (w *replayWindow) test(seq uint32) bool {
	if w.width == 0 || !w.seen {
		return true
	}
	delta := int64(seq) - int64(w.high)
	if delta > 0 {
		return true
	}
	back := uint64(-delta)
	if back >= w.width {
		return false
	}
	return w.bits&(uint64(1)<<back) == 0
}

// accept marks seq seen, sliding the window forward if it is a new high
// water mark. Must only be called once seq has been authenticated.
func (w *replayWindow) accept(seq uint32) {
	if w.width == 0 {
		return
	}
	if !w.seen {
		w.seen = true
		w.high = seq
		w.bits = 1
		return
	}

	delta := int64(seq) - int64(w.high)
	if delta > 0 {
		if uint64(delta) >= w.width {
			// Far enough ahead that the whole window is stale.
			w.high = seq
			w.bits = 1
			return
		}
		w.bits <<= uint(delta)
		w.bits |= 1
		w.high = seq
		return
	}

	back := uint64(-delta)
	w.bits |= uint64(1) << back
}
