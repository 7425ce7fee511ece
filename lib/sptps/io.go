// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package sptps

import "github.com/nullmesh/meshcore/lib/xerr"

// sendRaw frames and transmits a cleartext record. Only used before a
// cipher is established (the initial KEX exchange has nothing to encrypt
// with yet).
func (s *Session) sendRaw(recordType uint8, payload []byte) error {
	body := append([]byte{recordType}, payload...)
	return s.transmit(frame(s.streamed, body))
}

// transmit hands one framed record to the SendFunc. Must be called with mu
// held; releases it around the call so a SendFunc that delivers straight
// into the peer, which may answer on this same session, cannot deadlock.
func (s *Session) transmit(data []byte) error {
	s.mu.Unlock()
	defer s.mu.Lock()
	return s.send(data)
}

// sendEncrypted frames and transmits a record under the current outgoing
// cipher, forcing a rekey once RekeyThreshold is approached (spec §3:
// "rekey is forced before 2^30 records").
func (s *Session) sendEncrypted(recordType uint8, payload []byte) error {
	if s.outCipher == nil {
		return xerr.New(xerr.Internal, "sptps: send before established")
	}
	plaintext := append([]byte{recordType}, payload...)
	seq := s.outSeqno
	s.outSeqno++

	var body []byte
	if s.streamed {
		body = s.outCipher.Seal(seq, plaintext, nil)
	} else {
		aad := seqnoBytes(seq)
		body = append(aad, s.outCipher.Seal(seq, plaintext, aad)...)
	}

	if s.initiator && !s.rekeying && s.outSeqno >= RekeyThreshold && s.state == PhaseEstablished {
		if debug {
			l.Debugf("sptps: forcing rekey after %d records", s.outSeqno)
		}
		// Best effort: a failed rekey attempt does not invalidate the
		// record we are about to send under the still-valid old key.
		_ = s.startRekeyLocked()
	}

	return s.transmit(frame(s.streamed, body))
}

// Send transmits one application record (recordType < RecordHandshake).
// Returns NoKey if the session has not completed its handshake yet — the
// caller (KeyExchange, spec §4.7) is responsible for queuing or dropping.
func (s *Session) Send(recordType uint8, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != PhaseEstablished {
		return xerr.New(xerr.NoKey, "sptps: session not established")
	}
	return s.sendEncrypted(recordType, data)
}

// ReceiveData feeds raw bytes arriving from the transport into the session.
// In streamed mode this may be called with partial or coalesced records; in
// datagram mode each call must be exactly one UDP payload.
func (s *Session) ReceiveData(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.streamed {
		return s.handleFrame(data)
	}

	s.inBuf = append(s.inBuf, data...)
	var records [][]byte
	records, s.inBuf = unframeAll(s.inBuf)
	for _, rec := range records {
		if err := s.handleFrame(rec); err != nil {
			return err
		}
	}
	return nil
}

// handleFrame decodes one complete record body (already de-length-prefixed)
// and dispatches it. Must be called with mu held.
func (s *Session) handleFrame(body []byte) error {
	if len(body) == 0 {
		return xerr.New(xerr.ProtocolError, "sptps: empty record")
	}

	if s.inCipher == nil {
		// Pre-established: cleartext handshake record.
		recordType, payload := body[0], body[1:]
		return s.dispatch(recordType, payload)
	}

	var recordType uint8
	var payload []byte
	if s.streamed {
		seq := s.inSeqno
		plaintext, err := s.inCipher.Open(seq, body, nil)
		if err != nil {
			s.dropped++
			if debug {
				l.Debugf("sptps: MAC failure on streamed record, dropping (total %d)", s.dropped)
			}
			return nil
		}
		s.inSeqno++
		s.received++
		recordType, payload = plaintext[0], plaintext[1:]
	} else {
		if len(body) < 4 {
			s.dropped++
			return nil
		}
		seq := beUint32(body[:4])
		if !s.replay.test(seq) {
			s.dropped++
			if debug {
				l.Debugf("sptps: replayed or too-old seqno %d, dropping (total %d)", seq, s.dropped)
			}
			return nil
		}
		plaintext, err := s.inCipher.Open(seq, body[4:], body[:4])
		if err != nil {
			s.dropped++
			if debug {
				l.Debugf("sptps: MAC failure on seqno %d, dropping (total %d)", seq, s.dropped)
			}
			return nil
		}
		s.replay.accept(seq)
		if seq > s.inSeqno {
			s.inSeqno = seq
		}
		s.received++
		recordType, payload = plaintext[0], plaintext[1:]
	}
	return s.dispatch(recordType, payload)
}

func (s *Session) dispatch(recordType uint8, payload []byte) error {
	switch {
	case recordType == RecordHandshake:
		return s.handleHandshake(payload)
	case recordType == RecordAlert:
		if s.h.Alert != nil {
			reason := string(payload)
			s.mu.Unlock()
			s.h.Alert(reason)
			s.mu.Lock()
		}
		s.state = PhaseIdle
		return nil
	case recordType == RecordClose:
		s.state = PhaseIdle
		return nil
	default:
		if s.h.Receive != nil {
			cb := s.h.Receive
			s.mu.Unlock()
			cb(recordType, payload)
			s.mu.Lock()
		}
		return nil
	}
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
