// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package sptps

import (
	"crypto/rand"
	"io"

	"github.com/nullmesh/meshcore/lib/crypto"
	"github.com/nullmesh/meshcore/lib/xerr"
)

// handleHandshake demultiplexes a RecordHandshake payload by its first byte
// (spec §4.1's KEX/SIG/ACK steps; not top-level record types of their own).
func (s *Session) handleHandshake(payload []byte) error {
	if len(payload) < 1 {
		return xerr.New(xerr.ProtocolError, "sptps: empty handshake payload")
	}
	kind, body := payload[0], payload[1:]
	switch kind {
	case hsKEX:
		return s.handleKEX(body)
	case hsSig:
		return s.handleSig(body)
	case hsAck:
		return s.handleAck()
	case hsSecondaryKEX:
		return s.handleSecondaryKEX(body)
	default:
		return xerr.New(xerr.ProtocolError, "sptps: unknown handshake kind")
	}
}

func parseKEX(body []byte) (nonce, pub [32]byte, ok bool) {
	if len(body) != 64 {
		return nonce, pub, false
	}
	copy(nonce[:], body[:32])
	copy(pub[:], body[32:])
	return nonce, pub, true
}

func (s *Session) sign(transcript []byte) ([]byte, error) {
	return s.myKey.Sign(transcript)
}

func (s *Session) verify(transcript, sig []byte) bool {
	return crypto.Verify(s.peerKey, transcript, sig)
}

// handleKEX processes an incoming primary KEX message. The responder's
// first KEX (IDLE) replies with its own KEX and immediately its SIG
// (spec §8: "responder path IDLE → KEX → SIG → ACK → ESTABLISHED"); the
// initiator's reply (already in PhaseKEX after Start) derives ciphers and
// waits for the responder's SIG.
func (s *Session) handleKEX(body []byte) error {
	nonce, pub, ok := parseKEX(body)
	if !ok {
		return xerr.New(xerr.ProtocolError, "sptps: malformed KEX")
	}

	switch s.state {
	case PhaseIdle:
		if s.initiator {
			return xerr.New(xerr.ProtocolError, "sptps: initiator received unsolicited KEX")
		}
		s.hisNonce, s.hisKEX = nonce, pub

		if _, err := io.ReadFull(rand.Reader, s.myNonce[:]); err != nil {
			return xerr.Wrap(xerr.Internal, err, "sptps: generate KEX nonce")
		}
		kex, err := crypto.GenerateEphemeral()
		if err != nil {
			return err
		}
		s.myKEX = kex
		s.state = PhaseKEX
		if err := s.sendRaw(RecordHandshake, append([]byte{hsKEX}, kexBytes(s.myNonce, s.myKEX.Public)...)); err != nil {
			return err
		}

		transcript := s.transcript(kexBytes(s.hisNonce, s.hisKEX), kexBytes(s.myNonce, s.myKEX.Public))
		send, recv, err := deriveKeys(s.myKEX, s.hisKEX, transcript, false)
		if err != nil {
			return xerr.Wrap(xerr.ProtocolError, err, "sptps: derive session keys")
		}
		s.outCipher, s.inCipher = send, recv

		sig, err := s.sign(transcript)
		if err != nil {
			return xerr.Wrap(xerr.Internal, err, "sptps: sign transcript")
		}
		s.state = PhaseSig
		return s.sendEncrypted(RecordHandshake, append([]byte{hsSig}, sig...))

	case PhaseKEX:
		if !s.initiator {
			return xerr.New(xerr.ProtocolError, "sptps: responder received second KEX out of order")
		}
		s.hisNonce, s.hisKEX = nonce, pub

		transcript := s.transcript(kexBytes(s.myNonce, s.myKEX.Public), kexBytes(s.hisNonce, s.hisKEX))
		send, recv, err := deriveKeys(s.myKEX, s.hisKEX, transcript, true)
		if err != nil {
			return xerr.Wrap(xerr.ProtocolError, err, "sptps: derive session keys")
		}
		s.outCipher, s.inCipher = send, recv
		s.state = PhaseSig
		return nil

	default:
		return xerr.New(xerr.ProtocolError, "sptps: unexpected KEX in state "+s.state.String())
	}
}

// handleSig processes an incoming SIG message. The initiator, upon
// verifying the responder's signature, immediately sends its own SIG+ACK
// and moves straight to ESTABLISHED (spec §8); the responder moves to
// PhaseAck and waits for the initiator's ACK.
func (s *Session) handleSig(sig []byte) error {
	if s.state != PhaseSig {
		return xerr.New(xerr.ProtocolError, "sptps: unexpected SIG in state "+s.state.String())
	}

	var transcript []byte
	switch {
	case s.rekeying && s.initiator:
		transcript = s.transcript(kexBytes(s.nextMyNonce, s.nextMyKEX.Public), kexBytes(s.nextHisNonce, s.nextHisKEX))
	case s.rekeying && !s.initiator:
		transcript = s.transcript(kexBytes(s.nextHisNonce, s.nextHisKEX), kexBytes(s.nextMyNonce, s.nextMyKEX.Public))
	case s.initiator:
		transcript = s.transcript(kexBytes(s.myNonce, s.myKEX.Public), kexBytes(s.hisNonce, s.hisKEX))
	default:
		transcript = s.transcript(kexBytes(s.hisNonce, s.hisKEX), kexBytes(s.myNonce, s.myKEX.Public))
	}
	if !s.verify(transcript, sig) {
		if s.rekeying {
			// Abandon the rekey attempt; the current epoch stays live.
			s.rekeying = false
			s.state = PhaseEstablished
			return xerr.New(xerr.ProtocolError, "sptps: rekey signature verification failed")
		}
		s.state = PhaseIdle
		return xerr.New(xerr.ProtocolError, "sptps: signature verification failed")
	}

	if s.initiator {
		mySig, err := s.sign(transcript)
		if err != nil {
			return xerr.Wrap(xerr.Internal, err, "sptps: sign transcript")
		}
		if err := s.sendEncrypted(RecordHandshake, append([]byte{hsSig}, mySig...)); err != nil {
			return err
		}
		if err := s.sendEncrypted(RecordHandshake, []byte{hsAck}); err != nil {
			return err
		}
		if s.rekeying {
			s.swapEpoch()
		} else {
			s.establish()
		}
		return nil
	}

	s.state = PhaseAck
	return nil
}

func (s *Session) handleAck() error {
	if s.state != PhaseAck {
		return xerr.New(xerr.ProtocolError, "sptps: unexpected ACK in state "+s.state.String())
	}
	if s.rekeying {
		s.swapEpoch()
		return nil
	}
	s.establish()
	return nil
}

// establish marks the session usable and fires the Established callback.
// Must be called with mu held; releases it around the callback so the
// handler may itself call Send without deadlocking.
func (s *Session) establish() {
	s.state = PhaseEstablished
	if s.h.Established != nil {
		cb := s.h.Established
		s.mu.Unlock()
		cb()
		s.mu.Lock()
	}
}

// handleSecondaryKEX processes an in-session rekey request (spec §4.1
// "Rekey"). Either side may receive one; the responding side mirrors the
// primary handshake's KEX→SIG→ACK shape using the "next" epoch fields,
// leaving the current epoch live for ordinary traffic until the new
// handshake completes.
func (s *Session) handleSecondaryKEX(body []byte) error {
	nonce, pub, ok := parseKEX(body)
	if !ok {
		return xerr.New(xerr.ProtocolError, "sptps: malformed secondary KEX")
	}
	if s.state != PhaseEstablished && s.state != PhaseSecondaryKEX {
		return xerr.New(xerr.ProtocolError, "sptps: unexpected rekey in state "+s.state.String())
	}

	if !s.rekeying {
		// We did not initiate: this is the peer starting a rekey.
		s.nextHisNonce, s.nextHisKEX = nonce, pub
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
		if err := s.sendEncrypted(RecordHandshake, append([]byte{hsSecondaryKEX}, kexBytes(s.nextMyNonce, s.nextMyKEX.Public)...)); err != nil {
			return err
		}

		transcript := s.transcript(kexBytes(s.nextHisNonce, s.nextHisKEX), kexBytes(s.nextMyNonce, s.nextMyKEX.Public))
		send, recv, err := deriveKeys(s.nextMyKEX, s.nextHisKEX, transcript, false)
		if err != nil {
			return xerr.Wrap(xerr.ProtocolError, err, "sptps: derive rekey session keys")
		}
		s.nextOutCipher, s.nextInCipher = send, recv

		sig, err := s.sign(transcript)
		if err != nil {
			return xerr.Wrap(xerr.Internal, err, "sptps: sign rekey transcript")
		}
		s.state = PhaseSig
		return s.sendEncrypted(RecordHandshake, append([]byte{hsSig}, sig...))
	}

	// We initiated and the peer echoed back its own secondary KEX.
	s.nextHisNonce, s.nextHisKEX = nonce, pub
	transcript := s.transcript(kexBytes(s.nextMyNonce, s.nextMyKEX.Public), kexBytes(s.nextHisNonce, s.nextHisKEX))
	send, recv, err := deriveKeys(s.nextMyKEX, s.nextHisKEX, transcript, true)
	if err != nil {
		return xerr.Wrap(xerr.ProtocolError, err, "sptps: derive rekey session keys")
	}
	s.nextOutCipher, s.nextInCipher = send, recv

	sig, err := s.sign(transcript)
	if err != nil {
		return xerr.Wrap(xerr.Internal, err, "sptps: sign rekey transcript")
	}
	s.state = PhaseSig
	return s.sendEncrypted(RecordHandshake, append([]byte{hsSig}, sig...))
}

// swapEpoch installs the negotiated next-epoch ciphers as current and
// resets per-epoch counters, the "atomic cipher swap at the first record of
// the new epoch" referenced in spec §4.1.
func (s *Session) swapEpoch() {
	s.inCipher, s.outCipher = s.nextInCipher, s.nextOutCipher
	s.myNonce, s.hisNonce = s.nextMyNonce, s.nextHisNonce
	s.myKEX, s.hisKEX = s.nextMyKEX, s.nextHisKEX
	s.nextInCipher, s.nextOutCipher = nil, nil
	s.nextMyKEX = nil
	s.inSeqno, s.outSeqno = 0, 0
	s.replay = newReplayWindow(uint(s.replay.width))
	s.rekeying = false
	s.state = PhaseEstablished
}
