// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/nullmesh/meshcore/lib/xerr"
)

func newSHA256() hash.Hash { return sha256.New() }

// AEAD wraps a directional ChaCha20-Poly1305 cipher for one epoch of a
// SessionProto stream (spec §4.1: "ChaCha20-Poly1305 with nonce = 32-bit
// seqno || 64-bit zero pad").
type AEAD struct {
	aead chacha20poly1305.AEAD
}

// NewAEAD constructs a directional cipher from a 32-byte key.
func NewAEAD(key []byte) (*AEAD, error) {
	a, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, xerr.Wrap(xerr.Internal, err, "construct ChaCha20-Poly1305")
	}
	return &AEAD{aead: a}, nil
}

func nonceFor(seqno uint32) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce, seqno)
	return nonce
}

// Seal encrypts and authenticates plaintext under seqno, appending the
// 16-byte tag. additionalData is authenticated but not encrypted (used to
// bind the cleartext seqno prefix of datagram records into the tag).
func (a *AEAD) Seal(seqno uint32, plaintext, additionalData []byte) []byte {
	return a.aead.Seal(nil, nonceFor(seqno), plaintext, additionalData)
}

// Open authenticates and decrypts ciphertext produced by Seal with the same
// seqno. A MAC failure returns a ProtocolError per spec §4.1's "MAC failure
// → drop silently"; callers count the drop and discard, never propagate.
func (a *AEAD) Open(seqno uint32, ciphertext, additionalData []byte) ([]byte, error) {
	pt, err := a.aead.Open(nil, nonceFor(seqno), ciphertext, additionalData)
	if err != nil {
		return nil, xerr.Wrap(xerr.ProtocolError, err, "AEAD authentication failed")
	}
	return pt, nil
}

// Overhead is the fixed tag length added to every record.
func (a *AEAD) Overhead() int { return a.aead.Overhead() }
