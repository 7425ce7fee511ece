// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crypto

import (
	"crypto/rand"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/nullmesh/meshcore/lib/xerr"
)

// EphemeralKey is the per-session ECDH keypair (meshlink's ecdh_t) that
// gives SPTPS forward secrecy independent of the long-term signing key.
type EphemeralKey struct {
	private [32]byte
	Public  [32]byte
}

// GenerateEphemeral creates a fresh X25519 keypair for one handshake.
func GenerateEphemeral() (*EphemeralKey, error) {
	var priv [32]byte
	if _, err := io.ReadFull(rand.Reader, priv[:]); err != nil {
		return nil, xerr.Wrap(xerr.Internal, err, "read random for ephemeral key")
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, xerr.Wrap(xerr.Internal, err, "derive ephemeral public key")
	}
	k := &EphemeralKey{private: priv}
	copy(k.Public[:], pub)
	return k, nil
}

// Shared computes the ECDH shared secret with a peer's ephemeral public key.
func (k *EphemeralKey) Shared(peerPublic [32]byte) ([]byte, error) {
	secret, err := curve25519.X25519(k.private[:], peerPublic[:])
	if err != nil {
		return nil, xerr.Wrap(xerr.ProtocolError, err, "compute ECDH shared secret")
	}
	return secret, nil
}

// DeriveKeys runs HKDF-SHA256 over the shared secret to produce directional
// send/receive keys, per spec §4.1: "derive (recv-key, send-key) from
// HKDF(ECDH-shared, label || nonces)". salt carries the concatenated nonces
// so that a transcript replay can never collide with a different handshake.
func DeriveKeys(shared, salt, label []byte, n int) ([]byte, error) {
	r := hkdf.New(newSHA256, shared, salt, label)
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, xerr.Wrap(xerr.Internal, err, "HKDF key derivation")
	}
	return out, nil
}
