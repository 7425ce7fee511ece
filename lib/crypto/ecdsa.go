// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package crypto supplies the long-term-identity and forward-secret
// primitives spec §1 treats as an external collaborator ("the ECDSA/ECDH/
// ChaCha20-Poly1305 primitives (assumed as a library)"). Here that library
// is the standard library's crypto/ecdsa plus golang.org/x/crypto for
// curve25519 ECDH, HKDF, and ChaCha20-Poly1305 AEAD — never hand-rolled.
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"math/big"

	"github.com/nullmesh/meshcore/lib/xerr"
)

func digest(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

// SigningKey is a node's long-term identity keypair (P-256 ECDSA), the
// "long-term signature keypair" of spec §1's Node.
type SigningKey struct {
	Private *ecdsa.PrivateKey
}

// GenerateSigningKey creates a fresh P-256 keypair for ecdsa_key.priv.
func GenerateSigningKey() (*SigningKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, xerr.Wrap(xerr.Internal, err, "generate signing key")
	}
	return &SigningKey{Private: priv}, nil
}

// MarshalPEM encodes the private key as PKCS#8 PEM, written to
// ecdsa_key.priv with 0600 permissions by the config package.
func (k *SigningKey) MarshalPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, xerr.Wrap(xerr.Internal, err, "marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// UnmarshalSigningKeyPEM parses the contents of ecdsa_key.priv.
func UnmarshalSigningKeyPEM(data []byte) (*SigningKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, xerr.New(xerr.ConfigError, "no PEM block in private key file")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, xerr.Wrap(xerr.ConfigError, err, "parse private key")
	}
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, xerr.New(xerr.ConfigError, "private key is not ECDSA")
	}
	return &SigningKey{Private: priv}, nil
}

// PublicKey is a node's long-term public identity, read from
// hosts/<name>'s ECDSAPublicKey line.
type PublicKey struct {
	X, Y *big.Int
}

// Public returns the public half of k.
func (k *SigningKey) Public() *PublicKey {
	return &PublicKey{X: k.Private.PublicKey.X, Y: k.Private.PublicKey.Y}
}

// Marshal encodes a public key for storage in base64 form by the caller.
func (p *PublicKey) Marshal() []byte {
	return elliptic.Marshal(elliptic.P256(), p.X, p.Y)
}

// UnmarshalPublicKey decodes the bytes stored in a hosts/ file.
func UnmarshalPublicKey(data []byte) (*PublicKey, error) {
	x, y := elliptic.Unmarshal(elliptic.P256(), data)
	if x == nil {
		return nil, xerr.New(xerr.ConfigError, "invalid ECDSA public key encoding")
	}
	return &PublicKey{X: x, Y: y}, nil
}

// Sign produces a signature over msg using the long-term key, as required
// by the HANDSHAKE SIG step of spec §4.1.
func (k *SigningKey) Sign(msg []byte) ([]byte, error) {
	return ecdsa.SignASN1(rand.Reader, k.Private, digest(msg))
}

// Verify checks a signature produced by Sign against the given public key.
func Verify(pub *PublicKey, msg, sig []byte) bool {
	key := &ecdsa.PublicKey{Curve: elliptic.P256(), X: pub.X, Y: pub.Y}
	return ecdsa.VerifyASN1(key, digest(msg), sig)
}
