// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/nullmesh/meshcore/lib/crypto"
)

func TestMainConfigRoundTrips(t *testing.T) {
	dir, err := Create(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := dir.WriteMain(&Main{Name: "foo", Port: 12345}); err != nil {
		t.Fatal(err)
	}
	got, err := dir.ReadMain()
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "foo" || got.Port != 12345 {
		t.Errorf("expected {foo 12345}, got %+v", got)
	}
}

func TestHostConfigRoundTrips(t *testing.T) {
	dir, err := Create(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}

	h := &Host{
		Name:      "peer1",
		PublicKey: key.Public(),
		Port:      655,
	}
	if err := dir.WriteHost(h); err != nil {
		t.Fatal(err)
	}

	got, err := dir.ReadHost("peer1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Port != 655 {
		t.Errorf("expected port 655, got %d", got.Port)
	}
	if got.PublicKey == nil || got.PublicKey.X.Cmp(key.Public().X) != 0 {
		t.Error("expected public key to round-trip")
	}
}

func TestHostConfigParsesRepeatedAddressLines(t *testing.T) {
	dir, err := Create(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	pub := key.Public()

	contents := "ECDSAPublicKey = " + base64.StdEncoding.EncodeToString(pub.Marshal()) + "\n" +
		"Port = 655\n" +
		"Address = 127.0.0.1\n" +
		"Address = 127.0.0.2 656\n"

	if err := os.MkdirAll(filepath.Join(dir.path, hostsDir), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir.path, hostsDir, "peer2"), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := dir.ReadHost("peer2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Addresses) != 2 {
		t.Fatalf("expected 2 addresses, got %d: %v", len(got.Addresses), got.Addresses)
	}
	if got.Addresses[0].Port != 655 {
		t.Errorf("expected first address to inherit Port 655, got %d", got.Addresses[0].Port)
	}
	if got.Addresses[1].Port != 656 {
		t.Errorf("expected second address's explicit port 656, got %d", got.Addresses[1].Port)
	}
}

func TestPrivateKeyRoundTrips(t *testing.T) {
	dir, err := Create(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key, err := crypto.GenerateSigningKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := dir.SavePrivateKey(key); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(filepath.Join(dir.path, privateKeyFile))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	got, err := dir.LoadPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	if got.Public().X.Cmp(key.Public().X) != 0 {
		t.Error("expected private key to round-trip")
	}
}
