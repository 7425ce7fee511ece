// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package config reads and writes a mesh instance's configuration directory
// (spec §6): tinc.conf, the hosts/ subdirectory, and the ECDSA key pair,
// grounded on syncthing's bundled github.com/calmh/ini tokenizer for the
// flat `Key = Value` format those files use.
package config

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/calmh/ini"

	"github.com/nullmesh/meshcore/lib/crypto"
	"github.com/nullmesh/meshcore/lib/xerr"
)

const (
	mainConfigFile = "tinc.conf"
	hostsDir       = "hosts"
	privateKeyFile = "ecdsa_key.priv"
)

// Main is the parsed contents of tinc.conf.
type Main struct {
	Name string
	Port int // 0 if unset
}

// Host is the parsed contents of one hosts/<name> file.
type Host struct {
	Name      string
	PublicKey *crypto.PublicKey
	Addresses []*net.UDPAddr
	Port      int // 0 if unset
}

// Dir is an opened configuration directory.
type Dir struct {
	path string
}

// Open validates that path exists and looks like a configuration directory
// (or is empty, for a fresh mesh about to be created).
func Open(path string) (*Dir, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, xerr.Wrap(xerr.ConfigError, err, "config: open "+path)
	}
	if !info.IsDir() {
		return nil, xerr.New(xerr.ConfigError, "config: "+path+" is not a directory")
	}
	return &Dir{path: path}, nil
}

// Create makes a fresh, empty configuration directory (spec §6's implicit
// "first run" case — `destroy` is this operation's inverse).
func Create(path string) (*Dir, error) {
	if err := os.MkdirAll(filepath.Join(path, hostsDir), 0o700); err != nil {
		return nil, xerr.Wrap(xerr.ConfigError, err, "config: create "+path)
	}
	return &Dir{path: path}, nil
}

// Destroy removes the entire configuration directory.
func Destroy(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return xerr.Wrap(xerr.ConfigError, err, "config: destroy "+path)
	}
	return nil
}

// ReadMain parses tinc.conf.
func (d *Dir) ReadMain() (*Main, error) {
	f, err := os.Open(filepath.Join(d.path, mainConfigFile))
	if err != nil {
		return nil, xerr.Wrap(xerr.ConfigError, err, "config: read "+mainConfigFile)
	}
	defer f.Close()

	cfg := ini.Parse(f)
	m := &Main{Name: cfg.Get("", "Name")}
	if m.Name == "" {
		return nil, xerr.New(xerr.ConfigError, "config: tinc.conf missing Name")
	}
	if p := cfg.Get("", "Port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, xerr.Wrap(xerr.ConfigError, err, "config: tinc.conf Port")
		}
		m.Port = port
	}
	return m, nil
}

// WriteMain writes tinc.conf.
func (d *Dir) WriteMain(m *Main) error {
	var cfg ini.Config
	cfg.Set("", "Name", m.Name)
	if m.Port != 0 {
		cfg.Set("", "Port", strconv.Itoa(m.Port))
	}
	var buf bytes.Buffer
	if err := cfg.Write(&buf); err != nil {
		return xerr.Wrap(xerr.ConfigError, err, "config: encode tinc.conf")
	}
	if err := os.WriteFile(filepath.Join(d.path, mainConfigFile), buf.Bytes(), 0o644); err != nil {
		return xerr.Wrap(xerr.ConfigError, err, "config: write tinc.conf")
	}
	return nil
}

// ReadHost parses hosts/<name>. ECDSAPublicKey is mandatory; Address may
// repeat, which github.com/calmh/ini's single-value-per-key Get/Set model
// can't represent, so repeated Address lines are scanned directly from the
// raw text rather than through the ini.Config accessor (every other key in
// this format is single-valued and goes through ini normally).
func (d *Dir) ReadHost(name string) (*Host, error) {
	raw, err := os.ReadFile(filepath.Join(d.path, hostsDir, name))
	if err != nil {
		return nil, xerr.Wrap(xerr.ConfigError, err, "config: read host "+name)
	}
	return ParseHostBytes(name, raw)
}

// ExportHostBytes returns the raw hosts/<name> file contents, suitable for
// out-of-band distribution to a peer that will hand them to ParseHostBytes
// (spec §6 export).
func (d *Dir) ExportHostBytes(name string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(d.path, hostsDir, name))
	if err != nil {
		return nil, xerr.Wrap(xerr.ConfigError, err, "config: export host "+name)
	}
	return raw, nil
}

// ParseHostBytes parses the contents of a hosts/<name> file without reading
// it from disk, letting the caller learn a peer from Exported bytes received
// over an out-of-band channel (spec §6 import). The parsed Host.Name is name
// as given, since hosts/ files carry no internal name field of their own.
func ParseHostBytes(name string, raw []byte) (*Host, error) {
	cfg := ini.Parse(bytes.NewReader(raw))
	h := &Host{Name: name}

	keyB64 := cfg.Get("", "ECDSAPublicKey")
	if keyB64 == "" {
		return nil, xerr.New(xerr.ConfigError, "config: host "+name+" missing ECDSAPublicKey")
	}
	keyBytes, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, xerr.Wrap(xerr.ConfigError, err, "config: host "+name+" ECDSAPublicKey")
	}
	pub, err := crypto.UnmarshalPublicKey(keyBytes)
	if err != nil {
		return nil, xerr.Wrap(xerr.ConfigError, err, "config: host "+name+" ECDSAPublicKey")
	}
	h.PublicKey = pub

	if p := cfg.Get("", "Port"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, xerr.Wrap(xerr.ConfigError, err, "config: host "+name+" Port")
		}
		h.Port = port
	}

	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Address") {
			continue
		}
		rest := strings.TrimSpace(strings.TrimPrefix(line, "Address"))
		rest = strings.TrimPrefix(rest, "=")
		rest = strings.TrimSpace(rest)
		if rest == "" {
			continue
		}
		fields := strings.Fields(rest)
		host := fields[0]
		port := h.Port
		if len(fields) > 1 {
			p, err := strconv.Atoi(fields[1])
			if err != nil {
				return nil, xerr.Wrap(xerr.ConfigError, err, "config: host "+name+" Address port")
			}
			port = p
		}
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			continue // unresolvable address lines are skipped, not fatal
		}
		h.Addresses = append(h.Addresses, &net.UDPAddr{IP: ips[0], Port: port})
	}

	return h, nil
}

// WriteHost writes hosts/<name>.
func (d *Dir) WriteHost(h *Host) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "ECDSAPublicKey = %s\n", base64.StdEncoding.EncodeToString(h.PublicKey.Marshal()))
	if h.Port != 0 {
		fmt.Fprintf(&buf, "Port = %d\n", h.Port)
	}
	for _, addr := range h.Addresses {
		if addr.Port != 0 && addr.Port != h.Port {
			fmt.Fprintf(&buf, "Address = %s %d\n", addr.IP.String(), addr.Port)
		} else {
			fmt.Fprintf(&buf, "Address = %s\n", addr.IP.String())
		}
	}
	if err := os.MkdirAll(filepath.Join(d.path, hostsDir), 0o700); err != nil {
		return xerr.Wrap(xerr.ConfigError, err, "config: create hosts dir")
	}
	if err := os.WriteFile(filepath.Join(d.path, hostsDir, h.Name), buf.Bytes(), 0o644); err != nil {
		return xerr.Wrap(xerr.ConfigError, err, "config: write host "+h.Name)
	}
	return nil
}

// ListHosts returns every known peer name in hosts/.
func (d *Dir) ListHosts() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.path, hostsDir))
	if err != nil {
		return nil, xerr.Wrap(xerr.ConfigError, err, "config: list hosts")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// LoadPrivateKey reads and decodes ecdsa_key.priv.
func (d *Dir) LoadPrivateKey() (*crypto.SigningKey, error) {
	data, err := os.ReadFile(filepath.Join(d.path, privateKeyFile))
	if err != nil {
		return nil, xerr.Wrap(xerr.ConfigError, err, "config: read "+privateKeyFile)
	}
	key, err := crypto.UnmarshalSigningKeyPEM(data)
	if err != nil {
		return nil, xerr.Wrap(xerr.ConfigError, err, "config: decode "+privateKeyFile)
	}
	return key, nil
}

// SavePrivateKey PEM-encodes key and writes it with 0600 permissions (spec
// §6: "Private key stored in ecdsa_key.priv (PEM), permissions 0600").
func (d *Dir) SavePrivateKey(key *crypto.SigningKey) error {
	pem, err := key.MarshalPEM()
	if err != nil {
		return xerr.Wrap(xerr.ConfigError, err, "config: encode "+privateKeyFile)
	}
	if err := os.WriteFile(filepath.Join(d.path, privateKeyFile), pem, 0o600); err != nil {
		return xerr.Wrap(xerr.ConfigError, err, "config: write "+privateKeyFile)
	}
	return nil
}
