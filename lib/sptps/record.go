// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package sptps

import "encoding/binary"

// Record types (spec §4.1). Application types are < 128 and may combine
// flag bits; control types are fixed values >= 128.
const (
	RecordProbe     uint8 = 0    // PKT_PROBE
	RecordData      uint8 = 1    // ordinary application payload
	FlagCompressed  uint8 = 0x02 // PKT_COMPRESSED
	FlagMAC         uint8 = 0x04 // PKT_MAC (combinable with the above)
	RecordHandshake uint8 = 128
	RecordAlert     uint8 = 129
	RecordClose     uint8 = 130
)

// handshake message kinds, multiplexed inside a RecordHandshake payload's
// first byte. Not on the wire as a top-level record type of their own —
// spec §4.1 describes KEX/SIG/ACK as handshake *steps*, not record types.
const (
	hsKEX uint8 = iota
	hsSig
	hsAck
	hsSecondaryKEX
)

const tagSize = 16 // ChaCha20-Poly1305 tag

// frame serializes a record for a streamed carrier: a uint16 length prefix
// followed by body. Datagram carriers send body unframed, relying on the
// underlying datagram boundary (spec §4.1: "In streamed mode length prefixes
// the payload; in datagram mode length is omitted").
func frame(streamed bool, body []byte) []byte {
	if !streamed {
		return body
	}
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(len(body)))
	copy(out[2:], body)
	return out
}

// unframeAll splits a streamed buffer into zero or more complete records,
// returning the remainder that does not yet form a full record (to be
// prepended to the next ReceiveData call, mirroring sptps_t's inbuf/buflen/
// reclen reassembly fields in the original source).
func unframeAll(buf []byte) (records [][]byte, remainder []byte) {
	for {
		if len(buf) < 2 {
			return records, buf
		}
		n := int(binary.BigEndian.Uint16(buf))
		if len(buf) < 2+n {
			return records, buf
		}
		records = append(records, buf[2:2+n])
		buf = buf[2+n:]
	}
}

func seqnoBytes(seq uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, seq)
	return b
}
