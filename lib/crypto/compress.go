// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package crypto

import (
	"github.com/golang/snappy"

	"github.com/nullmesh/meshcore/lib/xerr"
)

// Compress implements the pluggable codec of design note §9: level 0 is
// identity, any nonzero level is snappy block compression. Level granularity
// beyond "on/off" is kept only so a future codec swap has somewhere to put
// quality knobs; snappy itself does not use it.
func Compress(level int, in []byte) ([]byte, error) {
	if level == 0 {
		return in, nil
	}
	return snappy.Encode(nil, in), nil
}

// Decompress reverses Compress. level 0 is identity; nonzero levels are
// decoded regardless of their exact numeric value since snappy framing is
// self-describing. An unsupported level (negative) is a ProtocolError so the
// caller renegotiates the peer's compression down to 0.
func Decompress(level int, in []byte) ([]byte, error) {
	if level == 0 {
		return in, nil
	}
	if level < 0 {
		return nil, xerr.New(xerr.ProtocolError, "unsupported compression level")
	}
	out, err := snappy.Decode(nil, in)
	if err != nil {
		return nil, xerr.Wrap(xerr.ProtocolError, err, "snappy decompress")
	}
	return out, nil
}
