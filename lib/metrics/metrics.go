// Copyright (C) 2014 Jakob Borg and Contributors (see the CONTRIBUTORS file).
// All rights reserved. Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package metrics backs the per-node traffic counters of spec §3
// ("counters for packets in/out and bytes in/out") with
// github.com/rcrowley/go-metrics meters, so bandwidth/rate figures are
// available for free instead of hand-rolled accumulators.
package metrics

import gometrics "github.com/rcrowley/go-metrics"

// NodeCounters tracks one node's traffic in both directions.
type NodeCounters struct {
	PacketsIn  gometrics.Meter
	PacketsOut gometrics.Meter
	BytesIn    gometrics.Meter
	BytesOut   gometrics.Meter
}

// NewNodeCounters allocates a fresh, unregistered set of meters.
func NewNodeCounters() *NodeCounters {
	return &NodeCounters{
		PacketsIn:  gometrics.NewMeter(),
		PacketsOut: gometrics.NewMeter(),
		BytesIn:    gometrics.NewMeter(),
		BytesOut:   gometrics.NewMeter(),
	}
}

// RecordIn accounts for one received packet of n bytes.
func (c *NodeCounters) RecordIn(n int) {
	c.PacketsIn.Mark(1)
	c.BytesIn.Mark(int64(n))
}

// RecordOut accounts for one sent packet of n bytes.
func (c *NodeCounters) RecordOut(n int) {
	c.PacketsOut.Mark(1)
	c.BytesOut.Mark(int64(n))
}
