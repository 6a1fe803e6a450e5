// Copyright 2026 The Avala Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics tracks live flag counters and exposes them to Prometheus
// and to the broadcast rate monitor.
package metrics

import (
	"runtime"
	"sync/atomic"
)

// cache line size varies; over-pad to 128 bytes to avoid false sharing
const padSize = 128 - 8

type stripe struct {
	val atomic.Int64
	_   [padSize]byte
}

// counter is a striped additive counter. Intake handlers and submitter
// workers hit these concurrently on every flag, so adds spread across
// stripes and reads sum them.
type counter struct {
	stripes []stripe
	mask    int
	chooser atomic.Uint64
}

func newCounter() *counter {
	s := nextPow2(clamp(runtime.GOMAXPROCS(0), 8, 64))
	return &counter{stripes: make([]stripe, s), mask: s - 1}
}

func (c *counter) Add(n int64) {
	idx := int(c.chooser.Add(1)) & c.mask
	c.stripes[idx].val.Add(n)
}

func (c *counter) Sum() int64 {
	var sum int64
	for i := range c.stripes {
		sum += c.stripes[i].val.Load()
	}
	return sum
}

// Tally holds one striped counter per flag outcome. Counts are cumulative
// since process start; the database remains the durable source of truth.
type Tally struct {
	queued    *counter
	discarded *counter
	accepted  *counter
	rejected  *counter
}

// NewTally creates a zeroed tally.
func NewTally() *Tally {
	return &Tally{
		queued:    newCounter(),
		discarded: newCounter(),
		accepted:  newCounter(),
		rejected:  newCounter(),
	}
}

// Seed initialises the tally from persisted per-status counts, typically at
// startup from the flag store.
func (t *Tally) Seed(queued, accepted, rejected int64) {
	t.queued.Add(queued)
	t.accepted.Add(accepted)
	t.rejected.Add(rejected)
}

// Record applies a delta to the tally.
func (t *Tally) Record(queued, discarded, accepted, rejected int64) {
	if queued != 0 {
		t.queued.Add(queued)
	}
	if discarded != 0 {
		t.discarded.Add(discarded)
	}
	if accepted != 0 {
		t.accepted.Add(accepted)
	}
	if rejected != 0 {
		t.rejected.Add(rejected)
	}
}

// Snapshot returns the current cumulative counts.
func (t *Tally) Snapshot() (queued, discarded, accepted, rejected int64) {
	return t.queued.Sum(), t.discarded.Sum(), t.accepted.Sum(), t.rejected.Sum()
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	return x + 1
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
