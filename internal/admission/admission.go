// Copyright 2024 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package admission implements the Admission Controller: it rejects
// or admits inbound messages based on global and per-origin staged
// byte budgets, the engine's sole backpressure mechanism.
package admission

import (
	"sync"
	"sync/atomic"
)

// Controller decides whether an inbound message may be appended to
// staging. It holds no locks of its own beyond the per-origin inflight
// map; the decision function itself is stateless given its inputs.
type Controller struct {
	hardCeilingBytes      int64
	perOriginInflightCap  int64

	mu       sync.Mutex
	inflight map[string]*atomic.Int64

	// pressure, when non-nil, reports a CPU/IO pressure signal from the
	// writer gateway in [0,1]; a return >= 1 causes admission to reject
	// regardless of byte budgets.
	pressure func() float64
}

// New returns a Controller with the given byte budgets. pressure may
// be nil, in which case no pressure signal is considered.
func New(hardCeilingBytes, perOriginInflightCap int64, pressure func() float64) *Controller {
	return &Controller{
		hardCeilingBytes:     hardCeilingBytes,
		perOriginInflightCap: perOriginInflightCap,
		inflight:             map[string]*atomic.Int64{},
		pressure:             pressure,
	}
}

func (c *Controller) counter(origin string) *atomic.Int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctr, ok := c.inflight[origin]
	if !ok {
		ctr = &atomic.Int64{}
		c.inflight[origin] = ctr
	}
	return ctr
}

// Decide reports whether a message of messageBytes from origin may be
// admitted, given the staging buffer's current global total. On
// accept, the origin's in-flight counter is advanced by messageBytes;
// the caller (the ingest service) must call Release once those bytes
// are durably committed or otherwise leave staging. On reject, no
// state changes: staging bytes and memory_seq for the message must
// remain untouched, per spec.md §4.H / §8 invariant 5.
func (c *Controller) Decide(origin string, messageBytes, globalStagedBytes int64) bool {
	if c.pressure != nil && c.pressure() >= 1 {
		return false
	}
	if globalStagedBytes+messageBytes > c.hardCeilingBytes {
		return false
	}
	ctr := c.counter(origin)
	if ctr.Load()+messageBytes > c.perOriginInflightCap {
		return false
	}
	ctr.Add(messageBytes)
	return true
}

// Release returns messageBytes to origin's in-flight budget once they
// are no longer staged (flushed, or the admitted message failed to
// decode or to reach staging).
func (c *Controller) Release(origin string, messageBytes int64) {
	c.counter(origin).Add(-messageBytes)
}

// Inflight returns origin's current in-flight byte count, for
// diagnostics and tests.
func (c *Controller) Inflight(origin string) int64 {
	return c.counter(origin).Load()
}
