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

package lockset

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleOrdering(t *testing.T) {
	r := require.New(t)

	var set Set[string]
	var order []int

	for i := 0; i < 5; i++ {
		i := i
		outcome, _ := set.Schedule([]string{"table-a"}, func([]string) error {
			order = append(order, i)
			return nil
		})
		r.NoError(Wait(context.Background(), []Outcome{outcome}))
	}

	r.Equal([]int{0, 1, 2, 3, 4}, order)
}

func TestDisjointKeysRunConcurrently(t *testing.T) {
	r := require.New(t)

	var set Set[string]
	var inFlight atomic.Int32
	var maxInFlight atomic.Int32

	outcomes := make([]Outcome, 0, 8)
	for i := 0; i < 8; i++ {
		key := []string{"table-" + string(rune('a'+i))}
		outcome, _ := set.Schedule(key, func([]string) error {
			cur := inFlight.Add(1)
			for {
				old := maxInFlight.Load()
				if cur <= old || maxInFlight.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return nil
		})
		outcomes = append(outcomes, outcome)
	}

	r.NoError(Wait(context.Background(), outcomes))
	r.Greater(maxInFlight.Load(), int32(1))
}

func TestDepthReflectsQueueBacklog(t *testing.T) {
	r := require.New(t)

	var set Set[string]
	r.Equal(0, set.Depth("shared"))

	block := make(chan struct{})
	outcomes := make([]Outcome, 0, 3)
	for i := 0; i < 3; i++ {
		outcome, _ := set.Schedule([]string{"shared"}, func([]string) error {
			<-block
			return nil
		})
		outcomes = append(outcomes, outcome)
	}

	r.Eventually(func() bool { return set.Depth("shared") == 3 }, time.Second, time.Millisecond)
	r.Equal(0, set.Depth("unrelated"))

	close(block)
	r.NoError(Wait(context.Background(), outcomes))
	r.Equal(0, set.Depth("shared"))
}

func TestOverlappingKeysSerialize(t *testing.T) {
	r := require.New(t)

	var set Set[string]
	var active atomic.Int32
	var sawOverlap atomic.Bool

	outcomes := make([]Outcome, 0, 4)
	for i := 0; i < 4; i++ {
		outcome, _ := set.Schedule([]string{"shared"}, func([]string) error {
			if active.Add(1) > 1 {
				sawOverlap.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			return nil
		})
		outcomes = append(outcomes, outcome)
	}

	r.NoError(Wait(context.Background(), outcomes))
	r.False(sawOverlap.Load())
}

func TestRetryAtHead(t *testing.T) {
	r := require.New(t)

	var set Set[string]
	release := make(chan struct{})

	// Schedule a long-running, unrelated task first so that our retrying
	// waiter below is never the global head while it is still on its
	// first attempt.
	blocker, _ := set.Schedule([]string{"other"}, func([]string) error {
		<-release
		return nil
	})

	var attempts int32
	outcome, _ := set.Schedule([]string{"k"}, func([]string) error {
		if atomic.AddInt32(&attempts, 1) < 2 {
			return RetryAtHead(nil)
		}
		return nil
	})

	time.Sleep(10 * time.Millisecond)
	close(release)

	r.NoError(Wait(context.Background(), []Outcome{blocker, outcome}))
	r.Equal(int32(2), atomic.LoadInt32(&attempts))
}
