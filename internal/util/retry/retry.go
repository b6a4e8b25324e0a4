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

// Package retry contains a small exponential-backoff helper used to
// retry transient commit and object-store failures.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

// Settings configures an exponential backoff sequence. It corresponds
// to the commit.backoff configuration triple (initial, max, multiplier).
type Settings struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int // 0 means unlimited.
}

// Verify checks that the Settings are internally consistent.
func (s Settings) Verify() error {
	if s.Initial <= 0 {
		return errors.Errorf("initial backoff must be > 0, got %s", s.Initial)
	}
	if s.Multiplier < 1 {
		return errors.Errorf("multiplier must be >= 1, got %f", s.Multiplier)
	}
	if s.Max > 0 && s.Initial > s.Max {
		return errors.Errorf("initial backoff (%s) must not exceed max backoff (%s)", s.Initial, s.Max)
	}
	return nil
}

// DefaultSettings mirrors the spec's commit.backoff default of
// (100ms, 5s, 2.0).
func DefaultSettings() Settings {
	return Settings{
		Initial:    100 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
	}
}

// Backoff tracks the state of one retry sequence.
type Backoff struct {
	iteration int
	next      time.Duration
	settings  Settings
}

// New constructs a Backoff from the given Settings.
func New(settings Settings) (*Backoff, error) {
	if err := settings.Verify(); err != nil {
		return nil, err
	}
	return &Backoff{next: settings.Initial, settings: settings}, nil
}

// ShouldContinue reports whether another attempt is permitted.
func (b *Backoff) ShouldContinue() bool {
	if b.settings.MaxRetries == 0 {
		return true
	}
	return b.iteration < b.settings.MaxRetries
}

// Next advances the backoff and returns the duration to wait before the
// next attempt.
func (b *Backoff) Next() time.Duration {
	wait := b.next
	b.iteration++
	grown := time.Duration(float64(b.next) * b.settings.Multiplier)
	if b.settings.Max > 0 && grown > b.settings.Max {
		grown = b.settings.Max
	}
	b.next = grown
	return wait
}

// Do invokes fn, retrying with exponential backoff until it succeeds,
// the backoff is exhausted, or ctx is done. onRetry, if non-nil, is
// called with the error and the wait duration before each retry.
func (b *Backoff) Do(ctx context.Context, fn func(context.Context) error, onRetry func(error, time.Duration)) error {
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !b.ShouldContinue() {
			return errors.Wrap(err, "retries exhausted")
		}
		wait := b.Next()
		if onRetry != nil {
			onRetry(err, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Capped returns the duration produced by applying multiplier to
// initial, iteration times, capped at max. It is a pure helper used by
// tests and by components that need to preview backoff without
// mutating state.
func Capped(initial, max time.Duration, multiplier float64, iteration int) time.Duration {
	d := float64(initial) * math.Pow(multiplier, float64(iteration))
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}
