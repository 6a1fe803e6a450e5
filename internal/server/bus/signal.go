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

package bus

import (
	"context"
	"sync"
)

// Signal is a resettable one-shot event. The attack-data refresher clears it
// at the start of each tick and sets it once fresh (or knowingly stale) data
// is available; long-poll subscribers wait on it.
type Signal struct {
	mu   sync.Mutex
	ch   chan struct{}
	next chan struct{}
}

// NewSignal returns a cleared signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{}), next: make(chan struct{})}
}

// Clear resets the signal so subsequent Wait calls block until the next Set.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
		s.ch = make(chan struct{})
	default:
	}
}

// Set releases every current and future waiter until the next Clear, and
// releases everyone blocked in Next regardless of the prior state.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
	default:
		close(s.ch)
	}
	close(s.next)
	s.next = make(chan struct{})
}

// Wait blocks until the signal is set or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next blocks until the first Set after the call, even when the signal is
// already set. Long-poll subscribers use it to get the upcoming tick's
// decision instead of the current one.
func (s *Signal) Next(ctx context.Context) error {
	s.mu.Lock()
	ch := s.next
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsSet reports whether the signal is currently set.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}
