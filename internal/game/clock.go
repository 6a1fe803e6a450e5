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

// Package game implements the tick clock: the authoritative, stateless mapping
// between wall time and tick numbers. Every scheduled job on both the server
// and the client derives its run times from this package; the tick number is
// never persisted anywhere.
package game

import "time"

// Schedule holds the immutable game timing parameters.
type Schedule struct {
	GameStartsAt      time.Time
	TickDuration      time.Duration
	NetworksOpenAfter time.Duration
	GameEndsAfter     time.Duration
}

// Started reports whether the game has started at the given instant.
func (s Schedule) Started(now time.Time) bool {
	return !now.Before(s.GameStartsAt)
}

// TickNumber returns 0 before the game starts, 1 at the exact start, and
// increments by one every TickDuration thereafter.
func (s Schedule) TickNumber(now time.Time) int {
	if !s.Started(now) {
		return 0
	}
	return int(now.Sub(s.GameStartsAt)/s.TickDuration) + 1
}

// TickElapsed returns how far into the current tick the given instant is.
// It is zero before the game starts.
func (s Schedule) TickElapsed(now time.Time) time.Duration {
	if !s.Started(now) {
		return 0
	}
	return now.Sub(s.GameStartsAt) % s.TickDuration
}

// NextTickStart returns the start of the upcoming tick, or the game start if
// the game has not started yet.
func (s Schedule) NextTickStart(now time.Time) time.Time {
	if !s.Started(now) {
		return s.GameStartsAt
	}
	return now.Add(s.TickDuration - s.TickElapsed(now))
}

// NetworksOpenAt returns the instant at which team networks open.
func (s Schedule) NetworksOpenAt() time.Time {
	return s.GameStartsAt.Add(s.NetworksOpenAfter)
}

// GameEndsAt returns the instant at which the game ends.
func (s Schedule) GameEndsAt() time.Time {
	return s.GameStartsAt.Add(s.GameEndsAfter)
}

// NetworkOpenTick returns the number of whole ticks between the game start and
// the network opening.
func (s Schedule) NetworkOpenTick() int {
	return int(s.NetworksOpenAfter / s.TickDuration)
}

// GameEndsAtTick returns the total number of ticks in the game.
func (s Schedule) GameEndsAtTick() int {
	return int(s.GameEndsAfter / s.TickDuration)
}
