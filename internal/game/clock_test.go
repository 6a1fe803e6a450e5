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

package game

import (
	"testing"
	"time"
)

var start = time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)

func testSchedule() Schedule {
	return Schedule{
		GameStartsAt:      start,
		TickDuration:      2 * time.Minute,
		NetworksOpenAfter: 10 * time.Minute,
		GameEndsAfter:     8 * time.Hour,
	}
}

func TestTickNumber(t *testing.T) {
	s := testSchedule()

	cases := []struct {
		name string
		now  time.Time
		want int
	}{
		{"before start", start.Add(-time.Nanosecond), 0},
		{"long before start", start.Add(-24 * time.Hour), 0},
		{"exact start", start, 1},
		{"mid first tick", start.Add(time.Minute), 1},
		{"second tick boundary", start.Add(2 * time.Minute), 2},
		{"k ticks in", start.Add(10 * time.Minute), 6},
		{"just before boundary", start.Add(4*time.Minute - time.Nanosecond), 2},
	}
	for _, tc := range cases {
		if got := s.TickNumber(tc.now); got != tc.want {
			t.Errorf("%s: TickNumber = %d, want %d", tc.name, got, tc.want)
		}
	}

	// tick_number(start + k*duration) = k+1 for k >= 0
	for k := 0; k < 10; k++ {
		now := start.Add(time.Duration(k) * s.TickDuration)
		if got := s.TickNumber(now); got != k+1 {
			t.Fatalf("k=%d: TickNumber = %d, want %d", k, got, k+1)
		}
	}
}

func TestTickElapsed(t *testing.T) {
	s := testSchedule()

	if got := s.TickElapsed(start.Add(-time.Hour)); got != 0 {
		t.Errorf("before start: elapsed = %v, want 0", got)
	}
	if got := s.TickElapsed(start); got != 0 {
		t.Errorf("at start: elapsed = %v, want 0", got)
	}
	if got := s.TickElapsed(start.Add(2*time.Minute + 30*time.Second)); got != 30*time.Second {
		t.Errorf("mid tick: elapsed = %v, want 30s", got)
	}
}

func TestNextTickStart(t *testing.T) {
	s := testSchedule()

	if got := s.NextTickStart(start.Add(-time.Hour)); !got.Equal(start) {
		t.Errorf("before start: next = %v, want %v", got, start)
	}
	now := start.Add(3 * time.Minute)
	want := start.Add(4 * time.Minute)
	if got := s.NextTickStart(now); !got.Equal(want) {
		t.Errorf("mid tick: next = %v, want %v", got, want)
	}
}

func TestDerivedTicks(t *testing.T) {
	s := testSchedule()

	if got := s.NetworkOpenTick(); got != 5 {
		t.Errorf("NetworkOpenTick = %d, want 5", got)
	}
	if got := s.GameEndsAtTick(); got != 240 {
		t.Errorf("GameEndsAtTick = %d, want 240", got)
	}
	if got := s.NetworksOpenAt(); !got.Equal(start.Add(10 * time.Minute)) {
		t.Errorf("NetworksOpenAt = %v", got)
	}
	if got := s.GameEndsAt(); !got.Equal(start.Add(8 * time.Hour)) {
		t.Errorf("GameEndsAt = %v", got)
	}
}
