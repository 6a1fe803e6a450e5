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

// Package wire defines the request/response DTOs exchanged between the Avala
// client and server, and the flag-submission response tuple that travels
// through the persistence queue.
package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Flag statuses as stored in the flag store. A flag leaves StatusQueued
// exactly once.
const (
	StatusQueued   = "queued"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"

	// StatusRequeued is never persisted: it means the checker could not decide
	// and the flag must be returned to the submission queue.
	StatusRequeued = "requeued"
)

// FlagResponse is the (value, status, response) triple produced by a checker
// adapter for a single flag.
type FlagResponse struct {
	Value    string `json:"value"`
	Status   string `json:"status"`
	Response string `json:"response"`
}

// Validate checks that the status is one of the three allowed checker verdicts.
func (r FlagResponse) Validate() error {
	switch r.Status {
	case StatusAccepted, StatusRejected, StatusRequeued:
		return nil
	}
	return fmt.Errorf("status must be one of 'accepted', 'rejected' or 'requeued', got %q", r.Status)
}

// MarshalBinary makes FlagResponse usable directly as a broker message body.
func (r FlagResponse) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// ParseFlagResponse decodes a persistence-queue message body.
func ParseFlagResponse(body []byte) (FlagResponse, error) {
	var r FlagResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return FlagResponse{}, fmt.Errorf("parse flag response: %w", err)
	}
	if err := r.Validate(); err != nil {
		return FlagResponse{}, err
	}
	return r, nil
}

// EnqueueRequest is the body of POST /flags/queue.
type EnqueueRequest struct {
	Values  []string `json:"values"`
	Exploit string   `json:"exploit"`
	Target  string   `json:"target"`
}

// EnqueueResponse reports how many of the submitted values were new and how
// many were already known (and silently discarded).
type EnqueueResponse struct {
	Enqueued  int `json:"enqueued"`
	Discarded int `json:"discarded"`
}

// CounterDelta is broadcast on the "flags" event-bus channel after intake and
// after each submission batch so dashboards can keep live totals.
type CounterDelta struct {
	Target    string `json:"target"`
	Exploit   string `json:"exploit"`
	Queued    int    `json:"queued"`
	Discarded int    `json:"discarded"`
	Accepted  int    `json:"accepted"`
	Rejected  int    `json:"rejected"`
}

// RateSample is broadcast on the "rabbit" event-bus channel once per second by
// the queue-rate monitor.
type RateSample struct {
	RetrievedPerSecond int    `json:"retrieved_per_second"`
	SubmittedPerSecond int    `json:"submitted_per_second"`
	Timestamp          string `json:"timestamp"`
}

// GameInfo is the body of GET /connect/game.
type GameInfo struct {
	FlagFormat string   `json:"flag_format"`
	TeamIP     []string `json:"team_ip"`
	NopTeamIP  []string `json:"nop_team_ip"`
}

// ScheduleInfo is the body of GET /connect/schedule. TickDuration is expressed
// in seconds and FirstTickStart in the server's local time, qualified by TZ
// (an IANA zone name) so clients can convert it.
type ScheduleInfo struct {
	FirstTickStart  time.Time `json:"first_tick_start"`
	TickDuration    float64   `json:"tick_duration"`
	NetworkOpenTick int       `json:"network_open_tick"`
	TotalTicks      int       `json:"total_ticks"`
	TZ              string    `json:"tz"`
}

// HealthResponse is the body of GET /connect/health.
type HealthResponse struct {
	Status string `json:"status"`
}
