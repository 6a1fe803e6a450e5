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

// Package intake receives captured flags from clients, deduplicates them
// against the flag store, and feeds new ones into the submission queue.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dusanlazic/avala/internal/game"
	"github.com/dusanlazic/avala/internal/server/bus"
	"github.com/dusanlazic/avala/internal/server/metrics"
	"github.com/dusanlazic/avala/pkg/wire"
)

// Flags is the store surface intake needs.
type Flags interface {
	InsertNew(ctx context.Context, values []string, exploit, target, player string, tick int) ([]string, int, error)
}

// Publisher is the submission-queue surface intake needs.
type Publisher interface {
	Publish(body []byte, ttl time.Duration) error
}

// Service handles flag enqueue requests.
type Service struct {
	Flags    Flags
	Queue    Publisher
	Bus      bus.Broadcaster
	Schedule game.Schedule
	FlagTTL  time.Duration
}

// Enqueue deduplicates the submitted values and publishes the new ones to the
// submission queue. The store row is the source of truth: if a publish fails
// after the row was created, the row stays queued and the error is logged,
// since the recovery sweep at next startup republishes unfinished flags.
func (s *Service) Enqueue(ctx context.Context, req wire.EnqueueRequest, player string) (wire.EnqueueResponse, error) {
	if len(req.Values) == 0 {
		return wire.EnqueueResponse{}, nil
	}
	if req.Exploit == "" {
		return wire.EnqueueResponse{}, fmt.Errorf("exploit alias is required")
	}

	tick := s.Schedule.TickNumber(time.Now())
	inserted, duplicates, err := s.Flags.InsertNew(ctx, req.Values, req.Exploit, req.Target, player, tick)
	if err != nil {
		return wire.EnqueueResponse{}, fmt.Errorf("store flags: %w", err)
	}

	for _, value := range inserted {
		if err := s.Queue.Publish([]byte(value), s.FlagTTL); err != nil {
			logrus.WithError(err).WithField("flag", value).
				Error("Failed to publish flag, it stays queued in the store.")
		}
	}

	resp := wire.EnqueueResponse{Enqueued: len(inserted), Discarded: duplicates}
	s.broadcast(ctx, req, resp)
	metrics.ObserveEnqueue(req.Exploit, resp.Enqueued, resp.Discarded)

	logrus.Infof("%s/%s: enqueued %d, discarded %d (tick %d).",
		player, req.Exploit, resp.Enqueued, resp.Discarded, tick)
	return resp, nil
}

func (s *Service) broadcast(ctx context.Context, req wire.EnqueueRequest, resp wire.EnqueueResponse) {
	if s.Bus == nil {
		return
	}
	delta := wire.CounterDelta{
		Target:    req.Target,
		Exploit:   req.Exploit,
		Queued:    resp.Enqueued,
		Discarded: resp.Discarded,
	}
	body, err := json.Marshal(delta)
	if err != nil {
		return
	}
	if err := s.Bus.Publish(ctx, bus.ChannelFlags, string(body)); err != nil {
		logrus.WithError(err).Warn("Failed to broadcast intake counters.")
	}
}
