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

package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dusanlazic/avala/internal/server/bus"
	"github.com/dusanlazic/avala/pkg/wire"
)

// QueueSizer reports a broker queue's current depth.
type QueueSizer interface {
	Name() string
	Size() (int, error)
}

// Monitor aggregates counter deltas from the "flags" channel into the live
// tally and publishes a queue-rate sample on the "rabbit" channel once per
// second. One instance runs in the main server process.
type Monitor struct {
	Bus    bus.Broadcaster
	Tally  *Tally
	Queues []QueueSizer

	// Interval between rate samples, one second when zero.
	Interval time.Duration
}

// Run consumes deltas and emits rate samples until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	deltas, unsubscribe := m.Bus.Subscribe(bus.ChannelFlags)
	defer unsubscribe()

	interval := m.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var retrieved, submitted int
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-deltas:
			if !ok {
				return
			}
			var d wire.CounterDelta
			if err := json.Unmarshal([]byte(payload), &d); err != nil {
				logrus.WithError(err).Warn("Malformed counter delta, skipping.")
				continue
			}
			m.Tally.Record(int64(d.Queued), int64(d.Discarded), int64(d.Accepted), int64(d.Rejected))
			// Submitter deltas carry a negative queued count to balance
			// the tally; only intake deltas count toward the rate.
			if d.Queued > 0 {
				retrieved += d.Queued
			}
			submitted += d.Accepted + d.Rejected
		case <-ticker.C:
			sample := wire.RateSample{
				RetrievedPerSecond: retrieved,
				SubmittedPerSecond: submitted,
				Timestamp:          time.Now().Format(time.RFC3339),
			}
			retrieved, submitted = 0, 0
			body, err := json.Marshal(sample)
			if err != nil {
				continue
			}
			if err := m.Bus.Publish(ctx, bus.ChannelRabbit, string(body)); err != nil {
				logrus.WithError(err).Warn("Failed to publish rate sample.")
			}
			for _, q := range m.Queues {
				depth, err := q.Size()
				if err != nil {
					logrus.WithError(err).Warnf("Failed to inspect queue %s.", q.Name())
					continue
				}
				ObserveQueueDepth(q.Name(), depth)
			}
		}
	}
}
