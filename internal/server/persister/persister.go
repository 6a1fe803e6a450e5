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

// Package persister drains checker verdicts from the persisting queue and
// writes them to the flag store in periodic bulk transactions.
package persister

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dusanlazic/avala/internal/server/metrics"
	"github.com/dusanlazic/avala/internal/server/mq"
	"github.com/dusanlazic/avala/pkg/wire"
)

// Defaults for the drain cycle.
const (
	DefaultInterval  = 5 * time.Second
	DefaultBatchSize = 1000
)

// Flags is the store surface the persister needs.
type Flags interface {
	UpdateStatuses(ctx context.Context, responses []wire.FlagResponse) (int, error)
}

// Source is the persisting-queue surface the persister needs.
type Source interface {
	Get() (mq.Delivery, bool, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

// Persister flushes queued verdicts to the database.
type Persister struct {
	Flags     Flags
	Source    Source
	Interval  time.Duration
	BatchSize int
}

// Run drains the persisting queue every Interval until ctx is cancelled.
func (p *Persister) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.Infof("Persisting verdicts every %s.", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.DrainOnce(ctx)
		}
	}
}

// DrainOnce reads up to BatchSize verdicts, applies them in one transaction,
// and acknowledges all of them with a single multi-ack at the highest
// delivery tag. Messages are acked only after the commit: a crash in between
// replays verdicts, which UpdateStatuses treats as a no-op.
func (p *Persister) DrainOnce(ctx context.Context) {
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	var (
		responses []wire.FlagResponse
		maxTag    uint64
	)
	for len(responses) < batchSize {
		d, ok, err := p.Source.Get()
		if err != nil {
			logrus.WithError(err).Error("Failed to read from persisting queue.")
			break
		}
		if !ok {
			break
		}

		r, err := wire.ParseFlagResponse(d.Body)
		if err == nil && r.Status == wire.StatusRequeued {
			err = fmt.Errorf("undecided verdict for %q cannot be persisted", r.Value)
		}
		if err != nil {
			// Malformed or undecided verdicts do not belong here; drop them.
			logrus.WithError(err).Warn("Dropping invalid persisting-queue message.")
			if err := p.Source.Nack(d.Tag, false, false); err != nil {
				logrus.WithError(err).Error("Failed to drop message.")
			}
			continue
		}
		responses = append(responses, r)
		if d.Tag > maxTag {
			maxTag = d.Tag
		}
	}
	if len(responses) == 0 {
		return
	}

	updated, err := p.Flags.UpdateStatuses(ctx, responses)
	if err != nil {
		logrus.WithError(err).Errorf("Failed to persist %d verdicts, returning them to the queue.", len(responses))
		if err := p.Source.Nack(maxTag, true, true); err != nil {
			logrus.WithError(err).Error("Failed to requeue verdicts.")
		}
		return
	}

	if err := p.Source.Ack(maxTag, true); err != nil {
		logrus.WithError(err).Error("Failed to ack persisted verdicts.")
		return
	}
	metrics.ObservePersisted(updated)
	logrus.Infof("Persisted %d verdicts (%d rows updated).", len(responses), updated)
}
