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

package submitter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dusanlazic/avala/internal/server/bus"
	"github.com/dusanlazic/avala/internal/server/metrics"
	"github.com/dusanlazic/avala/internal/server/mq"
	"github.com/dusanlazic/avala/pkg/wire"
)

// SourceQueue is the submission-queue surface the submitter consumes from.
type SourceQueue interface {
	Get() (mq.Delivery, bool, error)
	Consume(ctx context.Context, prefetch int) (<-chan mq.Delivery, error)
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

// SinkQueue is the persisting-queue surface checker verdicts are published to.
type SinkQueue interface {
	Publish(body []byte, ttl time.Duration) error
}

// Options selects and parameterises the pacing strategy. Exactly one of
// PerTick, Interval, BatchSize or Streams is set; config validation enforces
// that before a Submitter is built.
type Options struct {
	PerTick      int
	Interval     time.Duration
	BatchSize    int
	Streams      int
	MaxBatchSize int
	TickDuration time.Duration
}

// Submitter drives one checker adapter against the submission queue. Checker
// serves the batch strategies; StreamFactory and Opener serve the streams
// strategy.
type Submitter struct {
	Source        SourceQueue
	Sink          SinkQueue
	Bus           bus.Broadcaster
	Checker       BatchChecker
	StreamFactory StreamFactory
	Opener        QueueOpener
	Opts          Options
}

// Run executes the configured strategy until ctx is cancelled.
func (s *Submitter) Run(ctx context.Context) error {
	switch {
	case s.Opts.PerTick > 0:
		return s.runScheduled(ctx, s.perTickInterval())
	case s.Opts.Interval > 0:
		return s.runScheduled(ctx, s.Opts.Interval)
	case s.Opts.BatchSize > 0:
		return s.runBuffered(ctx)
	default:
		return s.runStreams(ctx)
	}
}

// perTickInterval spreads N submissions across a tick. With N submissions the
// first fires at tick start and the last just before the tick ends, so the
// spacing divides the tick into N-1 gaps. A single submission per tick fires
// once at tick start.
func (s *Submitter) perTickInterval() time.Duration {
	n := s.Opts.PerTick
	if n <= 1 {
		return s.Opts.TickDuration
	}
	return s.Opts.TickDuration / time.Duration(n-1)
}

// runScheduled drains up to MaxBatchSize flags every interval and submits
// them in one batch. Used by both the per_tick and interval strategies.
func (s *Submitter) runScheduled(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logrus.Infof("Submitting every %s, up to %d flags per batch.", interval, s.Opts.MaxBatchSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.submitDrained(ctx)
		}
	}
}

func (s *Submitter) submitDrained(ctx context.Context) {
	batch := make([]mq.Delivery, 0, s.Opts.MaxBatchSize)
	for len(batch) < s.Opts.MaxBatchSize {
		d, ok, err := s.Source.Get()
		if err != nil {
			logrus.WithError(err).Error("Failed to read from submission queue.")
			break
		}
		if !ok {
			break
		}
		batch = append(batch, d)
	}
	if len(batch) == 0 {
		return
	}
	s.submitBatch(ctx, batch)
}

// runBuffered consumes the queue as a stream and submits whenever BatchSize
// flags have accumulated.
func (s *Submitter) runBuffered(ctx context.Context) error {
	deliveries, err := s.Source.Consume(ctx, s.Opts.BatchSize)
	if err != nil {
		return err
	}

	logrus.Infof("Submitting in batches of %d flags.", s.Opts.BatchSize)
	buffer := make([]mq.Delivery, 0, s.Opts.BatchSize)
	for {
		select {
		case <-ctx.Done():
			s.requeueAll(buffer)
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				s.requeueAll(buffer)
				return nil
			}
			buffer = append(buffer, d)
			if len(buffer) >= s.Opts.BatchSize {
				s.submitBatch(ctx, buffer)
				buffer = buffer[:0]
			}
		}
	}
}

// submitBatch sends one batch to the checker and settles every delivery.
// On checker failure the whole batch is returned to the queue.
func (s *Submitter) submitBatch(ctx context.Context, batch []mq.Delivery) {
	flags := make([]string, len(batch))
	byValue := make(map[string]mq.Delivery, len(batch))
	for i, d := range batch {
		value := string(d.Body)
		flags[i] = value
		byValue[value] = d
	}

	responses, err := s.Checker.Submit(ctx, flags)
	if err != nil {
		logrus.WithError(err).Errorf("Checker failed, requeueing %d flags.", len(batch))
		s.requeueAll(batch)
		return
	}

	var accepted, rejected int
	for _, r := range responses {
		d, ok := byValue[r.Value]
		if !ok {
			// Response for a flag we did not send; nothing to settle.
			logrus.Warnf("Checker returned a verdict for unknown flag %q.", r.Value)
			continue
		}
		delete(byValue, r.Value)

		switch r.Status {
		case wire.StatusRequeued:
			s.nackRequeue(d)
		case wire.StatusAccepted, wire.StatusRejected:
			if r.Status == wire.StatusAccepted {
				accepted++
			} else {
				rejected++
			}
			s.settle(d, r)
		default:
			logrus.Warnf("Checker returned invalid status %q for %q, requeueing.", r.Status, r.Value)
			s.nackRequeue(d)
		}
	}

	// Flags the checker silently dropped go back to the queue.
	for _, d := range byValue {
		s.nackRequeue(d)
	}

	metrics.ObserveSubmission(len(batch), accepted, rejected)
	s.broadcast(ctx, accepted, rejected)
	logrus.Infof("Submitted %d flags: %d accepted, %d rejected, %d returned.",
		len(batch), accepted, rejected, len(batch)-accepted-rejected)
}

// settle publishes the verdict for persistence first and only then acks the
// submission-queue delivery, so a crash in between duplicates work instead of
// losing it.
func (s *Submitter) settle(d mq.Delivery, r wire.FlagResponse) {
	body, err := json.Marshal(r)
	if err != nil {
		s.nackRequeue(d)
		return
	}
	if err := s.Sink.Publish(body, 0); err != nil {
		logrus.WithError(err).WithField("flag", r.Value).
			Error("Failed to publish verdict, returning flag to the queue.")
		s.nackRequeue(d)
		return
	}
	if err := s.Source.Ack(d.Tag, false); err != nil {
		logrus.WithError(err).WithField("flag", r.Value).Error("Failed to ack delivery.")
	}
}

func (s *Submitter) nackRequeue(d mq.Delivery) {
	if err := s.Source.Nack(d.Tag, false, true); err != nil {
		logrus.WithError(err).Error("Failed to requeue delivery.")
	}
}

func (s *Submitter) requeueAll(batch []mq.Delivery) {
	for _, d := range batch {
		s.nackRequeue(d)
	}
}

// broadcast publishes the tally movement for a settled batch. Settled flags
// leave the queued bucket, so the queued delta is the negated settled count
// and the live tally stays balanced.
func (s *Submitter) broadcast(ctx context.Context, accepted, rejected int) {
	if s.Bus == nil || (accepted == 0 && rejected == 0) {
		return
	}
	body, err := json.Marshal(wire.CounterDelta{
		Queued:   -(accepted + rejected),
		Accepted: accepted,
		Rejected: rejected,
	})
	if err != nil {
		return
	}
	if err := s.Bus.Publish(ctx, bus.ChannelFlags, string(body)); err != nil {
		logrus.WithError(err).Warn("Failed to broadcast submission counters.")
	}
}
