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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dusanlazic/avala/internal/server/metrics"
	"github.com/dusanlazic/avala/internal/server/mq"
	"github.com/dusanlazic/avala/pkg/wire"
)

// streamRetries bounds how often a single flag is retried within one worker
// before it is returned to the queue.
const streamRetries = 10

// QueueOpener creates an independent source-queue channel for each stream
// worker so their prefetch windows do not interleave.
type QueueOpener interface {
	OpenSource() (SourceQueue, error)
}

// StreamFactory builds a fresh checker session per worker.
type StreamFactory func() (StreamChecker, error)

// runStreams runs Opts.Streams workers, each holding its own checker session
// and its own queue channel with a prefetch of one.
func (s *Submitter) runStreams(ctx context.Context) error {
	if s.StreamFactory == nil {
		return fmt.Errorf("streams strategy selected but no stream checker configured")
	}

	n := s.Opts.Streams
	logrus.Infof("Starting %d submission streams.", n)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := s.runStream(ctx, id); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("stream %d: %w", id, err)
			}
		}(i)
	}
	wg.Wait()

	select {
	case err := <-errs:
		return err
	default:
		return ctx.Err()
	}
}

func (s *Submitter) runStream(ctx context.Context, id int) error {
	source := s.Source
	if s.Opener != nil {
		var err error
		source, err = s.Opener.OpenSource()
		if err != nil {
			return fmt.Errorf("open source queue: %w", err)
		}
	}

	checker, err := s.StreamFactory()
	if err != nil {
		return fmt.Errorf("create checker: %w", err)
	}
	if err := checker.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare checker: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := checker.Cleanup(cleanupCtx); err != nil {
			logrus.WithError(err).Warnf("Stream %d cleanup failed.", id)
		}
	}()

	deliveries, err := source.Consume(ctx, 1)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			if err := s.submitOne(ctx, source, checker, d); err != nil {
				return err
			}
		}
	}
}

// submitOne pushes a single flag through the stream checker. A transport
// failure tears the checker session down and re-prepares it before the next
// attempt; once the retry budget is spent the flag goes back to the queue and
// the worker dies, so a fresh one reconnects from scratch.
func (s *Submitter) submitOne(ctx context.Context, source SourceQueue, checker StreamChecker, d mq.Delivery) error {
	flag := string(d.Body)
	for attempt := 1; attempt <= streamRetries; attempt++ {
		r, err := checker.SubmitOne(ctx, flag)
		if err != nil {
			logrus.WithError(err).Warnf("Stream submit failed for %q (attempt %d/%d), recycling session.", flag, attempt, streamRetries)
			if ctx.Err() != nil {
				break
			}
			if err := recycleChecker(ctx, checker); err != nil {
				s.requeueOne(source, d, flag)
				return err
			}
			continue
		}
		if r.Status == wire.StatusRequeued {
			continue
		}
		if err := r.Validate(); err != nil {
			logrus.WithError(err).Warnf("Invalid verdict for %q, retrying.", flag)
			continue
		}

		body, err := json.Marshal(r)
		if err != nil {
			s.requeueOne(source, d, flag)
			return fmt.Errorf("encode verdict for %q: %w", flag, err)
		}
		if err := s.Sink.Publish(body, 0); err != nil {
			s.requeueOne(source, d, flag)
			return fmt.Errorf("publish verdict for %q: %w", flag, err)
		}
		if err := source.Ack(d.Tag, false); err != nil {
			logrus.WithError(err).Errorf("Failed to ack %q.", flag)
			return nil
		}

		accepted, rejected := 0, 0
		if r.Status == wire.StatusAccepted {
			accepted = 1
		} else {
			rejected = 1
		}
		metrics.ObserveSubmission(1, accepted, rejected)
		s.broadcast(ctx, accepted, rejected)
		return nil
	}

	s.requeueOne(source, d, flag)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("giving up on %q after %d attempts", flag, streamRetries)
}

// recycleChecker rebuilds a stream session after a failed submit: cleanup is
// best effort, a failed re-prepare is fatal to the worker.
func recycleChecker(ctx context.Context, checker StreamChecker) error {
	if err := checker.Cleanup(ctx); err != nil {
		logrus.WithError(err).Warn("Checker cleanup failed.")
	}
	if err := checker.Prepare(ctx); err != nil {
		return fmt.Errorf("re-prepare checker: %w", err)
	}
	return nil
}

func (s *Submitter) requeueOne(source SourceQueue, d mq.Delivery, flag string) {
	if err := source.Nack(d.Tag, false, true); err != nil {
		logrus.WithError(err).Errorf("Failed to requeue %q.", flag)
	}
}
