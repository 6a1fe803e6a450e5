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

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dusanlazic/avala/internal/config"
	"github.com/dusanlazic/avala/internal/server/bus"
	"github.com/dusanlazic/avala/internal/server/mq"
	"github.com/dusanlazic/avala/internal/server/submitter"
)

func submitterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submitter",
		Short: "Drain the submission queue into the checker service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, schedule, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			conn, err := mq.DialWithRetry(ctx, cfg.RabbitMQ.DSN(), brokerAttempts, brokerBackoff)
			if err != nil {
				return err
			}
			defer conn.Close()
			source, err := conn.DeclareQueue(mq.SubmissionQueue)
			if err != nil {
				return err
			}
			sink, err := conn.DeclareQueue(mq.PersistingQueue)
			if err != nil {
				return err
			}

			broadcaster, err := bus.Connect(ctx, cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer broadcaster.Close()

			s := &submitter.Submitter{
				Source: source,
				Sink:   sink,
				Bus:    broadcaster,
				Opts: submitter.Options{
					PerTick:      cfg.Submitter.PerTick,
					Interval:     time.Duration(cfg.Submitter.Interval) * time.Second,
					BatchSize:    cfg.Submitter.BatchSize,
					Streams:      cfg.Submitter.Streams,
					MaxBatchSize: cfg.Submitter.MaxBatchSize,
					TickDuration: schedule.TickDuration,
				},
			}
			if err := wireCheckers(cfg, conn, s); err != nil {
				return fmt.Errorf("checker module: %w", err)
			}

			err = s.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// wireCheckers resolves the configured checker module. The built-in "http"
// module covers array-in, array-out checker services; everything else comes
// from the registries.
func wireCheckers(cfg *config.Config, conn *mq.Connection, s *submitter.Submitter) error {
	if cfg.Submitter.Streams > 0 {
		factory, err := streamFactory(cfg)
		if err != nil {
			return err
		}
		s.StreamFactory = factory
		s.Opener = &channelOpener{conn: conn}
		return nil
	}

	if cfg.Submitter.URL != "" {
		s.Checker = submitter.NewHTTPChecker(cfg.Submitter.URL)
		return nil
	}
	checker, err := submitter.NewBatch(cfg.Submitter.Module)
	if err != nil {
		return err
	}
	s.Checker = checker
	return nil
}

func streamFactory(cfg *config.Config) (submitter.StreamFactory, error) {
	// Fail fast on an unknown module instead of inside every worker.
	if _, err := submitter.NewStream(cfg.Submitter.Module); err != nil {
		return nil, err
	}
	return func() (submitter.StreamChecker, error) {
		return submitter.NewStream(cfg.Submitter.Module)
	}, nil
}

// channelOpener gives each stream worker its own AMQP channel on the shared
// connection.
type channelOpener struct {
	conn *mq.Connection
}

func (o *channelOpener) OpenSource() (submitter.SourceQueue, error) {
	ch, err := o.conn.Channel()
	if err != nil {
		return nil, err
	}
	return mq.DeclareQueue(ch, mq.SubmissionQueue)
}
