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
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dusanlazic/avala/internal/config"
	"github.com/dusanlazic/avala/internal/game"
	"github.com/dusanlazic/avala/internal/server/api"
	"github.com/dusanlazic/avala/internal/server/attackdata"
	"github.com/dusanlazic/avala/internal/server/bus"
	"github.com/dusanlazic/avala/internal/server/intake"
	"github.com/dusanlazic/avala/internal/server/metrics"
	"github.com/dusanlazic/avala/internal/server/mq"
	"github.com/dusanlazic/avala/internal/server/store"
)

const (
	brokerAttempts = 10
	brokerBackoff  = 3 * time.Second
)

func loadConfig(cmd *cobra.Command) (*config.Config, game.Schedule, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, game.Schedule{}, fmt.Errorf("load configuration: %w", err)
	}
	schedule, err := cfg.Schedule()
	if err != nil {
		return nil, game.Schedule{}, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, schedule, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, tick clock and attack data refresher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, schedule, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			db, err := store.Open(ctx, cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.Migrate(ctx, db); err != nil {
				return err
			}
			flags := store.NewFlagStore(db)
			states := store.NewStateStore(db)

			conn, err := mq.DialWithRetry(ctx, cfg.RabbitMQ.DSN(), brokerAttempts, brokerBackoff)
			if err != nil {
				return err
			}
			defer conn.Close()
			submissionQueue, err := conn.DeclareQueue(mq.SubmissionQueue)
			if err != nil {
				return err
			}
			persistingQueue, err := conn.DeclareQueue(mq.PersistingQueue)
			if err != nil {
				return err
			}

			// Flags whose verdict never arrived before the last shutdown go
			// back into the broker before clients can add new ones.
			if err := intake.Recover(ctx, flags, submissionQueue); err != nil {
				return err
			}

			broadcaster, err := bus.Connect(ctx, cfg.Database.DSN())
			if err != nil {
				return err
			}
			defer broadcaster.Close()

			tally := metrics.NewTally()
			if counts, err := flags.CountByStatus(ctx); err == nil {
				tally.Seed(int64(counts["queued"]), int64(counts["accepted"]), int64(counts["rejected"]))
			}
			monitor := &metrics.Monitor{
				Bus:    broadcaster,
				Tally:  tally,
				Queues: []metrics.QueueSizer{submissionQueue, persistingQueue},
			}
			go monitor.Run(ctx)

			if metricsAddr != "" {
				metrics.StartEndpoint(metricsAddr)
			}

			fetcher, err := buildFetcher(cfg)
			if err != nil {
				return fmt.Errorf("attack data source: %w", err)
			}
			ready := bus.NewSignal()
			refresher := &attackdata.Refresher{
				Fetcher:       fetcher,
				Processor:     attackdata.LookupProcessor(cfg.AttackData.Module),
				States:        states,
				Schedule:      schedule,
				Ready:         ready,
				MaxAttempts:   cfg.AttackData.MaxAttempts,
				RetryInterval: time.Duration(cfg.AttackData.RetryInterval * float64(time.Second)),
			}
			go refresher.Run(ctx)

			server := &api.Server{
				Cfg:      cfg,
				Schedule: schedule,
				Intake: &intake.Service{
					Flags:    flags,
					Queue:    submissionQueue,
					Bus:      broadcaster,
					Schedule: schedule,
					FlagTTL:  cfg.FlagTTL(),
				},
				States: states,
				Ready:  ready,
			}

			logrus.Infof("Game starts at %s, ticks of %s.", schedule.GameStartsAt, schedule.TickDuration)
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			return server.ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus /metrics on this address")
	return cmd
}

func buildFetcher(cfg *config.Config) (attackdata.Fetcher, error) {
	if cfg.AttackData.URL != "" {
		return attackdata.NewHTTPFetcher(cfg.AttackData.URL), nil
	}
	return attackdata.NewFetcher(cfg.AttackData.Module)
}
