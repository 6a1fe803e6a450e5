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
	"github.com/spf13/cobra"

	"github.com/dusanlazic/avala/internal/server/mq"
	"github.com/dusanlazic/avala/internal/server/persister"
	"github.com/dusanlazic/avala/internal/server/store"
)

func persisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "persister",
		Short: "Write checker verdicts from the persisting queue to the database",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
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
			flags := store.NewFlagStore(db)

			conn, err := mq.DialWithRetry(ctx, cfg.RabbitMQ.DSN(), brokerAttempts, brokerBackoff)
			if err != nil {
				return err
			}
			defer conn.Close()
			source, err := conn.DeclareQueue(mq.PersistingQueue)
			if err != nil {
				return err
			}

			p := &persister.Persister{Flags: flags, Source: source}
			p.Run(ctx)

			// Flush whatever arrived between the last drain and the shutdown
			// signal before the broker connection closes.
			p.DrainOnce(cmd.Context())
			return nil
		},
	}
}
