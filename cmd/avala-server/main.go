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

// Package main is the Avala server: the central service of an Attack/Defense
// CTF team that receives captured flags, paces their submission to the
// organizer's checker, and distributes attack data to exploit clients.
//
// It runs as up to three cooperating processes sharing PostgreSQL and
// RabbitMQ:
//
//	avala-server serve      - API, tick clock, attack-data refresher
//	avala-server submitter  - drains the submission queue into the checker
//	avala-server persister  - writes checker verdicts back to the database
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// exit codes: 0 clean shutdown, 1 fatal configuration or connection error
const (
	exitOK    = 0
	exitFatal = 1
)

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	root := &cobra.Command{
		Use:           "avala-server",
		Short:         "Attack/Defense CTF flag submission coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "path to server.yaml")

	root.AddCommand(serveCmd(), submitterCmd(), persisterCmd())

	if err := root.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(exitFatal)
	}
	os.Exit(exitOK)
}
