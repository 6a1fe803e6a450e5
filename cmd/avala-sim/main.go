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

// avala-sim is a stand-in for the organizer's infrastructure during local
// development: it serves a rotating attack-data document and a checker
// endpoint compatible with the built-in HTTP adapters.
//
// Point server.yaml at it:
//
//	attack_data:
//	  url: http://127.0.0.1:8081/attack.json
//	submitter:
//	  url: http://127.0.0.1:8081/flags
//
// The checker accepts flags that look like SIM{...}, rejects everything else,
// and randomly defers a small fraction so requeue handling gets exercised.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dusanlazic/avala/pkg/wire"
)

type simulator struct {
	mu       sync.Mutex
	tick     int
	targets  int
	history  int
	deferPct int
	rng      *rand.Rand

	// flag ids per target, most recent first
	flagIDs map[string][][]string
}

func newSimulator(targets, history, deferPct int) *simulator {
	s := &simulator{
		targets:  targets,
		history:  history,
		deferPct: deferPct,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		flagIDs:  make(map[string][][]string),
	}
	s.rotate()
	return s
}

// rotate advances one tick: every target gets a fresh flag id and old ones
// age out of the window.
func (s *simulator) rotate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tick++
	for i := 0; i < s.targets; i++ {
		host := fmt.Sprintf("10.10.%d.1", i+2)
		ids := append([][]string{{fmt.Sprintf("id-t%d-%d", s.tick, i)}}, s.flagIDs[host]...)
		if len(ids) > s.history {
			ids = ids[:s.history]
		}
		s.flagIDs[host] = ids
	}
}

func (s *simulator) handleAttackData(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	doc := map[string]map[string][][]string{"simsvc": {}}
	for host, ids := range s.flagIDs {
		doc["simsvc"][host] = ids
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (s *simulator) handleFlags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Flags []string `json:"flags"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	verdicts := make([]wire.FlagResponse, 0, len(req.Flags))
	for _, f := range req.Flags {
		switch {
		case s.deferPct > 0 && s.rng.Intn(100) < s.deferPct:
			verdicts = append(verdicts, wire.FlagResponse{
				Value: f, Status: wire.StatusRequeued, Response: "try again later",
			})
		case strings.HasPrefix(f, "SIM{") && strings.HasSuffix(f, "}"):
			verdicts = append(verdicts, wire.FlagResponse{
				Value: f, Status: wire.StatusAccepted, Response: "OK",
			})
		default:
			verdicts = append(verdicts, wire.FlagResponse{
				Value: f, Status: wire.StatusRejected, Response: "invalid flag",
			})
		}
	}
	logrus.Infof("Checked %d flags.", len(verdicts))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(verdicts)
}

func main() {
	var (
		addr     = flag.String("addr", ":8081", "listen address")
		targets  = flag.Int("targets", 10, "number of simulated targets")
		history  = flag.Int("history", 5, "flag-id history window in ticks")
		tickDur  = flag.Duration("tick", time.Minute, "tick duration for flag-id rotation")
		deferPct = flag.Int("defer_pct", 5, "percent of flags answered with a requeue verdict")
	)
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	sim := newSimulator(*targets, *history, *deferPct)

	go func() {
		ticker := time.NewTicker(*tickDur)
		defer ticker.Stop()
		for range ticker.C {
			sim.rotate()
			logrus.Info("Rotated flag ids.")
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /attack.json", sim.handleAttackData)
	mux.HandleFunc("POST /flags", sim.handleFlags)

	logrus.Infof("Simulator listening on %s (%d targets, tick %s).", *addr, *targets, *tickDur)
	server := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil {
		logrus.Fatal(err)
	}
}
