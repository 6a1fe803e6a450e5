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

// Package api implements the HTTP server the Avala clients talk to: the
// connection handshake, flag intake, and the attack-data long poll.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dusanlazic/avala/internal/config"
	"github.com/dusanlazic/avala/internal/game"
	"github.com/dusanlazic/avala/internal/server/bus"
	"github.com/dusanlazic/avala/internal/server/intake"
	"github.com/dusanlazic/avala/internal/server/store"
	"github.com/dusanlazic/avala/pkg/wire"
)

// subscribeTimeout bounds the attack-data long poll so proxies do not kill
// the connection first.
const subscribeTimeout = 5 * time.Minute

// States is the state-store surface the API reads attack data from.
type States interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// Server handles the client-facing HTTP API.
type Server struct {
	Cfg      *config.Config
	Schedule game.Schedule
	Intake   *intake.Service
	States   States
	Ready    *bus.Signal
}

// RegisterRoutes sets up the HTTP routes on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /connect/health", s.auth(s.handleHealth))
	mux.HandleFunc("GET /connect/game", s.auth(s.handleGame))
	mux.HandleFunc("GET /connect/schedule", s.auth(s.handleSchedule))
	mux.HandleFunc("POST /flags/queue", s.auth(s.handleEnqueue))
	mux.HandleFunc("GET /attack-data/current", s.auth(s.handleCurrent))
	mux.HandleFunc("GET /attack-data/subscribe", s.auth(s.handleSubscribe))
}

// Handler returns the fully assembled handler including CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.cors(mux)
}

// ListenAndServe starts the HTTP server on the specified address and shuts it
// down when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No write timeout: the subscribe long poll holds connections open.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logrus.Infof("API server listening on %s.", addr)
	err := httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

type playerHandler func(w http.ResponseWriter, r *http.Request, player string)

// auth resolves the player identity from basic auth. When no server password
// is configured, any credentials are accepted and an anonymous identity is
// synthesized from the username, so open exercises need no setup.
func (s *Server) auth(next playerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		player, password, ok := r.BasicAuth()
		if s.Cfg.Server.Password != "" {
			if !ok || subtle.ConstantTimeCompare([]byte(password), []byte(s.Cfg.Server.Password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="avala"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if player == "" {
			player = "anon"
		}
		next(w, r, player)
	}
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.Cfg.Server.CORS {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, wire.HealthResponse{Status: "ok"})
}

func (s *Server) handleGame(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, wire.GameInfo{
		FlagFormat: s.Cfg.Game.FlagFormat,
		TeamIP:     s.Cfg.Game.TeamIP,
		NopTeamIP:  s.Cfg.Game.NopTeamIP,
	})
}

func (s *Server) handleSchedule(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, wire.ScheduleInfo{
		FirstTickStart:  s.Schedule.GameStartsAt,
		TickDuration:    s.Schedule.TickDuration.Seconds(),
		NetworkOpenTick: s.Schedule.NetworkOpenTick(),
		TotalTicks:      s.Schedule.GameEndsAtTick(),
		TZ:              time.Local.String(),
	})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, player string) {
	var req wire.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	resp, err := s.Intake.Enqueue(r.Context(), req, player)
	if err != nil {
		logrus.WithError(err).Error("Enqueue failed.")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCurrent returns the freshest known attack data, or 202 when nothing
// has been fetched yet (typically before the first tick).
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request, _ string) {
	payload, ok, err := s.States.Get(r.Context(), store.KeyAttackData)
	if err != nil {
		http.Error(w, "failed to read attack data", http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(payload))
}

// handleSubscribe blocks until the refresher completes the next refresh after
// the request arrived, then serves whatever is current. Waiting for the next
// completion rather than the current state keeps a client that polls late in
// a tick from being handed the same payload twice.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, player string) {
	ctx, cancel := context.WithTimeout(r.Context(), subscribeTimeout)
	defer cancel()

	if err := s.Ready.Next(ctx); err != nil {
		// Client went away or the poll timed out; 202 tells it to retry.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	s.handleCurrent(w, r, player)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithError(err).Error("Failed to encode response.")
	}
}
