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

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dusanlazic/avala/internal/config"
	"github.com/dusanlazic/avala/internal/game"
	"github.com/dusanlazic/avala/internal/server/bus"
	"github.com/dusanlazic/avala/internal/server/intake"
	"github.com/dusanlazic/avala/internal/server/store"
	"github.com/dusanlazic/avala/pkg/wire"
)

type fakeFlags struct {
	known map[string]bool
}

func (f *fakeFlags) InsertNew(_ context.Context, values []string, _, _, _ string, _ int) ([]string, int, error) {
	var inserted []string
	for _, v := range values {
		if f.known[v] {
			continue
		}
		f.known[v] = true
		inserted = append(inserted, v)
	}
	return inserted, len(values) - len(inserted), nil
}

type fakeQueue struct{ published []string }

func (q *fakeQueue) Publish(body []byte, _ time.Duration) error {
	q.published = append(q.published, string(body))
	return nil
}

type fakeStates struct{ values map[string]string }

func (f *fakeStates) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func testServer(password string) (*Server, *fakeQueue) {
	schedule := game.Schedule{
		GameStartsAt:      time.Now().Add(-10 * time.Minute),
		TickDuration:      time.Minute,
		NetworksOpenAfter: 5 * time.Minute,
		GameEndsAfter:     8 * time.Hour,
	}
	queue := &fakeQueue{}
	cfg := &config.Config{}
	cfg.Server.Password = password
	cfg.Server.CORS = []string{"*"}
	cfg.Game.FlagFormat = `FLG\{[A-Z0-9]{8}\}`
	cfg.Game.TeamIP = []string{"10.10.1.1"}

	ready := bus.NewSignal()
	ready.Set()
	return &Server{
		Cfg:      cfg,
		Schedule: schedule,
		Intake: &intake.Service{
			Flags:    &fakeFlags{known: make(map[string]bool)},
			Queue:    queue,
			Schedule: schedule,
		},
		States: &fakeStates{values: map[string]string{store.KeyAttackData: `{"svc":{}}`}},
		Ready:  ready,
	}, queue
}

func TestHealth(t *testing.T) {
	s, _ := testServer("")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connect/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body wire.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
}

func TestAuthRequiredWhenPasswordSet(t *testing.T) {
	s, _ := testServer("secret")
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connect/game", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/connect/game", nil)
	req.SetBasicAuth("player1", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/connect/game", nil)
	req.SetBasicAuth("player1", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("correct password: status = %d", rec.Code)
	}
}

func TestAuthOpenWhenPasswordUnset(t *testing.T) {
	s, _ := testServer("")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connect/game", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestEnqueue(t *testing.T) {
	s, queue := testServer("")
	body := `{"values": ["FLG_A", "FLG_B", "FLG_A"], "exploit": "notes", "target": "10.10.3.1"}`
	req := httptest.NewRequest(http.MethodPost, "/flags/queue", strings.NewReader(body))
	req.SetBasicAuth("player1", "")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp wire.EnqueueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Enqueued != 2 || resp.Discarded != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if len(queue.published) != 2 {
		t.Errorf("published = %v", queue.published)
	}
}

func TestEnqueueMalformedBody(t *testing.T) {
	s, _ := testServer("")
	req := httptest.NewRequest(http.MethodPost, "/flags/queue", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestSchedule(t *testing.T) {
	s, _ := testServer("")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/connect/schedule", nil))

	var info wire.ScheduleInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.TickDuration != 60 {
		t.Errorf("tick duration = %v", info.TickDuration)
	}
	if info.NetworkOpenTick != 5 {
		t.Errorf("network open tick = %d", info.NetworkOpenTick)
	}
	if info.TotalTicks != 480 {
		t.Errorf("total ticks = %d", info.TotalTicks)
	}
}

func TestAttackDataCurrent(t *testing.T) {
	s, _ := testServer("")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/attack-data/current", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != `{"svc":{}}` {
		t.Errorf("body = %s", rec.Body.String())
	}

	s.States = &fakeStates{values: map[string]string{}}
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/attack-data/current", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("empty store: status = %d", rec.Code)
	}
}

func TestAttackDataSubscribe(t *testing.T) {
	s, _ := testServer("")

	// A subscriber is served by the refresh that completes after it asked,
	// not by the one that already happened.
	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/attack-data/subscribe", nil))
		done <- rec.Code
	}()

	select {
	case code := <-done:
		t.Fatalf("subscribe answered %d before the next refresh", code)
	case <-time.After(50 * time.Millisecond):
	}

	s.Ready.Clear()
	s.Ready.Set()
	select {
	case code := <-done:
		if code != http.StatusOK {
			t.Fatalf("status = %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("subscribe not released by the refresh")
	}

	// A request that expires before the refresh is told to retry.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/attack-data/subscribe", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Errorf("expired poll: status = %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := testServer("secret")
	req := httptest.NewRequest(http.MethodOptions, "/flags/queue", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://dashboard.local" {
		t.Errorf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
	}
}
