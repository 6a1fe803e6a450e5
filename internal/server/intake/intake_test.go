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

package intake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dusanlazic/avala/internal/game"
	"github.com/dusanlazic/avala/pkg/wire"
)

// fakeFlags remembers every value ever inserted, like the primary key does.
type fakeFlags struct {
	known    map[string]bool
	lastTick int
}

func newFakeFlags() *fakeFlags {
	return &fakeFlags{known: make(map[string]bool)}
}

func (f *fakeFlags) InsertNew(_ context.Context, values []string, _, _, _ string, tick int) ([]string, int, error) {
	f.lastTick = tick
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

type fakeQueue struct {
	published []string
	ttls      []time.Duration
	failOn    map[string]error
}

func (q *fakeQueue) Publish(body []byte, ttl time.Duration) error {
	if err := q.failOn[string(body)]; err != nil {
		return err
	}
	q.published = append(q.published, string(body))
	q.ttls = append(q.ttls, ttl)
	return nil
}

func testSchedule() game.Schedule {
	return game.Schedule{
		GameStartsAt: time.Now().Add(-10 * time.Minute),
		TickDuration: time.Minute,
	}
}

func TestEnqueueSuppressesDuplicates(t *testing.T) {
	flags := newFakeFlags()
	queue := &fakeQueue{}
	svc := &Service{Flags: flags, Queue: queue, Schedule: testSchedule(), FlagTTL: 5 * time.Minute}

	req := wire.EnqueueRequest{Values: []string{"FLG_A", "FLG_B"}, Exploit: "notes", Target: "10.10.3.1"}
	resp, err := svc.Enqueue(context.Background(), req, "player1")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Enqueued != 2 || resp.Discarded != 0 {
		t.Errorf("first enqueue = %+v", resp)
	}

	// Second request overlaps: only the new value reaches the queue.
	req.Values = []string{"FLG_B", "FLG_C"}
	resp, err = svc.Enqueue(context.Background(), req, "player2")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Enqueued != 1 || resp.Discarded != 1 {
		t.Errorf("second enqueue = %+v", resp)
	}
	if len(queue.published) != 3 {
		t.Errorf("published %d flags, want 3", len(queue.published))
	}
	for _, ttl := range queue.ttls {
		if ttl != 5*time.Minute {
			t.Errorf("ttl = %v, want 5m", ttl)
		}
	}
}

func TestEnqueuePublishFailureKeepsRowQueued(t *testing.T) {
	flags := newFakeFlags()
	queue := &fakeQueue{failOn: map[string]error{"FLG_BAD": errors.New("channel closed")}}
	svc := &Service{Flags: flags, Queue: queue, Schedule: testSchedule()}

	req := wire.EnqueueRequest{Values: []string{"FLG_BAD", "FLG_OK"}, Exploit: "notes"}
	resp, err := svc.Enqueue(context.Background(), req, "player1")
	if err != nil {
		t.Fatal(err)
	}
	// Both rows are created; the failed publish is not reported to the client.
	if resp.Enqueued != 2 {
		t.Errorf("enqueued = %d, want 2", resp.Enqueued)
	}
	if len(queue.published) != 1 || queue.published[0] != "FLG_OK" {
		t.Errorf("published = %v", queue.published)
	}
	if !flags.known["FLG_BAD"] {
		t.Error("row for failed publish should still exist")
	}
}

func TestEnqueueRequiresExploitAlias(t *testing.T) {
	svc := &Service{Flags: newFakeFlags(), Queue: &fakeQueue{}, Schedule: testSchedule()}
	_, err := svc.Enqueue(context.Background(), wire.EnqueueRequest{Values: []string{"F"}}, "p")
	if err == nil {
		t.Fatal("expected error for missing exploit alias")
	}
}

func TestEnqueueEmptyValues(t *testing.T) {
	svc := &Service{Flags: newFakeFlags(), Queue: &fakeQueue{}, Schedule: testSchedule()}
	resp, err := svc.Enqueue(context.Background(), wire.EnqueueRequest{Exploit: "notes"}, "p")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Enqueued != 0 || resp.Discarded != 0 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestEnqueueRecordsCurrentTick(t *testing.T) {
	flags := newFakeFlags()
	svc := &Service{Flags: flags, Queue: &fakeQueue{}, Schedule: testSchedule()}
	if _, err := svc.Enqueue(context.Background(), wire.EnqueueRequest{Values: []string{"F"}, Exploit: "e"}, "p"); err != nil {
		t.Fatal(err)
	}
	if flags.lastTick != 11 {
		t.Errorf("tick = %d, want 11", flags.lastTick)
	}
}
