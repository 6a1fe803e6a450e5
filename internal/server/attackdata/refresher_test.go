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

package attackdata

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dusanlazic/avala/internal/server/bus"
	"github.com/dusanlazic/avala/internal/server/store"
)

// fakeStates is an in-memory States.
type fakeStates struct {
	values map[string]string
	puts   int
}

func newFakeStates() *fakeStates {
	return &fakeStates{values: make(map[string]string)}
}

func (f *fakeStates) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeStates) PutAttackData(_ context.Context, hash, payload string) error {
	f.values[store.KeyAttackDataHash] = hash
	f.values[store.KeyAttackData] = payload
	f.puts++
	return nil
}

// seqFetcher returns its payloads in order, then repeats the last one.
type seqFetcher struct {
	payloads []string
	errs     []error
	calls    int
}

func (s *seqFetcher) Fetch(context.Context) ([]byte, error) {
	i := s.calls
	if i >= len(s.payloads) {
		i = len(s.payloads) - 1
	}
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	return []byte(s.payloads[i]), nil
}

func newRefresher(f Fetcher, st States) *Refresher {
	return &Refresher{
		Fetcher:       f,
		States:        st,
		Ready:         bus.NewSignal(),
		MaxAttempts:   3,
		RetryInterval: time.Millisecond,
	}
}

func TestRefreshStoresFreshData(t *testing.T) {
	states := newFakeStates()
	r := newRefresher(&seqFetcher{payloads: []string{`{"svc": {"t": [["id1"]]}}`}}, states)

	r.RefreshOnce(context.Background())

	if states.puts != 1 {
		t.Fatalf("puts = %d, want 1", states.puts)
	}
	if !r.Ready.IsSet() {
		t.Error("ready signal not set after refresh")
	}
	if states.values[store.KeyAttackDataHash] == "" {
		t.Error("hash not stored")
	}
}

func TestRefreshRetriesStaleThenStoresFresh(t *testing.T) {
	states := newFakeStates()
	stale := `{"svc": {"t": [["old"]]}}`
	fresh := `{"svc": {"t": [["new"]]}}`

	// First cycle stores the stale payload.
	r := newRefresher(&seqFetcher{payloads: []string{stale}}, states)
	r.RefreshOnce(context.Background())

	// Second cycle sees the same hash twice before the organizers update.
	fetcher := &seqFetcher{payloads: []string{stale, stale, fresh}}
	r = newRefresher(fetcher, states)
	r.RefreshOnce(context.Background())

	if fetcher.calls != 3 {
		t.Errorf("fetch calls = %d, want 3", fetcher.calls)
	}
	if states.puts != 2 {
		t.Errorf("puts = %d, want 2", states.puts)
	}
	normFresh, _ := Normalize([]byte(fresh))
	if states.values[store.KeyAttackDataHash] != Hash(normFresh) {
		t.Error("fresh hash not stored")
	}
	if !r.Ready.IsSet() {
		t.Error("ready signal not set")
	}
}

func TestRefreshReusesOldDataWhenAllAttemptsStale(t *testing.T) {
	states := newFakeStates()
	stale := `{"svc": {"t": [["old"]]}}`

	r := newRefresher(&seqFetcher{payloads: []string{stale}}, states)
	r.RefreshOnce(context.Background())
	before := states.values[store.KeyAttackData]

	fetcher := &seqFetcher{payloads: []string{stale}}
	r = newRefresher(fetcher, states)
	r.RefreshOnce(context.Background())

	if fetcher.calls != 3 {
		t.Errorf("fetch calls = %d, want all attempts used", fetcher.calls)
	}
	if states.puts != 1 {
		t.Errorf("puts = %d, old data should be reused not rewritten", states.puts)
	}
	if states.values[store.KeyAttackData] != before {
		t.Error("stored payload changed")
	}
	if !r.Ready.IsSet() {
		t.Error("ready signal must be set even when data is stale")
	}
}

func TestRefreshStoresProcessedPayload(t *testing.T) {
	states := newFakeStates()
	r := newRefresher(&seqFetcher{payloads: []string{`{"svc": {"t": [["id1"]]}}`}}, states)
	r.Processor = ProcessorFunc(func(_ context.Context, payload []byte) ([]byte, error) {
		return []byte(`{"svc": {"t": [["shaped"]]}}`), nil
	})

	r.RefreshOnce(context.Background())

	if states.puts != 1 {
		t.Fatalf("puts = %d, want 1", states.puts)
	}
	if got := states.values[store.KeyAttackData]; got != `{"svc": {"t": [["shaped"]]}}` {
		t.Errorf("stored payload = %q, want the processed document", got)
	}
	// Staleness tracking stays keyed on the raw fetch.
	raw, _ := Normalize([]byte(`{"svc": {"t": [["id1"]]}}`))
	if states.values[store.KeyAttackDataHash] != Hash(raw) {
		t.Error("hash must cover the fetched document, not the processed one")
	}
}

func TestRefreshKeepsOldPayloadWhenProcessorFails(t *testing.T) {
	states := newFakeStates()
	old := `{"svc": {"t": [["old"]]}}`
	r := newRefresher(&seqFetcher{payloads: []string{old}}, states)
	r.RefreshOnce(context.Background())
	before := states.values[store.KeyAttackData]

	fetcher := &seqFetcher{payloads: []string{`{"svc": {"t": [["new"]]}}`}}
	r = newRefresher(fetcher, states)
	r.Processor = ProcessorFunc(func(context.Context, []byte) ([]byte, error) {
		return nil, errors.New("unexpected shape")
	})
	r.RefreshOnce(context.Background())

	if fetcher.calls != 3 {
		t.Errorf("fetch calls = %d, want all attempts used", fetcher.calls)
	}
	if states.puts != 1 || states.values[store.KeyAttackData] != before {
		t.Error("previous payload must survive a processing failure")
	}
	if !r.Ready.IsSet() {
		t.Error("ready signal must be set despite the failure")
	}
}

func TestProcessorRegistry(t *testing.T) {
	if p := LookupProcessor("fetch-only-module"); p != nil {
		t.Error("modules without a processor must resolve to nil")
	}
	RegisterProcessor("test-processor", func() Processor {
		return ProcessorFunc(func(_ context.Context, payload []byte) ([]byte, error) {
			return payload, nil
		})
	})
	if p := LookupProcessor("test-processor"); p == nil {
		t.Error("registered processor not found")
	}
}

func TestRefreshSignalsEvenOnTotalFailure(t *testing.T) {
	states := newFakeStates()
	boom := errors.New("connection refused")
	r := newRefresher(&seqFetcher{payloads: []string{""}, errs: []error{boom, boom, boom}}, states)

	r.RefreshOnce(context.Background())

	if states.puts != 0 {
		t.Errorf("puts = %d, want 0", states.puts)
	}
	if !r.Ready.IsSet() {
		t.Error("ready signal must be set so clients are not stuck")
	}
}
