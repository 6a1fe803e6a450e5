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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dusanlazic/avala/internal/game"
	"github.com/dusanlazic/avala/internal/server/bus"
	"github.com/dusanlazic/avala/internal/server/metrics"
	"github.com/dusanlazic/avala/internal/server/store"
)

// Fetcher retrieves the raw attack-data document from wherever the organizers
// publish it. Implementations are competition-specific.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context) ([]byte, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context) ([]byte, error) { return f(ctx) }

// Processor reshapes a freshly fetched attack-data document before it is
// stored, typically to strip noise or re-key it per service. Staleness is
// still judged on the raw document, so a processor never masks an upstream
// update.
type Processor interface {
	Process(ctx context.Context, payload []byte) ([]byte, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, payload []byte) ([]byte, error) {
	return f(ctx, payload)
}

var (
	fetchersMu sync.RWMutex
	fetchers   = make(map[string]func() Fetcher)
	processors = make(map[string]func() Processor)
)

// RegisterFetcher makes a fetcher constructor available under name, matching
// the attack_data.module config key.
func RegisterFetcher(name string, factory func() Fetcher) {
	fetchersMu.Lock()
	defer fetchersMu.Unlock()
	if _, dup := fetchers[name]; dup {
		panic(fmt.Sprintf("attackdata: RegisterFetcher called twice for %q", name))
	}
	fetchers[name] = factory
}

// NewFetcher returns a new instance of the named fetcher.
func NewFetcher(name string) (Fetcher, error) {
	fetchersMu.RLock()
	factory, ok := fetchers[name]
	fetchersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown attack data module %q", name)
	}
	return factory(), nil
}

// RegisterProcessor makes a processor constructor available under name. A
// module registers it alongside its fetcher; modules that serve the document
// as fetched register none.
func RegisterProcessor(name string, factory func() Processor) {
	fetchersMu.Lock()
	defer fetchersMu.Unlock()
	if _, dup := processors[name]; dup {
		panic(fmt.Sprintf("attackdata: RegisterProcessor called twice for %q", name))
	}
	processors[name] = factory
}

// LookupProcessor returns a new instance of the named module's processor, or
// nil when the module has not registered one.
func LookupProcessor(name string) Processor {
	fetchersMu.RLock()
	factory, ok := processors[name]
	fetchersMu.RUnlock()
	if !ok {
		return nil
	}
	return factory()
}

// States is the persistence surface the refresher needs.
type States interface {
	Get(ctx context.Context, key string) (string, bool, error)
	PutAttackData(ctx context.Context, hash, payload string) error
}

// Refresher polls the organizer's attack data once per tick. A fetch whose
// normalized hash equals the stored one is treated as stale and retried; if
// every attempt stays stale or fails, the previous payload is reused so
// clients are never blocked on a missing tick.
type Refresher struct {
	Fetcher       Fetcher
	Processor     Processor // optional, applied to fresh documents only
	States        States
	Schedule      game.Schedule
	Ready         *bus.Signal
	MaxAttempts   int
	RetryInterval time.Duration
}

// Run refreshes at the start of every tick until ctx is cancelled. Before the
// game starts it sleeps until the first tick.
func (r *Refresher) Run(ctx context.Context) {
	for {
		wait := r.Schedule.NextTickStart(time.Now())
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(wait)):
		}
		r.RefreshOnce(ctx)
	}
}

// RefreshOnce performs one tick's refresh cycle: clear the ready signal,
// fetch until fresh or out of attempts, persist, then set the signal.
func (r *Refresher) RefreshOnce(ctx context.Context) {
	r.Ready.Clear()
	defer r.Ready.Set()

	oldHash, hadOld, err := r.States.Get(ctx, store.KeyAttackDataHash)
	if err != nil {
		logrus.WithError(err).Error("Failed to read stored attack data hash.")
	}

	attempts := r.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		normalized, hash, err := r.fetchNormalized(ctx)
		if err != nil {
			lastErr = err
			logrus.WithError(err).Warnf("Attack data fetch failed (attempt %d/%d).", attempt, attempts)
		} else if hadOld && hash == oldHash {
			lastErr = fmt.Errorf("attack data unchanged since last tick")
			logrus.Infof("Attack data not updated yet (attempt %d/%d).", attempt, attempts)
			metrics.ObserveRefresh("unchanged")
		} else if processed, err := r.process(ctx, normalized); err != nil {
			lastErr = err
			logrus.WithError(err).Warnf("Attack data processing failed (attempt %d/%d).", attempt, attempts)
		} else {
			if err := r.States.PutAttackData(ctx, hash, string(processed)); err != nil {
				logrus.WithError(err).Error("Failed to persist attack data.")
				metrics.ObserveRefresh("failed")
				return
			}
			logrus.Infof("Fetched fresh attack data (%d bytes).", len(processed))
			metrics.ObserveRefresh("fresh")
			return
		}

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.RetryInterval):
		}
	}

	if hadOld {
		logrus.WithError(lastErr).Warn("Reusing previous tick's attack data.")
		metrics.ObserveRefresh("reused")
	} else {
		logrus.WithError(lastErr).Error("No attack data available yet.")
		metrics.ObserveRefresh("failed")
	}
}

// process runs the module's processor over a fresh document. A processing
// failure counts as a failed attempt, so the previous payload stays served.
func (r *Refresher) process(ctx context.Context, normalized []byte) ([]byte, error) {
	if r.Processor == nil {
		return normalized, nil
	}
	processed, err := r.Processor.Process(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("process attack data: %w", err)
	}
	return processed, nil
}

func (r *Refresher) fetchNormalized(ctx context.Context) ([]byte, string, error) {
	raw, err := r.Fetcher.Fetch(ctx)
	if err != nil {
		return nil, "", err
	}
	normalized, err := Normalize(raw)
	if err != nil {
		return nil, "", err
	}
	return normalized, Hash(normalized), nil
}
