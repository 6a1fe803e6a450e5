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

// Package bus provides fan-out pub/sub between server processes. Two backends
// are supported, selected by DSN scheme: PostgreSQL LISTEN/NOTIFY (postgres://)
// and Redis pub/sub (redis://). The persister and submitter processes publish
// counter deltas on it and the main process aggregates them.
package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Well-known channels.
const (
	ChannelFlags  = "flags"  // counter deltas from intake and submitter
	ChannelRabbit = "rabbit" // per-second rate samples from the monitor
)

// Broadcaster is process-wide pub/sub. Subscribe returns a channel that
// receives every message published on the named channel after the call, and
// an unsubscribe func that closes it.
type Broadcaster interface {
	Publish(ctx context.Context, channel, payload string) error
	Subscribe(channel string) (<-chan string, func())
	Close() error
}

// Connect picks a backend from the DSN scheme.
func Connect(ctx context.Context, dsn string) (Broadcaster, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return connectPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "redis://"), strings.HasPrefix(dsn, "rediss://"):
		return connectRedis(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported broadcast dsn scheme in %q", dsn)
	}
}

// subscribers is the local fan-out registry shared by both backends. Payloads
// received from the remote side are copied to every local subscriber of the
// channel; a slow subscriber drops messages rather than blocking the reader.
type subscribers struct {
	mu   sync.Mutex
	next int
	subs map[string]map[int]chan string
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[string]map[int]chan string)}
}

func (s *subscribers) add(channel string) (<-chan string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.next
	s.next++
	ch := make(chan string, 64)
	if s.subs[channel] == nil {
		s.subs[channel] = make(map[int]chan string)
	}
	s.subs[channel][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[channel][id]; ok {
				delete(s.subs[channel], id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (s *subscribers) dispatch(channel, payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, subs := range s.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
}

func (s *subscribers) channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.subs))
	for name, subs := range s.subs {
		if len(subs) > 0 {
			names = append(names, name)
		}
	}
	return names
}
