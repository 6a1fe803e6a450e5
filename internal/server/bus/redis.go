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

package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// redisBroadcaster rides on Redis pub/sub. One PubSub subscription is shared
// by all local subscribers; channels are added to it as they are first
// subscribed.
type redisBroadcaster struct {
	client *redis.Client
	pubsub *redis.PubSub
	subs   *subscribers

	mu     sync.Mutex
	active map[string]bool

	cancel context.CancelFunc
	done   chan struct{}
}

func connectRedis(ctx context.Context, dsn string) (Broadcaster, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse redis dsn: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r := &redisBroadcaster{
		client: client,
		pubsub: client.Subscribe(loopCtx),
		subs:   newSubscribers(),
		active: make(map[string]bool),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go r.receiveLoop(loopCtx)
	return r, nil
}

func (r *redisBroadcaster) Publish(ctx context.Context, channel, payload string) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (r *redisBroadcaster) Subscribe(channel string) (<-chan string, func()) {
	r.mu.Lock()
	if !r.active[channel] {
		if err := r.pubsub.Subscribe(context.Background(), channel); err != nil {
			logrus.WithError(err).Errorf("Redis subscribe %s failed.", channel)
		} else {
			r.active[channel] = true
		}
	}
	r.mu.Unlock()
	return r.subs.add(channel)
}

func (r *redisBroadcaster) receiveLoop(ctx context.Context) {
	defer close(r.done)
	msgs := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			r.subs.dispatch(msg.Channel, msg.Payload)
		}
	}
}

func (r *redisBroadcaster) Close() error {
	r.cancel()
	_ = r.pubsub.Close()
	<-r.done
	r.subs.closeAll()
	return r.client.Close()
}
