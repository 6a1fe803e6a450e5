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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sirupsen/logrus"
)

// pgBroadcaster rides on PostgreSQL LISTEN/NOTIFY. It holds two dedicated
// connections: one blocked in WaitForNotification and one for pg_notify, so a
// publish never has to wait for the listen loop.
type pgBroadcaster struct {
	listenConn  *pgx.Conn
	publishConn *pgx.Conn
	publishMu   sync.Mutex

	subs *subscribers

	mu     sync.Mutex
	wanted map[string]bool // channels with at least one Subscribe call
	active map[string]bool // channels LISTEN has been issued for

	cancel context.CancelFunc
	done   chan struct{}
}

func connectPostgres(ctx context.Context, dsn string) (Broadcaster, error) {
	listenConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect broadcast listener: %w", err)
	}
	publishConn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		listenConn.Close(ctx)
		return nil, fmt.Errorf("connect broadcast publisher: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p := &pgBroadcaster{
		listenConn:  listenConn,
		publishConn: publishConn,
		subs:        newSubscribers(),
		wanted:      make(map[string]bool),
		active:      make(map[string]bool),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go p.listenLoop(loopCtx)
	return p, nil
}

func (p *pgBroadcaster) Publish(ctx context.Context, channel, payload string) error {
	p.publishMu.Lock()
	defer p.publishMu.Unlock()
	if _, err := p.publishConn.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload); err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}
	return nil
}

func (p *pgBroadcaster) Subscribe(channel string) (<-chan string, func()) {
	p.mu.Lock()
	p.wanted[channel] = true
	p.mu.Unlock()
	return p.subs.add(channel)
}

// listenLoop issues LISTEN for newly subscribed channels and dispatches
// incoming notifications. WaitForNotification runs with a short deadline so
// the loop picks up new LISTENs without a second control channel.
func (p *pgBroadcaster) listenLoop(ctx context.Context) {
	defer close(p.done)
	for {
		if ctx.Err() != nil {
			return
		}
		p.syncListens(ctx)

		waitCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		n, err := p.listenConn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logrus.WithError(err).Error("Broadcast listener failed.")
			return
		}
		p.subs.dispatch(n.Channel, n.Payload)
	}
}

func (p *pgBroadcaster) syncListens(ctx context.Context) {
	p.mu.Lock()
	var pending []string
	for channel := range p.wanted {
		if !p.active[channel] {
			pending = append(pending, channel)
		}
	}
	p.mu.Unlock()

	for _, channel := range pending {
		if _, err := p.listenConn.Exec(ctx, `LISTEN `+pgx.Identifier{channel}.Sanitize()); err != nil {
			logrus.WithError(err).Errorf("LISTEN %s failed.", channel)
			continue
		}
		p.mu.Lock()
		p.active[channel] = true
		p.mu.Unlock()
	}
}

func (p *pgBroadcaster) Close() error {
	p.cancel()
	<-p.done
	p.subs.closeAll()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errListen := p.listenConn.Close(ctx)
	errPublish := p.publishConn.Close(ctx)
	if errListen != nil {
		return errListen
	}
	return errPublish
}
