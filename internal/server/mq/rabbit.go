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

// Package mq wraps the RabbitMQ client with the small queue surface the
// submission pipeline needs: durable declare, publish with per-message TTL,
// drain by basic.get, streaming consume, and ack/nack by delivery tag.
package mq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Queue names used by the submission pipeline. Both are durable so flags
// survive a broker restart.
const (
	SubmissionQueue = "submission_queue"
	PersistingQueue = "persisting_queue"
)

// Delivery is a received message plus the tag needed to ack or nack it.
type Delivery struct {
	Body []byte
	Tag  uint64
}

// Connection owns an AMQP connection and a default channel.
type Connection struct {
	url  string
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Dial connects to the broker.
func Dial(url string) (*Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Connection{url: url, conn: conn, ch: ch}, nil
}

// DialWithRetry keeps dialing with a fixed backoff until the broker accepts
// the connection, the attempts are exhausted, or ctx is cancelled.
func DialWithRetry(ctx context.Context, url string, attempts int, backoff time.Duration) (*Connection, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := Dial(url)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logrus.WithError(err).Warnf("Broker unavailable, retrying in %s (%d attempts left).", backoff, attempts-i-1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, fmt.Errorf("connect to rabbitmq after %d attempts: %w", attempts, lastErr)
}

// Channel opens an additional channel on the same connection. Stream workers
// use this so each holds its own channel.
func (c *Connection) Channel() (*amqp.Channel, error) {
	return c.conn.Channel()
}

// Close closes the channel first, then the connection.
func (c *Connection) Close() error {
	if c.ch != nil && !c.ch.IsClosed() {
		_ = c.ch.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}

// Queue is a declared queue bound to one channel.
type Queue struct {
	ch   *amqp.Channel
	name string
}

// DeclareQueue declares a durable queue on the connection's default channel.
func (c *Connection) DeclareQueue(name string) (*Queue, error) {
	return DeclareQueue(c.ch, name)
}

// DeclareQueue declares a durable queue on the given channel.
func DeclareQueue(ch *amqp.Channel, name string) (*Queue, error) {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	logrus.Infof("Declared queue %s.", name)
	return &Queue{ch: ch, name: name}, nil
}

// Name returns the queue's routing key.
func (q *Queue) Name() string {
	return q.name
}

// Publish sends a message to the queue. A positive ttl sets the per-message
// expiration, in milliseconds, after which the broker drops the message.
func (q *Queue) Publish(body []byte, ttl time.Duration) error {
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if ttl > 0 {
		pub.Expiration = strconv.FormatInt(ttl.Milliseconds(), 10)
	}
	return q.ch.Publish("", q.name, false, false, pub)
}

// Get performs a basic.get without auto-ack. ok is false when the queue is
// empty.
func (q *Queue) Get() (Delivery, bool, error) {
	msg, ok, err := q.ch.Get(q.name, false)
	if err != nil || !ok {
		return Delivery{}, false, err
	}
	return Delivery{Body: msg.Body, Tag: msg.DeliveryTag}, true, nil
}

// Consume starts a streaming consumer with the given prefetch and translates
// deliveries until ctx is cancelled or the channel closes.
func (q *Queue) Consume(ctx context.Context, prefetch int) (<-chan Delivery, error) {
	if prefetch > 0 {
		if err := q.ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("set qos on %s: %w", q.name, err)
		}
	}
	msgs, err := q.ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", q.name, err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- Delivery{Body: msg.Body, Tag: msg.DeliveryTag}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Ack acknowledges a delivery; with multiple set it acknowledges every
// delivery up to and including the tag.
func (q *Queue) Ack(tag uint64, multiple bool) error {
	return q.ch.Ack(tag, multiple)
}

// Nack rejects a delivery, optionally returning it to the queue; with
// multiple set it rejects every delivery up to and including the tag.
func (q *Queue) Nack(tag uint64, multiple, requeue bool) error {
	return q.ch.Nack(tag, multiple, requeue)
}

// Size returns the number of messages currently in the queue.
func (q *Queue) Size() (int, error) {
	state, err := q.ch.QueueDeclarePassive(q.name, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", q.name, err)
	}
	return state.Messages, nil
}
