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

package persister

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/dusanlazic/avala/internal/server/mq"
	"github.com/dusanlazic/avala/pkg/wire"
)

type fakeFlags struct {
	applied [][]wire.FlagResponse
	err     error
}

func (f *fakeFlags) UpdateStatuses(_ context.Context, responses []wire.FlagResponse) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.applied = append(f.applied, responses)
	return len(responses), nil
}

type fakeSource struct {
	pending []mq.Delivery

	ackTag      uint64
	ackMultiple bool
	acks        int

	nackTag     uint64
	nackRequeue bool
	nacks       int
}

func (f *fakeSource) Get() (mq.Delivery, bool, error) {
	if len(f.pending) == 0 {
		return mq.Delivery{}, false, nil
	}
	d := f.pending[0]
	f.pending = f.pending[1:]
	return d, true, nil
}

func (f *fakeSource) Ack(tag uint64, multiple bool) error {
	f.ackTag, f.ackMultiple = tag, multiple
	f.acks++
	return nil
}

func (f *fakeSource) Nack(tag uint64, _, requeue bool) error {
	f.nackTag, f.nackRequeue = tag, requeue
	f.nacks++
	return nil
}

func verdict(t *testing.T, tag uint64, value, status string) mq.Delivery {
	t.Helper()
	body, err := json.Marshal(wire.FlagResponse{Value: value, Status: status, Response: status})
	if err != nil {
		t.Fatal(err)
	}
	return mq.Delivery{Body: body, Tag: tag}
}

func TestDrainOnceAppliesBatchWithSingleMultiAck(t *testing.T) {
	flags := &fakeFlags{}
	source := &fakeSource{pending: []mq.Delivery{
		verdict(t, 1, "F1", wire.StatusAccepted),
		verdict(t, 2, "F2", wire.StatusRejected),
		verdict(t, 3, "F3", wire.StatusAccepted),
	}}
	p := &Persister{Flags: flags, Source: source}

	p.DrainOnce(context.Background())

	if len(flags.applied) != 1 || len(flags.applied[0]) != 3 {
		t.Fatalf("applied = %v", flags.applied)
	}
	if source.acks != 1 || source.ackTag != 3 || !source.ackMultiple {
		t.Errorf("ack = (tag %d, multiple %v, %d calls)", source.ackTag, source.ackMultiple, source.acks)
	}
}

func TestDrainOnceHonorsBatchSize(t *testing.T) {
	flags := &fakeFlags{}
	source := &fakeSource{pending: []mq.Delivery{
		verdict(t, 1, "F1", wire.StatusAccepted),
		verdict(t, 2, "F2", wire.StatusAccepted),
		verdict(t, 3, "F3", wire.StatusAccepted),
	}}
	p := &Persister{Flags: flags, Source: source, BatchSize: 2}

	p.DrainOnce(context.Background())

	if len(flags.applied[0]) != 2 {
		t.Errorf("batch = %d, want 2", len(flags.applied[0]))
	}
	if len(source.pending) != 1 {
		t.Errorf("pending = %d, want 1 left", len(source.pending))
	}
	if source.ackTag != 2 {
		t.Errorf("ack tag = %d, want 2", source.ackTag)
	}
}

func TestDrainOnceStoreFailureRequeues(t *testing.T) {
	flags := &fakeFlags{err: errors.New("connection refused")}
	source := &fakeSource{pending: []mq.Delivery{
		verdict(t, 1, "F1", wire.StatusAccepted),
		verdict(t, 2, "F2", wire.StatusRejected),
	}}
	p := &Persister{Flags: flags, Source: source}

	p.DrainOnce(context.Background())

	if source.acks != 0 {
		t.Error("nothing should be acked on store failure")
	}
	if source.nacks != 1 || source.nackTag != 2 || !source.nackRequeue {
		t.Errorf("nack = (tag %d, requeue %v, %d calls)", source.nackTag, source.nackRequeue, source.nacks)
	}
}

func TestDrainOnceDropsMalformedMessages(t *testing.T) {
	flags := &fakeFlags{}
	source := &fakeSource{pending: []mq.Delivery{
		{Body: []byte("not json"), Tag: 1},
		verdict(t, 2, "F2", wire.StatusAccepted),
	}}
	p := &Persister{Flags: flags, Source: source}

	p.DrainOnce(context.Background())

	if len(flags.applied) != 1 || len(flags.applied[0]) != 1 {
		t.Fatalf("applied = %v", flags.applied)
	}
	if source.nacks != 1 || source.nackRequeue {
		t.Errorf("malformed message should be dropped, nacks = %d requeue = %v", source.nacks, source.nackRequeue)
	}
	if source.ackTag != 2 {
		t.Errorf("ack tag = %d", source.ackTag)
	}
}

func TestDrainOnceEmptyQueueIsNoop(t *testing.T) {
	flags := &fakeFlags{}
	source := &fakeSource{}
	p := &Persister{Flags: flags, Source: source}

	p.DrainOnce(context.Background())

	if len(flags.applied) != 0 || source.acks != 0 || source.nacks != 0 {
		t.Error("empty drain should touch nothing")
	}
}
