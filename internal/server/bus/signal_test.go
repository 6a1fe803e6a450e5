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
	"sync"
	"testing"
	"time"
)

func TestSignalSetReleasesWaiters(t *testing.T) {
	s := NewSignal()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			errs <- s.Wait(ctx)
		}()
	}

	s.Set()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("wait: %v", err)
		}
	}
}

func TestSignalWaitAfterSetReturnsImmediately(t *testing.T) {
	s := NewSignal()
	s.Set()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait after set: %v", err)
	}
	if !s.IsSet() {
		t.Fatal("signal should still be set")
	}
}

func TestSignalClearBlocksAgain(t *testing.T) {
	s := NewSignal()
	s.Set()
	s.Clear()

	if s.IsSet() {
		t.Fatal("signal should be cleared")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatal("wait on cleared signal should time out")
	}
}

func TestSignalDoubleSet(t *testing.T) {
	s := NewSignal()
	s.Set()
	s.Set()
	if !s.IsSet() {
		t.Fatal("signal should be set")
	}
}

func TestSignalNextWaitsForUpcomingSet(t *testing.T) {
	s := NewSignal()
	s.Set()

	// Next must not be satisfied by the Set that already happened.
	released := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		released <- s.Next(ctx)
	}()

	select {
	case err := <-released:
		t.Fatalf("Next returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	s.Clear()
	s.Set()
	select {
	case err := <-released:
		if err != nil {
			t.Fatalf("next: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next not released by the following Set")
	}
}

func TestSignalNextHonorsContext(t *testing.T) {
	s := NewSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Next(ctx); err == nil {
		t.Fatal("Next without a Set should fail on context expiry")
	}
}

func TestSubscribersDispatch(t *testing.T) {
	subs := newSubscribers()

	a, cancelA := subs.add("flags")
	b, cancelB := subs.add("flags")
	other, cancelOther := subs.add("rabbit")
	defer cancelOther()

	subs.dispatch("flags", "hello")

	for name, ch := range map[string]<-chan string{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got != "hello" {
				t.Errorf("%s received %q", name, got)
			}
		default:
			t.Errorf("%s received nothing", name)
		}
	}
	select {
	case got := <-other:
		t.Errorf("rabbit subscriber received %q", got)
	default:
	}

	cancelA()
	if _, ok := <-a; ok {
		t.Error("cancelled subscriber channel should be closed")
	}

	subs.dispatch("flags", "again")
	select {
	case got := <-b:
		if got != "again" {
			t.Errorf("b received %q", got)
		}
	default:
		t.Error("b received nothing after a unsubscribed")
	}
	cancelB()
	cancelB() // idempotent
}
