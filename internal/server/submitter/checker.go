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

// Package submitter drains captured flags from the submission queue and hands
// them to a competition-specific checker adapter at a configurable pace.
package submitter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dusanlazic/avala/pkg/wire"
)

// BatchChecker submits a batch of flags to the organizer's checker service in
// one round trip. Every returned response refers to one of the given values;
// values missing from the result are treated as undecided and requeued.
type BatchChecker interface {
	Submit(ctx context.Context, flags []string) ([]wire.FlagResponse, error)
}

// BatchCheckerFunc adapts a function to the BatchChecker interface.
type BatchCheckerFunc func(ctx context.Context, flags []string) ([]wire.FlagResponse, error)

// Submit implements BatchChecker.
func (f BatchCheckerFunc) Submit(ctx context.Context, flags []string) ([]wire.FlagResponse, error) {
	return f(ctx, flags)
}

// StreamChecker holds a long-lived session with the checker service and
// submits one flag at a time. Used by the streams strategy; each stream
// worker gets its own instance.
type StreamChecker interface {
	Prepare(ctx context.Context) error
	SubmitOne(ctx context.Context, flag string) (wire.FlagResponse, error)
	Cleanup(ctx context.Context) error
}

// registry of named checker adapters, registered from main the way database
// drivers are.
var (
	registryMu     sync.RWMutex
	batchCheckers  = make(map[string]func() BatchChecker)
	streamCheckers = make(map[string]func() StreamChecker)
)

// RegisterBatch makes a batch checker constructor available under name.
func RegisterBatch(name string, factory func() BatchChecker) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := batchCheckers[name]; dup {
		panic(fmt.Sprintf("submitter: RegisterBatch called twice for %q", name))
	}
	batchCheckers[name] = factory
}

// RegisterStream makes a stream checker constructor available under name.
func RegisterStream(name string, factory func() StreamChecker) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := streamCheckers[name]; dup {
		panic(fmt.Sprintf("submitter: RegisterStream called twice for %q", name))
	}
	streamCheckers[name] = factory
}

// NewBatch returns a new instance of the named batch checker.
func NewBatch(name string) (BatchChecker, error) {
	registryMu.RLock()
	factory, ok := batchCheckers[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown submitter module %q (registered: %v)", name, registeredBatch())
	}
	return factory(), nil
}

// NewStream returns a new instance of the named stream checker.
func NewStream(name string) (StreamChecker, error) {
	registryMu.RLock()
	factory, ok := streamCheckers[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown submitter module %q (registered: %v)", name, registeredStream())
	}
	return factory(), nil
}

func registeredBatch() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(batchCheckers))
	for name := range batchCheckers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func registeredStream() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(streamCheckers))
	for name := range streamCheckers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
