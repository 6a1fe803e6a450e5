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
	"fmt"

	"github.com/sirupsen/logrus"
)

// QueuedLister lists flags still waiting for a verdict.
type QueuedLister interface {
	ListQueued(ctx context.Context) ([]string, error)
}

// Recover republishes every still-queued flag to the submission queue. It
// runs once at startup, after the broker queues are declared but before the
// API starts taking requests. Flags that were already in the broker become
// duplicates; the checker rejecting a resubmitted flag is harmless, losing
// one is not.
func Recover(ctx context.Context, flags QueuedLister, queue Publisher) error {
	values, err := flags.ListQueued(ctx)
	if err != nil {
		return fmt.Errorf("recover queued flags: %w", err)
	}
	if len(values) == 0 {
		return nil
	}

	published := 0
	for _, value := range values {
		if err := queue.Publish([]byte(value), 0); err != nil {
			return fmt.Errorf("republish flag %s: %w", value, err)
		}
		published++
	}
	logrus.Infof("Recovered %d queued flags into the submission queue.", published)
	return nil
}
