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

package avala

import (
	"context"
	"encoding/json"
	"time"
)

// Defaults for exploit execution.
const (
	DefaultTimeout = 15 * time.Second
	DefaultWorkers = 128
)

// Targeting tokens usable in Exploit.Targets alongside literal addresses.
const (
	TargetsAuto    = "auto"     // every target in the attack data, minus own and NOP team
	TargetsNopTeam = "nop_team" // the organizers' undefended team, for testing
	TargetsOwnTeam = "own_team" // your own vulnbox, for local verification
)

// TickScope selects which flag IDs a target carries.
type TickScope string

const (
	// ScopeSingle passes only the current tick's flag IDs. The dedup
	// fingerprint then changes every tick, so the exploit runs every tick.
	ScopeSingle TickScope = "single"

	// ScopeLastN passes all flag IDs the organizers still expose. Useful for
	// exploits that can loot several ticks in one connection.
	ScopeLastN TickScope = "last_n"
)

// Target is one run of an exploit: a host and the flag IDs to use against it.
type Target struct {
	Host    string
	FlagIDs []json.RawMessage
}

// ExploitFunc attacks a single target and returns any output that may contain
// flags. Returned strings are matched against the flag format, so returning
// raw service output is fine.
type ExploitFunc func(ctx context.Context, t Target) ([]string, error)

// Batching splits a tick's targets into chunks separated by a pause, to
// spread load or stay under connection limits. Set Count or Size, not both.
type Batching struct {
	Count int           // number of chunks
	Size  int           // or targets per chunk
	Wait  time.Duration // pause between chunks
}

// Exploit is one registered attack.
type Exploit struct {
	// Alias identifies the exploit towards the server and in the local store.
	Alias string

	// Service is the attack-data service name used for auto targeting and
	// flag-ID lookup. Empty means no attack data is needed.
	Service string

	// Targets lists literal addresses and/or targeting tokens. Empty means
	// TargetsAuto.
	Targets []string

	// Skip removes addresses from the resolved target list.
	Skip []string

	// Prepare runs once per tick before the workers start, for per-tick
	// session setup.
	Prepare func(ctx context.Context) error

	// Cleanup runs once per tick after all targets finished.
	Cleanup func(ctx context.Context)

	// Func is the attack itself. Leave nil when Command is set.
	Func ExploitFunc

	// Command runs an external program per target instead of Func. The
	// placeholders {target} and {flag_ids_path} expand to the target host and
	// a JSON file holding its flag IDs. Stdout and stderr are scanned for
	// flags.
	Command string

	// Env adds variables to the Command environment.
	Env map[string]string

	// Delay postpones the exploit after the tick starts, to dodge traffic
	// analysis or let the target settle.
	Delay time.Duration

	// Timeout bounds one target's run. Zero means DefaultTimeout.
	Timeout time.Duration

	// Workers caps concurrent runs. Zero means DefaultWorkers.
	Workers int

	// Batching optionally splits the targets into paced chunks.
	Batching *Batching

	// TickScope selects the flag IDs to pass. Empty means ScopeSingle.
	TickScope TickScope

	// Draft exploits run with duplicate suppression disabled and their flags
	// logged instead of submitted, for development against the NOP team.
	Draft bool
}

func (e *Exploit) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return DefaultTimeout
}

func (e *Exploit) workers() int {
	if e.Workers > 0 {
		return e.Workers
	}
	return DefaultWorkers
}

func (e *Exploit) scope() TickScope {
	if e.TickScope != "" {
		return e.TickScope
	}
	return ScopeSingle
}

// chunks splits targets per the batching config. Without batching the whole
// list is one chunk.
func (e *Exploit) chunks(targets []Target) [][]Target {
	if e.Batching == nil || len(targets) == 0 {
		return [][]Target{targets}
	}
	size := e.Batching.Size
	if size <= 0 && e.Batching.Count > 0 {
		size = (len(targets) + e.Batching.Count - 1) / e.Batching.Count
	}
	if size <= 0 {
		return [][]Target{targets}
	}
	var out [][]Target
	for start := 0; start < len(targets); start += size {
		end := start + size
		if end > len(targets) {
			end = len(targets)
		}
		out = append(out, targets[start:end])
	}
	return out
}
