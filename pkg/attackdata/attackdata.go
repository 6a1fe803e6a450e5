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

// Package attackdata models the per-tick opponent metadata published by the
// game server: a three-level mapping of service name to target host to an
// ordered list of tick-scoped flag-id records, most recent first. The shape of
// each record is opaque to Avala and defined by the user's processor.
package attackdata

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Data is the parsed attack-data payload. The zero value is empty and usable.
type Data struct {
	services map[string]map[string][]json.RawMessage
}

// Parse decodes an attack-data JSON payload as published by the server.
func Parse(payload []byte) (*Data, error) {
	var raw map[string]map[string][]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parse attack data: %w", err)
	}
	return &Data{services: raw}, nil
}

// Services returns the sorted list of service names present in the payload.
func (d *Data) Services() []string {
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Targets returns the sorted list of targets for which flag ids are available
// for the given service.
func (d *Data) Targets(service string) ([]string, error) {
	targets, ok := d.services[service]
	if !ok {
		return nil, fmt.Errorf("service %q not found in attack data", service)
	}
	hosts := make([]string, 0, len(targets))
	for host := range targets {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// Ticks returns the number of tick-scoped flag-id records available for the
// given service and target.
func (d *Data) Ticks(service, target string) (int, error) {
	ticks, err := d.ticks(service, target)
	if err != nil {
		return 0, err
	}
	return len(ticks), nil
}

// FlagIDs returns the flag-id record for the given service, target and tick
// index. Index 0 is the most recent tick.
func (d *Data) FlagIDs(service, target string, tickIndex int) (json.RawMessage, error) {
	ticks, err := d.ticks(service, target)
	if err != nil {
		return nil, err
	}
	if tickIndex < 0 || tickIndex >= len(ticks) {
		return nil, fmt.Errorf("tick index %d out of range for %s/%s", tickIndex, service, target)
	}
	return ticks[tickIndex], nil
}

// AllFlagIDs returns every tick-scoped record for the given service and
// target, most recent first. Used by exploits with last_n tick scope.
func (d *Data) AllFlagIDs(service, target string) ([]json.RawMessage, error) {
	ticks, err := d.ticks(service, target)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, len(ticks))
	copy(out, ticks)
	return out, nil
}

func (d *Data) ticks(service, target string) ([]json.RawMessage, error) {
	targets, ok := d.services[service]
	if !ok {
		return nil, fmt.Errorf("service %q not found in attack data", service)
	}
	ticks, ok := targets[target]
	if !ok {
		return nil, fmt.Errorf("target %q not found for service %q", target, service)
	}
	return ticks, nil
}
