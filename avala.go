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

// Package avala is the exploit client library. A player registers exploits
// against it and calls Run, which synchronises with the server's tick clock,
// waits for each tick's attack data, fans the exploits out over their targets
// and submits every captured flag.
//
//	client := avala.New(avala.Options{
//	    ServerURL: "http://10.10.0.2:2024",
//	    Player:    "dusan",
//	})
//	client.Register(avala.Exploit{
//	    Alias:   "notes",
//	    Service: "notes",
//	    Func:    stealNotes,
//	})
//	client.Run(context.Background())
package avala

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	clientstore "github.com/dusanlazic/avala/internal/client/store"
	"github.com/dusanlazic/avala/internal/game"
	"github.com/dusanlazic/avala/pkg/attackdata"
	"github.com/dusanlazic/avala/pkg/wire"
)

const (
	outboxInterval    = 15 * time.Second
	heartbeatInterval = 30 * time.Second
)

// Options configures the client.
type Options struct {
	// ServerURL is the Avala server base URL, e.g. "http://10.10.0.2:2024".
	ServerURL string
	// Player identifies you in the flag store and the dashboards.
	Player string
	// Password is the server password, if one is configured.
	Password string
	// DataDir holds the local database and exported connection settings.
	// Defaults to ".avala".
	DataDir string

	// BeforeAll runs at the start of every tick, before any exploit. Errors
	// are logged, the tick still runs.
	BeforeAll func(ctx context.Context) error
	// AfterAll runs after every tick's exploits have completed.
	AfterAll func(ctx context.Context)
}

// Avala drives registered exploits against the game.
type Avala struct {
	opts     Options
	api      *APIClient
	store    *clientstore.Store
	exploits []*Exploit

	gameInfo wire.GameInfo
	schedule game.Schedule
	flagRe   *regexp.Regexp

	// lastData is the most recent successfully parsed attack data, served
	// when a tick's long poll fails.
	lastData *attackdata.Data
}

// New creates a client. Connection happens lazily in Run, Workshop or Fire.
func New(opts Options) *Avala {
	if opts.DataDir == "" {
		opts.DataDir = ".avala"
	}
	return &Avala{
		opts: opts,
		api:  NewAPIClient(opts.ServerURL, opts.Player, opts.Password),
	}
}

// Register adds an exploit. Aliases must be unique, and each exploit needs
// either a Func or a Command.
func (a *Avala) Register(e Exploit) {
	for _, existing := range a.exploits {
		if existing.Alias == e.Alias {
			panic(fmt.Sprintf("avala: exploit %q registered twice", e.Alias))
		}
	}
	if e.Func == nil && e.Command == "" {
		panic(fmt.Sprintf("avala: exploit %q has neither Func nor Command", e.Alias))
	}
	if e.Func == nil {
		e.Func = commandFunc(&e)
	}
	a.exploits = append(a.exploits, &e)
}

// Run connects, then executes all registered exploits every tick until ctx is
// cancelled. Flags that cannot reach the server are buffered locally and
// retried in the background.
func (a *Avala) Run(ctx context.Context) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	defer a.store.Close()

	go a.drainOutboxLoop(ctx)
	go a.heartbeatLoop(ctx)

	if !a.schedule.Started(time.Now()) {
		logrus.Infof("Game starts at %s, waiting.", a.schedule.GameStartsAt)
	}
	for {
		next := a.schedule.NextTickStart(time.Now())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}

		tick := a.schedule.TickNumber(time.Now())
		logrus.Infof("Tick %d started.", tick)

		if a.opts.BeforeAll != nil {
			if err := a.opts.BeforeAll(ctx); err != nil {
				logrus.WithError(err).Error("before_all hook failed.")
			}
		}

		// Exploits that take no attack data start right away; the rest wait
		// for this tick's data to arrive.
		var wg sync.WaitGroup
		for _, e := range a.exploits {
			if e.Service != "" {
				continue
			}
			wg.Add(1)
			go func(e *Exploit) {
				defer wg.Done()
				a.runExploit(ctx, e, nil)
			}(e)
		}

		data := a.tickAttackData(ctx)
		if ctx.Err() != nil {
			wg.Wait()
			return ctx.Err()
		}
		for _, e := range a.exploits {
			if e.Service == "" {
				continue
			}
			wg.Add(1)
			go func(e *Exploit) {
				defer wg.Done()
				a.runExploit(ctx, e, data)
			}(e)
		}
		wg.Wait()

		if a.opts.AfterAll != nil {
			a.opts.AfterAll(ctx)
		}
	}
}

// Workshop connects and runs every exploit exactly once against the current
// attack data, drafts included. Meant for exploit development between games
// or against the NOP team.
func (a *Avala) Workshop(ctx context.Context) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	defer a.store.Close()

	data, err := a.currentAttackData(ctx)
	if err != nil {
		logrus.WithError(err).Warn("No attack data available.")
	}
	a.runAll(ctx, data)
	return a.drainOutboxOnce(ctx)
}

// Fire connects and runs a single exploit by alias, once, immediately.
func (a *Avala) Fire(ctx context.Context, alias string) error {
	var target *Exploit
	for _, e := range a.exploits {
		if e.Alias == alias {
			target = e
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no exploit registered as %q", alias)
	}

	if err := a.connect(ctx); err != nil {
		return err
	}
	defer a.store.Close()

	data, err := a.currentAttackData(ctx)
	if err != nil {
		logrus.WithError(err).Warn("No attack data available.")
	}
	a.runExploit(ctx, target, data)
	return a.drainOutboxOnce(ctx)
}

// connect verifies the server, caches game parameters, compiles the flag
// pattern, opens the local store and exports the connection settings.
func (a *Avala) connect(ctx context.Context) error {
	if err := a.api.Health(ctx); err != nil {
		return fmt.Errorf("connect to server: %w", err)
	}
	gameInfo, err := a.api.Game(ctx)
	if err != nil {
		return fmt.Errorf("fetch game info: %w", err)
	}
	scheduleInfo, err := a.api.Schedule(ctx)
	if err != nil {
		return fmt.Errorf("fetch schedule: %w", err)
	}

	flagRe, err := regexp.Compile(gameInfo.FlagFormat)
	if err != nil {
		return fmt.Errorf("compile flag format %q: %w", gameInfo.FlagFormat, err)
	}

	st, err := clientstore.Open(a.opts.DataDir)
	if err != nil {
		return err
	}
	if err := a.api.ExportSettings(a.opts.DataDir); err != nil {
		logrus.WithError(err).Warn("Failed to export connection settings.")
	}

	a.gameInfo = gameInfo
	a.schedule = scheduleFromInfo(scheduleInfo)
	a.flagRe = flagRe
	a.store = st
	logrus.Infof("Connected to %s as %s.", a.opts.ServerURL, a.opts.Player)
	return nil
}

func scheduleFromInfo(info wire.ScheduleInfo) game.Schedule {
	tick := time.Duration(info.TickDuration * float64(time.Second))
	return game.Schedule{
		GameStartsAt:      info.FirstTickStart,
		TickDuration:      tick,
		NetworksOpenAfter: time.Duration(info.NetworkOpenTick) * tick,
		GameEndsAfter:     time.Duration(info.TotalTicks) * tick,
	}
}

func (a *Avala) waitAttackData(ctx context.Context) (*attackdata.Data, error) {
	payload, err := a.api.WaitAttackData(ctx)
	if err != nil {
		return nil, err
	}
	return attackdata.Parse(payload)
}

// tickAttackData long-polls for this tick's attack data. When the poll fails,
// the previous tick's data is better than none, so the last good payload is
// served instead.
func (a *Avala) tickAttackData(ctx context.Context) *attackdata.Data {
	data, err := a.waitAttackData(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return a.lastData
		}
		if a.lastData != nil {
			logrus.WithError(err).Warn("No attack data this tick, reusing the previous tick's.")
		} else {
			logrus.WithError(err).Error("No attack data this tick, running exploits without it.")
		}
		return a.lastData
	}
	a.lastData = data
	return data
}

func (a *Avala) currentAttackData(ctx context.Context) (*attackdata.Data, error) {
	payload, ok, err := a.api.CurrentAttackData(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("server has no attack data yet")
	}
	return attackdata.Parse(payload)
}

func (a *Avala) runAll(ctx context.Context, data *attackdata.Data) {
	var wg sync.WaitGroup
	for _, e := range a.exploits {
		wg.Add(1)
		go func(e *Exploit) {
			defer wg.Done()
			a.runExploit(ctx, e, data)
		}(e)
	}
	wg.Wait()
}

// runExploit resolves targets, skips the ones whose inputs have not changed,
// and attacks the rest with a bounded worker pool.
func (a *Avala) runExploit(ctx context.Context, e *Exploit, data *attackdata.Data) {
	if e.Delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.Delay):
		}
	}

	targets := a.resolveTargets(e, data)
	if len(targets) == 0 {
		logrus.Debugf("%s: no targets this tick.", e.Alias)
		return
	}

	if e.Prepare != nil {
		if err := e.Prepare(ctx); err != nil {
			logrus.WithError(err).Errorf("%s: prepare failed, skipping tick.", e.Alias)
			return
		}
	}
	if e.Cleanup != nil {
		defer e.Cleanup(ctx)
	}

	// Drafts run unconditionally, everything else only against targets whose
	// flag IDs changed since the last successful run.
	fresh := targets
	if !e.Draft {
		fresh = targets[:0]
		for _, t := range targets {
			fp := clientstore.Fingerprint(e.Alias, t.Host, flagIDsKey(t.FlagIDs))
			seen, err := a.store.SeenFingerprint(ctx, fp)
			if err != nil {
				logrus.WithError(err).Warnf("%s: fingerprint check failed for %s.", e.Alias, t.Host)
			}
			if seen {
				continue
			}
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 {
		logrus.Infof("%s: all %d targets unchanged, nothing to do.", e.Alias, len(targets))
		return
	}
	logrus.Infof("%s: attacking %d targets.", e.Alias, len(fresh))

	for i, chunk := range e.chunks(fresh) {
		if i > 0 && e.Batching != nil && e.Batching.Wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.Batching.Wait):
			}
		}
		a.attackChunk(ctx, e, chunk)
	}
}

func (a *Avala) attackChunk(ctx context.Context, e *Exploit, targets []Target) {
	sem := make(chan struct{}, e.workers())
	var wg sync.WaitGroup
	for _, t := range targets {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			defer func() { <-sem }()
			a.attackTarget(ctx, e, t)
		}(t)
	}
	wg.Wait()
}

func (a *Avala) attackTarget(ctx context.Context, e *Exploit, t Target) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	output, err := e.Func(runCtx, t)

	// Flags in partial output are still worth points.
	flags := a.extractFlags(output)
	if len(flags) > 0 {
		a.submitFlags(ctx, e, t, flags)
	}

	if err != nil {
		logrus.WithError(err).Warnf("%s: %s failed.", e.Alias, t.Host)
		return
	}
	if e.Draft {
		return
	}
	fp := clientstore.Fingerprint(e.Alias, t.Host, flagIDsKey(t.FlagIDs))
	if err := a.store.RememberFingerprint(ctx, fp); err != nil {
		logrus.WithError(err).Warnf("%s: failed to record fingerprint for %s.", e.Alias, t.Host)
	}
}

func (a *Avala) submitFlags(ctx context.Context, e *Exploit, t Target, flags []string) {
	if e.Draft {
		logrus.Infof("%s (draft): %s yielded %d flags, not submitting: %v", e.Alias, t.Host, len(flags), flags)
		return
	}
	resp, err := a.api.Enqueue(ctx, flags, e.Alias, t.Host)
	if err != nil {
		logrus.WithError(err).Warnf("%s: buffering %d flags from %s locally.", e.Alias, len(flags), t.Host)
		if err := a.store.AddPending(ctx, flags, e.Alias, t.Host); err != nil {
			logrus.WithError(err).Errorf("%s: failed to buffer flags, they are lost.", e.Alias)
		}
		return
	}
	logrus.Infof("%s: %s yielded %d flags (%d new).", e.Alias, t.Host, len(flags), resp.Enqueued)
}

// extractFlags matches the flag format across all output strings and returns
// the unique matches in order of first appearance.
func (a *Avala) extractFlags(output []string) []string {
	var flags []string
	seen := make(map[string]struct{})
	for _, line := range output {
		for _, match := range a.flagRe.FindAllString(line, -1) {
			if _, dup := seen[match]; dup {
				continue
			}
			seen[match] = struct{}{}
			flags = append(flags, match)
		}
	}
	return flags
}

// resolveTargets expands targeting tokens against the game info and attack
// data, applies the skip list, and attaches each host's flag IDs.
func (a *Avala) resolveTargets(e *Exploit, data *attackdata.Data) []Target {
	tokens := e.Targets
	if len(tokens) == 0 {
		tokens = []string{TargetsAuto}
	}

	skip := make(map[string]struct{}, len(e.Skip))
	for _, host := range e.Skip {
		skip[host] = struct{}{}
	}
	// Own and NOP team are never attacked implicitly.
	own := make(map[string]struct{})
	for _, host := range a.gameInfo.TeamIP {
		own[host] = struct{}{}
	}
	nop := make(map[string]struct{})
	for _, host := range a.gameInfo.NopTeamIP {
		nop[host] = struct{}{}
	}

	var hosts []string
	seen := make(map[string]struct{})
	add := func(host string) {
		if _, dup := seen[host]; dup {
			return
		}
		if _, skipped := skip[host]; skipped {
			return
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}

	for _, token := range tokens {
		switch token {
		case TargetsAuto:
			if data == nil {
				continue
			}
			all, err := data.Targets(e.Service)
			if err != nil {
				logrus.Warnf("%s: %v.", e.Alias, err)
				continue
			}
			for _, host := range all {
				if _, isOwn := own[host]; isOwn {
					continue
				}
				if _, isNop := nop[host]; isNop {
					continue
				}
				add(host)
			}
		case TargetsNopTeam:
			for _, host := range a.gameInfo.NopTeamIP {
				add(host)
			}
		case TargetsOwnTeam:
			for _, host := range a.gameInfo.TeamIP {
				add(host)
			}
		default:
			add(token)
		}
	}

	targets := make([]Target, 0, len(hosts))
	for _, host := range hosts {
		targets = append(targets, Target{Host: host, FlagIDs: a.flagIDsFor(e, data, host)})
	}
	return targets
}

func (a *Avala) flagIDsFor(e *Exploit, data *attackdata.Data, host string) []json.RawMessage {
	if data == nil || e.Service == "" {
		return nil
	}
	if e.scope() == ScopeLastN {
		ids, err := data.AllFlagIDs(e.Service, host)
		if err != nil {
			return nil
		}
		return ids
	}
	id, err := data.FlagIDs(e.Service, host, 0)
	if err != nil {
		return nil
	}
	return []json.RawMessage{id}
}

// flagIDsKey serialises flag IDs for fingerprinting.
func flagIDsKey(ids []json.RawMessage) []byte {
	if len(ids) == 0 {
		return nil
	}
	out, err := json.Marshal(ids)
	if err != nil {
		return nil
	}
	return out
}

func (a *Avala) drainOutboxLoop(ctx context.Context) {
	ticker := time.NewTicker(outboxInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.drainOutboxOnce(ctx); err != nil {
				logrus.WithError(err).Debug("Outbox drain failed, will retry.")
			}
		}
	}
}

// drainOutboxOnce retries delivery of locally buffered flags, one request per
// (exploit, target) group. Groups that fail stay buffered.
func (a *Avala) drainOutboxOnce(ctx context.Context) error {
	groups, err := a.store.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, group := range groups {
		if _, err := a.api.Enqueue(ctx, group.Values, group.Exploit, group.Target); err != nil {
			return err
		}
		if err := a.store.ResolvePending(ctx, group); err != nil {
			return err
		}
		logrus.Infof("Delivered %d buffered flags for %s/%s.", len(group.Values), group.Exploit, group.Target)
	}
	return nil
}

func (a *Avala) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	healthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := a.api.Health(ctx)
			if err != nil && healthy {
				logrus.WithError(err).Warn("Lost connection to the server.")
			} else if err == nil && !healthy {
				logrus.Info("Connection to the server restored.")
			}
			healthy = err == nil
		}
	}
}
