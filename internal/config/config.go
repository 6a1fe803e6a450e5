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

// Package config loads and validates the Avala server configuration from
// server.yaml. Secrets can be referenced as ${ENV_VAR}; a .env file in the
// working directory is loaded first so the references resolve.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/dusanlazic/avala/internal/game"
)

// DefaultPaths are tried in order when no explicit path is given.
var DefaultPaths = []string{"server.yaml", "server.yml"}

// Duration is a YAML helper for {hours, minutes, seconds} blocks.
type Duration struct {
	Hours   int `yaml:"hours"`
	Minutes int `yaml:"minutes"`
	Seconds int `yaml:"seconds"`
}

// Std converts the block into a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d.Hours)*time.Hour +
		time.Duration(d.Minutes)*time.Minute +
		time.Duration(d.Seconds)*time.Second
}

// Game holds the game timing and flag parameters.
type Game struct {
	TickDuration      int      `yaml:"tick_duration"` // seconds
	FlagFormat        string   `yaml:"flag_format"`
	TeamIP            []string `yaml:"team_ip"`
	NopTeamIP         []string `yaml:"nop_team_ip"`
	FlagTTL           int      `yaml:"flag_ttl"` // ticks
	GameStartsAt      string   `yaml:"game_starts_at"`
	NetworksOpenAfter Duration `yaml:"networks_open_after"`
	GameEndsAfter     Duration `yaml:"game_ends_after"`
}

// Submitter selects exactly one pacing strategy. Module names the checker
// adapter; the built-in "http" adapter POSTs batches to URL.
type Submitter struct {
	Module       string `yaml:"module"`
	URL          string `yaml:"url"`
	Interval     int    `yaml:"interval"`  // seconds
	PerTick      int    `yaml:"per_tick"`  // submissions per tick
	BatchSize    int    `yaml:"batch_size"`
	Streams      int    `yaml:"streams"`
	MaxBatchSize int    `yaml:"max_batch_size"`
}

// Strategy names the selected pacing strategy.
type Strategy string

const (
	StrategyPerTick   Strategy = "per_tick"
	StrategyInterval  Strategy = "interval"
	StrategyBatchSize Strategy = "batch_size"
	StrategyStreams   Strategy = "streams"
)

// Strategy returns the configured strategy. Valid only after Validate.
func (s Submitter) Strategy() Strategy {
	switch {
	case s.PerTick > 0:
		return StrategyPerTick
	case s.Interval > 0:
		return StrategyInterval
	case s.BatchSize > 0:
		return StrategyBatchSize
	default:
		return StrategyStreams
	}
}

// AttackData configures the refresher's fetch module and retry policy. The
// built-in "http" module GETs the document from URL.
type AttackData struct {
	Module        string  `yaml:"module"`
	URL           string  `yaml:"url"`
	MaxAttempts   int     `yaml:"max_attempts"`
	RetryInterval float64 `yaml:"retry_interval"` // seconds
}

// Server holds the HTTP server parameters.
type Server struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Password string   `yaml:"password"`
	CORS     []string `yaml:"cors"`
}

// Database holds the PostgreSQL connection parameters.
type Database struct {
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

// DSN returns the postgres connection URL.
func (d Database) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

// RabbitMQ holds the broker connection parameters.
type RabbitMQ struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
}

// DSN returns the AMQP connection URL.
func (r RabbitMQ) DSN() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", r.User, r.Password, r.Host, r.Port)
}

// Config is the root of server.yaml.
type Config struct {
	Game       Game       `yaml:"game"`
	Server     Server     `yaml:"server"`
	Submitter  Submitter  `yaml:"submitter"`
	AttackData AttackData `yaml:"attack_data"`
	Database   Database   `yaml:"database"`
	RabbitMQ   RabbitMQ   `yaml:"rabbitmq"`
}

// Load reads, expands and validates the configuration file at path. If path
// is empty, DefaultPaths are tried in order.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	raw, err := readConfig(path)
	if err != nil {
		return nil, err
	}

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readConfig(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	for _, p := range DefaultPaths {
		raw, err := os.ReadFile(p)
		if err == nil {
			return raw, nil
		}
	}
	return nil, fmt.Errorf("no configuration file found (tried %v)", DefaultPaths)
}

func defaults() *Config {
	return &Config{
		Server: Server{
			Host: "0.0.0.0",
			Port: 2024,
		},
		Submitter: Submitter{
			Module: "submitter",
		},
		AttackData: AttackData{
			Module:        "flag_ids",
			MaxAttempts:   5,
			RetryInterval: 2,
		},
		Database: Database{Port: 5432},
		RabbitMQ: RabbitMQ{Port: 5672},
	}
}

// Validate checks required fields and the mutually-exclusive submitter
// strategy selection. A non-nil error is fatal at startup.
func (c *Config) Validate() error {
	if c.Game.TickDuration <= 0 {
		return errors.New("game.tick_duration must be positive")
	}
	if c.Game.FlagFormat == "" {
		return errors.New("game.flag_format is required")
	}
	if c.Game.FlagTTL <= 0 {
		return errors.New("game.flag_ttl must be positive")
	}
	if _, err := c.GameStart(); err != nil {
		return err
	}
	if c.Game.NetworksOpenAfter.Std() < 0 || c.Game.GameEndsAfter.Std() <= 0 {
		return errors.New("game.game_ends_after must be positive")
	}

	selected := 0
	for _, set := range []bool{
		c.Submitter.PerTick > 0,
		c.Submitter.Interval > 0,
		c.Submitter.BatchSize > 0,
		c.Submitter.Streams > 0,
	} {
		if set {
			selected++
		}
	}
	if selected != 1 {
		return errors.New("submitter: exactly one of per_tick, interval, batch_size or streams must be set")
	}
	if (c.Submitter.PerTick > 0 || c.Submitter.Interval > 0) && c.Submitter.MaxBatchSize == 0 {
		return errors.New("submitter.max_batch_size is required for per_tick and interval strategies")
	}

	if c.Database.Name == "" || c.Database.User == "" || c.Database.Host == "" {
		return errors.New("database.name, database.user and database.host are required")
	}
	if c.RabbitMQ.User == "" || c.RabbitMQ.Host == "" {
		return errors.New("rabbitmq.user and rabbitmq.host are required")
	}
	return nil
}

// GameStart parses game.game_starts_at, accepting "2006-01-02 15:04" and
// "2006-01-02 15:04:05" in the server's local timezone.
func (c *Config) GameStart() (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, c.Game.GameStartsAt, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("game.game_starts_at: cannot parse %q", c.Game.GameStartsAt)
}

// Schedule builds the tick clock parameters from the game section.
func (c *Config) Schedule() (game.Schedule, error) {
	start, err := c.GameStart()
	if err != nil {
		return game.Schedule{}, err
	}
	return game.Schedule{
		GameStartsAt:      start,
		TickDuration:      time.Duration(c.Game.TickDuration) * time.Second,
		NetworksOpenAfter: c.Game.NetworksOpenAfter.Std(),
		GameEndsAfter:     c.Game.GameEndsAfter.Std(),
	}, nil
}

// FlagTTL returns the broker message TTL for freshly queued flags:
// flag_ttl ticks expressed as a duration.
func (c *Config) FlagTTL() time.Duration {
	return time.Duration(c.Game.FlagTTL*c.Game.TickDuration) * time.Second
}
