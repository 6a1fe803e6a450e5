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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dusanlazic/avala/pkg/wire"
)

// settingsFile persists the connection settings under the data directory so
// one-off scripts (avala.Fire) can reuse them without repeating the options.
const settingsFile = "api_client.json"

// APIClient talks to the Avala server on behalf of one player.
type APIClient struct {
	BaseURL  string
	Player   string
	Password string

	httpClient *http.Client
}

type settings struct {
	BaseURL  string `json:"base_url"`
	Player   string `json:"player"`
	Password string `json:"password"`
}

// NewAPIClient builds a client from explicit connection settings.
func NewAPIClient(baseURL, player, password string) *APIClient {
	return &APIClient{
		BaseURL:    baseURL,
		Player:     player,
		Password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// LoadAPIClient rebuilds a client from settings previously exported under dir.
func LoadAPIClient(dir string) (*APIClient, error) {
	raw, err := os.ReadFile(filepath.Join(dir, settingsFile))
	if err != nil {
		return nil, fmt.Errorf("no exported connection settings, connect once first: %w", err)
	}
	var s settings
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse connection settings: %w", err)
	}
	return NewAPIClient(s.BaseURL, s.Player, s.Password), nil
}

// ExportSettings writes the connection settings under dir.
func (c *APIClient) ExportSettings(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(settings{
		BaseURL:  c.BaseURL,
		Player:   c.Player,
		Password: c.Password,
	}, "", "  ")
	if err != nil {
		return err
	}
	// Contains the server password, keep it out of other users' reach.
	return os.WriteFile(filepath.Join(dir, settingsFile), raw, 0o600)
}

// Health verifies connectivity and credentials.
func (c *APIClient) Health(ctx context.Context) error {
	var resp wire.HealthResponse
	if err := c.get(ctx, "/connect/health", &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

// Game fetches the flag format and target addresses.
func (c *APIClient) Game(ctx context.Context) (wire.GameInfo, error) {
	var resp wire.GameInfo
	err := c.get(ctx, "/connect/game", &resp)
	return resp, err
}

// Schedule fetches the tick timing parameters.
func (c *APIClient) Schedule(ctx context.Context) (wire.ScheduleInfo, error) {
	var resp wire.ScheduleInfo
	err := c.get(ctx, "/connect/schedule", &resp)
	return resp, err
}

// Enqueue submits captured flags for one exploit and target.
func (c *APIClient) Enqueue(ctx context.Context, values []string, exploit, target string) (wire.EnqueueResponse, error) {
	body, err := json.Marshal(wire.EnqueueRequest{Values: values, Exploit: exploit, Target: target})
	if err != nil {
		return wire.EnqueueResponse{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/flags/queue", bytes.NewReader(body))
	if err != nil {
		return wire.EnqueueResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var resp wire.EnqueueResponse
	if err := c.do(req, &resp); err != nil {
		return wire.EnqueueResponse{}, err
	}
	return resp, nil
}

// CurrentAttackData fetches the freshest attack data without waiting. ok is
// false when the server has nothing yet.
func (c *APIClient) CurrentAttackData(ctx context.Context) ([]byte, bool, error) {
	return c.fetchAttackData(ctx, "/attack-data/current")
}

// WaitAttackData long-polls until this tick's attack data decision is made.
// It retries while the server answers 202.
func (c *APIClient) WaitAttackData(ctx context.Context) ([]byte, error) {
	for {
		payload, ok, err := c.fetchAttackData(ctx, "/attack-data/subscribe")
		if err != nil {
			return nil, err
		}
		if ok {
			return payload, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *APIClient) fetchAttackData(ctx context.Context, path string) ([]byte, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		payload, err := io.ReadAll(resp.Body)
		return payload, true, err
	case http.StatusAccepted:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("GET %s: unexpected status %s", path, resp.Status)
	}
}

func (c *APIClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.Player, c.Password)
	return req, nil
}

func (c *APIClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *APIClient) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
