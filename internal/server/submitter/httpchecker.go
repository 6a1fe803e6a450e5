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

package submitter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dusanlazic/avala/pkg/wire"
)

// HTTPChecker is the built-in batch adapter for checker services that accept
// a JSON array of flags and answer with an array of verdicts. Competitions
// with bespoke protocols register their own BatchChecker instead.
type HTTPChecker struct {
	URL    string
	Client *http.Client
}

// NewHTTPChecker creates a checker with a 30 second request timeout.
func NewHTTPChecker(url string) *HTTPChecker {
	return &HTTPChecker{
		URL:    url,
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Submit implements BatchChecker.
func (c *HTTPChecker) Submit(ctx context.Context, flags []string) ([]wire.FlagResponse, error) {
	body, err := json.Marshal(map[string][]string{"flags": flags})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("submit flags: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("submit flags: unexpected status %s", resp.Status)
	}
	var verdicts []wire.FlagResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdicts); err != nil {
		return nil, fmt.Errorf("parse checker response: %w", err)
	}
	return verdicts, nil
}
