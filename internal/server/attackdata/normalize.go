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

// Package attackdata periodically fetches the organizer's attack data,
// detects staleness by content hash, and exposes the freshest known payload
// to long-polling clients.
package attackdata

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// Normalize re-encodes a JSON document into a canonical form so that
// semantically equal payloads hash identically. Object keys are emitted in
// sorted order. Arrays of only strings or only numbers are sorted too, since
// organizers commonly shuffle flag-ID lists between polls; mixed or nested
// arrays keep their order because it may be meaningful.
func Normalize(raw []byte) ([]byte, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse attack data: %w", err)
	}
	sortValues(doc)
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode attack data: %w", err)
	}
	return out, nil
}

// Hash returns the hex md5 of the normalized payload.
func Hash(normalized []byte) string {
	sum := md5.Sum(normalized)
	return hex.EncodeToString(sum[:])
}

func sortValues(doc interface{}) {
	switch v := doc.(type) {
	case map[string]interface{}:
		for _, child := range v {
			sortValues(child)
		}
	case []interface{}:
		for _, child := range v {
			sortValues(child)
		}
		if allStrings(v) {
			sort.Slice(v, func(i, j int) bool { return v[i].(string) < v[j].(string) })
		} else if allNumbers(v) {
			sort.Slice(v, func(i, j int) bool { return v[i].(float64) < v[j].(float64) })
		}
	}
}

func allStrings(v []interface{}) bool {
	for _, e := range v {
		if _, ok := e.(string); !ok {
			return false
		}
	}
	return len(v) > 0
}

func allNumbers(v []interface{}) bool {
	for _, e := range v {
		if _, ok := e.(float64); !ok {
			return false
		}
	}
	return len(v) > 0
}
