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

package attackdata

import (
	"reflect"
	"testing"
)

const samplePayload = `{
	"shop": {
		"10.0.0.1": [{"user": "alice"}, {"user": "bob"}],
		"10.0.0.2": [{"user": "carol"}]
	},
	"notes": {
		"10.0.0.1": [["id-9", "id-8"]]
	}
}`

func TestAccessors(t *testing.T) {
	d, err := Parse([]byte(samplePayload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got := d.Services(); !reflect.DeepEqual(got, []string{"notes", "shop"}) {
		t.Fatalf("services = %v", got)
	}

	targets, err := d.Targets("shop")
	if err != nil {
		t.Fatalf("targets: %v", err)
	}
	if !reflect.DeepEqual(targets, []string{"10.0.0.1", "10.0.0.2"}) {
		t.Fatalf("targets = %v", targets)
	}

	n, err := d.Ticks("shop", "10.0.0.1")
	if err != nil || n != 2 {
		t.Fatalf("ticks = %d, err %v", n, err)
	}

	ids, err := d.FlagIDs("shop", "10.0.0.1", 0)
	if err != nil {
		t.Fatalf("flag ids: %v", err)
	}
	if string(ids) != `{"user": "alice"}` {
		t.Fatalf("flag ids = %s", ids)
	}

	all, err := d.AllFlagIDs("shop", "10.0.0.1")
	if err != nil || len(all) != 2 {
		t.Fatalf("all flag ids = %v, err %v", all, err)
	}
}

func TestAccessorErrors(t *testing.T) {
	d, err := Parse([]byte(samplePayload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if _, err := d.Targets("nope"); err == nil {
		t.Error("expected error for unknown service")
	}
	if _, err := d.FlagIDs("shop", "10.9.9.9", 0); err == nil {
		t.Error("expected error for unknown target")
	}
	if _, err := d.FlagIDs("shop", "10.0.0.1", 5); err == nil {
		t.Error("expected error for out-of-range tick index")
	}
	if _, err := Parse([]byte(`{"broken":`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}
