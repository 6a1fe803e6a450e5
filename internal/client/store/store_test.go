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

package store

import (
	"context"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFingerprintLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	fp := Fingerprint("notes", "10.10.3.1", []byte(`["id1","id2"]`))
	seen, err := s.SeenFingerprint(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if seen {
		t.Error("fresh fingerprint reported as seen")
	}

	if err := s.RememberFingerprint(ctx, fp); err != nil {
		t.Fatal(err)
	}
	if err := s.RememberFingerprint(ctx, fp); err != nil {
		t.Fatal("second remember should be a no-op:", err)
	}

	seen, err = s.SeenFingerprint(ctx, fp)
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("recorded fingerprint not found")
	}
}

func TestFingerprintVariesWithInputs(t *testing.T) {
	base := Fingerprint("notes", "10.10.3.1", []byte(`["id1"]`))
	cases := map[string]string{
		"alias":    Fingerprint("other", "10.10.3.1", []byte(`["id1"]`)),
		"target":   Fingerprint("notes", "10.10.3.2", []byte(`["id1"]`)),
		"flag ids": Fingerprint("notes", "10.10.3.1", []byte(`["id2"]`)),
	}
	for name, fp := range cases {
		if fp == base {
			t.Errorf("fingerprint insensitive to %s", name)
		}
	}
}

func TestObjects(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetObject(ctx, "session"); err != nil || ok {
		t.Fatalf("missing object: ok=%v err=%v", ok, err)
	}
	if err := s.PutObject(ctx, "session", []byte("token-1")); err != nil {
		t.Fatal(err)
	}
	if err := s.PutObject(ctx, "session", []byte("token-2")); err != nil {
		t.Fatal(err)
	}
	value, ok, err := s.GetObject(ctx, "session")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(value) != "token-2" {
		t.Errorf("value = %q, want replaced value", value)
	}
	if err := s.DeleteObject(ctx, "session"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.GetObject(ctx, "session"); ok {
		t.Error("object still present after delete")
	}
}

func TestPendingOutbox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AddPending(ctx, []string{"F1", "F2"}, "notes", "10.10.3.1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPending(ctx, []string{"F3"}, "notes", "10.10.3.2"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.PendingCount(ctx); n != 3 {
		t.Errorf("count = %d, want 3", n)
	}

	groups, err := s.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("groups = %d, want 2", len(groups))
	}
	if len(groups[0].Values) != 2 || groups[0].Target != "10.10.3.1" {
		t.Errorf("group 0 = %+v", groups[0])
	}

	// Deliver the first group; the second stays buffered.
	if err := s.ResolvePending(ctx, groups[0]); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.PendingCount(ctx); n != 1 {
		t.Errorf("count after resolve = %d, want 1", n)
	}
	groups, _ = s.ListPending(ctx)
	if len(groups) != 1 || groups[0].Values[0] != "F3" {
		t.Errorf("remaining = %+v", groups)
	}
}

func TestPendingOutboxDeduplicatesByValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// The same flag buffered twice, even under different exploits, keeps a
	// single outbox row.
	if err := s.AddPending(ctx, []string{"F1", "F2"}, "notes", "10.10.3.1"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPending(ctx, []string{"F1"}, "other", "10.10.9.9"); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.PendingCount(ctx); n != 2 {
		t.Errorf("count = %d, want 2", n)
	}

	groups, err := s.ListPending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 || len(groups[0].Values) != 2 || groups[0].Exploit != "notes" {
		t.Errorf("groups = %+v", groups)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.RememberFingerprint(context.Background(), "fp"); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	seen, err := s2.SeenFingerprint(context.Background(), "fp")
	if err != nil {
		t.Fatal(err)
	}
	if !seen {
		t.Error("fingerprint lost across reopen")
	}
}
