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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// commandFunc wraps an external exploit program as an ExploitFunc. The program
// inherits the parent environment plus Env, and is killed when the target's
// timeout expires.
func commandFunc(e *Exploit) ExploitFunc {
	return func(ctx context.Context, t Target) ([]string, error) {
		line := strings.ReplaceAll(e.Command, "{target}", t.Host)

		if strings.Contains(line, "{flag_ids_path}") {
			path, cleanup, err := writeFlagIDs(t.FlagIDs)
			if err != nil {
				return nil, err
			}
			defer cleanup()
			line = strings.ReplaceAll(line, "{flag_ids_path}", path)
		}

		cmd := exec.CommandContext(ctx, "sh", "-c", line)
		cmd.Env = os.Environ()
		for k, v := range e.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}

		out, err := cmd.CombinedOutput()
		lines := splitLines(out)
		if err != nil {
			// Partial output may still hold flags captured before the failure.
			return lines, fmt.Errorf("run %q against %s: %w", e.Alias, t.Host, err)
		}
		return lines, nil
	}
}

func writeFlagIDs(ids []json.RawMessage) (string, func(), error) {
	f, err := os.CreateTemp("", "avala-flagids-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("write flag ids: %w", err)
	}
	enc := json.NewEncoder(f)
	if err := enc.Encode(ids); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("write flag ids: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("write flag ids: %w", err)
	}
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func splitLines(out []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
