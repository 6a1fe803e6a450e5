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

// flag-loadgen floods the flag intake endpoint with synthetic flags to size
// the submission pipeline before a game. It reuses HTTP connections and
// reports one summary line.
//
// A fraction of the generated flags repeat (-dup_every) so the run also
// exercises the dedup path, which is where intake spends its time in a real
// game.
//
// Usage:
//
//	flag-loadgen -base=http://127.0.0.1:2024 -player=bench -n=5000 -c=16 -batch=10
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dusanlazic/avala/pkg/wire"
)

func main() {
	var (
		base     = flag.String("base", "http://127.0.0.1:2024", "Avala server base URL")
		player   = flag.String("player", "loadgen", "basic auth username")
		password = flag.String("password", "", "basic auth password")
		exploit  = flag.String("exploit", "loadgen", "exploit alias to report")
		n        = flag.Int("n", 5000, "total enqueue requests to send")
		conc     = flag.Int("c", 8, "number of concurrent workers")
		batch    = flag.Int("batch", 10, "flags per request")
		dupEvery = flag.Int("dup_every", 5, "every Nth request resends the previous request's flags (0 disables)")
		timeout  = flag.Duration("timeout", 60*time.Second, "overall run timeout")
	)
	flag.Parse()

	if *n <= 0 || *conc <= 0 || *batch <= 0 {
		fmt.Fprintln(os.Stderr, "-n, -c and -batch must be > 0")
		os.Exit(2)
	}

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        256,
		MaxIdleConnsPerHost: 256,
		IdleConnTimeout:     30 * time.Second,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var enqueued, discarded, failed int64
	start := time.Now()

	worker := func(id, count int) {
		var prev []string
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}

			values := make([]string, *batch)
			if *dupEvery > 0 && i%*dupEvery == 0 && prev != nil {
				copy(values, prev)
			} else {
				for j := range values {
					values[j] = fmt.Sprintf("FLAG{w%d-r%d-f%d}", id, i, j)
				}
			}
			prev = values

			body, _ := json.Marshal(wire.EnqueueRequest{
				Values:  values,
				Exploit: *exploit,
				Target:  fmt.Sprintf("10.10.%d.1", id%250),
			})
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, *base+"/flags/queue", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			req.SetBasicAuth(*player, *password)

			resp, err := client.Do(req)
			if err != nil {
				atomic.AddInt64(&failed, 1)
				time.Sleep(200 * time.Microsecond)
				continue
			}
			var result wire.EnqueueResponse
			if resp.StatusCode == http.StatusOK && json.NewDecoder(resp.Body).Decode(&result) == nil {
				atomic.AddInt64(&enqueued, int64(result.Enqueued))
				atomic.AddInt64(&discarded, int64(result.Discarded))
			} else {
				atomic.AddInt64(&failed, 1)
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
		}
	}

	per := *n / *conc
	rem := *n - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	rps := float64(*n) / elapsed.Seconds()
	fmt.Printf("LoadGen: requests=%d enqueued=%d discarded=%d failed=%d duration=%s throughput=%.0f req/s\n",
		*n, enqueued, discarded, failed, elapsed.Truncate(time.Millisecond), rps)
}
