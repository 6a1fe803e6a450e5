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

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Prometheus metrics. Labels stay bounded: status has four values and
	// exploit aliases are operator-defined, not attacker-controlled.
	flagsQueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "avala_flags_queued_total",
		Help: "Flags accepted into the queue, by exploit alias",
	}, []string{"exploit"})
	flagsDiscardedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "avala_flags_discarded_total",
		Help: "Duplicate flags discarded at intake, by exploit alias",
	}, []string{"exploit"})
	flagsAcceptedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "avala_flags_accepted_total",
		Help: "Flags the checker accepted",
	})
	flagsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "avala_flags_rejected_total",
		Help: "Flags the checker rejected",
	})
	submissionBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "avala_submission_batch_size",
		Help:    "Distribution of flags per submission batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})
	persistedRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "avala_persisted_rows_total",
		Help: "Flag rows whose final status was written to the database",
	})
	attackDataRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "avala_attack_data_refresh_total",
		Help: "Attack data refresh outcomes, by result (fresh, unchanged, reused, failed)",
	}, []string{"result"})
	queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "avala_queue_depth",
		Help: "Messages waiting in a broker queue",
	}, []string{"queue"})
)

func init() {
	prometheus.MustRegister(
		flagsQueuedTotal, flagsDiscardedTotal, flagsAcceptedTotal, flagsRejectedTotal,
		submissionBatchSize, persistedRowsTotal, attackDataRefreshTotal, queueDepth,
	)
}

// ObserveEnqueue records an intake result for one request.
func ObserveEnqueue(exploit string, queued, discarded int) {
	if queued > 0 {
		flagsQueuedTotal.WithLabelValues(exploit).Add(float64(queued))
	}
	if discarded > 0 {
		flagsDiscardedTotal.WithLabelValues(exploit).Add(float64(discarded))
	}
}

// ObserveSubmission records one checker round trip.
func ObserveSubmission(batch, accepted, rejected int) {
	if batch > 0 {
		submissionBatchSize.Observe(float64(batch))
	}
	if accepted > 0 {
		flagsAcceptedTotal.Add(float64(accepted))
	}
	if rejected > 0 {
		flagsRejectedTotal.Add(float64(rejected))
	}
}

// ObservePersisted records rows written by one persister drain.
func ObservePersisted(rows int) {
	if rows > 0 {
		persistedRowsTotal.Add(float64(rows))
	}
}

// ObserveQueueDepth records a broker queue's sampled depth.
func ObserveQueueDepth(queue string, depth int) {
	queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// ObserveRefresh records the outcome of one attack-data refresh attempt.
func ObserveRefresh(result string) {
	attackDataRefreshTotal.WithLabelValues(result).Inc()
}

// StartEndpoint exposes /metrics on addr in a background goroutine.
func StartEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
