// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
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

// Package telemetry exposes Prometheus metrics for the quota ledger. All
// recording functions are safe to call from hot paths; label cardinality is
// bounded by the three resource families.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orgquota/internal/ledger/quota"
)

var (
	cacheHitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_cache_hits_total",
		Help: "Confirmed-usage reads served from the shared store cache",
	}, []string{"family"})
	cacheMissesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_cache_misses_total",
		Help: "Confirmed-usage reads that fell through to the source of truth",
	}, []string{"family"})
	rehydratesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_rehydrates_total",
		Help: "Successful rehydrates of a family's confirmed counters",
	}, []string{"family"})
	rehydrateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "quota_rehydrate_duration_seconds",
		Help:    "Latency of projection aggregation plus cache write",
		Buckets: prometheus.DefBuckets,
	})
	lockTimeoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quota_lock_timeouts_total",
		Help: "Rehydrate lock acquisitions that timed out and fell back to a direct read",
	})
	eventDeltasTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_event_deltas_total",
		Help: "Non-zero usage deltas applied by the event sink",
	}, []string{"family"})
	eventErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quota_event_errors_total",
		Help: "Event-sink failures that were logged and swallowed",
	})
	pendingIncrementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quota_pending_increments_total",
		Help: "Pending-usage reservation operations",
	})
	pendingDecrementsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quota_pending_decrements_total",
		Help: "Pending-usage release operations",
	})
)

func init() {
	// Register eagerly. Harmless when no /metrics endpoint is exposed.
	prometheus.MustRegister(
		cacheHitsTotal, cacheMissesTotal, rehydratesTotal, rehydrateDuration,
		lockTimeoutsTotal, eventDeltasTotal, eventErrorsTotal,
		pendingIncrementsTotal, pendingDecrementsTotal,
	)
}

func RecordCacheHit(f quota.Family)  { cacheHitsTotal.WithLabelValues(string(f)).Inc() }
func RecordCacheMiss(f quota.Family) { cacheMissesTotal.WithLabelValues(string(f)).Inc() }

// ObserveRehydrate records one successful rehydrate and its latency.
func ObserveRehydrate(f quota.Family, d time.Duration) {
	rehydratesTotal.WithLabelValues(string(f)).Inc()
	rehydrateDuration.Observe(d.Seconds())
}

func RecordLockTimeout()               { lockTimeoutsTotal.Inc() }
func RecordEventDelta(f quota.Family)  { eventDeltasTotal.WithLabelValues(string(f)).Inc() }
func RecordEventError()                { eventErrorsTotal.Inc() }
func RecordPendingIncrement()          { pendingIncrementsTotal.Inc() }
func RecordPendingDecrement()          { pendingDecrementsTotal.Inc() }

// StartMetricsEndpoint exposes /metrics on addr in a background goroutine.
func StartMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}
