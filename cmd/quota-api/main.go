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

// Package main runs the organization quota ledger service: an HTTP API over
// the usage façade, an in-process event sink, and an optional Prometheus
// endpoint. Confirmed usage is cached in Redis with the source of truth in
// Postgres.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"orgquota/internal/ledger/api"
	"orgquota/internal/ledger/events"
	"orgquota/internal/ledger/persistence"
	"orgquota/internal/ledger/store"
	"orgquota/internal/ledger/telemetry"
	"orgquota/internal/ledger/usage"
)

func main() {
	// Configuration knobs:
	// - counter_ttl: lifetime of cached counters; short keeps drift bounded
	// - cache_max_age: staleness deadline forcing a rehydrate from Postgres
	// - fetch_lock_ttl: upper bound a crashed rehydrate can hold its lock
	redisAddr := flag.String("redis_addr", "localhost:6379", "Redis address")
	redisPassword := flag.String("redis_password", "", "Redis password (empty for none)")
	dbDSN := flag.String("db_dsn", "postgres://localhost:5432/orgquota?sslmode=disable", "Postgres connection string")
	httpAddr := flag.String("http_addr", ":8080", "HTTP listen address")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	counterTTL := flag.Duration("counter_ttl", store.DefaultCounterTTL, "TTL of cached usage counters")
	cacheMaxAge := flag.Duration("cache_max_age", store.DefaultCacheMaxAge, "Age beyond which cached usage is rehydrated from the database")
	fetchLockTTL := flag.Duration("fetch_lock_ttl", usage.DefaultFetchLockTTL, "TTL of the per-family rehydrate lock")
	eventBuffer := flag.Int("event_buffer", 1024, "In-process event queue size")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: *redisPassword,
	})
	defer func() { _ = rdb.Close() }()
	client := store.NewGoRedisClient(rdb)

	db, err := sql.Open("postgres", *dbDSN)
	if err != nil {
		logger.Fatal("failed to open database", zap.Error(err))
	}
	defer func() { _ = db.Close() }()

	staleness := store.NewStalenessTracker(client, *cacheMaxAge)
	counters := store.NewCounterStore(client, *counterTTL, staleness)
	locks := store.NewLockProvider(client, logger)
	adapter := persistence.NewAdapter(db)
	service := usage.NewService(counters, locks, adapter, logger,
		usage.WithFetchLockTTL(*fetchLockTTL))

	consumer := events.NewChannelConsumer(*eventBuffer)
	sink := events.NewSink(counters, locks, logger)

	sinkCtx, stopSink := context.WithCancel(context.Background())
	sinkDone := make(chan struct{})
	go func() {
		defer close(sinkDone)
		if err := sink.Run(sinkCtx, consumer); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("event sink stopped", zap.Error(err))
		}
	}()

	if *metricsAddr != "" {
		telemetry.StartMetricsEndpoint(*metricsAddr)
		logger.Info("metrics endpoint started", zap.String("addr", *metricsAddr))
	}

	mux := http.NewServeMux()
	api.NewServer(service, consumer, logger).RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:         *httpAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("quota ledger API listening", zap.String("addr", *httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")

	// Stop accepting requests first, then drain the sink so in-flight
	// deltas land before the process exits.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}

	stopSink()
	select {
	case <-sinkDone:
	case <-ctx.Done():
	}

	logger.Info("stopped")
}
