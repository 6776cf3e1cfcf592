/*
 * Copyright 2025 tomoncle.
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
)

// MetricsHook records query counts, durations and classified errors.
type MetricsHook struct {
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	poolStats     *prometheus.GaugeVec
}

var _ bun.QueryHook = (*MetricsHook)(nil)

// NewMetricsHook creates the collectors and registers them with reg, falling
// back to prometheus.DefaultRegisterer. Collectors already registered by an
// earlier hook are reused.
func NewMetricsHook(reg prometheus.Registerer) (*MetricsHook, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	queries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daokit_queries_total",
			Help: "Total number of executed queries",
		},
		[]string{"operation", "status"},
	)
	queryDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "daokit_query_duration_seconds",
			Help:    "Query duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)
	errs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daokit_query_errors_total",
			Help: "Total number of failed queries by error kind",
		},
		[]string{"operation", "kind"},
	)
	pool := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "daokit_pool_connections",
			Help: "Database connection pool statistics",
		},
		[]string{"state"},
	)

	h := &MetricsHook{}
	var err error
	if h.queries, err = registerCollector(reg, queries); err != nil {
		return nil, err
	}
	if h.queryDuration, err = registerCollector(reg, queryDuration); err != nil {
		return nil, err
	}
	if h.errors, err = registerCollector(reg, errs); err != nil {
		return nil, err
	}
	if h.poolStats, err = registerCollector(reg, pool); err != nil {
		return nil, err
	}
	return h, nil
}

func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (h *MetricsHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *MetricsHook) AfterQuery(_ context.Context, event *bun.QueryEvent) {
	op := strings.ToLower(event.Operation())
	if op == "" {
		op = "other"
	}
	h.queryDuration.WithLabelValues(op).Observe(time.Since(event.StartTime).Seconds())

	status := "ok"
	if event.Err != nil && !errors.Is(event.Err, sql.ErrNoRows) {
		status = "error"
		_, kind := IsSqlError(event.Err)
		h.errors.WithLabelValues(op, kind.String()).Inc()
	}
	h.queries.WithLabelValues(op, status).Inc()
}

// ObservePool publishes pool statistics as gauges.
func (h *MetricsHook) ObservePool(stats *DBStats) {
	if stats == nil {
		return
	}
	h.poolStats.WithLabelValues("open").Set(float64(stats.OpenConns))
	h.poolStats.WithLabelValues("in_use").Set(float64(stats.InUse))
	h.poolStats.WithLabelValues("idle").Set(float64(stats.Idle))
	h.poolStats.WithLabelValues("max_open").Set(float64(stats.MaxOpenConns))
}
