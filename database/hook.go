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
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/uptrace/bun"
)

var silentQueries atomic.Bool

// EnableSilentQueries turns every query hook in this package into a no-op.
func EnableSilentQueries(b bool) { silentQueries.Store(b) }

type silentQueriesKey struct{}

// WithSilentQueries returns a context whose queries are not reported by the
// hooks in this package. Queries run on other contexts are unaffected.
func WithSilentQueries(ctx context.Context) context.Context {
	return context.WithValue(ctx, silentQueriesKey{}, true)
}

func silenced(ctx context.Context) bool {
	if silentQueries.Load() {
		return true
	}
	v, _ := ctx.Value(silentQueriesKey{}).(bool)
	return v
}

var operationColors = map[string]*color.Color{
	"SELECT": color.New(color.FgGreen),
	"INSERT": color.New(color.FgBlue),
	"UPDATE": color.New(color.FgYellow),
	"DELETE": color.New(color.FgMagenta),
}

var operationHighlights = map[string]*color.Color{
	"SELECT": color.New(color.BgGreen, color.FgHiWhite),
	"INSERT": color.New(color.BgBlue, color.FgHiWhite),
	"UPDATE": color.New(color.BgYellow, color.FgHiWhite),
	"DELETE": color.New(color.BgMagenta, color.FgHiWhite),
}

var (
	defaultOperationColor     = color.New(color.FgRed)
	defaultOperationHighlight = color.New(color.BgRed, color.FgHiWhite)
	queryTagColor             = color.New(color.FgCyan)
	slowTagColor              = color.New(color.FgYellow)
	queryErrorColor           = color.New(color.BgRed)
)

func paintQuery(event *bun.QueryEvent, highlight bool) string {
	op := event.Operation()
	if highlight {
		if c, ok := operationHighlights[op]; ok {
			return c.Sprint(event.Query)
		}
		return defaultOperationHighlight.Sprint(event.Query)
	}
	if c, ok := operationColors[op]; ok {
		return c.Sprint(event.Query)
	}
	return defaultOperationColor.Sprint(event.Query)
}

// QueryHookOption configures a QueryHook.
type QueryHookOption func(*QueryHook)

// WithQueryHookWriter redirects query lines, stdout by default.
func WithQueryHookWriter(w io.Writer) QueryHookOption {
	return func(h *QueryHook) { h.writer = w }
}

// WithQueryHookVerbose prints successful queries as well as failing ones.
func WithQueryHookVerbose(verbose bool) QueryHookOption {
	return func(h *QueryHook) { h.verbose = verbose }
}

// WithQueryHookEnv lets an environment variable override the hook at runtime:
// "0" or empty disables it, "2" makes it verbose, anything else enables it.
func WithQueryHookEnv(name string) QueryHookOption {
	return func(h *QueryHook) { h.envName = name }
}

// QueryHook prints one colored line per query.
type QueryHook struct {
	envName string
	verbose bool
	writer  io.Writer
}

var _ bun.QueryHook = (*QueryHook)(nil)

func NewQueryHook(opts ...QueryHookOption) *QueryHook {
	h := &QueryHook{verbose: true, writer: os.Stdout, envName: "DAOKIT_QUERY_LOG"}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *QueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *QueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if silenced(ctx) {
		return
	}
	verbose := h.verbose
	if h.envName != "" {
		if env, ok := os.LookupEnv(h.envName); ok {
			if env == "" || env == "0" {
				return
			}
			verbose = env == "2"
		}
	}

	if !verbose {
		switch {
		case event.Err == nil, errors.Is(event.Err, sql.ErrNoRows), errors.Is(event.Err, sql.ErrTxDone):
			return
		}
	}

	now := time.Now()
	args := []interface{}{
		now.Format("2006-01-02 15:04:05.000"),
		queryTagColor.Sprintf("%10s", "[BUN]"),
		fmt.Sprintf("%17s", now.Sub(event.StartTime).Round(time.Microsecond)),
		" ", paintQuery(event, false),
	}
	if event.Err != nil {
		typ := reflect.TypeOf(event.Err).String()
		args = append(args, "\t", queryErrorColor.Sprintf(" %s: %s ", typ, event.Err.Error()))
	}
	_, _ = fmt.Fprintln(h.writer, args...)
}

// SlowQueryHook reports successful queries slower than a threshold. Reports
// go to the logger when one is set, otherwise to the writer.
type SlowQueryHook struct {
	envName  string
	slowTime time.Duration
	logger   Logger
	writer   io.Writer
}

var _ bun.QueryHook = (*SlowQueryHook)(nil)

func NewSlowQueryHook(threshold time.Duration, logger Logger) *SlowQueryHook {
	return &SlowQueryHook{
		envName:  "DAOKIT_SLOW_QUERY_LOG",
		slowTime: threshold,
		logger:   logger,
		writer:   os.Stdout,
	}
}

func (h *SlowQueryHook) BeforeQuery(ctx context.Context, _ *bun.QueryEvent) context.Context {
	return ctx
}

func (h *SlowQueryHook) AfterQuery(ctx context.Context, event *bun.QueryEvent) {
	if silenced(ctx) || event.Err != nil || h.slowTime <= 0 {
		return
	}
	if env, ok := os.LookupEnv(h.envName); ok && strings.TrimSpace(env) == "0" {
		return
	}

	duration := time.Since(event.StartTime)
	if duration <= h.slowTime {
		return
	}
	if h.logger != nil {
		h.logger.Warn("Slow query detected",
			"duration", duration,
			"slow_threshold", h.slowTime,
			"operation", event.Operation(),
			"query", event.Query,
		)
		return
	}
	_, _ = fmt.Fprintln(h.writer,
		time.Now().Format("2006-01-02 15:04:05.000"),
		slowTagColor.Sprintf("%10s", "[BUN_SLOW]"),
		fmt.Sprintf("%17s", duration.Round(time.Microsecond)),
		" ", paintQuery(event, true),
	)
}
