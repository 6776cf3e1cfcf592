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

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ErrSessionClosed is returned when a committed, rolled back or released
// session is used again.
var ErrSessionClosed = errors.New("session is closed")

type fixedDB struct{ db *bun.DB }

func (f fixedDB) GetDB() *bun.DB { return f.db }

// FixedDB adapts a single *bun.DB to DBSource.
func FixedDB(db *bun.DB) DBSource { return fixedDB{db: db} }

// ProviderOption configures a SessionProvider.
type ProviderOption func(*SessionProvider)

// WithTxOptions sets the options passed to BeginTx for every session.
func WithTxOptions(opts *sql.TxOptions) ProviderOption {
	return func(p *SessionProvider) { p.txOptions = opts }
}

// WithProviderLogger overrides the logger used by the provider and inherited
// by repositories built on it.
func WithProviderLogger(logger Logger) ProviderOption {
	return func(p *SessionProvider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// SessionProvider hands out units of work. It holds no per-session state and
// is safe for concurrent use.
type SessionProvider struct {
	source    DBSource
	txOptions *sql.TxOptions
	logger    Logger
}

func NewSessionProvider(source DBSource, opts ...ProviderOption) *SessionProvider {
	p := &SessionProvider{source: source, logger: GetLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// DB returns the current database of the underlying source.
func (p *SessionProvider) DB() *bun.DB {
	if p == nil || p.source == nil {
		return nil
	}
	return p.source.GetDB()
}

func (p *SessionProvider) Logger() Logger { return p.logger }

// Begin acquires a new session bound to ctx. The caller owns it and must
// Commit, Rollback or Release it.
func (p *SessionProvider) Begin(ctx context.Context) (*Session, error) {
	db := p.DB()
	if db == nil {
		return nil, fmt.Errorf("begin session: %w", ErrNotConnected)
	}
	tx, err := db.BeginTx(ctx, p.txOptions)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	s := &Session{id: uuid.NewString(), tx: tx, logger: p.logger}
	p.logger.Debug("Session opened", "session", s.id)
	return s, nil
}

// Scope acquires a session, runs fn and releases the session on every exit
// path. It never commits.
func (p *SessionProvider) Scope(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	s, err := p.Begin(ctx)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn(ctx, s)
}

// Transaction runs fn inside Scope and commits when fn returns nil. Any
// error or panic leaves the session to be rolled back by Release.
func (p *SessionProvider) Transaction(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	return p.Scope(ctx, func(ctx context.Context, s *Session) error {
		if err := fn(ctx, s); err != nil {
			return err
		}
		return s.Commit()
	})
}

// Session is a single transaction on one connection. It must not be used
// from more than one goroutine at a time.
type Session struct {
	id     string
	tx     bun.Tx
	logger Logger
	closed bool
}

func (s *Session) ID() string { return s.id }

// DB returns the transaction as a bun.IDB for building queries.
func (s *Session) DB() bun.IDB { return s.tx }

// Tx returns the underlying bun transaction.
func (s *Session) Tx() bun.Tx { return s.tx }

// Active reports whether the session can still run statements.
func (s *Session) Active() bool { return s != nil && !s.closed }

func (s *Session) Commit() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	if err := s.tx.Commit(); err != nil {
		s.logger.Error("Session commit failed", "session", s.id, "error", err)
		return fmt.Errorf("commit session %s: %w", s.id, err)
	}
	s.logger.Debug("Session committed", "session", s.id)
	return nil
}

func (s *Session) Rollback() error {
	if s.closed {
		return ErrSessionClosed
	}
	s.closed = true
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.logger.Error("Session rollback failed", "session", s.id, "error", err)
		return fmt.Errorf("rollback session %s: %w", s.id, err)
	}
	s.logger.Debug("Session rolled back", "session", s.id)
	return nil
}

// Release rolls back the session if it was neither committed nor rolled
// back. It is safe to call more than once.
func (s *Session) Release() {
	if s == nil || s.closed {
		return
	}
	_ = s.Rollback()
}
