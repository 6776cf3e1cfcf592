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
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/mysqldialect"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
)

// ErrNotConnected is returned when the manager has no open connection.
var ErrNotConnected = errors.New("database not connected")

type defaultDatabaseManager struct {
	config          *ConnectionConfig
	db              *bun.DB
	sqlDB           *sql.DB
	logger          Logger
	metrics         *MetricsHook
	registerer      prometheus.Registerer
	mu              sync.RWMutex
	connected       bool
	lastError       error
	lastHealthCheck time.Time
	healthStatus    *HealthStatus
	reconnectTries  atomic.Int32
	stopHealthCheck chan struct{}
	healthCheckOnce sync.Once
}

// ManagerOption configures the database manager.
type ManagerOption func(*defaultDatabaseManager)

// WithMetricsRegisterer registers query metrics with reg instead of the
// default prometheus registry. It only matters when EnableMetrics is set.
func WithMetricsRegisterer(reg prometheus.Registerer) ManagerOption {
	return func(dm *defaultDatabaseManager) { dm.registerer = reg }
}

// NewDatabaseManager returns an AbstractDatabaseManager backed by Bun. A nil
// config falls back to DefaultConnectionConfig.
func NewDatabaseManager(config *ConnectionConfig, opts ...ManagerOption) AbstractDatabaseManager {
	if config == nil {
		config = DefaultConnectionConfig()
	}
	dm := &defaultDatabaseManager{
		config:          config,
		logger:          GetLogger(),
		healthStatus:    &HealthStatus{},
		stopHealthCheck: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(dm)
	}
	return dm
}

func (dm *defaultDatabaseManager) Connect(ctx context.Context) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if dm.connected && dm.db != nil {
		return nil
	}

	var err error
	dm.sqlDB, dm.db, err = dm.createConnection()
	if err != nil {
		dm.lastError = err
		return fmt.Errorf("failed to create database connection: %w", err)
	}

	dm.configureConnectionPool()

	ctxTimeout, cancel := context.WithTimeout(ctx, dm.config.ConnectTimeout)
	defer cancel()

	if err := dm.db.PingContext(ctxTimeout); err != nil {
		dm.lastError = err
		_ = dm.db.Close()
		dm.db, dm.sqlDB = nil, nil
		return fmt.Errorf("database connection test failed: %w", err)
	}

	dm.connected = true
	dm.lastError = nil
	dm.reconnectTries.Store(0)

	if dm.config.HealthCheckInterval > 0 {
		dm.startHealthCheck()
	}

	dm.logger.Info("Database connected", "type", dm.config.Type, "host", dm.config.Host, "dbname", dm.config.DBName)
	return nil
}

func (dm *defaultDatabaseManager) createConnection() (*sql.DB, *bun.DB, error) {
	var sqlDB *sql.DB
	var db *bun.DB
	var err error

	if dm.config.ConnectTimeout <= 0 {
		dm.config.ConnectTimeout = 30 * time.Second
	}

	switch dm.config.Type {
	case "mysql":
		sqlDB, db, err = dm.createMySQLConnection()
	case "postgres", "postgresql":
		sqlDB, db, err = dm.createPostgreSQLConnection()
	case "sqlite", "sqlite3":
		sqlDB, db, err = dm.createSQLiteConnection()
	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", dm.config.Type)
	}
	if err != nil {
		return nil, nil, err
	}

	if err := dm.addQueryHooks(db); err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return sqlDB, db, nil
}

func (dm *defaultDatabaseManager) addQueryHooks(db *bun.DB) error {
	if dm.config.EnableQueryLog {
		switch dm.config.QueryLogStyle {
		case QueryLogStyleBundebug:
			db.AddQueryHook(bundebug.NewQueryHook(
				bundebug.WithVerbose(true),
				bundebug.FromEnv("BUNDEBUG"),
			))
		default:
			db.AddQueryHook(NewQueryHook(WithQueryHookVerbose(true)))
		}
	}

	if dm.config.SlowQueryTime > 0 {
		db.AddQueryHook(NewSlowQueryHook(dm.config.SlowQueryTime, dm.logger))
	}

	if dm.config.EnableMetrics {
		if dm.metrics == nil {
			m, err := NewMetricsHook(dm.registerer)
			if err != nil {
				return fmt.Errorf("register query metrics: %w", err)
			}
			dm.metrics = m
		}
		db.AddQueryHook(dm.metrics)
	}
	return nil
}

func (dm *defaultDatabaseManager) createMySQLConnection() (*sql.DB, *bun.DB, error) {
	dsn := dm.config.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&clientFoundRows=true&timeout=%s&readTimeout=%s&writeTimeout=%s",
			dm.config.Username,
			dm.config.Password,
			dm.config.Host,
			dm.config.Port,
			dm.config.DBName,
			dm.config.ConnectTimeout,
			dm.config.ReadTimeout,
			dm.config.WriteTimeout,
		)
	}

	sqlDB, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, nil, err
	}
	return sqlDB, bun.NewDB(sqlDB, mysqldialect.New()), nil
}

func (dm *defaultDatabaseManager) createPostgreSQLConnection() (*sql.DB, *bun.DB, error) {
	dsn := dm.config.DSN
	if dsn == "" {
		sslMode := dm.config.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s&connect_timeout=%d",
			dm.config.Username,
			dm.config.Password,
			dm.config.Host,
			dm.config.Port,
			dm.config.DBName,
			sslMode,
			int(dm.config.ConnectTimeout.Seconds()),
		)
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, err
	}
	return sqlDB, bun.NewDB(sqlDB, pgdialect.New()), nil
}

func (dm *defaultDatabaseManager) createSQLiteConnection() (*sql.DB, *bun.DB, error) {
	dsn := dm.config.DSN
	if dsn == "" {
		dsn = fmt.Sprintf("file:%s.db?cache=shared", dm.config.DBName)
	}

	sqlDB, err := sql.Open(sqliteshim.ShimName, dsn)
	if err != nil {
		return nil, nil, err
	}
	return sqlDB, bun.NewDB(sqlDB, sqlitedialect.New()), nil
}

func (dm *defaultDatabaseManager) configureConnectionPool() {
	if dm.sqlDB == nil {
		return
	}

	dm.sqlDB.SetMaxIdleConns(dm.config.MaxIdleConns)
	dm.sqlDB.SetMaxOpenConns(dm.config.MaxOpenConns)
	dm.sqlDB.SetConnMaxLifetime(dm.config.ConnMaxLifetime)
	dm.sqlDB.SetConnMaxIdleTime(dm.config.ConnMaxIdleTime)
}

func (dm *defaultDatabaseManager) Disconnect() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.closeLocked()
}

func (dm *defaultDatabaseManager) closeLocked() error {
	if dm.db == nil {
		return nil
	}
	err := dm.db.Close()
	dm.db = nil
	dm.sqlDB = nil
	dm.connected = false

	if err != nil {
		dm.logger.Error("Failed to close database connection", "error", err)
	} else {
		dm.logger.Info("Database connection closed")
	}
	return err
}

// Close stops the health checker and closes the connection for good.
func (dm *defaultDatabaseManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	select {
	case <-dm.stopHealthCheck:
	default:
		close(dm.stopHealthCheck)
	}
	return dm.closeLocked()
}

func (dm *defaultDatabaseManager) Reconnect(ctx context.Context) error {
	dm.logger.Info("Attempting to reconnect to the database")

	if err := dm.Disconnect(); err != nil {
		dm.logger.Warn("Error disconnecting existing connection", "error", err)
	}
	return dm.Connect(ctx)
}

func (dm *defaultDatabaseManager) Ping(ctx context.Context) error {
	dm.mu.RLock()
	db := dm.db
	dm.mu.RUnlock()

	if db == nil {
		return ErrNotConnected
	}
	return db.PingContext(ctx)
}

func (dm *defaultDatabaseManager) GetDB() *bun.DB {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.db
}

func (dm *defaultDatabaseManager) GetSQLDB() *sql.DB {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	return dm.sqlDB
}

func (dm *defaultDatabaseManager) HealthCheck(ctx context.Context) *HealthStatus {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	start := time.Now()
	status := &HealthStatus{
		LastCheckTime: start,
		Connected:     dm.connected,
	}

	if dm.db == nil {
		status.LastError = ErrNotConnected.Error()
		dm.healthStatus = status
		return status
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	err := dm.db.PingContext(ctxTimeout)
	status.ResponseTime = time.Since(start)

	if err != nil {
		status.Connected = false
		status.LastError = err.Error()
		dm.lastError = err
	} else {
		status.Healthy = true
		status.Connected = true
		dm.lastError = nil
	}

	if dm.sqlDB != nil {
		stats := dm.sqlDB.Stats()
		status.ActiveConns = stats.InUse
		status.IdleConns = stats.Idle
		status.MaxOpenConns = stats.MaxOpenConnections
	}

	dm.healthStatus = status
	dm.lastHealthCheck = start
	return status
}

func (dm *defaultDatabaseManager) startHealthCheck() {
	dm.healthCheckOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(dm.config.HealthCheckInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
					status := dm.HealthCheck(ctx)
					cancel()
					if dm.metrics != nil {
						dm.metrics.ObservePool(dm.GetStats())
					}
					if !status.Healthy && dm.config.EnableReconnect {
						dm.handleReconnect()
					}
				case <-dm.stopHealthCheck:
					return
				}
			}
		}()
	})
}

func (dm *defaultDatabaseManager) handleReconnect() {
	try := dm.reconnectTries.Add(1)
	if int(try) > dm.config.MaxReconnectTries {
		dm.reconnectTries.Add(-1)
		dm.logger.Error("Max reconnect attempts reached, stopping", "tries", dm.config.MaxReconnectTries)
		return
	}
	dm.logger.Info("Starting database reconnect", "try", try)

	time.Sleep(dm.config.ReconnectInterval)

	ctx, cancel := context.WithTimeout(context.Background(), dm.config.ConnectTimeout)
	defer cancel()

	if err := dm.Reconnect(ctx); err != nil {
		dm.logger.Error("Reconnect failed", "error", err, "try", try)
		return
	}
	dm.logger.Info("Reconnect succeeded")
}

func (dm *defaultDatabaseManager) GetStats() *DBStats {
	dm.mu.RLock()
	sqlDB := dm.sqlDB
	dm.mu.RUnlock()

	if sqlDB == nil {
		return &DBStats{}
	}

	stats := sqlDB.Stats()
	return &DBStats{
		MaxOpenConns:      stats.MaxOpenConnections,
		OpenConns:         stats.OpenConnections,
		InUse:             stats.InUse,
		Idle:              stats.Idle,
		WaitCount:         stats.WaitCount,
		WaitDuration:      stats.WaitDuration,
		MaxIdleClosed:     stats.MaxIdleClosed,
		MaxIdleTimeClosed: stats.MaxIdleTimeClosed,
		MaxLifetimeClosed: stats.MaxLifetimeClosed,
	}
}

func (dm *defaultDatabaseManager) RunMigrations(ctx context.Context) error {
	if dm.GetDB() == nil {
		return ErrNotConnected
	}
	provider := NewSessionProvider(dm, WithProviderLogger(dm.logger))
	return NewMigrationManager(provider).RunMigrations(ctx)
}

func (dm *defaultDatabaseManager) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.logger = logger
}
