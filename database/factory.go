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
	"fmt"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/uptrace/bun"
)

var supportedTypes = []string{"mysql", "postgres", "postgresql", "sqlite", "sqlite3"}

// BaseDatabaseFactory creates and manages a configured database manager and
// the session provider built on top of it.
type BaseDatabaseFactory struct {
	manager  AbstractDatabaseManager
	provider *SessionProvider
	logger   Logger
}

// NewDatabaseFactory returns a new database factory using the global logger.
func NewDatabaseFactory() *BaseDatabaseFactory {
	return &BaseDatabaseFactory{
		logger: GetLogger(),
	}
}

// CreateFromConfig validates cfg, applies environment overrides and builds
// the database manager.
func (f *BaseDatabaseFactory) CreateFromConfig(cfg *ConnectionConfig, opts ...ManagerOption) (AbstractDatabaseManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration cannot be empty")
	}

	if err := f.overrideFromEnv(cfg); err != nil {
		return nil, err
	}

	if !slices.Contains(supportedTypes, cfg.Type) {
		return nil, fmt.Errorf("unsupported database type: %s, supported types: %v", cfg.Type, supportedTypes)
	}

	manager := NewDatabaseManager(cfg, opts...)
	manager.SetLogger(f.logger)

	f.manager = manager
	f.provider = NewSessionProvider(manager, WithProviderLogger(f.logger))
	return manager, nil
}

// overrideFromEnv applies DB_* environment variables on top of cfg. Variables
// that are not set leave the configured value untouched.
func (f *BaseDatabaseFactory) overrideFromEnv(cfg *ConnectionConfig) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("failed to read database environment: %w", err)
	}
	return nil
}

// InitializeDatabase connects to the database and optionally runs migrations.
func (f *BaseDatabaseFactory) InitializeDatabase(ctx context.Context, runMigrations bool) error {
	if f.manager == nil {
		return fmt.Errorf("database manager not created")
	}

	if err := f.manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if runMigrations {
		if err := f.manager.RunMigrations(ctx); err != nil {
			return fmt.Errorf("failed to run database migrations: %w", err)
		}
	}
	f.logger.Info("Database initialization completed")
	return nil
}

// GetManager returns the underlying database manager.
func (f *BaseDatabaseFactory) GetManager() AbstractDatabaseManager {
	return f.manager
}

// SessionProvider returns the unit-of-work provider bound to the manager, or
// nil before CreateFromConfig.
func (f *BaseDatabaseFactory) SessionProvider() *SessionProvider {
	return f.provider
}

// GetDB returns the Bun database instance, or nil if not initialized.
func (f *BaseDatabaseFactory) GetDB() *bun.DB {
	if f.manager == nil {
		return nil
	}
	return f.manager.GetDB()
}

// SetLogger sets the logger on the factory and the underlying manager.
func (f *BaseDatabaseFactory) SetLogger(logger Logger) {
	if logger == nil {
		return
	}
	f.logger = logger
	if f.manager != nil {
		f.manager.SetLogger(logger)
		f.provider = NewSessionProvider(f.manager, WithProviderLogger(logger))
	}
}

// Close closes the database connection managed by the factory.
func (f *BaseDatabaseFactory) Close() error {
	if f.manager == nil {
		return nil
	}
	return f.manager.Close()
}

// GetHealthStatus returns the current database health status from the manager.
func (f *BaseDatabaseFactory) GetHealthStatus(ctx context.Context) *HealthStatus {
	if f.manager == nil {
		return &HealthStatus{
			LastError:     "database manager not initialized",
			LastCheckTime: time.Now(),
		}
	}
	return f.manager.HealthCheck(ctx)
}

// GetStats returns database connection statistics from the manager.
func (f *BaseDatabaseFactory) GetStats() *DBStats {
	if f.manager == nil {
		return &DBStats{}
	}
	return f.manager.GetStats()
}
