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
	"sync"

	"github.com/uptrace/bun"
)

var (
	globalMu      sync.RWMutex
	globalFactory *BaseDatabaseFactory
)

// GetDB returns the global Bun database instance.
func GetDB() *bun.DB {
	if f := GetDatabaseFactory(); f != nil {
		return f.GetDB()
	}
	return nil
}

// GetDatabaseManager returns the global database manager.
func GetDatabaseManager() AbstractDatabaseManager {
	if f := GetDatabaseFactory(); f != nil {
		return f.GetManager()
	}
	return nil
}

// GetDatabaseFactory returns the global database factory.
func GetDatabaseFactory() *BaseDatabaseFactory {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalFactory
}

// GetSessionProvider returns the session provider of the global database.
// Application wiring reads it once and injects it into repositories.
func GetSessionProvider() *SessionProvider {
	if f := GetDatabaseFactory(); f != nil {
		return f.SessionProvider()
	}
	return nil
}

// InitDB initializes the global database using the provided configuration.
func InitDB(ctx context.Context, cfg *Config, opts ...ManagerOption) (*bun.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration cannot be empty")
	}
	return InitDatabaseWithOptions(ctx, cfg, cfg.DataMigrateConfig.EnableMigrateOnStartup, opts...)
}

// InitDatabaseWithOptions initializes the global database and optionally
// runs migrations. A previously initialized database is closed first.
func InitDatabaseWithOptions(ctx context.Context, cfg *Config, runMigrations bool, opts ...ManagerOption) (*bun.DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database configuration cannot be empty")
	}
	factory := NewDatabaseFactory()
	manager, err := factory.CreateFromConfig(&cfg.ConnectionConfig, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create database manager: %w", err)
	}

	if err := factory.InitializeDatabase(ctx, runMigrations); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	db := manager.GetDB()
	db.RegisterModel(RegisteredModelInstances()...)

	globalMu.Lock()
	previous := globalFactory
	globalFactory = factory
	globalMu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	return db, nil
}

// CloseDB closes the global database connection.
func CloseDB() error {
	globalMu.Lock()
	f := globalFactory
	globalFactory = nil
	globalMu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

// GetHealthStatus returns the current database health status.
func GetHealthStatus(ctx context.Context) *HealthStatus {
	if f := GetDatabaseFactory(); f != nil {
		return f.GetHealthStatus(ctx)
	}
	return &HealthStatus{LastError: "database not initialized"}
}

// GetDatabaseStats returns global database statistics.
func GetDatabaseStats() *DBStats {
	if f := GetDatabaseFactory(); f != nil {
		return f.GetStats()
	}
	return &DBStats{}
}

// RunMigrations executes database migrations against the global database.
func RunMigrations(ctx context.Context) error {
	manager := GetDatabaseManager()
	if manager == nil {
		return fmt.Errorf("database not initialized")
	}
	return manager.RunMigrations(ctx)
}
