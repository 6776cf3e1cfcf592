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
	"sort"
	"time"

	"github.com/tomoncle/daokit/utils"
	"github.com/uptrace/bun"
)

// Migration is an applied migration record.
type Migration struct {
	bun.BaseModel `bun:"table:schema_migrations,alias:sm"`

	Version     string    `bun:"version,pk"`
	Name        string    `bun:"name"`
	AppliedAt   time.Time `bun:"applied_at"`
	Description string    `bun:"description"`
}

// MigrationFunc is a migration step executed within a session.
type MigrationFunc func(ctx context.Context, db bun.IDB) error

// MigrationItem describes a single migration version with up/down functions.
type MigrationItem struct {
	Version     string
	Name        string
	Description string
	Up          MigrationFunc
	Down        MigrationFunc
}

// MigrationManager applies versioned migrations, each inside its own
// transaction together with its bookkeeping record.
type MigrationManager struct {
	sessions *SessionProvider
	logger   Logger
	extra    []MigrationItem
}

func NewMigrationManager(sessions *SessionProvider) *MigrationManager {
	return &MigrationManager{
		sessions: sessions,
		logger:   sessions.Logger(),
	}
}

// Add registers additional migrations run after the built-in ones.
func (mm *MigrationManager) Add(items ...MigrationItem) *MigrationManager {
	mm.extra = append(mm.extra, items...)
	return mm
}

// RunMigrations creates the tracking table if needed and applies every
// pending migration in ascending version order.
func (mm *MigrationManager) RunMigrations(ctx context.Context) error {
	db := mm.sessions.DB()
	if db == nil {
		return ErrNotConnected
	}
	if !utils.EnvDefaultBool("DAOKIT_MIGRATION_DEBUG", false) {
		ctx = WithSilentQueries(ctx)
	}

	if _, err := db.NewCreateTable().Model((*Migration)(nil)).IfNotExists().Exec(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, migration := range mm.migrations() {
		if err := mm.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", migration.Version, err)
		}
	}
	mm.logger.Info("Database migrations completed")
	return nil
}

func (mm *MigrationManager) migrations() []MigrationItem {
	migrations := []MigrationItem{
		{
			Version:     "001",
			Name:        "create_entity_tables",
			Description: "Create the tables of every registered model",
			Up:          createEntityTables,
			Down:        dropEntityTables,
		},
	}
	migrations = append(migrations, mm.extra...)
	sort.SliceStable(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations
}

func (mm *MigrationManager) runMigration(ctx context.Context, migration MigrationItem) error {
	applied := false
	err := mm.sessions.Transaction(ctx, func(ctx context.Context, s *Session) error {
		exists, err := s.DB().NewSelect().
			Model((*Migration)(nil)).
			Where("version = ?", migration.Version).
			Exists(ctx)
		if err != nil || exists {
			return err
		}

		if err := migration.Up(ctx, s.DB()); err != nil {
			return err
		}

		record := &Migration{
			Version:     migration.Version,
			Name:        migration.Name,
			AppliedAt:   time.Now(),
			Description: migration.Description,
		}
		if _, err := s.DB().NewInsert().Model(record).Exec(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		mm.logger.Info("Migration executed successfully", "version", migration.Version, "name", migration.Name)
	}
	return nil
}

// GetAppliedMigrations returns migration records ordered by version.
func (mm *MigrationManager) GetAppliedMigrations(ctx context.Context) ([]Migration, error) {
	var migrations []Migration
	err := mm.sessions.DB().NewSelect().
		Model(&migrations).
		Order("version ASC").
		Scan(ctx)
	return migrations, err
}

// RollbackMigration reverts an applied migration with its Down step.
func (mm *MigrationManager) RollbackMigration(ctx context.Context, version string) error {
	var target *MigrationItem
	for _, m := range mm.migrations() {
		if m.Version == version {
			target = &m
			break
		}
	}
	if target == nil {
		return fmt.Errorf("unknown migration version %s", version)
	}
	if target.Down == nil {
		return fmt.Errorf("migration %s cannot be rolled back", version)
	}

	err := mm.sessions.Transaction(ctx, func(ctx context.Context, s *Session) error {
		res, err := s.DB().NewDelete().
			Model((*Migration)(nil)).
			Where("version = ?", version).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("migration %s is not applied", version)
		}
		return target.Down(ctx, s.DB())
	})
	if err != nil {
		return fmt.Errorf("failed to roll back migration %s: %w", version, err)
	}
	mm.logger.Info("Migration rolled back", "version", version, "name", target.Name)
	return nil
}

func createEntityTables(ctx context.Context, db bun.IDB) error {
	for _, model := range RegisteredModelInstances() {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to create table %T: %w", model, err)
		}
	}
	return nil
}

func dropEntityTables(ctx context.Context, db bun.IDB) error {
	models := RegisteredModelInstances()
	for i := len(models) - 1; i >= 0; i-- {
		if _, err := db.NewDropTable().Model(models[i]).IfExists().Exec(ctx); err != nil {
			return fmt.Errorf("failed to drop table %T: %w", models[i], err)
		}
	}
	return nil
}
