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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
log:
  level: debug
  format: json
database:
  connection:
    type: postgres
    host: db.local
    port: 5432
    username: bot
    dbname: bot
    slow_query_time: 500ms
    enable_metrics: true
  migrate:
    enable_migrate_on_startup: true
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	conn := cfg.Database.ConnectionConfig
	assert.Equal(t, "postgres", conn.Type)
	assert.Equal(t, "db.local", conn.Host)
	assert.Equal(t, 500*time.Millisecond, conn.SlowQueryTime)
	assert.True(t, conn.EnableMetrics)
	assert.Equal(t, 100, conn.MaxOpenConns, "defaults survive a partial file")
	assert.True(t, cfg.Database.DataMigrateConfig.EnableMigrateOnStartup)
	assert.Same(t, &cfg.Database, cfg.ConfigLoader())
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("DB_HOST", "override.local")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "override.local", cfg.Database.ConnectionConfig.Host)
	assert.Equal(t, "secret", cfg.Database.ConnectionConfig.Password)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Database.ConnectionConfig.Type)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "log: [unclosed"))
	assert.Error(t, err)

	t.Setenv("DB_PORT", "not-a-number")
	_, err = Load(writeConfig(t, sample))
	assert.Error(t, err)
}
