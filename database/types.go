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
	"time"

	"github.com/uptrace/bun"
)

// AbstractDatabaseManager defines the operations for managing a database
// connection, running migrations and reporting health.
type AbstractDatabaseManager interface {
	DBSource
	Connect(ctx context.Context) error
	Disconnect() error
	Close() error
	Reconnect(ctx context.Context) error
	Ping(ctx context.Context) error
	HealthCheck(ctx context.Context) *HealthStatus
	GetSQLDB() *sql.DB
	RunMigrations(ctx context.Context) error
	GetStats() *DBStats
	SetLogger(logger Logger)
}

// DBSource hands out the current Bun database. Session providers ask for it
// on every acquisition so a reconnect is picked up transparently.
type DBSource interface {
	GetDB() *bun.DB
}

// AbstractDatabaseConfigProvider exposes configuration loading.
type AbstractDatabaseConfigProvider interface {
	ConfigLoader() *Config
}

// HealthStatus holds the result of a health check against the database.
type HealthStatus struct {
	Healthy       bool          `json:"healthy"`
	Connected     bool          `json:"connected"`
	ResponseTime  time.Duration `json:"response_time"`
	ActiveConns   int           `json:"active_conns"`
	IdleConns     int           `json:"idle_conns"`
	MaxOpenConns  int           `json:"max_open_conns"`
	LastError     string        `json:"last_error,omitempty"`
	LastCheckTime time.Time     `json:"last_check_time"`
}

// DBStats mirrors database/sql stats returned by the manager.
type DBStats struct {
	MaxOpenConns      int           `json:"max_open_conns"`
	OpenConns         int           `json:"open_conns"`
	InUse             int           `json:"in_use"`
	Idle              int           `json:"idle"`
	WaitCount         int64         `json:"wait_count"`
	WaitDuration      time.Duration `json:"wait_duration"`
	MaxIdleClosed     int64         `json:"max_idle_closed"`
	MaxIdleTimeClosed int64         `json:"max_idle_time_closed"`
	MaxLifetimeClosed int64         `json:"max_lifetime_closed"`
}

const (
	QueryLogStyleColor    = "color"
	QueryLogStyleBundebug = "bundebug"
)

// ConnectionConfig describes how to connect to a database and tune its pool.
// Every field can be overridden from the environment (see BaseDatabaseFactory).
type ConnectionConfig struct {
	Type                string        `json:"type" yaml:"type" env:"DB_TYPE"` // postgres, mysql, sqlite
	Host                string        `json:"host" yaml:"host" env:"DB_HOST"`
	Port                int           `json:"port" yaml:"port" env:"DB_PORT"`
	Username            string        `json:"username" yaml:"username" env:"DB_USERNAME"`
	Password            string        `json:"password" yaml:"password" env:"DB_PASSWORD"`
	DBName              string        `json:"dbname" yaml:"dbname" env:"DB_NAME"`
	SSLMode             string        `json:"sslmode" yaml:"sslmode" env:"DB_SSLMODE"`
	DSN                 string        `json:"dsn" yaml:"dsn" env:"DB_DSN"` // overrides the fields above when set
	MaxIdleConns        int           `json:"max_idle_conns" yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	MaxOpenConns        int           `json:"max_open_conns" yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	ConnMaxLifetime     time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime" env:"DB_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime     time.Duration `json:"conn_max_idle_time" yaml:"conn_max_idle_time" env:"DB_CONN_MAX_IDLE_TIME"`
	ConnectTimeout      time.Duration `json:"connect_timeout" yaml:"connect_timeout" env:"DB_CONNECT_TIMEOUT"`
	ReadTimeout         time.Duration `json:"read_timeout" yaml:"read_timeout" env:"DB_READ_TIMEOUT"`
	WriteTimeout        time.Duration `json:"write_timeout" yaml:"write_timeout" env:"DB_WRITE_TIMEOUT"`
	EnableReconnect     bool          `json:"enable_reconnect" yaml:"enable_reconnect" env:"DB_ENABLE_RECONNECT"`
	ReconnectInterval   time.Duration `json:"reconnect_interval" yaml:"reconnect_interval" env:"DB_RECONNECT_INTERVAL"`
	MaxReconnectTries   int           `json:"max_reconnect_tries" yaml:"max_reconnect_tries" env:"DB_MAX_RECONNECT_TRIES"`
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval" env:"DB_HEALTH_CHECK_INTERVAL"`
	EnableQueryLog      bool          `json:"enable_query_log" yaml:"enable_query_log" env:"DB_ENABLE_QUERY_LOG"`
	QueryLogStyle       string        `json:"query_log_style" yaml:"query_log_style" env:"DB_QUERY_LOG_STYLE"` // color, bundebug
	SlowQueryTime       time.Duration `json:"slow_query_time" yaml:"slow_query_time" env:"DB_SLOW_QUERY_TIME"`
	EnableMetrics       bool          `json:"enable_metrics" yaml:"enable_metrics" env:"DB_ENABLE_METRICS"`
}

// DataMigrateConfig controls schema migration behavior on startup.
type DataMigrateConfig struct {
	EnableMigrateOnStartup bool `json:"enable_migrate_on_startup" yaml:"enable_migrate_on_startup" env:"DB_MIGRATE_ON_STARTUP"`
}

// Config aggregates connection and migration settings.
type Config struct {
	ConnectionConfig  ConnectionConfig  `json:"connection_config" yaml:"connection"`
	DataMigrateConfig DataMigrateConfig `json:"data_migrate_config" yaml:"migrate"`
}

// DefaultConnectionConfig returns a connection config with sensible defaults.
func DefaultConnectionConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Type:                "sqlite",
		DBName:              "daokit",
		MaxIdleConns:        10,
		MaxOpenConns:        100,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     time.Minute * 30,
		ConnectTimeout:      time.Second * 10,
		ReadTimeout:         time.Second * 30,
		WriteTimeout:        time.Second * 30,
		EnableReconnect:     true,
		ReconnectInterval:   time.Second * 5,
		MaxReconnectTries:   3,
		HealthCheckInterval: time.Minute * 5,
		EnableQueryLog:      false,
		QueryLogStyle:       QueryLogStyleColor,
		SlowQueryTime:       time.Second * 2,
	}
}

// DefaultConfig returns a Config wrapping DefaultConnectionConfig.
func DefaultConfig() *Config {
	return &Config{ConnectionConfig: *DefaultConnectionConfig()}
}
