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

// Package config loads the process configuration once at startup: a YAML
// file, optionally a dotenv file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/tomoncle/daokit/database"
	"github.com/tomoncle/daokit/utils"
	"gopkg.in/yaml.v3"
)

// LogConfig controls the named loggers of utils.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"` // text or json
}

type Config struct {
	Log      LogConfig       `yaml:"log"`
	Database database.Config `yaml:"database"`
}

var _ database.AbstractDatabaseConfigProvider = (*Config)(nil)

// ConfigLoader returns the database section for database.InitDB.
func (c *Config) ConfigLoader() *database.Config { return &c.Database }

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Log:      LogConfig{Level: "info", Format: "text"},
		Database: *database.DefaultConfig(),
	}
}

// Load reads path on top of Default and applies environment overrides. An
// empty path skips the file. Variables from a ".env" file in the working
// directory are loaded first without replacing ones already set.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// ApplyLogging pushes the log settings into the utils loggers.
func (c *Config) ApplyLogging() {
	if c.Log.Level != "" {
		utils.ConfigureLogLevel(c.Log.Level)
	}
	if c.Log.Format != "" {
		utils.ConfigureConsoleLogFormat(c.Log.Format)
	}
}
