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

// Package users keeps a record of every person who contacted the bot.
package users

import (
	"github.com/tomoncle/daokit/database"
	"github.com/tomoncle/daokit/entity"
	"github.com/uptrace/bun"
)

const (
	TelegramIDColumn = "telegram_id"
	UsernameColumn   = "username"
	FullNameColumn   = "full_name"
)

func init() {
	database.RegisteredModel(database.NewModelAdapter((*User)(nil), 10))
}

type User struct {
	bun.BaseModel `bun:"table:users,alias:u"`
	entity.Model

	TelegramID int64   `bun:"telegram_id,notnull,unique" json:"telegram_id"`
	Username   *string `bun:"username" json:"username,omitempty"`
	FullName   *string `bun:"full_name" json:"full_name,omitempty"`
}

// Profile is the identity reported by the chat platform on each message.
// Empty strings mean the platform did not report the field.
type Profile struct {
	TelegramID int64
	Username   string
	FullName   string
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
