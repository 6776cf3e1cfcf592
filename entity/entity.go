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

// Package entity defines the base contract every persisted record satisfies
// so the generic repository can operate on it without per-entity code.
package entity

import "time"

// Store-managed column names. Application code never writes them; the
// repository relies on them by name.
const (
	IDColumn        = "id"
	CreatedAtColumn = "created_at"
	UpdatedAtColumn = "updated_at"
)

// Model carries the identity and timestamps of a record. Embed it next to
// bun.BaseModel:
//
//	type User struct {
//		bun.BaseModel `bun:"table:users,alias:u"`
//		entity.Model
//		TelegramID int64 `bun:"telegram_id,notnull,unique"`
//	}
type Model struct {
	ID        int64     `bun:"id,pk,autoincrement" json:"id"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

func (m *Model) GetID() int64 { return m.ID }

func (m *Model) GetCreatedAt() time.Time { return m.CreatedAt }

func (m *Model) GetUpdatedAt() time.Time { return m.UpdatedAt }

// Entity is implemented by every type embedding Model.
type Entity interface {
	GetID() int64
	GetCreatedAt() time.Time
	GetUpdatedAt() time.Time
}

// Pointer constrains a repository type parameter: *T must be an Entity.
type Pointer[T any] interface {
	*T
	Entity
}

// IsManagedColumn reports whether column is assigned by the store.
func IsManagedColumn(column string) bool {
	switch column {
	case IDColumn, CreatedAtColumn, UpdatedAtColumn:
		return true
	}
	return false
}
