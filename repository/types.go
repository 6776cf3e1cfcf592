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

package repository

import (
	"context"

	"github.com/tomoncle/daokit/database"
	"github.com/tomoncle/daokit/types"
	"github.com/uptrace/bun/schema"
)

// Reader groups the read operations. Single-record reads return (nil, nil)
// when nothing matches.
type Reader[T any] interface {
	FindByID(ctx context.Context, id int64) (*T, error)
	FindOne(ctx context.Context, filter types.Filter) (*T, error)
	FindAll(ctx context.Context, filter types.Filter) ([]*T, error)
	Count(ctx context.Context, filter types.Filter) (int, error)
	Paginate(ctx context.Context, page, pageSize int, filter types.Filter) ([]*T, error)
	FindByIDs(ctx context.Context, ids []int64) ([]*T, error)
}

// Writer groups the mutating operations. Every write is executed before the
// call returns, so results carry store-assigned values.
type Writer[T any] interface {
	Add(ctx context.Context, values types.Values) (*T, error)
	AddMany(ctx context.Context, values []types.Values) ([]*T, error)
	Update(ctx context.Context, filter types.Filter, values types.Values) (int64, error)
	Delete(ctx context.Context, filter types.Filter) (int64, error)
	Upsert(ctx context.Context, keys []string, values types.Values) (*T, error)
	BulkUpdate(ctx context.Context, records []types.Values) (int64, error)
	Merge(ctx context.Context, conflictKeys []string, updateFields []string, entities ...*T) error
}

// PageQueryRepository defines pagination with totals and custom ordering.
type PageQueryRepository[T any] interface {
	Page(ctx context.Context, page *types.PageRequest) (*types.Pagination[T], error)
}

// Repository is the generic data access object of one entity type.
//
// Without a bound session every call runs in its own transaction, committed
// on success and rolled back on failure. WithSession returns a copy whose
// calls run inside the given session and leave commit and rollback to the
// session owner.
type Repository[T any] interface {
	Reader[T]
	Writer[T]
	PageQueryRepository[T]
	WithSession(s *database.Session) Repository[T]
	Session() *database.Session
	Dialect() schema.Dialect
}
