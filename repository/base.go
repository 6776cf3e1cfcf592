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
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/tomoncle/daokit/database"
	"github.com/tomoncle/daokit/entity"
	"github.com/tomoncle/daokit/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/feature"
	"github.com/uptrace/bun/schema"
)

// Option configures a repository.
type Option func(*options)

type options struct {
	logger database.Logger
	name   string
}

// WithLogger sets the logger, the session provider's logger by default.
func WithLogger(logger database.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEntityName overrides the entity name used in logs and errors.
func WithEntityName(name string) Option {
	return func(o *options) { o.name = name }
}

type baseRepositoryImpl[T any, PT entity.Pointer[T]] struct {
	sessions *database.SessionProvider
	session  *database.Session
	logger   database.Logger
	name     string
}

// New returns a repository of T whose standalone calls acquire sessions from
// sessions. *T must embed entity.Model:
//
//	users := repository.New[User](provider)
func New[T any, PT entity.Pointer[T]](sessions *database.SessionProvider, opts ...Option) Repository[T] {
	o := options{name: reflect.TypeOf((*T)(nil)).Elem().Name()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = sessions.Logger()
	}
	return &baseRepositoryImpl[T, PT]{sessions: sessions, logger: o.logger, name: o.name}
}

func (r *baseRepositoryImpl[T, PT]) WithSession(s *database.Session) Repository[T] {
	cp := *r
	cp.session = s
	return &cp
}

func (r *baseRepositoryImpl[T, PT]) Session() *database.Session { return r.session }

func (r *baseRepositoryImpl[T, PT]) Dialect() schema.Dialect {
	if db := r.sessions.DB(); db != nil {
		return db.Dialect()
	}
	return nil
}

func (r *baseRepositoryImpl[T, PT]) table(op string) (*schema.Table, error) {
	db := r.sessions.DB()
	if db == nil {
		return nil, database.NewStoreError(r.name, op, database.ErrNotConnected)
	}
	return db.Table(reflect.TypeOf((*T)(nil)).Elem()), nil
}

func (r *baseRepositoryImpl[T, PT]) hasFeature(f feature.Feature) bool {
	db := r.sessions.DB()
	return db != nil && db.HasFeature(f)
}

// run executes fn in the bound session, or in a transaction of its own that
// is committed when fn succeeds. Failures are logged and classified.
func (r *baseRepositoryImpl[T, PT]) run(ctx context.Context, op string, kv []any, fn func(ctx context.Context, db bun.IDB) error) error {
	start := time.Now()
	if r.session != nil {
		if !r.session.Active() {
			return r.invalid(op, "session %s is closed", r.session.ID())
		}
		if err := fn(ctx, r.session.DB()); err != nil {
			return r.fail(op, r.session.ID(), false, kv, err)
		}
		r.done(op, r.session.ID(), false, start, kv)
		return nil
	}

	var sid string
	err := r.sessions.Transaction(ctx, func(ctx context.Context, s *database.Session) error {
		sid = s.ID()
		return fn(ctx, s.DB())
	})
	if err != nil {
		return r.fail(op, sid, true, kv, err)
	}
	r.done(op, sid, true, start, kv)
	return nil
}

func (r *baseRepositoryImpl[T, PT]) done(op, sid string, owned bool, start time.Time, kv []any) {
	fields := append([]any{"entity", r.name, "op", op, "session", sid, "owned", owned, "duration", time.Since(start)}, kv...)
	r.logger.Debug("Repository operation completed", fields...)
}

func (r *baseRepositoryImpl[T, PT]) fail(op, sid string, owned bool, kv []any, err error) error {
	fields := append([]any{"entity", r.name, "op", op, "session", sid, "owned", owned, "error", err}, kv...)
	if errors.Is(err, ErrMultipleResults) || errors.Is(err, ErrValidation) {
		r.logger.Warn("Repository request rejected", fields...)
		return err
	}
	r.logger.Error("Repository operation failed", fields...)
	return database.NewStoreError(r.name, op, err)
}

func (r *baseRepositoryImpl[T, PT]) invalid(op, format string, args ...any) error {
	err := newValidationError(r.name, op, format, args...)
	r.logger.Warn("Repository request rejected", "entity", r.name, "op", op, "error", err)
	return err
}

func (r *baseRepositoryImpl[T, PT]) prepareFilter(op string, filter types.Filter) (types.Filter, error) {
	filter = filter.Normalize()
	table, err := r.table(op)
	if err != nil {
		return nil, err
	}
	if reason := checkFilter(table, filter); reason != "" {
		return nil, r.invalid(op, "%s", reason)
	}
	return filter, nil
}

func (r *baseRepositoryImpl[T, PT]) prepareValues(op string, values types.Values) (map[string]any, error) {
	table, err := r.table(op)
	if err != nil {
		return nil, err
	}
	converted, reason := convertValues(table, values.Normalize())
	if reason != "" {
		return nil, r.invalid(op, "%s", reason)
	}
	return converted, nil
}

func (r *baseRepositoryImpl[T, PT]) FindByID(ctx context.Context, id int64) (*T, error) {
	var found PT
	err := r.run(ctx, "find_by_id", []any{"id", id}, func(ctx context.Context, db bun.IDB) error {
		var err error
		found, err = r.selectOne(ctx, db, types.Filter{entity.IDColumn: id})
		return err
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (r *baseRepositoryImpl[T, PT]) FindOne(ctx context.Context, filter types.Filter) (*T, error) {
	filter, err := r.prepareFilter("find_one", filter)
	if err != nil {
		return nil, err
	}
	var found PT
	err = r.run(ctx, "find_one", []any{"filter", filter}, func(ctx context.Context, db bun.IDB) error {
		var err error
		found, err = r.selectOne(ctx, db, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// selectOne returns the single record matching filter, nil when there is
// none and ErrMultipleResults when there are several.
func (r *baseRepositoryImpl[T, PT]) selectOne(ctx context.Context, db bun.IDB, filter types.Filter) (PT, error) {
	var items []*T
	err := applyFilter(db.NewSelect().Model(&items), filter).
		OrderExpr("? ASC", bun.Ident(entity.IDColumn)).
		Limit(2).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	switch len(items) {
	case 0:
		return nil, nil
	case 1:
		return PT(items[0]), nil
	default:
		return nil, fmt.Errorf("%s: filter %v: %w", r.name, filter, ErrMultipleResults)
	}
}

func (r *baseRepositoryImpl[T, PT]) FindAll(ctx context.Context, filter types.Filter) ([]*T, error) {
	filter, err := r.prepareFilter("find_all", filter)
	if err != nil {
		return nil, err
	}
	items := make([]*T, 0)
	err = r.run(ctx, "find_all", []any{"filter", filter}, func(ctx context.Context, db bun.IDB) error {
		return applyFilter(db.NewSelect().Model(&items), filter).
			OrderExpr("? ASC", bun.Ident(entity.IDColumn)).
			Scan(ctx)
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *baseRepositoryImpl[T, PT]) Count(ctx context.Context, filter types.Filter) (int, error) {
	filter, err := r.prepareFilter("count", filter)
	if err != nil {
		return 0, err
	}
	var total int
	err = r.run(ctx, "count", []any{"filter", filter}, func(ctx context.Context, db bun.IDB) error {
		var err error
		total, err = applyFilter(db.NewSelect().Model((*T)(nil)), filter).Count(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

func (r *baseRepositoryImpl[T, PT]) Paginate(ctx context.Context, page, pageSize int, filter types.Filter) ([]*T, error) {
	if page < 1 || pageSize < 1 {
		return nil, r.invalid("paginate", "page and page size must be positive, got %d and %d", page, pageSize)
	}
	filter, err := r.prepareFilter("paginate", filter)
	if err != nil {
		return nil, err
	}
	items := make([]*T, 0)
	offset, limit, ok := types.PageWindow(page, pageSize)
	if !ok {
		r.logger.Debug("Page is out of range", "entity", r.name, "page", page, "page_size", pageSize)
		return items, nil
	}
	err = r.run(ctx, "paginate", []any{"page", page, "page_size", pageSize, "filter", filter}, func(ctx context.Context, db bun.IDB) error {
		return applyFilter(db.NewSelect().Model(&items), filter).
			OrderExpr("? ASC", bun.Ident(entity.IDColumn)).
			Offset(offset).
			Limit(limit).
			Scan(ctx)
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *baseRepositoryImpl[T, PT]) Page(ctx context.Context, request *types.PageRequest) (*types.Pagination[T], error) {
	if request == nil {
		request = types.NewDefaultPageRequest(types.DefaultPage, types.DefaultPageSize)
	}
	filter, err := r.prepareFilter("page", request.GetFilter())
	if err != nil {
		return nil, err
	}
	pagination := types.NewDefaultPagination[T](request.GetPage(), request.GetPageSize())
	err = r.run(ctx, "page", []any{"page", request.GetPage(), "page_size", request.GetPageSize(), "filter", filter}, func(ctx context.Context, db bun.IDB) error {
		total, err := applyFilter(db.NewSelect().Model((*T)(nil)), filter).Count(ctx)
		if err != nil || total == 0 {
			return err
		}
		pagination.Total = total
		offset, limit, ok := request.Window()
		if !ok || offset >= total {
			return nil
		}
		items := make([]*T, 0, min(limit, total-offset))
		query := applyFilter(db.NewSelect().Model(&items), filter)
		if orders := request.GetOrders(); len(orders) > 0 {
			query = query.Order(orders...)
		} else {
			query = query.OrderExpr("? ASC", bun.Ident(entity.IDColumn))
		}
		if err := query.Offset(offset).Limit(limit).Scan(ctx); err != nil {
			return err
		}
		pagination.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pagination, nil
}

func (r *baseRepositoryImpl[T, PT]) FindByIDs(ctx context.Context, ids []int64) ([]*T, error) {
	items := make([]*T, 0, len(ids))
	if len(ids) == 0 {
		return items, nil
	}
	err := r.run(ctx, "find_by_ids", []any{"ids", ids}, func(ctx context.Context, db bun.IDB) error {
		return db.NewSelect().
			Model(&items).
			Where("? IN (?)", bun.Ident(entity.IDColumn), bun.In(ids)).
			OrderExpr("? ASC", bun.Ident(entity.IDColumn)).
			Scan(ctx)
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *baseRepositoryImpl[T, PT]) Add(ctx context.Context, values types.Values) (*T, error) {
	converted, err := r.prepareValues("add", values)
	if err != nil {
		return nil, err
	}
	var created PT
	err = r.run(ctx, "add", []any{"values", converted}, func(ctx context.Context, db bun.IDB) error {
		var err error
		created, err = r.insert(ctx, db, converted)
		return err
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *baseRepositoryImpl[T, PT]) AddMany(ctx context.Context, values []types.Values) ([]*T, error) {
	batch := make([]map[string]any, 0, len(values))
	for _, v := range values {
		converted, err := r.prepareValues("add_many", v)
		if err != nil {
			return nil, err
		}
		batch = append(batch, converted)
	}
	created := make([]*T, 0, len(batch))
	if len(batch) == 0 {
		return created, nil
	}
	err := r.run(ctx, "add_many", []any{"count", len(batch)}, func(ctx context.Context, db bun.IDB) error {
		for _, converted := range batch {
			item, err := r.insert(ctx, db, converted)
			if err != nil {
				return err
			}
			created = append(created, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// insert creates one record and loads the store-assigned columns back.
func (r *baseRepositoryImpl[T, PT]) insert(ctx context.Context, db bun.IDB, values map[string]any) (PT, error) {
	table, err := r.table("add")
	if err != nil {
		return nil, err
	}
	item := PT(new(T))
	populate(table, reflect.ValueOf(item).Elem(), values)

	query := db.NewInsert().Model(item)
	returning := r.hasFeature(feature.InsertReturning)
	if returning {
		query = query.Returning("*")
	}
	if _, err := query.Exec(ctx); err != nil {
		return nil, err
	}
	if !returning {
		if err := db.NewSelect().Model(item).WherePK().Scan(ctx); err != nil {
			return nil, err
		}
	}
	return item, nil
}

func (r *baseRepositoryImpl[T, PT]) Update(ctx context.Context, filter types.Filter, values types.Values) (int64, error) {
	filter, err := r.prepareFilter("update", filter)
	if err != nil {
		return 0, err
	}
	converted, err := r.prepareValues("update", values)
	if err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		r.logger.Debug("Update skipped, empty filter", "entity", r.name)
		return 0, nil
	}
	var affected int64
	err = r.run(ctx, "update", []any{"filter", filter, "values", converted}, func(ctx context.Context, db bun.IDB) error {
		var err error
		affected, err = r.update(ctx, db, filter, converted)
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (r *baseRepositoryImpl[T, PT]) update(ctx context.Context, db bun.IDB, filter types.Filter, values map[string]any) (int64, error) {
	query := applyValues(db.NewUpdate().Model((*T)(nil)), values)
	res, err := applyFilter(query, filter).Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *baseRepositoryImpl[T, PT]) Delete(ctx context.Context, filter types.Filter) (int64, error) {
	filter, err := r.prepareFilter("delete", filter)
	if err != nil {
		return 0, err
	}
	if len(filter) == 0 {
		return 0, r.invalid("delete", "refusing to delete with an empty filter")
	}
	var affected int64
	err = r.run(ctx, "delete", []any{"filter", filter}, func(ctx context.Context, db bun.IDB) error {
		res, err := applyFilter(db.NewDelete().Model((*T)(nil)), filter).Exec(ctx)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (r *baseRepositoryImpl[T, PT]) Upsert(ctx context.Context, keys []string, values types.Values) (*T, error) {
	converted, err := r.prepareValues("upsert", values)
	if err != nil {
		return nil, err
	}
	lookup := types.Filter(types.Pick(types.Values(converted), keys))
	if len(lookup) == 0 {
		r.logger.Warn("Upsert lookup has no key values, matching any record", "entity", r.name, "keys", keys)
	}
	var result PT
	err = r.run(ctx, "upsert", []any{"keys", keys, "values", converted}, func(ctx context.Context, db bun.IDB) error {
		existing, err := r.selectOne(ctx, db, lookup)
		if err != nil {
			return err
		}
		if existing == nil {
			result, err = r.insert(ctx, db, converted)
			return err
		}
		id := types.Filter{entity.IDColumn: existing.GetID()}
		if _, err := r.update(ctx, db, id, converted); err != nil {
			return err
		}
		result, err = r.selectOne(ctx, db, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

type bulkRecord struct {
	id     any
	values map[string]any
}

func (r *baseRepositoryImpl[T, PT]) BulkUpdate(ctx context.Context, records []types.Values) (int64, error) {
	batch := make([]bulkRecord, 0, len(records))
	for i, record := range records {
		record = record.Normalize()
		id, ok := record[entity.IDColumn]
		if !ok {
			r.logger.Debug("Bulk update record without id skipped", "entity", r.name, "index", i)
			continue
		}
		delete(record, entity.IDColumn)
		converted, err := r.prepareValues("bulk_update", record)
		if err != nil {
			return 0, err
		}
		batch = append(batch, bulkRecord{id: id, values: converted})
	}
	if len(batch) == 0 {
		return 0, nil
	}
	var total int64
	err := r.run(ctx, "bulk_update", []any{"records", len(batch)}, func(ctx context.Context, db bun.IDB) error {
		for _, rec := range batch {
			n, err := r.update(ctx, db, types.Filter{entity.IDColumn: rec.id}, rec.values)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// Merge inserts entities or, when a row with the same conflict keys already
// exists, overwrites its updateFields. updated_at is always refreshed.
func (r *baseRepositoryImpl[T, PT]) Merge(ctx context.Context, conflictKeys []string, updateFields []string, entities ...*T) error {
	if len(updateFields) == 0 {
		return r.invalid("merge", "update fields cannot be empty")
	}
	if len(entities) == 0 {
		return nil
	}
	table, err := r.table("merge")
	if err != nil {
		return err
	}
	if len(conflictKeys) == 0 {
		conflictKeys = []string{entity.IDColumn}
	}
	for _, column := range append(append([]string{}, conflictKeys...), updateFields...) {
		if _, ok := table.FieldMap[column]; !ok {
			return r.invalid("merge", "unknown column %q", column)
		}
	}
	fields := make([]string, 0, len(updateFields)+1)
	for _, f := range updateFields {
		if !entity.IsManagedColumn(f) {
			fields = append(fields, f)
		}
	}
	items := make([]*T, len(entities))
	copy(items, entities)

	return r.run(ctx, "merge", []any{"conflict_keys", conflictKeys, "fields", fields, "count", len(items)}, func(ctx context.Context, db bun.IDB) error {
		switch {
		case r.hasFeature(feature.InsertOnConflict):
			return r.mergeOnConflict(ctx, db, conflictKeys, fields, items)
		case r.hasFeature(feature.InsertOnDuplicateKey):
			return r.mergeOnDuplicateKey(ctx, db, fields, items)
		default:
			return r.mergeFallback(ctx, db, conflictKeys, fields, items)
		}
	})
}

func (r *baseRepositoryImpl[T, PT]) mergeOnConflict(ctx context.Context, db bun.IDB, conflictKeys, fields []string, items []*T) error {
	keys := make([]interface{}, len(conflictKeys))
	for i, k := range conflictKeys {
		keys[i] = bun.Ident(k)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")

	query := db.NewInsert().
		Model(&items).
		On("CONFLICT ("+placeholders+") DO UPDATE", keys...)
	for _, f := range fields {
		query = query.Set("? = EXCLUDED.?", bun.Ident(f), bun.Ident(f))
	}
	query = query.Set("? = CURRENT_TIMESTAMP", bun.Ident(entity.UpdatedAtColumn))
	if r.hasFeature(feature.InsertReturning) {
		query = query.Returning("*")
	}
	_, err := query.Exec(ctx)
	return err
}

func (r *baseRepositoryImpl[T, PT]) mergeOnDuplicateKey(ctx context.Context, db bun.IDB, fields []string, items []*T) error {
	query := db.NewInsert().
		Model(&items).
		On("DUPLICATE KEY UPDATE")
	for _, f := range fields {
		query = query.Set("? = VALUES(?)", bun.Ident(f), bun.Ident(f))
	}
	_, err := query.
		Set("? = CURRENT_TIMESTAMP", bun.Ident(entity.UpdatedAtColumn)).
		Exec(ctx)
	return err
}

// mergeFallback looks each entity up by its conflict keys and updates or
// inserts it.
func (r *baseRepositoryImpl[T, PT]) mergeFallback(ctx context.Context, db bun.IDB, conflictKeys, fields []string, items []*T) error {
	table, err := r.table("merge")
	if err != nil {
		return err
	}
	for _, item := range items {
		strct := reflect.ValueOf(item).Elem()
		lookup := types.Filter{}
		for _, k := range conflictKeys {
			lookup[k] = fieldByIndexAlloc(strct, table.FieldMap[k].Index).Interface()
		}
		existing, err := r.selectOne(ctx, db, lookup)
		if err != nil {
			return err
		}
		if existing == nil {
			if _, err := db.NewInsert().Model(item).Exec(ctx); err != nil {
				return err
			}
			continue
		}
		values := make(map[string]any, len(fields))
		for _, f := range fields {
			values[f] = fieldByIndexAlloc(strct, table.FieldMap[f].Index).Interface()
		}
		if _, err := r.update(ctx, db, types.Filter{entity.IDColumn: existing.GetID()}, values); err != nil {
			return err
		}
	}
	return nil
}
