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
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/daokit/database"
	"github.com/tomoncle/daokit/entity"
	"github.com/tomoncle/daokit/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

type account struct {
	bun.BaseModel `bun:"table:accounts,alias:a"`
	entity.Model

	Email   string  `bun:"email,notnull,unique"`
	Name    *string `bun:"name"`
	Balance int64   `bun:"balance,notnull"`
}

func newSQLiteDB(t *testing.T) *bun.DB {
	t.Helper()
	sqlDB, err := sql.Open(sqliteshim.ShimName, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	db := bun.NewDB(sqlDB, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.NewCreateTable().Model((*account)(nil)).Exec(context.Background())
	require.NoError(t, err)
	return db
}

func newAccounts(t *testing.T) (Repository[account], *database.SessionProvider, *bun.DB) {
	t.Helper()
	db := newSQLiteDB(t)
	provider := database.NewSessionProvider(database.FixedDB(db))
	return New[account](provider), provider, db
}

func seedAccounts(t *testing.T, repo Repository[account], n int) []*account {
	t.Helper()
	batch := make([]types.Values, n)
	for i := range batch {
		batch[i] = types.Values{"email": fmt.Sprintf("user%d@example.com", i+1), "balance": int64(i * 10)}
	}
	created, err := repo.AddMany(context.Background(), batch)
	require.NoError(t, err)
	return created
}

func strPtr(s string) *string { return &s }

func TestAddThenFindByID(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()

	created, err := repo.Add(ctx, types.Values{"email": "a@example.com", "name": "Ann", "balance": 5})
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())
	assert.False(t, created.UpdatedAt.IsZero())

	found, err := repo.FindByID(ctx, created.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, created.Email, found.Email)
	assert.Equal(t, "Ann", *found.Name)
	assert.Equal(t, int64(5), found.Balance)
	assert.True(t, created.CreatedAt.Equal(found.CreatedAt))
	assert.True(t, created.UpdatedAt.Equal(found.UpdatedAt))
}

func TestFindByIDNotFound(t *testing.T) {
	repo, _, _ := newAccounts(t)

	found, err := repo.FindByID(context.Background(), 404)

	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestAddRejectsManagedAndUnknownColumns(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()

	_, err := repo.Add(ctx, types.Values{"email": "a@example.com", "id": 7})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = repo.Add(ctx, types.Values{"email": "a@example.com", "nickname": "x"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = repo.Add(ctx, types.Values{"email": "a@example.com", "balance": "lots"})
	assert.ErrorIs(t, err, ErrValidation)

	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestAddDuplicateIsStoreError(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()
	_, err := repo.Add(ctx, types.Values{"email": "dup@example.com"})
	require.NoError(t, err)

	_, err = repo.Add(ctx, types.Values{"email": "dup@example.com"})

	assert.ErrorIs(t, err, database.ErrStore)
	assert.True(t, database.IsDuplicateKey(err))
}

func TestAddManyKeepsInputOrder(t *testing.T) {
	repo, _, _ := newAccounts(t)

	created := seedAccounts(t, repo, 3)

	require.Len(t, created, 3)
	for i, a := range created {
		assert.Equal(t, fmt.Sprintf("user%d@example.com", i+1), a.Email)
		assert.NotZero(t, a.ID)
	}
}

func TestAddManyIsAllOrNothing(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()

	_, err := repo.AddMany(ctx, []types.Values{
		{"email": "one@example.com"},
		{"email": "two@example.com"},
		{"email": "one@example.com"},
	})

	require.Error(t, err)
	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestFindOne(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()
	seeded := seedAccounts(t, repo, 3)
	_, err := repo.Update(ctx, types.Filter{"email": "user3@example.com"}, types.Values{"balance": 0})
	require.NoError(t, err)

	found, err := repo.FindOne(ctx, types.Filter{"email": "user2@example.com", "name": nil})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, seeded[1].ID, found.ID)

	missing, err := repo.FindOne(ctx, types.Filter{"email": "nobody@example.com"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = repo.FindOne(ctx, types.Filter{"balance": 0})
	assert.ErrorIs(t, err, ErrMultipleResults)

	_, err = repo.FindOne(ctx, types.Filter{"nickname": "x"})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestFindAllAndCount(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()
	seedAccounts(t, repo, 4)

	all, err := repo.FindAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}

	some, err := repo.FindAll(ctx, types.Filter{"balance": int64(20), "name": (*string)(nil)})
	require.NoError(t, err)
	require.Len(t, some, 1)
	assert.Equal(t, "user3@example.com", some[0].Email)

	total, err := repo.Count(ctx, types.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	none, err := repo.Count(ctx, types.Filter{"balance": 999})
	require.NoError(t, err)
	assert.Zero(t, none)
}

func TestPaginate(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()
	seeded := seedAccounts(t, repo, 5)

	first, err := repo.Paginate(ctx, 1, 2, nil)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, seeded[0].ID, first[0].ID)

	last, err := repo.Paginate(ctx, 3, 2, nil)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, seeded[4].ID, last[0].ID)

	beyond, err := repo.Paginate(ctx, 100, 10, nil)
	require.NoError(t, err)
	assert.NotNil(t, beyond)
	assert.Empty(t, beyond)

	for _, p := range []int{1 << 40, math.MaxInt64 / 5, math.MaxInt64} {
		far, err := repo.Paginate(ctx, p, 10, nil)
		require.NoError(t, err)
		assert.NotNil(t, far)
		assert.Empty(t, far, "page %d", p)
	}

	whole, err := repo.Paginate(ctx, 1, math.MaxInt64, nil)
	require.NoError(t, err)
	assert.Len(t, whole, 5)

	_, err = repo.Paginate(ctx, 0, 10, nil)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = repo.Paginate(ctx, 1, 0, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestPage(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()
	seedAccounts(t, repo, 5)

	page, err := repo.Page(ctx, types.NewPageRequest(1, 2, nil, []string{"balance DESC"}))

	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Equal(t, 3, page.Pages())
	require.Len(t, page.Items, 2)
	assert.Equal(t, int64(40), page.Items[0].Balance)

	far, err := repo.Page(ctx, types.NewDefaultPageRequest(1<<40, 10))
	require.NoError(t, err)
	assert.Equal(t, 5, far.Total)
	assert.Empty(t, far.Items)

	past, err := repo.Page(ctx, types.NewDefaultPageRequest(4, 2))
	require.NoError(t, err)
	assert.Equal(t, 5, past.Total)
	assert.Empty(t, past.Items)

	empty, err := repo.Page(ctx, types.NewPageRequestWithFilter(1, 2, types.Filter{"email": "none"}))
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Empty(t, empty.Items)
}

func TestFindByIDs(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()
	seeded := seedAccounts(t, repo, 3)

	found, err := repo.FindByIDs(ctx, []int64{seeded[2].ID, 999, seeded[0].ID})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, seeded[0].ID, found[0].ID)
	assert.Equal(t, seeded[2].ID, found[1].ID)

	none, err := repo.FindByIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpdateCountsMatchedRows(t *testing.T) {
	repo, _, db := newAccounts(t)
	ctx := context.Background()
	seedAccounts(t, repo, 4)
	_, err := db.ExecContext(ctx, "UPDATE accounts SET updated_at = '2000-01-01 00:00:00'")
	require.NoError(t, err)

	before, err := repo.Count(ctx, types.Filter{"name": nil, "balance": 10})
	require.NoError(t, err)
	n, err := repo.Update(ctx, types.Filter{"balance": 10}, types.Values{"name": "Ten", "email": nil})
	require.NoError(t, err)
	assert.Equal(t, int64(before), n)

	updated, err := repo.FindOne(ctx, types.Filter{"balance": 10})
	require.NoError(t, err)
	assert.Equal(t, "Ten", *updated.Name)
	assert.Greater(t, updated.UpdatedAt.Year(), 2000)

	untouched, err := repo.FindOne(ctx, types.Filter{"balance": 0})
	require.NoError(t, err)
	assert.Equal(t, 2000, untouched.UpdatedAt.Year())

	zero, err := repo.Update(ctx, types.Filter{"balance": 12345}, types.Values{"name": "Nobody"})
	require.NoError(t, err)
	assert.Zero(t, zero)
}

func TestUpdateWithEmptyFilterIsNoop(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()
	seedAccounts(t, repo, 2)

	n, err := repo.Update(ctx, types.Filter{"name": nil}, types.Values{"balance": 1})

	require.NoError(t, err)
	assert.Zero(t, n)
	total, err := repo.Count(ctx, types.Filter{"balance": 1})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestUpdateWithEmptyValuesRefreshesTimestamp(t *testing.T) {
	repo, _, db := newAccounts(t)
	ctx := context.Background()
	seeded := seedAccounts(t, repo, 1)
	_, err := db.ExecContext(ctx, "UPDATE accounts SET updated_at = '2000-01-01 00:00:00'")
	require.NoError(t, err)

	n, err := repo.Update(ctx, types.Filter{"id": seeded[0].ID}, types.Values{"name": nil})

	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	found, err := repo.FindByID(ctx, seeded[0].ID)
	require.NoError(t, err)
	assert.Greater(t, found.UpdatedAt.Year(), 2000)
	assert.True(t, found.CreatedAt.Equal(seeded[0].CreatedAt))
}

func TestDelete(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()
	seedAccounts(t, repo, 3)

	n, err := repo.Delete(ctx, types.Filter{"email": "user1@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.Delete(ctx, types.Filter{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = repo.Delete(ctx, types.Filter{"name": nil})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = repo.Delete(ctx, nil)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "delete", ve.Op)
	assert.Equal(t, "account", ve.Entity)

	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestUpsertTwiceKeepsOneRecord(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()

	first, err := repo.Upsert(ctx, []string{"email"}, types.Values{"email": "up@example.com", "name": "First", "balance": 1})
	require.NoError(t, err)
	second, err := repo.Upsert(ctx, []string{"email"}, types.Values{"email": "up@example.com", "name": "Second"})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Second", *second.Name)
	assert.Equal(t, int64(1), second.Balance)
	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestBulkUpdateSkipsRecordsWithoutID(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()
	seeded := seedAccounts(t, repo, 2)

	n, err := repo.BulkUpdate(ctx, []types.Values{
		{"name": "No id"},
		{"id": seeded[1].ID, "name": "Second"},
		{"id": nil, "balance": 99},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	first, err := repo.FindByID(ctx, seeded[0].ID)
	require.NoError(t, err)
	assert.Nil(t, first.Name)
	second, err := repo.FindByID(ctx, seeded[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "Second", *second.Name)
}

func TestMergeByConflictKey(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()
	seedAccounts(t, repo, 1)

	err := repo.Merge(ctx, []string{"email"}, []string{"name", "balance"},
		&account{Email: "user1@example.com", Name: strPtr("Merged"), Balance: 7},
		&account{Email: "new@example.com", Balance: 3},
	)
	require.NoError(t, err)

	all, err := repo.FindAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "Merged", *all[0].Name)
	assert.Equal(t, int64(7), all[0].Balance)
	assert.Equal(t, "new@example.com", all[1].Email)

	assert.ErrorIs(t, repo.Merge(ctx, []string{"email"}, nil, &account{Email: "x"}), ErrValidation)
}

func TestConcurrentStandaloneAdds(t *testing.T) {
	repo, _, _ := newAccounts(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = repo.Add(ctx, types.Values{"email": fmt.Sprintf("c%d@example.com", i)})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestCallerOwnedSessionIsAtomic(t *testing.T) {
	repo, provider, _ := newAccounts(t)
	ctx := context.Background()

	session, err := provider.Begin(ctx)
	require.NoError(t, err)
	bound := repo.WithSession(session)
	assert.Same(t, session, bound.Session())
	assert.Nil(t, repo.Session())

	a, err := bound.Add(ctx, types.Values{"email": "tx@example.com"})
	require.NoError(t, err)
	_, err = bound.Update(ctx, types.Filter{"id": a.ID}, types.Values{"balance": 50})
	require.NoError(t, err)
	inside, err := bound.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, inside)

	_, err = bound.Add(ctx, types.Values{"email": "tx@example.com"})
	require.Error(t, err)
	assert.True(t, session.Active(), "a borrowed session is left to its owner")

	require.NoError(t, session.Rollback())
	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = bound.Count(ctx, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCallerOwnedSessionCommit(t *testing.T) {
	repo, provider, _ := newAccounts(t)
	ctx := context.Background()

	err := provider.Transaction(ctx, func(ctx context.Context, s *database.Session) error {
		bound := repo.WithSession(s)
		if _, err := bound.Add(ctx, types.Values{"email": "one@example.com"}); err != nil {
			return err
		}
		_, err := bound.Add(ctx, types.Values{"email": "two@example.com"})
		return err
	})
	require.NoError(t, err)

	total, err := repo.Count(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestCancelledSessionRollsBackAndReleases(t *testing.T) {
	repo, provider, _ := newAccounts(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := provider.Transaction(ctx, func(ctx context.Context, s *database.Session) error {
		bound := repo.WithSession(s)
		if _, err := bound.Add(ctx, types.Values{"email": "first@example.com"}); err != nil {
			return err
		}
		cancel()
		_, err := bound.Add(ctx, types.Values{"email": "second@example.com"})
		return err
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	// one connection in the pool: these only succeed if the session let it go
	total, err := repo.Count(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, total)

	_, err = repo.Add(context.Background(), types.Values{"email": "after@example.com"})
	require.NoError(t, err)
}

type capturedLog struct {
	level  string
	msg    string
	fields []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []capturedLog
}

func (l *captureLogger) record(level, msg string, fields []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, capturedLog{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) SetLevel(database.LogLevel)              {}
func (l *captureLogger) Debug(msg string, fields ...interface{}) { l.record("debug", msg, fields) }
func (l *captureLogger) Info(msg string, fields ...interface{})  { l.record("info", msg, fields) }
func (l *captureLogger) Warn(msg string, fields ...interface{})  { l.record("warn", msg, fields) }
func (l *captureLogger) Error(msg string, fields ...interface{}) { l.record("error", msg, fields) }

func TestSuccessfulOperationsAreLogged(t *testing.T) {
	logger := &captureLogger{}
	db := newSQLiteDB(t)
	repo := New[account](database.NewSessionProvider(database.FixedDB(db)), WithLogger(logger))
	ctx := context.Background()

	_, err := repo.Add(ctx, types.Values{"email": "logged@example.com"})
	require.NoError(t, err)
	_, err = repo.FindAll(ctx, types.Filter{"email": "logged@example.com"})
	require.NoError(t, err)

	var ops []any
	for _, e := range logger.entries {
		if e.msg != "Repository operation completed" {
			continue
		}
		assert.Equal(t, "debug", e.level)
		assert.Contains(t, e.fields, "account")
		ops = append(ops, e.fields[3])
	}
	assert.Equal(t, []any{"add", "find_all"}, ops)
}
