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
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tomoncle/daokit/database"
	"github.com/tomoncle/daokit/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func newMockAccounts(t *testing.T) (Repository[account], *database.SessionProvider, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := bun.NewDB(sqlDB, pgdialect.New())
	t.Cleanup(func() { _ = db.Close() })
	provider := database.NewSessionProvider(database.FixedDB(db))
	return New[account](provider), provider, mock
}

func TestGuardedCallsNeverReachTheStore(t *testing.T) {
	repo, _, mock := newMockAccounts(t)
	ctx := context.Background()

	_, err := repo.Delete(ctx, types.Filter{})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = repo.Delete(ctx, types.Filter{"name": nil})
	assert.ErrorIs(t, err, ErrValidation)

	n, err := repo.Update(ctx, nil, types.Values{"balance": 1})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = repo.Add(ctx, types.Values{"created_at": "2020-01-01"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = repo.Paginate(ctx, -1, 10, nil)
	assert.ErrorIs(t, err, ErrValidation)

	empty, err := repo.FindByIDs(ctx, []int64{})
	require.NoError(t, err)
	assert.Empty(t, empty)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOwnedSessionCommitsOnSuccess(t *testing.T) {
	repo, _, mock := newMockAccounts(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "accounts"`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := repo.Delete(context.Background(), types.Filter{"balance": 0})

	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOwnedSessionRollsBackOnFailure(t *testing.T) {
	repo, _, mock := newMockAccounts(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "accounts"`).WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})
	mock.ExpectRollback()

	_, err := repo.Update(context.Background(), types.Filter{"id": 1}, types.Values{"email": "taken@example.com"})

	require.Error(t, err)
	var se *database.StoreError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, database.DuplicateKeyErr, se.Kind)
	assert.Equal(t, "update", se.Op)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBorrowedSessionIsLeftToItsOwner(t *testing.T) {
	repo, provider, mock := newMockAccounts(t)
	ctx := context.Background()
	mock.ExpectBegin()
	session, err := provider.Begin(ctx)
	require.NoError(t, err)

	mock.ExpectExec(`UPDATE "accounts"`).WillReturnError(errors.New("connection reset by peer"))
	_, err = repo.WithSession(session).Update(ctx, types.Filter{"id": 1}, types.Values{"balance": 3})

	assert.ErrorIs(t, err, database.ErrStore)
	assert.True(t, session.Active())
	assert.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectRollback()
	require.NoError(t, session.Rollback())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBorrowedSessionIsNotCommitted(t *testing.T) {
	repo, provider, mock := newMockAccounts(t)
	ctx := context.Background()
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT count\(\*\)`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectCommit()

	err := provider.Transaction(ctx, func(ctx context.Context, s *database.Session) error {
		total, err := repo.WithSession(s).Count(ctx, nil)
		assert.Equal(t, 3, total)
		return err
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
