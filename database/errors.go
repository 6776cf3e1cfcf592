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
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

type SQLError int

const (
	UnknownErr SQLError = iota
	NoRowsErr
	NoIndexErr
	NoColumnErr
	ExistIndexErr
	ExistColumnErr
	NoTableErr
	ExistTableErr
	DuplicateKeyErr
	NotNullViolationErr
	ForeignKeyViolationErr
	CheckConstraintViolationErr
	DataTruncatedErr
	InvalidTypeCastErr
	ConnectionErr
	TxDoneErr
)

var sqlErrorNames = map[SQLError]string{
	UnknownErr:                  "unknown",
	NoRowsErr:                   "no_rows",
	NoIndexErr:                  "no_index",
	NoColumnErr:                 "no_column",
	ExistIndexErr:               "index_exists",
	ExistColumnErr:              "column_exists",
	NoTableErr:                  "no_table",
	ExistTableErr:               "table_exists",
	DuplicateKeyErr:             "duplicate_key",
	NotNullViolationErr:         "not_null_violation",
	ForeignKeyViolationErr:      "foreign_key_violation",
	CheckConstraintViolationErr: "check_violation",
	DataTruncatedErr:            "data_truncated",
	InvalidTypeCastErr:          "invalid_type_cast",
	ConnectionErr:               "connection",
	TxDoneErr:                   "tx_done",
}

func (e SQLError) String() string {
	if s, ok := sqlErrorNames[e]; ok {
		return s
	}
	return sqlErrorNames[UnknownErr]
}

// ErrStore matches every *StoreError with errors.Is.
var ErrStore = errors.New("store error")

// StoreError reports a failure of the underlying store while executing a
// repository operation.
type StoreError struct {
	Entity string
	Op     string
	Kind   SQLError
	Err    error
}

// NewStoreError wraps err and classifies it with IsSqlError. An err that is
// already a *StoreError is returned unchanged.
func NewStoreError(entity, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se
	}
	_, kind := IsSqlError(err)
	return &StoreError{Entity: entity, Op: op, Kind: kind, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %s: %v", e.Entity, e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// IsDuplicateKey reports whether err is a unique constraint violation.
func IsDuplicateKey(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind == DuplicateKeyErr
	}
	_, kind := IsSqlError(err)
	return kind == DuplicateKeyErr
}

// IsSqlError classifies err. The boolean is true when err was recognized as
// a database error.
func IsSqlError(err error) (is bool, sqlErr SQLError) {
	if err == nil {
		return false, UnknownErr
	}
	if errors.Is(err, sql.ErrNoRows) {
		return true, NoRowsErr
	}
	if errors.Is(err, sql.ErrTxDone) {
		return true, TxDoneErr
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true, ConnectionErr
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1091:
			return true, NoIndexErr
		case 1054:
			return true, NoColumnErr
		case 1061:
			return true, ExistIndexErr
		case 1060:
			return true, ExistColumnErr
		case 1146:
			return true, NoTableErr
		case 1050:
			return true, ExistTableErr
		case 1062:
			return true, DuplicateKeyErr
		case 1048:
			return true, NotNullViolationErr
		case 1216, 1217, 1451, 1452:
			return true, ForeignKeyViolationErr
		case 3819:
			return true, CheckConstraintViolationErr
		case 1265, 1406:
			return true, DataTruncatedErr
		default:
			return true, UnknownErr
		}
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42703":
			return true, NoColumnErr
		case "42704":
			return true, NoIndexErr
		case "42P01":
			return true, NoTableErr
		case "42P07":
			return true, ExistTableErr
		case "42701":
			return true, ExistColumnErr
		case "23505":
			return true, DuplicateKeyErr
		case "23502":
			return true, NotNullViolationErr
		case "23503":
			return true, ForeignKeyViolationErr
		case "23514":
			return true, CheckConstraintViolationErr
		case "22001":
			return true, DataTruncatedErr
		case "42804":
			return true, InvalidTypeCastErr
		}
		if pqErr.Code.Class() == "08" {
			return true, ConnectionErr
		}
		return true, UnknownErr
	}
	return classifyMessage(strings.ToLower(err.Error()))
}

// classifyMessage covers drivers without typed errors, sqlite in particular.
func classifyMessage(s string) (bool, SQLError) {
	switch {
	case strings.Contains(s, "sqlstate 42703"),
		strings.Contains(s, "undefined column"),
		strings.Contains(s, "no such column"):
		return true, NoColumnErr
	case strings.Contains(s, "sqlstate 42704"),
		strings.Contains(s, "no such index"),
		strings.Contains(s, "does not exist") && strings.Contains(s, "index"):
		return true, NoIndexErr
	case strings.Contains(s, "sqlstate 42p01"),
		strings.Contains(s, "undefined table"),
		strings.Contains(s, "no such table"):
		return true, NoTableErr
	case strings.Contains(s, "already exists") && strings.Contains(s, "index"):
		return true, ExistIndexErr
	case strings.Contains(s, "already exists") && (strings.Contains(s, "table") || strings.Contains(s, "relation")):
		return true, ExistTableErr
	case strings.Contains(s, "duplicate key value"),
		strings.Contains(s, "unique constraint failed"),
		strings.Contains(s, "sqlstate 23505"):
		return true, DuplicateKeyErr
	case strings.Contains(s, "not-null constraint"),
		strings.Contains(s, "sqlstate 23502"),
		strings.Contains(s, "not null constraint failed"):
		return true, NotNullViolationErr
	case strings.Contains(s, "foreign key violation"),
		strings.Contains(s, "foreign key constraint failed"),
		strings.Contains(s, "sqlstate 23503"):
		return true, ForeignKeyViolationErr
	case strings.Contains(s, "check constraint"),
		strings.Contains(s, "sqlstate 23514"):
		return true, CheckConstraintViolationErr
	case strings.Contains(s, "string data right truncation"),
		strings.Contains(s, "sqlstate 22001"),
		strings.Contains(s, "data truncated"):
		return true, DataTruncatedErr
	case strings.Contains(s, "datatype mismatch"),
		strings.Contains(s, "sqlstate 42804"):
		return true, InvalidTypeCastErr
	case strings.Contains(s, "connection refused"),
		strings.Contains(s, "bad connection"):
		return true, ConnectionErr
	}
	return false, UnknownErr
}
