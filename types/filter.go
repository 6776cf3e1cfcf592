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

package types

import (
	"database/sql/driver"
	"reflect"
	"sort"
)

// Filter selects records by equality on every non-null entry. Keys are SQL
// column names; a nil value is the same as an absent key.
type Filter map[string]any

// Values holds column values written on insert or update. Null entries are
// dropped before use, so an unset field is never written.
type Values map[string]any

// Normalize returns a copy of the filter without null entries.
func (f Filter) Normalize() Filter { return Normalize(f) }

// Normalize returns a copy of the values without null entries.
func (v Values) Normalize() Values { return Normalize(v) }

// Keys returns the filter keys in sorted order.
func (f Filter) Keys() []string { return SortedKeys(f) }

// Keys returns the value keys in sorted order.
func (v Values) Keys() []string { return SortedKeys(v) }

// Normalize copies m, skipping every entry whose value IsNull. Zero values
// such as 0, "" and false are kept. The result is never nil.
func Normalize[M ~map[string]any](m M) M {
	out := make(M, len(m))
	for k, v := range m {
		if IsNull(v) {
			continue
		}
		out[k] = v
	}
	return out
}

// IsNull reports whether v represents SQL NULL: an untyped nil, a nil
// pointer, map, slice, interface, func or chan, or a driver.Valuer that
// yields a nil value (sql.NullString{} and friends).
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		if rv.IsNil() {
			return true
		}
	}
	if valuer, ok := v.(driver.Valuer); ok {
		dv, err := valuer.Value()
		return err == nil && dv == nil
	}
	return false
}

// SortedKeys returns the keys of m in ascending order, so generated SQL is
// stable across calls.
func SortedKeys[M ~map[string]any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Pick returns the entries of m whose keys appear in names. Missing names
// are ignored.
func Pick[M ~map[string]any](m M, names []string) M {
	out := make(M, len(names))
	for _, name := range names {
		if v, ok := m[name]; ok {
			out[name] = v
		}
	}
	return out
}
