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
	"database/sql/driver"
	"fmt"
	"reflect"

	"github.com/tomoncle/daokit/entity"
	"github.com/tomoncle/daokit/types"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/schema"
)

type whereQuery[Q any] interface {
	Where(query string, args ...interface{}) Q
}

// applyFilter adds one equality condition per filter entry, in key order.
func applyFilter[Q whereQuery[Q]](q Q, filter types.Filter) Q {
	for _, column := range filter.Keys() {
		q = q.Where("? = ?", bun.Ident(column), filter[column])
	}
	return q
}

type setQuery[Q any] interface {
	Set(query string, args ...interface{}) Q
}

// applyValues sets every column of values and refreshes updated_at.
func applyValues[Q setQuery[Q]](q Q, values map[string]any) Q {
	for _, column := range types.SortedKeys(values) {
		q = q.Set("? = ?", bun.Ident(column), values[column])
	}
	return q.Set("? = CURRENT_TIMESTAMP", bun.Ident(entity.UpdatedAtColumn))
}

// checkFilter rejects columns the entity does not have.
func checkFilter(table *schema.Table, filter types.Filter) string {
	for _, column := range filter.Keys() {
		if _, ok := table.FieldMap[column]; !ok {
			return fmt.Sprintf("unknown column %q", column)
		}
	}
	return ""
}

// convertValues resolves every column of values against table and converts
// each value to the column's Go type. Store-managed columns are rejected.
func convertValues(table *schema.Table, values types.Values) (map[string]any, string) {
	out := make(map[string]any, len(values))
	for _, column := range values.Keys() {
		field, ok := table.FieldMap[column]
		if !ok {
			return nil, fmt.Sprintf("unknown column %q", column)
		}
		if entity.IsManagedColumn(column) {
			return nil, fmt.Sprintf("column %q is managed by the store", column)
		}
		dst := reflect.New(field.StructField.Type).Elem()
		if err := assign(dst, values[column]); err != nil {
			return nil, fmt.Sprintf("column %q: %v", column, err)
		}
		out[column] = dst.Interface()
	}
	return out, ""
}

// populate writes converted values into the struct strct points to.
func populate(table *schema.Table, strct reflect.Value, values map[string]any) {
	for column, v := range values {
		field := table.FieldMap[column]
		fieldByIndexAlloc(strct, field.Index).Set(reflect.ValueOf(v))
	}
}

func fieldByIndexAlloc(v reflect.Value, index []int) reflect.Value {
	for i, x := range index {
		if i > 0 && v.Kind() == reflect.Ptr {
			if v.IsNil() {
				v.Set(reflect.New(v.Type().Elem()))
			}
			v = v.Elem()
		}
		v = v.Field(x)
	}
	return v
}

// assign stores v into dst, allocating pointers and converting between
// numeric kinds and between string kinds.
func assign(dst reflect.Value, v any) error {
	if types.IsNull(v) {
		dst.Set(reflect.Zero(dst.Type()))
		return nil
	}
	src := reflect.ValueOf(v)
	if src.Type().AssignableTo(dst.Type()) {
		dst.Set(src)
		return nil
	}
	if dst.Kind() == reflect.Ptr {
		elem := reflect.New(dst.Type().Elem())
		if err := assign(elem.Elem(), v); err != nil {
			return err
		}
		dst.Set(elem)
		return nil
	}
	if src.Kind() == reflect.Ptr {
		return assign(dst, src.Elem().Interface())
	}
	if valuer, ok := v.(driver.Valuer); ok {
		dv, err := valuer.Value()
		if err != nil {
			return err
		}
		if _, same := dv.(driver.Valuer); !same {
			return assign(dst, dv)
		}
	}
	if convertible(src, dst.Type()) {
		dst.Set(src.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("cannot use %T as %s", v, dst.Type())
}

func convertible(src reflect.Value, to reflect.Type) bool {
	if !src.Type().ConvertibleTo(to) {
		return false
	}
	switch {
	case isInt(src.Kind()) && isInt(to.Kind()):
		return !reflect.New(to).Elem().OverflowInt(src.Int())
	case isUint(src.Kind()) && isInt(to.Kind()):
		return src.Uint() <= uint64(1<<63-1) && !reflect.New(to).Elem().OverflowInt(int64(src.Uint()))
	case isInt(src.Kind()) && isUint(to.Kind()):
		return src.Int() >= 0 && !reflect.New(to).Elem().OverflowUint(uint64(src.Int()))
	case isUint(src.Kind()) && isUint(to.Kind()):
		return !reflect.New(to).Elem().OverflowUint(src.Uint())
	case isFloat(src.Kind()) && isFloat(to.Kind()):
		return true
	case (isInt(src.Kind()) || isUint(src.Kind())) && isFloat(to.Kind()):
		return true
	case src.Kind() == reflect.String && to.Kind() == reflect.String:
		return true
	case src.Kind() == reflect.Slice && to.Kind() == reflect.Slice:
		return true
	}
	return false
}

func isInt(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return true
	}
	return false
}

func isUint(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isFloat(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}
