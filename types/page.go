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

import "math"

const (
	DefaultPage     = 1
	DefaultPageSize = 10
)

// PageRequest describes a page of records, an optional equality filter and
// ordering expressions such as "id DESC" or "username ASC".
type PageRequest struct {
	page     int
	pageSize int
	filter   Filter
	orders   []string
}

// GetPageSize returns the page size, falling back to DefaultPageSize.
func (p *PageRequest) GetPageSize() int {
	if p.pageSize < 1 {
		p.pageSize = DefaultPageSize
	}
	return p.pageSize
}

// GetPage returns the 1-based page number, falling back to DefaultPage.
func (p *PageRequest) GetPage() int {
	if p.page < 1 {
		p.page = DefaultPage
	}
	return p.page
}

// Window returns the offset and limit of the requested page. ok is false
// when the page starts beyond the largest offset a query can carry.
func (p *PageRequest) Window() (offset, limit int, ok bool) {
	return PageWindow(p.GetPage(), p.GetPageSize())
}

// PageWindow returns the offset and limit of a 1-based page. Both fit in an
// int32; ok is false when the page starts beyond math.MaxInt32 rows.
func PageWindow(page, pageSize int) (offset, limit int, ok bool) {
	size := int64(pageSize)
	if size < 1 {
		size = DefaultPageSize
	}
	if size > math.MaxInt32 {
		size = math.MaxInt32
	}
	skipped := int64(0)
	if page > 1 {
		skipped = int64(page) - 1
	}
	if skipped > math.MaxInt32/size {
		return 0, int(size), false
	}
	return int(skipped * size), int(size), true
}

// GetFilter returns the normalized filter of the request.
func (p *PageRequest) GetFilter() Filter {
	return p.filter.Normalize()
}

func (p *PageRequest) GetOrders() []string {
	return p.orders
}

// NewPageRequest constructs a PageRequest with filter and order settings.
func NewPageRequest(page int, pageSize int, filter Filter, orders []string) *PageRequest {
	return &PageRequest{page: page, pageSize: pageSize, filter: filter, orders: orders}
}

// NewPageRequestWithFilter constructs a PageRequest with a filter only.
func NewPageRequestWithFilter(page int, pageSize int, filter Filter) *PageRequest {
	return NewPageRequest(page, pageSize, filter, nil)
}

// NewPageRequestWithOrders constructs a PageRequest with ordering only.
func NewPageRequestWithOrders(page int, pageSize int, orders []string) *PageRequest {
	return NewPageRequest(page, pageSize, nil, orders)
}

// NewDefaultPageRequest constructs a PageRequest with no filter or ordering.
func NewDefaultPageRequest(page int, pageSize int) *PageRequest {
	return NewPageRequest(page, pageSize, nil, nil)
}

// Pagination holds one page of records together with the total number of
// records matching the request filter.
type Pagination[T any] struct {
	Page     int
	PageSize int
	Total    int
	Items    []*T
}

// Pages returns the number of pages needed to hold Total records.
func (p *Pagination[T]) Pages() int {
	if p.PageSize < 1 || p.Total == 0 {
		return 0
	}
	return (p.Total + p.PageSize - 1) / p.PageSize
}

// NewDefaultPagination constructs an empty pagination container.
func NewDefaultPagination[T any](page int, pageSize int) *Pagination[T] {
	return &Pagination[T]{Page: page, PageSize: pageSize, Items: make([]*T, 0)}
}
