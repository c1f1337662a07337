// Package pagination splits an ordered result set into fixed size pages and
// resolves user supplied page numbers.
//
// A page number that is missing or not an integer resolves to the first page.
// A number outside [1, NumPages] resolves to the last page.
package pagination

import (
	"strconv"
	"strings"
)

type Paginator struct {
	Count   int64 `json:"count"`
	PerPage int   `json:"per_page"`
}

func New(count int64, perPage int) Paginator {
	if perPage < 1 {
		perPage = 1
	}
	if count < 0 {
		count = 0
	}
	return Paginator{Count: count, PerPage: perPage}
}

// NumPages is never less than one; an empty set has a single empty page.
func (p Paginator) NumPages() int {
	if p.Count == 0 {
		return 1
	}
	per := int64(p.PerPage)
	return int((p.Count + per - 1) / per)
}

func (p Paginator) Resolve(raw string) int {
	number, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 1
	}
	if number < 1 || number > p.NumPages() {
		return p.NumPages()
	}
	return number
}

// Bounds returns the offset and limit for a resolved page number.
func (p Paginator) Bounds(number int) (offset, limit int) {
	return (number - 1) * p.PerPage, p.PerPage
}

type Page[T any] struct {
	Items     []T       `json:"items"`
	Number    int       `json:"number"`
	Paginator Paginator `json:"paginator"`
}

func (p Page[T]) NumPages() int {
	return p.Paginator.NumPages()
}

func (p Page[T]) HasNext() bool {
	return p.Number < p.NumPages()
}

func (p Page[T]) HasPrevious() bool {
	return p.Number > 1
}

func (p Page[T]) HasOtherPages() bool {
	return p.HasNext() || p.HasPrevious()
}

func (p Page[T]) NextPageNumber() int {
	if !p.HasNext() {
		return p.Number
	}
	return p.Number + 1
}

func (p Page[T]) PreviousPageNumber() int {
	if !p.HasPrevious() {
		return p.Number
	}
	return p.Number - 1
}

// StartIndex is the 1-based position of the first item on the page, or 0
// when the set is empty.
func (p Page[T]) StartIndex() int {
	if p.Paginator.Count == 0 {
		return 0
	}
	return (p.Number-1)*p.Paginator.PerPage + 1
}

func (p Page[T]) EndIndex() int {
	if len(p.Items) == 0 {
		return p.StartIndex()
	}
	return p.StartIndex() + len(p.Items) - 1
}
