// Package conversation holds the ordering and pagination rules of the
// per-patient message history.
//
// The canonical key is (createdAt DESC, id DESC): pages are read newest
// first and reversed for display, so display order is ascending by
// createdAt with equal timestamps broken by id.
package conversation

import (
	"sort"

	"chatsync/internal/domain"
)

// Newer reports whether a sorts before b in newest-first order.
func Newer(a, b domain.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// SortNewestFirst sorts msgs in place by the canonical key.
func SortNewestFirst(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Newer(msgs[i], msgs[j]) })
}

// SortAscending sorts msgs in place into display order.
func SortAscending(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return Newer(msgs[j], msgs[i]) })
}

// Reverse reverses msgs in place.
func Reverse(msgs []domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// OlderThan reports whether m is strictly older than the cursor position.
func OlderThan(m domain.Message, c Cursor) bool {
	if !m.CreatedAt.Equal(c.CreatedAt) {
		return m.CreatedAt.Before(c.CreatedAt)
	}
	return m.ID < c.ID
}
