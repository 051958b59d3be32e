package threaddb

import (
	"iter"
	"sort"
)

// SortedIndex keeps items ordered by a strict "is before" comparator. The
// comparator must be a total order: two items compare equal only when they
// are the same logical item, as reported by key.
//
// Clone is O(1). Both copies share the backing array until one of them
// mutates, at which point the writer takes a private copy.
type SortedIndex[T any] struct {
	less   func(a, b T) bool
	key    func(T) string
	items  []T
	shared bool
}

func NewSortedIndex[T any](less func(a, b T) bool, key func(T) string) *SortedIndex[T] {
	return &SortedIndex[T]{less: less, key: key}
}

func (s *SortedIndex[T]) Len() int {
	return len(s.items)
}

// Add inserts item at its ordered position. Adding an item that is already
// present without removing it first leaves the index with a duplicate.
func (s *SortedIndex[T]) Add(item T) {
	s.own(1)
	pos := s.search(item)
	var zero T
	s.items = append(s.items, zero)
	copy(s.items[pos+1:], s.items[pos:])
	s.items[pos] = item
}

// Remove deletes item from its exact comparator position. It reports false
// when no item with the same key sits at that position.
func (s *SortedIndex[T]) Remove(item T) bool {
	pos := s.search(item)
	if pos >= len(s.items) {
		return false
	}
	found := s.items[pos]
	if s.less(item, found) || s.key(found) != s.key(item) {
		return false
	}
	s.own(0)
	copy(s.items[pos:], s.items[pos+1:])
	var zero T
	s.items[len(s.items)-1] = zero
	s.items = s.items[:len(s.items)-1]
	return true
}

// Filter yields matching items in index order. The sequence is lazy and can
// be ranged over more than once. The index must not be mutated while a
// range over the sequence is in progress.
func (s *SortedIndex[T]) Filter(pred func(T) bool) iter.Seq[T] {
	return func(yield func(T) bool) {
		for _, item := range s.items {
			if pred != nil && !pred(item) {
				continue
			}
			if !yield(item) {
				return
			}
		}
	}
}

func (s *SortedIndex[T]) All() iter.Seq[T] {
	return s.Filter(nil)
}

func (s *SortedIndex[T]) Clone() *SortedIndex[T] {
	s.shared = true
	return &SortedIndex[T]{
		less:   s.less,
		key:    s.key,
		items:  s.items,
		shared: true,
	}
}

func (s *SortedIndex[T]) search(item T) int {
	return sort.Search(len(s.items), func(i int) bool {
		return !s.less(s.items[i], item)
	})
}

// own makes the backing array private before a write.
func (s *SortedIndex[T]) own(extra int) {
	if !s.shared {
		return
	}
	items := make([]T, len(s.items), len(s.items)+extra)
	copy(items, s.items)
	s.items = items
	s.shared = false
}
