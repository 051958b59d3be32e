package threaddb

import (
	"slices"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scored struct {
	id    string
	score int
}

func newScoredIndex() *SortedIndex[scored] {
	return NewSortedIndex(func(a, b scored) bool {
		if a.score == b.score {
			return a.id < b.id
		}
		return a.score < b.score
	}, func(s scored) string { return s.id })
}

func collectIDs(seq func(func(scored) bool)) []string {
	out := []string{}
	for item := range seq {
		out = append(out, item.id)
	}
	return out
}

func TestSortedIndexAddKeepsOrder(t *testing.T) {
	idx := newScoredIndex()
	for i, score := range []int{5, 1, 3, 3, 9, 0} {
		idx.Add(scored{id: "i" + strconv.Itoa(i), score: score})
	}
	assert.Equal(t, []string{"i5", "i1", "i2", "i3", "i0", "i4"}, collectIDs(idx.All()))
	assert.Equal(t, 6, idx.Len())
}

func TestSortedIndexRemoveExactItem(t *testing.T) {
	idx := newScoredIndex()
	a := scored{id: "a", score: 2}
	b := scored{id: "b", score: 2}
	idx.Add(a)
	idx.Add(b)

	assert.False(t, idx.Remove(scored{id: "a", score: 7}))
	assert.False(t, idx.Remove(scored{id: "zz", score: 2}))
	require.True(t, idx.Remove(a))
	assert.Equal(t, []string{"b"}, collectIDs(idx.All()))
	require.True(t, idx.Remove(b))
	assert.False(t, idx.Remove(b))
	assert.Zero(t, idx.Len())
}

func TestSortedIndexFilterIsLazyAndRestartable(t *testing.T) {
	idx := newScoredIndex()
	for i := 0; i < 10; i++ {
		idx.Add(scored{id: strconv.Itoa(i), score: i})
	}
	calls := 0
	even := idx.Filter(func(s scored) bool {
		calls++
		return s.score%2 == 0
	})
	assert.Zero(t, calls)

	var first []int
	for s := range even {
		first = append(first, s.score)
		if len(first) == 2 {
			break
		}
	}
	assert.Equal(t, []int{0, 2}, first)
	assert.Equal(t, 3, calls)

	all := slices.Collect(even)
	assert.Len(t, all, 5)
	assert.Equal(t, 10, idx.Len())
}

func TestSortedIndexCloneIsolation(t *testing.T) {
	idx := newScoredIndex()
	idx.Add(scored{id: "a", score: 1})
	idx.Add(scored{id: "b", score: 2})

	clone := idx.Clone()
	clone.Add(scored{id: "c", score: 0})
	clone.Remove(scored{id: "b", score: 2})
	idx.Add(scored{id: "d", score: 3})

	assert.Equal(t, []string{"a", "b", "d"}, collectIDs(idx.All()))
	assert.Equal(t, []string{"c", "a"}, collectIDs(clone.All()))

	second := clone.Clone()
	second.Remove(scored{id: "a", score: 1})
	assert.Equal(t, []string{"c", "a"}, collectIDs(clone.All()))
	assert.Equal(t, []string{"c"}, collectIDs(second.All()))
}
