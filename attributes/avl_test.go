package attributes

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMapInsertAndGet(t *testing.T) {
	m := Map[int, string]{}.Add(5, "five").Add(3, "three").Add(8, "eight")

	v, ok := m.Get(5)
	require.True(t, ok)
	require.Equal(t, "five", v)

	_, ok = m.Get(99)
	require.False(t, ok)
}

func TestMapOverwrite(t *testing.T) {
	m := Map[int, string]{}.Add(1, "a").Add(1, "b")
	v, ok := m.Get(1)
	require.True(t, ok)
	require.Equal(t, "b", v)
	require.Equal(t, 1, m.Len())
}

func TestMapPersistence(t *testing.T) {
	m1 := Map[int, string]{}.Add(1, "a")
	m2 := m1.Add(2, "b")

	_, ok := m1.Get(2)
	require.False(t, ok, "m1 must not observe m2's mutation")

	v, ok := m2.Get(1)
	require.True(t, ok)
	require.Equal(t, "a", v)
}

func TestMapRemove(t *testing.T) {
	m := Map[int, string]{}.Add(1, "a").Add(2, "b").Add(3, "c")
	m2 := m.Remove(2)

	_, ok := m2.Get(2)
	require.False(t, ok)
	require.Equal(t, 3, m.Len(), "original map is untouched")
	require.Equal(t, 2, m2.Len())
}

func TestMapRemoveRootWithChildrenPicksPredecessorOnTie(t *testing.T) {
	// Balanced 3-node tree: root 2, children 1 and 3 — equal height subtrees.
	m := Map[int, string]{}.Add(2, "two").Add(1, "one").Add(3, "three")
	m2 := m.Remove(2)

	_, ok := m2.Get(2)
	require.False(t, ok)
	require.Equal(t, 1, m2.root.key, "the predecessor replaces the removed root")
	v, ok := m2.Get(1)
	require.True(t, ok, "predecessor (max of left subtree) must remain reachable")
	require.Equal(t, "one", v)
	v, ok = m2.Get(3)
	require.True(t, ok)
	require.Equal(t, "three", v)
}

func TestMapIterIsSortedByKey(t *testing.T) {
	m := Map[int, string]{}
	for _, k := range []int{5, 3, 8, 1, 4, 7, 9} {
		m = m.Add(k, "v")
	}
	var keys []int
	m.Range(func(k int, _ string) bool {
		keys = append(keys, k)
		return true
	})
	require.Equal(t, []int{1, 3, 4, 5, 7, 8, 9}, keys)
}

func TestMapRebalanceKeepsHeightLogarithmic(t *testing.T) {
	m := Map[int, int]{}
	for i := 0; i < 1000; i++ {
		m = m.Add(i, i)
	}
	require.LessOrEqual(t, m.Height(), 20, "AVL height must stay O(log n) even for sorted insertion order")
}

func TestMapEmptyTreeBehavior(t *testing.T) {
	m := Map[int, string]{}
	require.Equal(t, 0, m.Len())
	require.Equal(t, 0, m.Height())
	m2 := m.Remove(1)
	require.Equal(t, 0, m2.Len())
}

func TestMapEqual(t *testing.T) {
	a := Map[int, string]{}.Add(1, "a").Add(2, "b")
	b := Map[int, string]{}.Add(2, "b").Add(1, "a")
	eq := func(x, y string) bool { return x == y }
	require.True(t, a.Equal(b, eq))

	c := b.Add(3, "c")
	require.False(t, a.Equal(c, eq))
}
