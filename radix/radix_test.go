package radix

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(filepath.Join(t.TempDir(), "test.idx"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

// P1: a key that was put and never deleted is found by Get with the value
// it was last put with.
func TestPutThenGet(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Put([]byte("hello"), 42))

	got, err := idx.Get([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(42), got)
}

// P2: overwriting a key updates the value Get returns, without creating a
// second entry.
func TestPutOverwrites(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Put([]byte("hello"), 1))
	require.NoError(t, idx.Put([]byte("hello"), 2))

	got, err := idx.Get([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), got)

	var n int
	require.NoError(t, idx.Walk(func(key []byte, ref uint64) error { n++; return nil }))
	require.Equal(t, 1, n)
}

// P3: Get on a key never put returns ErrNotFound.
func TestGetMissingKey(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Put([]byte("hello"), 1))

	_, err := idx.Get([]byte("goodbye"))
	require.ErrorIs(t, err, ErrNotFound)
}

// P4: deleting a key makes Get report ErrNotFound and excludes it from
// Walk, without disturbing sibling keys.
func TestDeleteRemovesFromGetAndWalk(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Put([]byte("ab"), 1))
	require.NoError(t, idx.Put([]byte("cd"), 2))
	require.NoError(t, idx.Delete([]byte("ab")))

	_, err := idx.Get([]byte("ab"))
	require.ErrorIs(t, err, ErrNotFound)

	got, err := idx.Get([]byte("cd"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), got)

	var seen [][]byte
	require.NoError(t, idx.Walk(func(key []byte, ref uint64) error {
		seen = append(seen, append([]byte(nil), key...))
		return nil
	}))
	require.Equal(t, [][]byte{[]byte("cd")}, seen)
}

// P5: deleting an absent key is a no-op, not an error.
func TestDeleteMissingKeyIsNoop(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Delete([]byte("nope")))
	_, err := idx.Get([]byte("nope"))
	require.ErrorIs(t, err, ErrNotFound)
}

// P6: Walk visits every live key exactly once, in lexicographic order.
func TestWalkLexicographicOrder(t *testing.T) {
	idx := openTemp(t)
	keys := []string{"zz", "aa", "mm", "ab", "am"}
	for i, k := range keys {
		require.NoError(t, idx.Put([]byte(k), uint64(i)))
	}

	var seen []string
	require.NoError(t, idx.Walk(func(key []byte, ref uint64) error {
		seen = append(seen, string(key))
		return nil
	}))
	require.Equal(t, []string{"aa", "ab", "am", "mm", "zz"}, seen)
}

// P7: committing and reopening the index preserves every live key/value.
func TestCommitSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.idx")
	idx, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, idx.Put([]byte("ab"), 10))
	require.NoError(t, idx.Put([]byte("abcd"), 20))
	require.NoError(t, idx.Delete([]byte("ab")))
	require.NoError(t, idx.Commit())
	require.NoError(t, idx.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	_, err = reopened.Get([]byte("ab"))
	require.ErrorIs(t, err, ErrNotFound)
	got, err := reopened.Get([]byte("abcd"))
	require.NoError(t, err)
	require.Equal(t, uint64(20), got)
}

// P8: a crash (simulated by never calling Commit) leaves the reopened
// index exactly as of the last successful Commit; uncommitted Puts
// vanish entirely.
func TestUncommittedPutsDoNotSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.idx")
	idx, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, idx.Put([]byte("ab"), 10))
	require.NoError(t, idx.Commit())

	require.NoError(t, idx.Put([]byte("cd"), 20)) // never committed
	require.NoError(t, idx.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get([]byte("ab"))
	require.NoError(t, err)
	require.Equal(t, uint64(10), got)
	_, err = reopened.Get([]byte("cd"))
	require.ErrorIs(t, err, ErrNotFound)
}

// P9: after Commit, every entry reachable from the root is Persisted; the
// arena is empty and a second Commit with no intervening Put is a no-op
// that still produces a readable, identical index.
func TestCommitIsIdempotentWithNoPendingWrites(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Put([]byte("ab"), 1))
	require.NoError(t, idx.Commit())
	require.Empty(t, idx.dirty)

	require.NoError(t, idx.Commit())
	got, err := idx.Get([]byte("ab"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)
}

// Concrete scenario from the design notes: put("ab", 100) then
// put("abcd", 200) with FragmentWidth=2 produces a node at fragment "ab"
// whose "" slot holds 100 and whose "cd" slot holds 200.
func TestPromotionScenarioShortThenLong(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Put([]byte("ab"), 100))
	require.NoError(t, idx.Put([]byte("abcd"), 200))

	got, err := idx.Get([]byte("ab"))
	require.NoError(t, err)
	require.Equal(t, uint64(100), got)

	got, err = idx.Get([]byte("abcd"))
	require.NoError(t, err)
	require.Equal(t, uint64(200), got)
}

// The reverse insertion order must produce an index with identical
// observable behavior.
func TestPromotionScenarioLongThenShort(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Put([]byte("abcd"), 200))
	require.NoError(t, idx.Put([]byte("ab"), 100))

	got, err := idx.Get([]byte("ab"))
	require.NoError(t, err)
	require.Equal(t, uint64(100), got)

	got, err = idx.Get([]byte("abcd"))
	require.NoError(t, err)
	require.Equal(t, uint64(200), got)
}

// Two keys colliding on a fragment deeper than the first promote
// correctly through more than one level of the trie.
func TestPromotionScenarioDeepCollision(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Put([]byte("aabbcc"), 1))
	require.NoError(t, idx.Put([]byte("aabbdd"), 2))
	require.NoError(t, idx.Put([]byte("aaxxyy"), 3))

	for _, tc := range []struct {
		key string
		ref uint64
	}{
		{"aabbcc", 1},
		{"aabbdd", 2},
		{"aaxxyy", 3},
	} {
		got, err := idx.Get([]byte(tc.key))
		require.NoError(t, err)
		require.Equal(t, tc.ref, got)
	}

	var seen []string
	require.NoError(t, idx.Walk(func(key []byte, ref uint64) error {
		seen = append(seen, string(key))
		return nil
	}))
	require.Equal(t, []string{"aabbcc", "aabbdd", "aaxxyy"}, seen)
}

// A key whose length is not a multiple of FragmentWidth uses a shorter
// tail fragment for its last piece.
func TestOddLengthKeyUsesTailFragment(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Put([]byte("abc"), 1))
	require.NoError(t, idx.Put([]byte("abcde"), 2))

	got, err := idx.Get([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)
	got, err = idx.Get([]byte("abcde"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), got)
}

// A key that is an exact multiple of FragmentWidth and also a prefix of a
// longer key is stored at the node-is-also-a-leaf "" slot, and both
// remain independently reachable.
func TestNodeIsAlsoLeaf(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Put([]byte("abcd"), 1))
	require.NoError(t, idx.Put([]byte("ab"), 2))
	require.NoError(t, idx.Put([]byte("abcdef"), 3))

	got, err := idx.Get([]byte("ab"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), got)
	got, err = idx.Get([]byte("abcd"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), got)
	got, err = idx.Get([]byte("abcdef"))
	require.NoError(t, err)
	require.Equal(t, uint64(3), got)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	idx := openTemp(t)
	require.NoError(t, idx.Put([]byte("ab"), 1))
	require.NoError(t, idx.Commit())
	require.NoError(t, idx.Close())

	_, err := idx.Get([]byte("ab"))
	require.Error(t, err)
}
