package possum

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestManifest(t *testing.T) *manifest {
	t.Helper()
	m, err := openManifest(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { m.close() })
	return m
}

func TestManifestInsertGetDelete(t *testing.T) {
	m := openTestManifest(t)

	loc, err := m.get([]byte("k"))
	require.NoError(t, err)
	require.Nil(t, loc)

	want := Locator{FileID: 1, Offset: 10, Length: 5, LastUsed: Timestamp{Secs: 100}}
	prev, err := m.insertOrReplace([]byte("k"), want)
	require.NoError(t, err)
	require.Nil(t, prev)

	got, err := m.get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, want, *got)

	replaced, err := m.delete([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, want, *replaced)

	_, err = m.delete([]byte("k"))
	require.True(t, ErrNoSuchKey(err))
}

func TestManifestListPrefix(t *testing.T) {
	m := openTestManifest(t)
	for i, k := range []string{"a/1", "a/2", "b/1"} {
		_, err := m.insertOrReplace([]byte(k), Locator{FileID: 1, Offset: uint64(i), Length: 1})
		require.NoError(t, err)
	}
	items, err := m.list([]byte("a/"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "a/1", string(items[0].Key))
	require.Equal(t, "a/2", string(items[1].Key))
}

func TestManifestMovePrefix(t *testing.T) {
	m := openTestManifest(t)
	for _, k := range []string{"old/a", "old/b", "other"} {
		_, err := m.insertOrReplace([]byte(k), Locator{FileID: 1, Offset: 0, Length: 1})
		require.NoError(t, err)
	}
	require.NoError(t, m.movePrefix([]byte("old/"), []byte("new/")))

	items, err := m.list(nil)
	require.NoError(t, err)
	var keys []string
	for _, it := range items {
		keys = append(keys, string(it.Key))
	}
	require.ElementsMatch(t, []string{"new/a", "new/b", "other"}, keys)
}

func TestManifestDeletePrefix(t *testing.T) {
	m := openTestManifest(t)
	for _, k := range []string{"p/1", "p/2", "q/1"} {
		_, err := m.insertOrReplace([]byte(k), Locator{FileID: 1, Offset: 0, Length: 4})
		require.NoError(t, err)
	}
	freed, err := m.deletePrefix([]byte("p/"))
	require.NoError(t, err)
	require.Len(t, freed, 2)

	items, err := m.list(nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "q/1", string(items[0].Key))
}
