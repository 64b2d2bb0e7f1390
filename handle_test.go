package possum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestHandle(t *testing.T) *Handle {
	t.Helper()
	h, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// S1: write/read round trip.
func TestSingleWriteRead(t *testing.T) {
	h := openTestHandle(t)

	n, err := h.SingleWrite([]byte("a"), []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 10)
	got, err := h.SingleReadAt([]byte("a"), buf, 0)
	require.NoError(t, err)
	require.Equal(t, 5, got)
	require.Equal(t, "hello", string(buf[:got]))
}

// Testable property 5: round-trip stat matches.
func TestSingleStatRoundTrip(t *testing.T) {
	h := openTestHandle(t)
	_, err := h.SingleWrite([]byte("k"), []byte("value"))
	require.NoError(t, err)

	stat, ok, err := h.SingleStat([]byte("k"))
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 5, stat.Size)
}

// Testable property 6: repeated delete returns no-such-key.
func TestSingleDeleteIdempotence(t *testing.T) {
	h := openTestHandle(t)
	_, err := h.SingleWrite([]byte("k"), []byte("v"))
	require.NoError(t, err)

	_, err = h.SingleDelete([]byte("k"))
	require.NoError(t, err)

	_, err = h.SingleDelete([]byte("k"))
	require.Error(t, err)
	require.True(t, ErrNoSuchKey(err))
}

// S6: move_prefix preserves values under new keys.
func TestMovePrefix(t *testing.T) {
	h := openTestHandle(t)
	for _, kv := range [][2]string{{"old/a", "A"}, {"old/b", "B"}, {"other", "O"}} {
		_, err := h.SingleWrite([]byte(kv[0]), []byte(kv[1]))
		require.NoError(t, err)
	}
	require.NoError(t, h.MovePrefix([]byte("old/"), []byte("new/")))

	for _, kv := range [][2]string{{"new/a", "A"}, {"new/b", "B"}, {"other", "O"}} {
		buf := make([]byte, 4)
		n, err := h.SingleReadAt([]byte(kv[0]), buf, 0)
		require.NoError(t, err)
		require.Equal(t, kv[1], string(buf[:n]))
	}
	_, ok, err := h.SingleStat([]byte("old/a"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeletePrefix(t *testing.T) {
	h := openTestHandle(t)
	for _, k := range []string{"p/1", "p/2", "q/1"} {
		_, err := h.SingleWrite([]byte(k), []byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, h.DeletePrefix([]byte("p/")))

	items, err := h.ListItems(nil)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "q/1", string(items[0].Key))
}

// Testable property 4: list_items is ordered and prefix-filtered.
func TestListItemsOrdered(t *testing.T) {
	h := openTestHandle(t)
	for _, k := range []string{"b", "a", "c"} {
		_, err := h.SingleWrite([]byte(k), []byte("v"))
		require.NoError(t, err)
	}
	items, err := h.ListItems(nil)
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{string(items[0].Key), string(items[1].Key), string(items[2].Key)})
}
