package possum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// S3: snapshot vs delete — a value read through a pinned snapshot remains
// readable after the key is deleted, until the reader ends and cleanup runs.
func TestSnapshotSurvivesDelete(t *testing.T) {
	h := openTestHandle(t)
	_, err := h.SingleWrite([]byte("k"), []byte("DATA"))
	require.NoError(t, err)

	r := h.NewReader()
	v := r.Add([]byte("k"))
	require.NoError(t, r.Begin())

	_, err = h.SingleDelete([]byte("k"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	n, err := v.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "DATA", string(buf[:n]))

	r.End()
	require.NoError(t, h.CleanupSnapshots())

	_, ok, err := h.SingleStat([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}

// Reader.Begin fails with no-such-key when any added key is missing
// (the resolved Open Question).
func TestReaderBeginFailsOnMissingKey(t *testing.T) {
	h := openTestHandle(t)
	_, err := h.SingleWrite([]byte("present"), []byte("v"))
	require.NoError(t, err)

	r := h.NewReader()
	defer r.End()
	r.Add([]byte("present"))
	r.Add([]byte("absent"))

	err = r.Begin()
	require.Error(t, err)
	require.True(t, ErrNoSuchKey(err))
}

// Reading past the end of a value yields zero bytes, not an error.
func TestValueReadAtPastEnd(t *testing.T) {
	h := openTestHandle(t)
	_, err := h.SingleWrite([]byte("k"), []byte("abc"))
	require.NoError(t, err)

	r := h.NewReader()
	defer r.End()
	v := r.Add([]byte("k"))
	require.NoError(t, r.Begin())

	buf := make([]byte, 4)
	n, err := v.ReadAt(buf, 10)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
