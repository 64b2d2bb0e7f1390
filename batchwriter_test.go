package possum

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func writeViaBatch(t *testing.T, w *BatchWriter, key, value []byte) {
	t.Helper()
	vw, err := w.StartNewValue()
	require.NoError(t, err)
	_, err = vw.WriterFD().Write(value)
	require.NoError(t, err)
	require.NoError(t, w.Stage(key, vw))
}

// S2: batch atomicity — a listing taken before commit sees nothing staged,
// a listing taken after commit sees everything.
func TestBatchAtomicity(t *testing.T) {
	h := openTestHandle(t)

	before := h.NewReader()
	defer before.End()
	require.NoError(t, before.Begin())
	itemsBefore, err := before.ListItems([]byte("p/"))
	require.NoError(t, err)
	require.Empty(t, itemsBefore)

	w := h.NewWriter()
	writeViaBatch(t, w, []byte("p/1"), []byte("A"))
	writeViaBatch(t, w, []byte("p/2"), []byte("BB"))
	require.NoError(t, w.Commit())

	after := h.NewReader()
	defer after.End()
	items, err := after.ListItems([]byte("p/"))
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.EqualValues(t, 1, items[0].Stat.Size)
	require.EqualValues(t, 2, items[1].Stat.Size)
}

// Edge case: repeated stage of the same key in one batch keeps only the last.
func TestStageReplacesWithinBatch(t *testing.T) {
	h := openTestHandle(t)
	w := h.NewWriter()
	writeViaBatch(t, w, []byte("k"), []byte("first"))
	writeViaBatch(t, w, []byte("k"), []byte("second"))
	require.NoError(t, w.Commit())

	buf := make([]byte, 16)
	n, err := h.SingleReadAt([]byte("k"), buf, 0)
	require.NoError(t, err)
	require.Equal(t, "second", string(buf[:n]))
}

// Edge case: staging a value writer whose fd was closed externally fails
// with io at stage time (file.Stat on a closed *os.File errors).
func TestStageClosedFDFails(t *testing.T) {
	h := openTestHandle(t)
	w := h.NewWriter()
	defer w.Drop()
	vw, err := w.StartNewValue()
	require.NoError(t, err)
	require.NoError(t, vw.WriterFD().Close())

	err = w.Stage([]byte("k"), vw)
	require.Error(t, err)
	require.Equal(t, KindIO, errKind(err))
}

// S5: rename — x is gone, y carries the same bytes (same extent, no copy).
func TestRename(t *testing.T) {
	h := openTestHandle(t)
	_, err := h.SingleWrite([]byte("x"), []byte("payload"))
	require.NoError(t, err)

	r := h.NewReader()
	v := r.Add([]byte("x"))
	require.NoError(t, r.Begin())

	w := h.NewWriter()
	require.NoError(t, w.Rename(v, []byte("y")))
	require.NoError(t, w.Commit())
	r.End()

	_, ok, err := h.SingleStat([]byte("x"))
	require.NoError(t, err)
	require.False(t, ok)

	buf := make([]byte, 16)
	n, err := h.SingleReadAt([]byte("y"), buf, 0)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf[:n]))
}

// Edge case: rename across different Handles fails with any.
func TestRenameCrossHandleFails(t *testing.T) {
	h1 := openTestHandle(t)
	h2 := openTestHandle(t)

	_, err := h1.SingleWrite([]byte("x"), []byte("v"))
	require.NoError(t, err)

	r := h1.NewReader()
	v := r.Add([]byte("x"))
	require.NoError(t, r.Begin())
	defer r.End()

	w := h2.NewWriter()
	defer w.Drop()
	err = w.Rename(v, []byte("y"))
	require.Error(t, err)
	require.Equal(t, KindAny, errKind(err))
}

// Dropping a batch writer deletes its scratch files and leaves no trace.
func TestDropDiscardsStagedWork(t *testing.T) {
	h := openTestHandle(t)
	w := h.NewWriter()
	writeViaBatch(t, w, []byte("k"), []byte("v"))
	w.Drop()

	_, ok, err := h.SingleStat([]byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
}
