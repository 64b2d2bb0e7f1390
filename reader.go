package possum

import (
	"database/sql"
	"errors"
	"sync"

	"github.com/anacrolix/possum/internal/extentreg"
)

// Value is a read-side handle carrying stat plus enough locator
// information to perform positional reads. Valid between Reader.Begin and
// Reader.End; using it after End is a contract violation.
type Value struct {
	h         *Handle
	sourceKey []byte
	loc       Locator
	stat      Stat
	valid     bool
}

// Stat returns the value's length and last-used time without touching disk.
func (v *Value) Stat() Stat { return v.stat }

// ReadAt performs a positional read. Reading past the end of the value
// yields zero bytes, not an error; returns the number of bytes read.
func (v *Value) ReadAt(buf []byte, offset int64) (int, error) {
	if !v.valid {
		return 0, newErr("value-read-at", KindAny, errors.New("value is not valid (begin failed or reader ended)"))
	}
	if offset < 0 || uint64(offset) >= v.loc.Length {
		return 0, nil
	}
	remaining := v.loc.Length - uint64(offset)
	if uint64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	vf, ok := v.h.pool.get(v.loc.FileID)
	if !ok {
		return 0, newErr("value-read-at", KindIO, errors.New("missing value file"))
	}
	return vf.readAt(buf, int64(v.loc.Offset)+offset)
}

// Reader collects (key -> pinned Value) bindings that become usable after
// Begin takes a snapshot. Not safe for concurrent mutation; Values it
// issued may be read from multiple goroutines once valid.
type Reader struct {
	h *Handle

	mu         sync.Mutex
	keys       [][]byte
	values     map[string]*Value
	snapshotID uint64
	began      bool
	ended      bool
}

// NewReader allocates an empty Reader bound to h.
func (h *Handle) NewReader() *Reader {
	return &Reader{h: h, values: make(map[string]*Value)}
}

// Add registers interest in key. The returned Value is not yet readable;
// it becomes valid only after Begin succeeds.
func (r *Reader) Add(key []byte) *Value {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := string(key)
	if v, ok := r.values[k]; ok {
		return v
	}
	kc := append([]byte(nil), key...)
	v := &Value{h: r.h, sourceKey: kc}
	r.values[k] = v
	r.keys = append(r.keys, kc)
	return v
}

// Begin takes a snapshot and resolves every added key inside one manifest
// transaction. If any requested key is absent, Begin fails with
// no-such-key and no Value becomes valid (see DESIGN.md for this resolved
// Open Question).
func (r *Reader) Begin() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.began {
		return newErr("reader-begin", KindAny, errors.New("reader already begun"))
	}
	r.h.mu.RLock()
	defer r.h.mu.RUnlock()

	now := nowTimestamp()
	var found map[string]Locator
	var missing [][]byte
	err := r.h.manifest.withTx(func(tx *sql.Tx) error {
		var err error
		found, missing, err = getManyTx(tx, r.keys)
		if err != nil || len(missing) > 0 {
			return err
		}
		// Invariant 5: a successful read advances last-used, so entries that
		// are read often but never rewritten stay ahead of the LRU broom.
		for k := range found {
			if err := touchTx(tx, []byte(k), now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(missing) > 0 {
		return newKeyErr("reader-begin", KindNoSuchKey, missing[0], nil)
	}

	var extents []extentreg.Extent
	for k, loc := range found {
		loc.LastUsed = now
		v := r.values[k]
		v.loc = loc
		v.stat = Stat{LastUsed: loc.LastUsed, Size: loc.Length}
		v.valid = true
		extents = append(extents, extentreg.Extent{FileID: loc.FileID, Offset: loc.Offset, Length: loc.Length})
	}
	r.snapshotID = r.h.snapshots.Pin(extents)
	r.began = true
	return nil
}

// ListItems enumerates keys under prefix. If Begin has already succeeded
// this still queries the manifest directly rather than a held snapshot
// transaction — see DESIGN.md for why prefix listing doesn't reuse the
// per-key pinned snapshot.
func (r *Reader) ListItems(prefix []byte) ([]Item, error) {
	return r.h.manifest.list(prefix)
}

// End releases the reader's snapshot; all Values it issued become invalid.
func (r *Reader) End() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return
	}
	for _, v := range r.values {
		v.valid = false
	}
	if r.began {
		freed := r.h.snapshots.Release(r.snapshotID)
		for _, e := range freed {
			r.h.punchNow(e)
		}
	}
	r.ended = true
}
