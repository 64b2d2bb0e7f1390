package possum

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// ValueWriter is an in-progress value being written to a scratch file,
// exposed as a raw *os.File so the caller can use any I/O pattern to fill
// it. Go has no separate "raw fd" type at this boundary; a C shim would
// convert WriterFD()'s *os.File via Fd().
type ValueWriter struct {
	path string
	file *os.File
}

// WriterFD returns the underlying file for direct reads/writes/seeks.
func (vw *ValueWriter) WriterFD() *os.File { return vw.file }

type stagedSource int

const (
	stagedFromScratch stagedSource = iota
	stagedFromExisting
)

// StagedItem is a pending (key, payload) mapping awaiting commit.
type StagedItem struct {
	source          stagedSource
	scratch         *ValueWriter
	loc             Locator
	deleteSourceKey []byte
}

// BatchWriter accumulates staged values for one atomic commit. Not safe
// for concurrent use by multiple goroutines (one owner at a time), matching
// §5's Batch Writer ownership model; its internal mutex only guards against
// a commit/drop racing a concurrent Stage/Rename call from a caller that
// violated that contract, it does not make BatchWriter a concurrent type.
type BatchWriter struct {
	h *Handle

	mu        sync.Mutex
	staged    map[string]*StagedItem
	scratch   map[string]*ValueWriter
	dropped   bool
	committed bool
}

// NewWriter creates an empty Batch Writer attached to h. No manifest
// transaction is acquired until Commit.
func (h *Handle) NewWriter() *BatchWriter {
	return &BatchWriter{
		h:       h,
		staged:  make(map[string]*StagedItem),
		scratch: make(map[string]*ValueWriter),
	}
}

var errWriterDone = errors.New("batch writer already committed or dropped")

// StartNewValue creates a scratch file under the handle's directory and
// returns a ValueWriter exposing its raw file descriptor.
func (w *BatchWriter) StartNewValue() (*ValueWriter, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropped || w.committed {
		return nil, newErr("start-new-value", KindAny, errWriterDone)
	}
	path := filepath.Join(w.h.scratchDir(), uuid.NewString())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, newErr("start-new-value", KindIO, err)
	}
	vw := &ValueWriter{path: path, file: f}
	w.scratch[path] = vw
	return vw, nil
}

// Stage moves vw into the staging table under key. Writes to vw's fd are
// the source of truth for the value's length, taken from the file's
// current size at commit time. Repeated Stage of the same key within one
// batch replaces the earlier staging; the earlier scratch file is
// discarded.
func (w *BatchWriter) Stage(key []byte, vw *ValueWriter) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropped || w.committed {
		return newErr("stage", KindAny, errWriterDone)
	}
	if _, err := vw.file.Stat(); err != nil {
		return newKeyErr("stage", KindIO, key, err)
	}
	k := string(key)
	if prev, ok := w.staged[k]; ok && prev.source == stagedFromScratch && prev.scratch != vw {
		w.discardScratchLocked(prev.scratch)
	}
	w.staged[k] = &StagedItem{source: stagedFromScratch, scratch: vw}
	return nil
}

func (w *BatchWriter) discardScratchLocked(vw *ValueWriter) {
	vw.file.Close()
	os.Remove(vw.path)
	delete(w.scratch, vw.path)
}

// Rename stages newKey to point at v's already-committed extent and, if v
// was obtained from a Reader (carrying the key it was resolved under),
// queues that source key for quiet deletion at commit — so the net effect
// is v's key renamed to newKey rather than duplicated. Rename across
// Handles is rejected with KindAny.
func (w *BatchWriter) Rename(v *Value, newKey []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropped || w.committed {
		return newErr("rename", KindAny, errWriterDone)
	}
	if v.h != w.h {
		return newErr("rename", KindAny, errors.New("rename across different handles is not supported"))
	}
	k := string(newKey)
	if prev, ok := w.staged[k]; ok && prev.source == stagedFromScratch {
		w.discardScratchLocked(prev.scratch)
	}
	w.staged[k] = &StagedItem{source: stagedFromExisting, loc: v.loc, deleteSourceKey: v.sourceKey}
	return nil
}

// Commit opens one manifest transaction, applies every staged mapping,
// runs eviction, and on success hole-punches any locators that were
// replaced or evicted. An error leaves the manifest unchanged; bytes already
// cloned into a value file for this commit stay there unreferenced, and
// scratch files remain for the caller to retry or drop.
func (w *BatchWriter) Commit() error {
	w.mu.Lock()
	if w.dropped || w.committed {
		w.mu.Unlock()
		return newErr("commit", KindAny, errWriterDone)
	}
	staged := w.staged
	w.mu.Unlock()

	w.h.mu.Lock()
	defer w.h.mu.Unlock()

	now := nowTimestamp()
	var promotedScratch []string
	var freed []Locator

	err := w.h.manifest.withTx(func(tx *sql.Tx) error {
		freed = nil
		promotedScratch = nil
		for key, item := range staged {
			var loc Locator
			switch item.source {
			case stagedFromScratch:
				info, err := item.scratch.file.Stat()
				if err != nil {
					return newKeyErr("commit", KindIO, []byte(key), err)
				}
				length := info.Size()
				nf, err := w.h.pool.writable()
				if err != nil {
					return err
				}
				offset := nf.reserve(length)
				if length > 0 {
					if err := reflinkCloneRange(nf.file, item.scratch.file, offset, length); err != nil {
						return err
					}
				}
				loc = Locator{FileID: nf.id, Offset: uint64(offset), Length: uint64(length), LastUsed: now}
				promotedScratch = append(promotedScratch, item.scratch.path)
			case stagedFromExisting:
				loc = item.loc
				loc.LastUsed = now
				if len(item.deleteSourceKey) > 0 {
					if _, err := deleteTx(tx, item.deleteSourceKey); err != nil {
						if e, ok := err.(*Error); !ok || e.Kind != KindNoSuchKey {
							return err
						}
					}
				}
			}
			prev, err := insertOrReplaceTx(tx, []byte(key), loc)
			if err != nil {
				return err
			}
			if prev != nil {
				freed = append(freed, *prev)
			}
		}
		evicted, err := evictToLimit(tx, w.h.cfg.MaxValueLengthSum)
		if err != nil {
			return err
		}
		freed = append(freed, evicted...)
		return nil
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.committed = true
	w.mu.Unlock()

	for _, p := range promotedScratch {
		if vw, ok := w.scratch[p]; ok {
			vw.file.Close()
		}
		os.Remove(p)
	}
	for _, loc := range freed {
		w.h.punchOrOrphan(loc)
	}
	return nil
}

// Drop discards all staged work and deletes every scratch file this
// writer created. Safe to call after Commit (no-op).
func (w *BatchWriter) Drop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dropped || w.committed {
		return
	}
	for _, vw := range w.scratch {
		vw.file.Close()
		os.Remove(vw.path)
	}
	w.dropped = true
}
