// Package extentreg implements the possum Snapshot Manager: a
// reference-counted registry of value-file byte extents that eviction must
// not hole-punch while any live Reader can still see them.
//
// This is a from-scratch rewrite of the teacher package's valuelocmap
// (github.com/gholt/valuelocmap): it keeps that package's
// resolveConfig/OptXxx functional-options idiom and its strategy of
// sharding locks across a fixed bucket count to keep concurrent access
// cheap, but the keyed data is entirely different — extents pinned by
// snapshots rather than 128-bit key locations pointing into in-memory
// blocks.
package extentreg

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Extent is a contiguous byte range within one value file.
type Extent struct {
	FileID uint64
	Offset uint64
	Length uint64
}

// End returns the exclusive end offset of the extent.
func (e Extent) End() uint64 { return e.Offset + e.Length }

// Overlaps reports whether e and o share any byte in the same file.
func (e Extent) Overlaps(o Extent) bool {
	return e.FileID == o.FileID && e.Offset < o.End() && o.Offset < e.End()
}

type config struct {
	shards int
}

// Option configures a Registry at construction.
type Option func(*config)

// OptShards controls how many independent lock shards the registry uses.
// Defaults to env POSSUM_EXTENTREG_SHARDS or GOMAXPROCS*4, matching the
// teacher's OptCores sizing heuristic.
func OptShards(n int) Option {
	return func(c *config) { c.shards = n }
}

func resolveConfig(opts []Option) *config {
	cfg := &config{}
	if env := os.Getenv("POSSUM_EXTENTREG_SHARDS"); env != "" {
		if val, err := strconv.Atoi(env); err == nil {
			cfg.shards = val
		}
	}
	if cfg.shards <= 0 {
		cfg.shards = runtime.GOMAXPROCS(0) * 4
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.shards < 1 {
		cfg.shards = 1
	}
	return cfg
}

type pinned struct {
	extent Extent
	count  int
	orphan bool
}

type shard struct {
	lock sync.Mutex
	// byFile holds, per value-file id routed to this shard, the set of
	// currently pinned or orphaned extents within that file. Live snapshot
	// counts per file are small relative to manifest key counts, so a plain
	// slice scan per file is adequate; an interval tree is unneeded here.
	byFile map[uint64][]*pinned
}

// Registry tracks pinned extents across all snapshots taken from a single
// Handle and the orphaned extents left behind when eviction deletes a
// manifest row whose bytes are still pinned.
type Registry struct {
	shards    []shard
	nextID    uint64
	snapshots sync.Map // snapshotID -> []Extent
}

// New creates a Registry; opts may be empty to use the defaults.
func New(opts ...Option) *Registry {
	cfg := resolveConfig(opts)
	r := &Registry{shards: make([]shard, cfg.shards)}
	for i := range r.shards {
		r.shards[i].byFile = make(map[uint64][]*pinned)
	}
	return r
}

func (r *Registry) shardFor(fileID uint64) *shard {
	return &r.shards[fileID%uint64(len(r.shards))]
}

// Pin registers extents as a new snapshot and returns its id. reader_begin
// calls this once, atomically, for every key it resolved.
func (r *Registry) Pin(extents []Extent) uint64 {
	id := atomic.AddUint64(&r.nextID, 1)
	cp := append([]Extent(nil), extents...)
	r.snapshots.Store(id, cp)
	for _, e := range cp {
		r.pinOne(e)
	}
	return id
}

func (r *Registry) pinOne(e Extent) {
	s := r.shardFor(e.FileID)
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, p := range s.byFile[e.FileID] {
		if p.extent == e {
			p.count++
			return
		}
	}
	s.byFile[e.FileID] = append(s.byFile[e.FileID], &pinned{extent: e, count: 1})
}

// Release drops a snapshot's pins. It returns the extents that became
// fully unpinned AND were already marked orphaned by eviction — these are
// ready to hole-punch immediately.
func (r *Registry) Release(id uint64) []Extent {
	v, ok := r.snapshots.LoadAndDelete(id)
	if !ok {
		return nil
	}
	extents := v.([]Extent)
	var ready []Extent
	for _, e := range extents {
		if freed, wasOrphan := r.unpinOne(e); freed && wasOrphan {
			ready = append(ready, e)
		}
	}
	return ready
}

// unpinOne decrements the pin count for e, returning whether it reached
// zero and whether it was marked orphaned at the time.
func (r *Registry) unpinOne(e Extent) (freedToZero bool, wasOrphan bool) {
	s := r.shardFor(e.FileID)
	s.lock.Lock()
	defer s.lock.Unlock()
	list := s.byFile[e.FileID]
	for i, p := range list {
		if p.extent != e {
			continue
		}
		p.count--
		if p.count > 0 {
			return false, false
		}
		wasOrphan = p.orphan
		if !wasOrphan {
			// Not orphaned: the manifest still (or again) references it, so
			// just drop the bookkeeping entry, no punch needed here.
			s.byFile[e.FileID] = append(list[:i:i], list[i+1:]...)
			return true, false
		}
		s.byFile[e.FileID] = append(list[:i:i], list[i+1:]...)
		return true, true
	}
	return false, false
}

// IsPinned reports whether any byte of e is covered by a currently pinned
// extent in the same file. Eviction consults this before hole-punching.
func (r *Registry) IsPinned(e Extent) bool {
	s := r.shardFor(e.FileID)
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, p := range s.byFile[e.FileID] {
		if p.count > 0 && p.extent.Overlaps(e) {
			return true
		}
	}
	return false
}

// MarkOrphan records that a manifest row referencing e was deleted while e
// is still pinned by a live snapshot. The bytes must not be punched until
// every snapshot pinning e has been released. If e is not currently pinned,
// MarkOrphan returns false and the caller should hole-punch immediately.
func (r *Registry) MarkOrphan(e Extent) bool {
	s := r.shardFor(e.FileID)
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, p := range s.byFile[e.FileID] {
		if p.count > 0 && p.extent == e {
			p.orphan = true
			return true
		}
	}
	return false
}

// Orphans returns every currently-unpinned orphaned extent across all
// files, for cleanup_snapshots to sweep. Entries are removed from the
// registry as they're returned; callers are expected to hole-punch them.
func (r *Registry) Orphans() []Extent {
	var out []Extent
	for i := range r.shards {
		s := &r.shards[i]
		s.lock.Lock()
		for fid, list := range s.byFile {
			kept := list[:0]
			for _, p := range list {
				if p.orphan && p.count == 0 {
					out = append(out, p.extent)
					continue
				}
				kept = append(kept, p)
			}
			if len(kept) == 0 {
				delete(s.byFile, fid)
			} else {
				s.byFile[fid] = kept
			}
		}
		s.lock.Unlock()
	}
	return out
}
