package possum

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// valueFile is a single sparse, append-only value file. Its positional
// reads and writes are synchronous: there is no background
// checksummer/writer pipeline like the teacher's valueStoreFile, because
// the manifest (not the value file) is the durability boundary here — a
// value is only visible once its manifest row commits. Bytes written for a
// commit that then fails stay in the file unreferenced: offsets only ever
// advance, so no later writer reuses them, and eviction punches only
// extents that a manifest row referenced, so it does not reclaim them.
type valueFile struct {
	id   uint64
	path string

	mu   sync.Mutex
	file *os.File
	size int64
}

const valueFileNameSuffix = ".possum"

func valueFileName(id uint64) string {
	return fmt.Sprintf("%016x%s", id, valueFileNameSuffix)
}

func parseValueFileName(name string) (uint64, bool) {
	if !strings.HasSuffix(name, valueFileNameSuffix) {
		return 0, false
	}
	hex := strings.TrimSuffix(name, valueFileNameSuffix)
	id, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func openValueFile(dir string, id uint64) (*valueFile, error) {
	p := filepath.Join(dir, valueFileName(id))
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, newErr("open-value-file", KindIO, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, newErr("open-value-file", KindIO, err)
	}
	return &valueFile{id: id, path: p, file: f, size: info.Size()}, nil
}

// scanValueFiles discovers every existing value file under dir, the way
// the teacher's store rebuilds its file set by listing the data directory
// on open rather than trusting a separate index of file names.
func scanValueFiles(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, newErr("scan-value-files", KindIO, err)
	}
	var ids []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := parseValueFileName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// reserve extends the file by length bytes and returns the offset the
// caller may write into. The offset is taken and advanced under vf.mu, so
// concurrent reserves on the same file never overlap.
func (vf *valueFile) reserve(length int64) int64 {
	vf.mu.Lock()
	defer vf.mu.Unlock()
	off := vf.size
	vf.size += length
	return off
}

func (vf *valueFile) writeAt(b []byte, offset int64) error {
	if _, err := vf.file.WriteAt(b, offset); err != nil {
		return newErr("value-write", KindIO, err)
	}
	return nil
}

func (vf *valueFile) readAt(b []byte, offset int64) (int, error) {
	n, err := vf.file.ReadAt(b, offset)
	if err != nil && err != io.EOF {
		return n, newErr("value-read", KindIO, err)
	}
	return n, nil
}

// punch deallocates [offset, offset+length) once eviction has confirmed no
// live snapshot still pins it. A no-op (but not an error) when hole
// punching is disabled or length is zero; on a filesystem without hole
// punching it returns a KindUnsupportedFilesystem error.
func (vf *valueFile) punch(offset, length int64, disabled bool) error {
	if disabled || length == 0 {
		return nil
	}
	err := punchHole(vf.file, offset, length)
	if e, ok := err.(*Error); ok && e.Kind == KindUnsupportedFilesystem {
		return err
	}
	return err
}

func (vf *valueFile) close() error {
	return vf.file.Close()
}

// valueFilePool owns every open valueFile under the store's values/
// directory and hands out the current file to append to, rolling over to
// a freshly created file once appends accumulate; mirrors the teacher's
// idiom of a monotonically increasing file id and directory-scan recovery
// on Open, without the async write pipeline.
type valueFilePool struct {
	dir string

	mu      sync.Mutex
	files   map[uint64]*valueFile
	current *valueFile
	nextID  uint64
}

func openValueFilePool(dir string) (*valueFilePool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, newErr("open-value-pool", KindIO, err)
	}
	ids, err := scanValueFiles(dir)
	if err != nil {
		return nil, err
	}
	pool := &valueFilePool{dir: dir, files: make(map[uint64]*valueFile)}
	for _, id := range ids {
		vf, err := openValueFile(dir, id)
		if err != nil {
			pool.closeAll()
			return nil, err
		}
		pool.files[id] = vf
		if id >= pool.nextID {
			pool.nextID = id + 1
		}
	}
	return pool, nil
}

func (p *valueFilePool) closeAll() {
	for _, vf := range p.files {
		vf.close()
	}
}

func (p *valueFilePool) get(id uint64) (*valueFile, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vf, ok := p.files[id]
	return vf, ok
}

// maxValueFileSize bounds how large a single pool file is allowed to grow
// via appends before the pool rolls over to a fresh one, keeping the pool
// a "small set of files" per §4.2 rather than one file growing forever.
const maxValueFileSize = 64 << 20

// writable returns the value file new writes should append to, creating
// or rolling over to a new file when there isn't a current one yet or the
// current one has grown past maxValueFileSize.
func (p *valueFilePool) writable() (*valueFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.size < maxValueFileSize {
		return p.current, nil
	}
	return p.createLocked()
}

func (p *valueFilePool) rotate() (*valueFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createLocked()
}

func (p *valueFilePool) createLocked() (*valueFile, error) {
	id := p.nextID
	p.nextID++
	vf, err := openValueFile(p.dir, id)
	if err != nil {
		return nil, err
	}
	p.files[id] = vf
	p.current = vf
	return vf, nil
}

func (p *valueFilePool) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var first error
	for _, vf := range p.files {
		if err := vf.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
