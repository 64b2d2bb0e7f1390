//go:build linux

package possum

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// punchHole deallocates [offset, offset+length) in f without changing its
// apparent size, so later reads of that range return zero bytes but the
// filesystem reclaims the backing blocks. Requires a filesystem that
// supports FALLOC_FL_PUNCH_HOLE (ext4, xfs, btrfs; not tmpfs or most
// network filesystems).
func punchHole(f *os.File, offset, length int64) error {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, offset, length)
	if err != nil {
		if err == unix.EOPNOTSUPP {
			return newErr("punch-hole", KindUnsupportedFilesystem, err)
		}
		return newErr("punch-hole", KindIO, err)
	}
	return nil
}

// reflinkCloneRange clones [0, length) of src into dst at dstOffset via
// FICLONERANGE, the range-capable sibling of FICLONE, so a staged scratch
// file's bytes can be appended into an existing pool file without a
// plain byte copy. Falls back to a positional read/write copy when the
// filesystem doesn't support range clones.
func reflinkCloneRange(dst, src *os.File, dstOffset, length int64) error {
	if length == 0 {
		return nil
	}
	err := unix.IoctlFileCloneRange(int(dst.Fd()), &unix.FileCloneRange{
		Src_fd:      int64(src.Fd()),
		Src_offset:  0,
		Src_length:  uint64(length),
		Dest_offset: uint64(dstOffset),
	})
	if err == nil {
		return nil
	}
	if err == unix.EOPNOTSUPP || err == unix.EXDEV || err == unix.EINVAL {
		return copyRangeFallback(dst, src, dstOffset, length)
	}
	return newErr("reflink-clone-range", KindIO, err)
}

func copyRangeFallback(dst, src *os.File, dstOffset, length int64) error {
	buf := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(src, 0, length), buf); err != nil {
		return newErr("reflink-clone-range-fallback", KindIO, err)
	}
	if _, err := dst.WriteAt(buf, dstOffset); err != nil {
		return newErr("reflink-clone-range-fallback", KindIO, err)
	}
	return nil
}
