//go:build !linux

package possum

import (
	"errors"
	"io"
	"os"
)

// punchHole is unavailable outside Linux. Open's capability probe therefore
// fails with KindUnsupportedFilesystem unless DisableHolePunching is set.
func punchHole(f *os.File, offset, length int64) error {
	return newErr("punch-hole", KindUnsupportedFilesystem, errors.New("hole punching requires linux"))
}

// reflinkCloneRange falls back to a positional read/write copy on
// platforms without a range-clone ioctl.
func reflinkCloneRange(dst, src *os.File, dstOffset, length int64) error {
	if length == 0 {
		return nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(src, 0, length), buf); err != nil {
		return newErr("reflink-clone-range-fallback", KindIO, err)
	}
	if _, err := dst.WriteAt(buf, dstOffset); err != nil {
		return newErr("reflink-clone-range-fallback", KindIO, err)
	}
	return nil
}
