package util

import (
	"crypto/md5"
	"encoding/hex"
	"hash"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
)

// An HashWriter wraps an io.Writer and also calculates the MD5 hash
// of the bytes written. Segment and still dedup markers are keyed by it.
type HashWriter struct {
	io.Writer // our io.MultiWriter
	md5       hash.Hash
	n         int64
}

// NewMD5Writer returns a HashWriter wrapping w. If w is nil the writer only
// computes the hash.
func NewMD5Writer(w io.Writer) *HashWriter {
	hw := &HashWriter{md5: md5.New()}
	if w == nil {
		hw.Writer = hw.md5
	} else {
		hw.Writer = io.MultiWriter(w, hw.md5)
	}
	return hw
}

func (hw *HashWriter) Write(p []byte) (int, error) {
	n, err := hw.Writer.Write(p)
	hw.n += int64(n)
	return n, err
}

// Size is the number of bytes written so far.
func (hw *HashWriter) Size() int64 { return hw.n }

// HexMD5 returns the hex encoded MD5 of everything written so far.
func (hw *HashWriter) HexMD5() string {
	return hex.EncodeToString(hw.md5.Sum(nil))
}

// CheckMD5 compares the hash of everything written so far with the hex
// encoded goal. An empty goal always matches.
func (hw *HashWriter) CheckMD5(goal string) (string, bool) {
	computed := hw.HexMD5()
	return computed, goal == "" || goal == computed
}

// HashReader copies r into a hashing writer and returns the hex MD5 and the
// number of bytes read. The reader is not closed when finished.
func HashReader(r io.Reader) (string, int64, error) {
	hw := NewMD5Writer(nil)
	n, err := io.Copy(hw, r)
	return hw.HexMD5(), n, err
}

// HashFile returns the hex MD5 of the file at name. The file is memory
// mapped rather than read; an empty file hashes without mapping.
func HashFile(name string) (string, error) {
	f, err := os.Open(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return "", err
	}
	if fi.Size() == 0 {
		return hex.EncodeToString(md5.New().Sum(nil)), nil
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		// some filesystems cannot be mapped
		sum, _, err := HashReader(f)
		return sum, err
	}
	defer m.Unmap()
	sum := md5.Sum(m)
	return hex.EncodeToString(sum[:]), nil
}
