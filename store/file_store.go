package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	raven "github.com/getsentry/raven-go"
	"github.com/rs/zerolog/log"
)

// FileSystem implements a store kept in a local directory tree. Each bucket
// is a directory under the root and each key a path under its bucket, so
// keys may contain '/'. It serves the local daemon, where no S3 service is
// available.
type FileSystem struct {
	root string
}

const (
	// the subdir to store files while they are being written to.
	scratchdir = ".scratch"
)

var (
	// make sure it implements the Store interface
	_ Store = &FileSystem{}

	// ErrBadKey means the key would escape its bucket directory.
	ErrBadKey = errors.New("key is not a clean relative path")

	// ErrKeyContainsNonUnicode means the key provided contains a Non Unicode Rune
	ErrKeyContainsNonUnicode = errors.New("key contains Non-Unicode character")

	// ErrKeyContainsControlChar means the key provided contains Control Characters
	ErrKeyContainsControlChar = errors.New("key contains Control Characters")
)

// NewFileSystem creates a new FileSystem store based at the given root path.
func NewFileSystem(root string) *FileSystem {
	return &FileSystem{root}
}

func (s *FileSystem) fname(bucket, key string) (string, error) {
	if err := isKeyValid(bucket); err != nil || strings.Contains(bucket, "/") {
		return "", ErrBadKey
	}
	if err := isKeyValid(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, bucket, filepath.FromSlash(key)), nil
}

// Head returns the size and modification time of the file. The ETag is the
// quoted MD5 of its content, computed on demand.
func (s *FileSystem) Head(ctx context.Context, bucket, key string) (Meta, error) {
	fname, err := s.fname(bucket, key)
	if err != nil {
		return Meta{}, err
	}
	fi, err := os.Stat(fname)
	if os.IsNotExist(err) {
		return Meta{}, ErrNotFound
	} else if err != nil {
		return Meta{}, err
	}
	if fi.IsDir() {
		return Meta{}, ErrNotFound
	}
	etag, err := fileETag(fname)
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		Key:          key,
		Size:         fi.Size(),
		ETag:         etag,
		LastModified: fi.ModTime(),
		ContentType:  mime.TypeByExtension(path.Ext(key)),
	}, nil
}

func fileETag(fname string) (string, error) {
	f, err := os.Open(fname)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`, nil
}

// Get reads the whole file.
func (s *FileSystem) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	fname, err := s.fname(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fname)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, err
}

// Put writes the content to a scratch file and renames it into place once
// it is complete, so readers never see a partial object.
func (s *FileSystem) Put(ctx context.Context, bucket, key string, r io.Reader, opts PutOptions) error {
	target, err := s.fname(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0775); err != nil {
		return err
	}
	dir := filepath.Join(s.root, scratchdir)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return err
	}
	w, err := os.CreateTemp(dir, "put-*")
	if err != nil {
		return err
	}
	mc := &moveCloser{File: w, source: w.Name(), target: target}
	if _, err := io.Copy(mc, r); err != nil {
		w.Close()
		os.Remove(w.Name())
		return err
	}
	return mc.Close()
}

// track the file so when it is closed, we can move it into the correct place
type moveCloser struct {
	*os.File
	source string
	target string
}

func (w *moveCloser) Close() error {
	err := w.File.Close()
	if err != nil {
		os.Remove(w.source)
		return err
	}
	return os.Rename(w.source, w.target)
}

// List walks the bucket directory. Keys use '/' as the separator whatever
// the host system.
func (s *FileSystem) List(ctx context.Context, bucket, prefix string, opts ListOptions) ([]Meta, error) {
	base := filepath.Join(s.root, bucket)
	// start the walk at the deepest directory fully named by the prefix
	start := base
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		start = filepath.Join(base, filepath.FromSlash(prefix[:i]))
	}
	var result []Meta
	err := filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		m := Meta{Key: key, Size: fi.Size(), LastModified: fi.ModTime()}
		if opts.DedupByETag {
			if m.ETag, err = fileETag(p); err != nil {
				return err
			}
		}
		result = append(result, m)
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		log.Error().Err(err).Str("bucket", bucket).Str("prefix", prefix).Msg("FileSystem List")
		raven.CaptureError(err, nil)
		return nil, err
	}
	return finishList(result, opts), nil
}

// Copy duplicates a file through Put.
func (s *FileSystem) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	src, err := s.fname(srcBucket, srcKey)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if os.IsNotExist(err) {
		return ErrNotFound
	} else if err != nil {
		return err
	}
	defer f.Close()
	return s.Put(ctx, dstBucket, dstKey, f, PutOptions{})
}

// Delete the given key from the store. It is not an error if the key doesn't
// exist.
func (s *FileSystem) Delete(ctx context.Context, bucket, key string) error {
	fname, err := s.fname(bucket, key)
	if err != nil {
		return err
	}
	err = os.Remove(fname)
	// don't report a missing file as an error
	if err != nil && os.IsNotExist(err) {
		err = nil
	}
	return err
}

// Some Simple Key Validations
func isKeyValid(key string) error {
	if !utf8.ValidString(key) {
		return ErrKeyContainsNonUnicode
	}
	if key == "" || strings.HasPrefix(key, "/") || path.Clean(key) != strings.TrimSuffix(key, "/") {
		return ErrBadKey
	}
	if key == ".." || strings.HasPrefix(key, "../") || strings.HasPrefix(key, scratchdir) {
		return ErrBadKey
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return ErrKeyContainsControlChar
		}
	}
	return nil
}
