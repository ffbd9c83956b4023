// Package store provides a goroutine safe, bucket aware object store. Every
// component of the pipeline keeps its shared state here: aimpoint documents,
// raw segments, dedup markers and the status logs.
//
// Probably the most important implementation is S3. The FileSystem store is
// useful for the local daemon and the Memory store for testing.
package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"time"
)

// Meta describes one stored object.
type Meta struct {
	Key          string // full key, or only the basename if requested
	Size         int64
	ETag         string // quoted hex MD5 for single part uploads
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// PutOptions carries the optional attributes of a write. Server side
// encryption is always requested and so is not an option.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// ListOptions controls a listing.
type ListOptions struct {
	Limit        int    // 0 for no limit
	StartAfter   string // only keys strictly greater than this one
	OnlyBasename bool   // return path.Base of each key
	DedupByETag  bool   // drop objects whose ETag was already listed
}

// Store is the object store capability used by every component.
//
// Head returns ErrNotFound when the key does not exist. Listings are in
// lexicographic key order. Delete of a missing key is not an error.
type Store interface {
	Head(ctx context.Context, bucket, key string) (Meta, error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, r io.Reader, opts PutOptions) error
	List(ctx context.Context, bucket, prefix string, opts ListOptions) ([]Meta, error)
	Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error
	Delete(ctx context.Context, bucket, key string) error
}

// SSEAlgorithm is the server side encryption requested on every write.
const SSEAlgorithm = "AES256"

var (
	// ErrNotFound is returned by Head and Get for a missing key.
	ErrNotFound = errors.New("key does not exist")

	// ErrNoETag is returned when a backend did not give an ETag for an upload.
	ErrNoETag = errors.New("no ETag was returned")
)

// IsNotFound reports whether err means a missing key.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// PutBytes is a convenience wrapper around Put.
func PutBytes(ctx context.Context, s Store, bucket, key string, data []byte, contentType string) error {
	return s.Put(ctx, bucket, key, bytes.NewReader(data), PutOptions{ContentType: contentType})
}

// Exists reports whether the key is present.
func Exists(ctx context.Context, s Store, bucket, key string) (bool, error) {
	_, err := s.Head(ctx, bucket, key)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Move copies the object and then deletes the source. The destination is
// complete before the source goes away, so a reader sees the object in at
// least one of the two places.
func Move(ctx context.Context, s Store, bucket, srcKey, dstKey string) error {
	if err := s.Copy(ctx, bucket, srcKey, bucket, dstKey); err != nil {
		return err
	}
	return s.Delete(ctx, bucket, srcKey)
}

// ListWildcard lists the keys matching the glob pattern, using the path.Match
// syntax. Only the literal part of the pattern before the first
// metacharacter is sent to the backend as a prefix.
func ListWildcard(ctx context.Context, s Store, bucket, pattern string) ([]Meta, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}
	prefix := pattern
	if i := strings.IndexAny(pattern, `*?[\`); i >= 0 {
		prefix = pattern[:i]
	}
	all, err := s.List(ctx, bucket, prefix, ListOptions{})
	if err != nil {
		return nil, err
	}
	var result []Meta
	for _, m := range all {
		if ok, _ := path.Match(pattern, m.Key); ok {
			result = append(result, m)
		}
	}
	return result, nil
}

// finishList applies the options which every backend implements the same
// way. The input must already be in key order.
func finishList(items []Meta, opts ListOptions) []Meta {
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	seen := make(map[string]bool)
	var result []Meta
	for _, m := range items {
		if opts.StartAfter != "" && m.Key <= opts.StartAfter {
			continue
		}
		if opts.DedupByETag && m.ETag != "" {
			if seen[m.ETag] {
				continue
			}
			seen[m.ETag] = true
		}
		if opts.OnlyBasename {
			m.Key = path.Base(m.Key)
		}
		result = append(result, m)
		if opts.Limit > 0 && len(result) >= opts.Limit {
			break
		}
	}
	return result
}
