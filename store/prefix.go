package store

import (
	"context"
	"io"
	"strings"
)

// NewWithPrefix wraps the store s by one which will prefix all its keys by
// prefix. This provides a way to namespace the keys, and to share the same
// underlying bucket among a group of users, e.g. one stack per region.
func NewWithPrefix(s Store, prefix string) Store {
	return prefixstore{s: s, p: prefix}
}

type prefixstore struct {
	s Store  // the store being wrapped
	p string // the prefix for our keys
}

func (ps prefixstore) Head(ctx context.Context, bucket, key string) (Meta, error) {
	m, err := ps.s.Head(ctx, bucket, ps.p+key)
	m.Key = strings.TrimPrefix(m.Key, ps.p)
	return m, err
}

func (ps prefixstore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	return ps.s.Get(ctx, bucket, ps.p+key)
}

func (ps prefixstore) Put(ctx context.Context, bucket, key string, r io.Reader, opts PutOptions) error {
	return ps.s.Put(ctx, bucket, ps.p+key, r, opts)
}

func (ps prefixstore) List(ctx context.Context, bucket, prefix string, opts ListOptions) ([]Meta, error) {
	inner := opts
	if inner.StartAfter != "" {
		inner.StartAfter = ps.p + inner.StartAfter
	}
	// basename is applied after the prefix is stripped
	inner.OnlyBasename = false
	items, err := ps.s.List(ctx, bucket, ps.p+prefix, inner)
	var result []Meta
	for _, m := range items {
		if !strings.HasPrefix(m.Key, ps.p) {
			continue
		}
		m.Key = m.Key[len(ps.p):]
		result = append(result, m)
	}
	if opts.OnlyBasename {
		result = finishList(result, ListOptions{OnlyBasename: true})
	}
	return result, err
}

func (ps prefixstore) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	return ps.s.Copy(ctx, srcBucket, ps.p+srcKey, dstBucket, ps.p+dstKey)
}

func (ps prefixstore) Delete(ctx context.Context, bucket, key string) error {
	return ps.s.Delete(ctx, bucket, ps.p+key)
}
