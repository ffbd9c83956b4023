package store

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory implements a simple in-memory version of a store. It is intended
// mainly for testing.
type Memory struct {
	m     sync.RWMutex
	store map[string]*object // keyed by bucket + "/" + key
}

type object struct {
	data     []byte
	meta     Meta
	sse      string
	modified time.Time
}

var (
	// ensure Memory satisfies the Store interface
	_ Store = &Memory{}
)

// NewMemory returns a new, empty memory store.
func NewMemory() *Memory {
	return &Memory{store: make(map[string]*object)}
}

func memkey(bucket, key string) string {
	return bucket + "/" + key
}

// Head returns the metadata for the given key.
func (ms *Memory) Head(ctx context.Context, bucket, key string) (Meta, error) {
	ms.m.RLock()
	v, ok := ms.store[memkey(bucket, key)]
	ms.m.RUnlock()
	if !ok {
		return Meta{}, ErrNotFound
	}
	return v.meta, nil
}

// Get returns a copy of the content of the given key.
func (ms *Memory) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	ms.m.RLock()
	v, ok := ms.store[memkey(bucket, key)]
	ms.m.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v.data...), nil
}

// Put stores the content of r under the given key, replacing any previous
// value.
func (ms *Memory) Put(ctx context.Context, bucket, key string, r io.Reader, opts PutOptions) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	sum := md5.Sum(data)
	now := time.Now()
	obj := &object{
		data: data,
		sse:  SSEAlgorithm,
		meta: Meta{
			Key:          key,
			Size:         int64(len(data)),
			ETag:         `"` + hex.EncodeToString(sum[:]) + `"`,
			LastModified: now,
			ContentType:  opts.ContentType,
			Metadata:     opts.Metadata,
		},
	}
	ms.m.Lock()
	ms.store[memkey(bucket, key)] = obj
	ms.m.Unlock()
	return nil
}

// List returns the objects in bucket whose key begins with prefix.
func (ms *Memory) List(ctx context.Context, bucket, prefix string, opts ListOptions) ([]Meta, error) {
	var result []Meta
	full := memkey(bucket, prefix)
	ms.m.RLock()
	for k, v := range ms.store {
		if strings.HasPrefix(k, full) {
			result = append(result, v.meta)
		}
	}
	ms.m.RUnlock()
	return finishList(result, opts), nil
}

// Copy duplicates an object. The copy gets its own modification time.
func (ms *Memory) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) error {
	ms.m.Lock()
	defer ms.m.Unlock()
	v, ok := ms.store[memkey(srcBucket, srcKey)]
	if !ok {
		return ErrNotFound
	}
	c := *v
	c.data = append([]byte(nil), v.data...)
	c.meta.Key = dstKey
	c.meta.LastModified = time.Now()
	ms.store[memkey(dstBucket, dstKey)] = &c
	return nil
}

// Delete the given key from the store. It is not an error if the item does
// not exist in the store.
func (ms *Memory) Delete(ctx context.Context, bucket, key string) error {
	ms.m.Lock()
	delete(ms.store, memkey(bucket, key))
	ms.m.Unlock()
	return nil
}

// Encryption returns the server side encryption recorded for a key, or ""
// if the key does not exist.
func (ms *Memory) Encryption(bucket, key string) string {
	ms.m.RLock()
	defer ms.m.RUnlock()
	if v, ok := ms.store[memkey(bucket, key)]; ok {
		return v.sse
	}
	return ""
}

// Keys returns every key in the bucket with the given prefix, sorted.
func (ms *Memory) Keys(bucket, prefix string) []string {
	var result []string
	full := memkey(bucket, prefix)
	ms.m.RLock()
	for k := range ms.store {
		if strings.HasPrefix(k, full) {
			result = append(result, strings.TrimPrefix(k, bucket+"/"))
		}
	}
	ms.m.RUnlock()
	sort.Strings(result)
	return result
}

// Dump writes a listing of the contents of the store to the given writer.
// This is intended for testing and debugging.
func (ms *Memory) Dump(w io.Writer) {
	ms.m.RLock()
	keys := make([]string, 0, len(ms.store))
	for k := range ms.store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := ms.store[k].data
		if len(s) > 300 {
			s = s[:50]
		}
		if !bytes.ContainsRune(s, 0) {
			fmt.Fprintf(w, "%s: %s\n", k, string(s))
		} else {
			fmt.Fprintf(w, "%s: (%d bytes)\n", k, len(ms.store[k].data))
		}
	}
	ms.m.RUnlock()
}
