// Package storetest provides functions for facilitating the testing of
// anything implementing the store.Store interface.
package storetest

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hpatrol/hpatrol/store"
)

// Conformance runs the behaviour every backend must share against s. The
// bucket must exist (for S3) and may be shared; all keys go under a fresh
// random prefix.
func Conformance(t *testing.T, s store.Store, bucket string) {
	ctx := context.Background()
	p := fmt.Sprintf("conformance-%d/", rand.Int63())

	// missing keys
	_, err := s.Head(ctx, bucket, p+"nothing")
	assert.True(t, store.IsNotFound(err), "Head of missing key returned %v", err)
	_, err = s.Get(ctx, bucket, p+"nothing")
	assert.True(t, store.IsNotFound(err), "Get of missing key returned %v", err)
	ok, err := store.Exists(ctx, s, bucket, p+"nothing")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Delete(ctx, bucket, p+"nothing"))

	// put and read back
	require.NoError(t, store.PutBytes(ctx, s, bucket, p+"a/one.ts", []byte("segment one"), "video/mp2t"))
	require.NoError(t, store.PutBytes(ctx, s, bucket, p+"a/two.ts", []byte("segment two"), ""))
	require.NoError(t, store.PutBytes(ctx, s, bucket, p+"a/dup.ts", []byte("segment one"), ""))
	require.NoError(t, store.PutBytes(ctx, s, bucket, p+"b/marker.md5", nil, ""))

	data, err := s.Get(ctx, bucket, p+"a/one.ts")
	require.NoError(t, err)
	assert.Equal(t, "segment one", string(data))

	meta, err := s.Head(ctx, bucket, p+"a/two.ts")
	require.NoError(t, err)
	assert.EqualValues(t, len("segment two"), meta.Size)

	meta, err = s.Head(ctx, bucket, p+"b/marker.md5")
	require.NoError(t, err)
	assert.EqualValues(t, 0, meta.Size)

	// overwrite
	require.NoError(t, store.PutBytes(ctx, s, bucket, p+"a/two.ts", []byte("segment 2"), ""))
	data, err = s.Get(ctx, bucket, p+"a/two.ts")
	require.NoError(t, err)
	assert.Equal(t, "segment 2", string(data))

	// listings
	keys := func(ms []store.Meta) []string {
		var result []string
		for _, m := range ms {
			result = append(result, m.Key)
		}
		return result
	}
	all, err := s.List(ctx, bucket, p, store.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{p + "a/dup.ts", p + "a/one.ts", p + "a/two.ts", p + "b/marker.md5"}, keys(all))

	some, err := s.List(ctx, bucket, p+"a/", store.ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{p + "a/dup.ts", p + "a/one.ts"}, keys(some))

	after, err := s.List(ctx, bucket, p+"a/", store.ListOptions{StartAfter: p + "a/dup.ts", OnlyBasename: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"one.ts", "two.ts"}, keys(after))

	dedup, err := s.List(ctx, bucket, p+"a/", store.ListOptions{DedupByETag: true})
	require.NoError(t, err)
	assert.Equal(t, []string{p + "a/dup.ts", p + "a/two.ts"}, keys(dedup))

	wild, err := store.ListWildcard(ctx, s, bucket, p+"a/*o*.ts")
	require.NoError(t, err)
	assert.Equal(t, []string{p + "a/one.ts", p + "a/two.ts"}, keys(wild))

	// copy and move
	require.NoError(t, s.Copy(ctx, bucket, p+"a/one.ts", bucket, p+"c/one.ts"))
	data, err = s.Get(ctx, bucket, p+"c/one.ts")
	require.NoError(t, err)
	assert.Equal(t, "segment one", string(data))
	assert.Error(t, s.Copy(ctx, bucket, p+"a/missing.ts", bucket, p+"c/missing.ts"))

	require.NoError(t, store.Move(ctx, s, bucket, p+"c/one.ts", p+"d/one.ts"))
	ok, err = store.Exists(ctx, s, bucket, p+"c/one.ts")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.Exists(ctx, s, bucket, p+"d/one.ts")
	require.NoError(t, err)
	assert.True(t, ok)

	// clean up
	all, err = s.List(ctx, bucket, p, store.ListOptions{})
	require.NoError(t, err)
	for _, m := range all {
		require.NoError(t, s.Delete(ctx, bucket, m.Key))
	}
	all, err = s.List(ctx, bucket, p, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

type blob struct {
	key  string
	hash []byte
}

// Stress will spawn goroutines which simultaneously write, read back and
// delete count random blobs under the given prefix. It is a good test to run
// with the -race flag.
func Stress(t *testing.T, s store.Store, bucket, prefix string, count int) {
	ctx := context.Background()
	keys := make(chan int)
	check := make(chan blob, count)
	var uppool, downpool sync.WaitGroup

	for i := 0; i < 5; i++ {
		uppool.Add(1)
		go func() {
			defer uppool.Done()
			for n := range keys {
				buf := make([]byte, 1+rand.Intn(64*1024))
				rand.Read(buf)
				key := fmt.Sprintf("%sblob-%04d", prefix, n)
				if err := s.Put(ctx, bucket, key, bytes.NewReader(buf), store.PutOptions{}); err != nil {
					t.Error(key, err)
					continue
				}
				sum := md5.Sum(buf)
				check <- blob{key: key, hash: sum[:]}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		downpool.Add(1)
		go func() {
			defer downpool.Done()
			for b := range check {
				data, err := s.Get(ctx, bucket, b.key)
				if err != nil {
					t.Error(b.key, err)
					continue
				}
				h := md5.New()
				io.Copy(h, bytes.NewReader(data))
				if !bytes.Equal(b.hash, h.Sum(nil)) {
					t.Errorf("hashes unequal for %s. Received %x", b.key, h.Sum(nil))
				}
				if err := s.Delete(ctx, bucket, b.key); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	for i := 0; i < count; i++ {
		keys <- i
	}
	close(keys)
	uppool.Wait()
	close(check)
	downpool.Wait()
}
