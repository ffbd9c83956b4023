// Package hashstore keeps the dedup markers in the object store.
//
// Two kinds of marker share one prefix. A hash-in-name marker is an empty
// object at <prefix>/<md5>.md5 whose existence means the content was seen.
// A hash-in-content marker is an object at <prefix>/<name>.md5 holding the
// MD5 of the last seen version of a logically stable object, such as a
// still whose URL never changes.
//
// Markers expire from the bucket after a day. A missing marker always means
// "not seen" and is never an error.
package hashstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"path"
	"strings"

	"github.com/hpatrol/hpatrol"
	"github.com/hpatrol/hpatrol/store"
)

// HashStore is a view over a store bucket and prefix.
type HashStore struct {
	Store  store.Store
	Bucket string
	Prefix string
}

// New returns a HashStore using the given bucket and key prefix.
func New(s store.Store, bucket, prefix string) *HashStore {
	return &HashStore{Store: s, Bucket: bucket, Prefix: strings.TrimSuffix(prefix, "/")}
}

// Sum returns the hex MD5 of data.
func Sum(data []byte) string {
	h := md5.Sum(data)
	return hex.EncodeToString(h[:])
}

func (h *HashStore) key(name string) string {
	return path.Join(h.Prefix, name+".md5")
}

// NameKey returns the key of the hash-in-name marker for sum.
func (h *HashStore) NameKey(sum string) string { return h.key(sum) }

// Seen reports whether the hash-in-name marker for sum exists.
func (h *HashStore) Seen(ctx context.Context, sum string) (bool, error) {
	ok, err := store.Exists(ctx, h.Store, h.Bucket, h.key(sum))
	if err != nil {
		return false, hpatrol.E(hpatrol.StoreError, "hashstore.Seen", err)
	}
	return ok, nil
}

// Mark creates the hash-in-name marker for sum. Marking twice is harmless.
func (h *HashStore) Mark(ctx context.Context, sum string) error {
	err := store.PutBytes(ctx, h.Store, h.Bucket, h.key(sum), nil, "")
	return hpatrol.E(hpatrol.StoreError, "hashstore.Mark", err)
}

// Last returns the MD5 recorded for name by Remember, or "" if none is.
func (h *HashStore) Last(ctx context.Context, name string) (string, error) {
	data, err := h.Store.Get(ctx, h.Bucket, h.key(name))
	if store.IsNotFound(err) {
		return "", nil
	} else if err != nil {
		return "", hpatrol.E(hpatrol.StoreError, "hashstore.Last", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Remember records sum as the last seen MD5 of name.
func (h *HashStore) Remember(ctx context.Context, name, sum string) error {
	err := store.PutBytes(ctx, h.Store, h.Bucket, h.key(name), []byte(sum), "text/plain")
	return hpatrol.E(hpatrol.StoreError, "hashstore.Remember", err)
}

// Changed reports whether sum differs from the last MD5 remembered for
// name. A name never remembered has changed.
func (h *HashStore) Changed(ctx context.Context, name, sum string) (bool, error) {
	last, err := h.Last(ctx, name)
	if err != nil {
		return false, err
	}
	return last != sum, nil
}
