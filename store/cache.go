package store

// The S3 store caches HEAD results in memory. Dedup markers are checked
// once per segment, and most of those checks repeat within a run.

import (
	"sync"
	"time"
)

// head is the structure stored in a metacache.
type head struct {
	expire  time.Time
	meta    Meta
	missing bool
}

// A metacache remembers the metadata or non-existence of a remote object.
// Entries will expire after some amount of time. Items not existing
// expire quicker than items which do, since another process may create them.
type metacache struct {
	m         sync.RWMutex    // protects everything below
	cache     map[string]head // keyed by bucket + "/" + key
	sweeptime time.Time       // next time to age everything
	hitTTL    time.Duration
	missTTL   time.Duration
}

const (
	// markers expire from the bucket after a day, so do not trust a hit for
	// much longer than a run.
	defaultHitTTL  = time.Hour
	defaultMissTTL = time.Minute
)

func newMetaCache() *metacache {
	return &metacache{
		cache:   make(map[string]head),
		hitTTL:  defaultHitTTL,
		missTTL: defaultMissTTL,
	}
}

// Get returns the metadata for key. If key is not in the cache it will call
// the fill function to find it. A cached miss returns ErrNotFound.
func (s *metacache) Get(key string, fill func() (Meta, error)) (Meta, error) {
	now := time.Now()
	s.m.RLock()
	entry, ok := s.cache[key]
	sweep := now.After(s.sweeptime)
	s.m.RUnlock()
	if sweep {
		go s.age()
	}
	if ok && now.Before(entry.expire) {
		if entry.missing {
			return Meta{}, ErrNotFound
		}
		return entry.meta, nil
	}
	// the lock is not held during fill; a concurrent Set may be overwritten
	// by an older answer, which only costs an extra HEAD later.
	meta, err := fill()
	switch {
	case err == nil:
		s.Set(key, meta)
	case IsNotFound(err):
		s.SetMissing(key)
	}
	return meta, err
}

// Set caches the metadata for the given key.
func (s *metacache) Set(key string, meta Meta) {
	s.m.Lock()
	s.cache[key] = head{expire: time.Now().Add(s.hitTTL), meta: meta}
	s.m.Unlock()
}

// SetMissing records that the key does not exist.
func (s *metacache) SetMissing(key string) {
	s.m.Lock()
	s.cache[key] = head{expire: time.Now().Add(s.missTTL), missing: true}
	s.m.Unlock()
}

// Forget drops any cached entry for key.
func (s *metacache) Forget(key string) {
	s.m.Lock()
	delete(s.cache, key)
	s.m.Unlock()
}

// age will age all the cache entries, and remove the ones that have
// become too old. It holds m the entire time.
func (s *metacache) age() {
	s.m.Lock()
	defer s.m.Unlock()
	now := time.Now()
	s.sweeptime = now.Add(time.Hour) // next sweep in an hour
	for k, v := range s.cache {
		if now.After(v.expire) {
			delete(s.cache, k) // remove aged entries
		}
	}
}
