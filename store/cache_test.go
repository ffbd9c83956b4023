package store

import (
	"errors"
	"testing"
	"time"
)

func TestMetaCache(t *testing.T) {
	c := newMetaCache()
	calls := 0
	fill := func() (Meta, error) {
		calls++
		return Meta{Size: 5}, nil
	}
	for i := 0; i < 3; i++ {
		m, err := c.Get("wrk/a", fill)
		if err != nil || m.Size != 5 {
			t.Errorf("Received %v, %v, expected size 5", m, err)
		}
	}
	if calls != 1 {
		t.Errorf("Received %d fills, expected 1", calls)
	}

	missing := func() (Meta, error) { calls++; return Meta{}, ErrNotFound }
	c.Get("wrk/b", missing)
	if _, err := c.Get("wrk/b", missing); !IsNotFound(err) {
		t.Errorf("Received %v, expected ErrNotFound", err)
	}
	if calls != 2 {
		t.Errorf("Received %d fills, expected 2", calls)
	}

	// other errors are not cached
	boom := errors.New("boom")
	failing := func() (Meta, error) { calls++; return Meta{}, boom }
	c.Get("wrk/c", failing)
	c.Get("wrk/c", failing)
	if calls != 4 {
		t.Errorf("Received %d fills, expected 4", calls)
	}

	c.Forget("wrk/a")
	c.Get("wrk/a", fill)
	if calls != 5 {
		t.Errorf("Received %d fills, expected 5", calls)
	}
}

func TestMetaCacheExpiry(t *testing.T) {
	c := newMetaCache()
	c.missTTL = time.Millisecond
	c.SetMissing("wrk/a")
	time.Sleep(5 * time.Millisecond)
	m, err := c.Get("wrk/a", func() (Meta, error) { return Meta{Size: 1}, nil })
	if err != nil || m.Size != 1 {
		t.Errorf("Received %v, %v, expected expired miss to be refilled", m, err)
	}
}
