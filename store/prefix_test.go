package store

import (
	"context"
	"testing"
)

func TestPrefixSmoke(t *testing.T) {
	var prefixlists = []struct {
		input  string
		result []string
	}{
		{"", []string{"abc", "zed"}},
		{"a", []string{"abc"}},
		{"b", nil},
		{"z", []string{"zed"}},
	}
	ctx := context.Background()
	m := NewMemory()
	ps := NewWithPrefix(m, "eu/")

	PutBytes(ctx, ps, "wrk", "abc", []byte("text 1"), "")
	PutBytes(ctx, ps, "wrk", "zed", []byte("text 2"), "")

	// add one to the memory store
	PutBytes(ctx, m, "wrk", "qwerty", []byte("text 3"), "")

	for _, test := range prefixlists {
		items, err := ps.List(ctx, "wrk", test.input, ListOptions{})
		if err != nil {
			t.Errorf("Received error %s", err.Error())
		}
		var ids []string
		for _, item := range items {
			ids = append(ids, item.Key)
		}
		if !equal(ids, test.result) {
			t.Errorf("prefix %q: Received ids %v, expected %v", test.input, ids, test.result)
		}
	}

	if _, err := m.Head(ctx, "wrk", "eu/abc"); err != nil {
		t.Errorf("Received %v, expected eu/abc in the wrapped store", err)
	}
	if err := ps.Copy(ctx, "wrk", "abc", "wrk", "abd"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Head(ctx, "wrk", "eu/abd"); err != nil {
		t.Errorf("Received %v, expected eu/abd in the wrapped store", err)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
