package store_test

import (
	"testing"

	"github.com/hpatrol/hpatrol/store"
	"github.com/hpatrol/hpatrol/store/storetest"
)

func TestFileSystemConformance(t *testing.T) {
	storetest.Conformance(t, store.NewFileSystem(t.TempDir()), "wrk")
}

func TestFileSystemStress(t *testing.T) {
	storetest.Stress(t, store.NewFileSystem(t.TempDir()), "wrk", "stress/", 100)
}
