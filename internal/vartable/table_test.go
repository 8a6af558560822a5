//go:build unix

package vartable_test

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/array"
	"github.com/momentics/contextshare/internal/shm"
	"github.com/momentics/contextshare/internal/vartable"
)

// failingAllocator delegates to an shm allocator and fails the n-th Create.
type failingAllocator struct {
	inner   api.Allocator
	failAt  int
	created int
}

func (f *failingAllocator) Create(size int) (api.Segment, error) {
	f.created++
	if f.created == f.failAt {
		return nil, api.NewError(api.ErrCodeAllocation, "simulated exhaustion")
	}
	return f.inner.Create(size)
}

func countSegments(t *testing.T, dir string) int {
	t.Helper()
	paths, err := shm.List(dir, "")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	return len(paths)
}

func TestOpenCopiesAndDescribes(t *testing.T) {
	dir := t.TempDir()
	x := array.FromSlice([]int64{1, 2, 3})
	m, _ := array.New([]int{2, 2}, []float32{1, 2, 3, 4})

	tbl, err := vartable.Open(shm.NewAllocator(dir), map[string]*array.Array{"x": x, "m": m})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer tbl.Close()

	descs := tbl.Descriptors()
	if len(descs) != 2 || descs[0].Name != "m" || descs[1].Name != "x" {
		t.Fatalf("descriptors not in name order: %+v", descs)
	}
	for _, d := range descs {
		info, err := os.Stat(d.Path)
		if err != nil {
			t.Fatalf("stat %s: %v", d.Path, err)
		}
		if info.Size() != int64(d.Size) {
			t.Errorf("%s: segment is %d bytes, descriptor %d", d.Name, info.Size(), d.Size)
		}
	}
	if descs[1].Size != 24 || descs[1].DType != array.Int64 {
		t.Errorf("x descriptor = %+v", descs[1])
	}

	view, ok := tbl.Var("x")
	if !ok {
		t.Fatal("Var(x) missing")
	}
	if !bytes.Equal(view.Data, x.Data) {
		t.Error("shared copy differs from source")
	}
	x.Data[0] = 0xff
	if view.Data[0] == 0xff {
		t.Error("shared copy aliases caller memory")
	}
	if tbl.Bytes() != 40 || tbl.Len() != 2 {
		t.Errorf("Bytes/Len = %d/%d", tbl.Bytes(), tbl.Len())
	}
}

func TestDescriptorsAreCopies(t *testing.T) {
	tbl, err := vartable.Open(shm.NewAllocator(t.TempDir()), map[string]*array.Array{
		"x": array.FromSlice([]int8{1}),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()
	d := tbl.Descriptors()
	d[0].Shape[0] = 99
	if tbl.Descriptors()[0].Shape[0] != 1 {
		t.Error("descriptor shape mutated through returned copy")
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	dir := t.TempDir()
	tbl, err := vartable.Open(shm.NewAllocator(dir), map[string]*array.Array{
		"a": array.FromSlice([]float64{1}),
		"b": array.FromSlice([]uint8{1, 2}),
		"z": array.FromSlice([]int32{}),
	})
	if err != nil {
		t.Fatal(err)
	}
	if n := countSegments(t, dir); n != 3 {
		t.Fatalf("segments after open = %d, want 3", n)
	}
	if err := tbl.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if n := countSegments(t, dir); n != 0 {
		t.Fatalf("segments after close = %d, want 0", n)
	}
	if _, ok := tbl.Var("a"); ok {
		t.Error("Var() after Close should fail")
	}
}

func TestPartialOpenFailureCleansUp(t *testing.T) {
	dir := t.TempDir()
	alloc := &failingAllocator{inner: shm.NewAllocator(dir), failAt: 3}
	_, err := vartable.Open(alloc, map[string]*array.Array{
		"a": array.FromSlice([]float64{1}),
		"b": array.FromSlice([]float64{2}),
		"c": array.FromSlice([]float64{3}),
	})
	if !errors.Is(err, api.ErrAllocation) {
		t.Fatalf("Open() error = %v, want allocation error", err)
	}
	if n := countSegments(t, dir); n != 0 {
		t.Fatalf("%d segments leaked after failed open", n)
	}
}

func TestOpenRejectsInvalidArrays(t *testing.T) {
	bad := &array.Array{Shape: []int{4}, DType: array.Int64, Data: make([]byte, 8)}
	_, err := vartable.Open(shm.NewAllocator(t.TempDir()), map[string]*array.Array{"bad": bad})
	if !errors.Is(err, api.ErrProtocol) {
		t.Fatalf("Open() error = %v, want protocol error", err)
	}
}
