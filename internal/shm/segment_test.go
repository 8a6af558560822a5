//go:build unix

package shm_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/internal/shm"
)

func TestCreateAttachShare(t *testing.T) {
	dir := t.TempDir()
	alloc := shm.NewAllocator(dir)

	seg, err := alloc.Create(16)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	defer seg.Release()

	if seg.Size() != 16 || len(seg.Bytes()) != 16 {
		t.Fatalf("size = %d/%d, want 16", seg.Size(), len(seg.Bytes()))
	}
	info, err := os.Stat(seg.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 16 {
		t.Errorf("file size = %d, want exactly 16", info.Size())
	}

	peer, err := shm.Open(seg.Path(), 16)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer peer.Close()

	copy(seg.Bytes(), "hello, segment!!")
	if got := string(peer.Bytes()); got != "hello, segment!!" {
		t.Errorf("attached view = %q", got)
	}
	peer.Bytes()[0] = 'H'
	if seg.Bytes()[0] != 'H' {
		t.Error("write through attached view not visible to owner")
	}
}

func TestAttachedSegmentCannotUnlink(t *testing.T) {
	alloc := shm.NewAllocator(t.TempDir())
	seg, err := alloc.Create(8)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Release()

	peer, err := shm.Open(seg.Path(), 8)
	if err != nil {
		t.Fatal(err)
	}
	if err := peer.Unlink(); !errors.Is(err, api.ErrProtocol) {
		t.Fatalf("Unlink() on attached segment = %v, want protocol error", err)
	}
	if err := peer.Release(); err != nil {
		t.Fatalf("Release() on attached segment = %v", err)
	}
	if _, err := os.Stat(seg.Path()); err != nil {
		t.Fatalf("attacher release removed the file: %v", err)
	}
}

func TestOpenSizeMismatch(t *testing.T) {
	alloc := shm.NewAllocator(t.TempDir())
	seg, err := alloc.Create(8)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Release()
	if _, err := shm.Open(seg.Path(), 16); err == nil {
		t.Fatal("expected size mismatch error")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	alloc := shm.NewAllocator(t.TempDir())
	seg, err := alloc.Create(4)
	if err != nil {
		t.Fatal(err)
	}
	if err := seg.Release(); err != nil {
		t.Fatalf("first Release() = %v", err)
	}
	if err := seg.Release(); err != nil {
		t.Fatalf("second Release() = %v", err)
	}
	if _, err := os.Stat(seg.Path()); !os.IsNotExist(err) {
		t.Errorf("segment file still present: %v", err)
	}
	if seg.Bytes() != nil {
		t.Error("Bytes() should be nil after release")
	}
}

func TestZeroSizeSegment(t *testing.T) {
	alloc := shm.NewAllocator(t.TempDir())
	seg, err := alloc.Create(0)
	if err != nil {
		t.Fatalf("Create(0) error = %v", err)
	}
	defer seg.Release()
	peer, err := shm.Open(seg.Path(), 0)
	if err != nil {
		t.Fatalf("Open(0) error = %v", err)
	}
	peer.Close()
}

func TestCreateInMissingDir(t *testing.T) {
	alloc := shm.NewAllocator(filepath.Join(t.TempDir(), "missing"))
	_, err := alloc.Create(8)
	if !errors.Is(err, api.ErrAllocation) {
		t.Fatalf("Create() error = %v, want allocation error", err)
	}
}

func TestSweep(t *testing.T) {
	dir := t.TempDir()
	alloc := shm.NewAllocator(dir)
	seg, err := alloc.Create(4)
	if err != nil {
		t.Fatal(err)
	}
	defer seg.Release()
	foreign := filepath.Join(dir, "unrelated")
	if err := os.WriteFile(foreign, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	removed, err := shm.Sweep(dir, "", time.Hour, time.Now())
	if err != nil || len(removed) != 0 {
		t.Fatalf("fresh segment swept: %v %v", removed, err)
	}

	removed, err = shm.Sweep(dir, "", time.Hour, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(removed) != 1 || removed[0] != seg.Path() {
		t.Fatalf("removed = %v, want [%s]", removed, seg.Path())
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Errorf("unrelated file removed: %v", err)
	}
}
