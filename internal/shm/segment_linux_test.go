package shm_test

import (
	"errors"
	"os"
	"strconv"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/internal/shm"
)

func TestCreateBeyondFreeSpace(t *testing.T) {
	dir := shm.DefaultDir()
	if dir != "/dev/shm" {
		t.Skip("no /dev/shm")
	}
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		t.Fatalf("statfs: %v", err)
	}
	if st.Blocks == 0 {
		t.Skip("tmpfs without a size limit")
	}
	free := int64(st.Bavail) * int64(st.Bsize)
	size := free + 1<<30

	alloc := &shm.Allocator{Dir: dir, Prefix: "ctxshare_test_" + strconv.Itoa(os.Getpid()) + "_"}
	seg, err := alloc.Create(int(size))
	if err == nil {
		seg.Release()
		t.Fatalf("Create(%d) succeeded with %d bytes free", size, free)
	}
	if !errors.Is(err, api.ErrAllocation) {
		t.Errorf("Create() error = %v, want allocation error", err)
	}
	left, _ := shm.List(dir, alloc.Prefix)
	if len(left) != 0 {
		t.Errorf("failed Create left %v", left)
	}
}

