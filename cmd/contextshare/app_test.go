package main

import (
	"bytes"
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/momentics/contextshare/internal/shm"
	"github.com/momentics/contextshare/worker"
)

func TestMain(m *testing.M) {
	if worker.IsWorker() {
		os.Exit(worker.Main())
	}
	os.Exit(m.Run())
}

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := App()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.Run(append([]string{"contextshare"}, args...))
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := runApp(t, "run", "--workers", "2", "--size", "100", "--chunks", "7", "--shm-dir", dir, "--metrics")
	if err != nil {
		t.Fatalf("run error = %v", err)
	}
	// sum of i*i for i in [0, 100)
	if !strings.Contains(out, "sum of squares: 328350\n") {
		t.Errorf("output %q", out)
	}
	if !strings.Contains(out, "contextshare_session_rounds_total") {
		t.Errorf("metrics missing from output")
	}
	left, _ := shm.List(dir, shm.DefaultPrefix)
	if len(left) != 0 {
		t.Errorf("segments left: %v", left)
	}
}

func TestRunCommandRejectsBadInput(t *testing.T) {
	if _, err := runApp(t, "run", "--size", "0", "--shm-dir", t.TempDir()); err == nil {
		t.Error("expected error for size 0")
	}
	if _, err := runApp(t, "run", "--workers", "0", "--shm-dir", t.TempDir()); err == nil {
		t.Error("expected error for zero workers")
	}
}

func TestSweepCommand(t *testing.T) {
	dir := t.TempDir()
	stale := shm.DefaultPrefix + strings.ToLower(ulid.MustNew(ulid.Timestamp(time.Now().Add(-2*time.Hour)), rand.Reader).String())
	fresh := shm.DefaultPrefix + strings.ToLower(ulid.Make().String())
	for _, n := range []string{stale, fresh, "unrelated"} {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0600); err != nil {
			t.Fatal(err)
		}
	}

	out, err := runApp(t, "sweep", "--shm-dir", dir, "--dry-run")
	if err != nil || strings.Count(out, "\n") != 2 {
		t.Fatalf("dry run = %q, %v", out, err)
	}

	out, err = runApp(t, "sweep", "--shm-dir", dir, "--older-than", "1h")
	if err != nil {
		t.Fatalf("sweep error = %v", err)
	}
	if !strings.Contains(out, stale) || strings.Contains(out, fresh) {
		t.Errorf("sweep output %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, fresh)); err != nil {
		t.Errorf("fresh segment removed: %v", err)
	}
}

func TestBounds(t *testing.T) {
	b := bounds(10, 3)
	if len(b) != 3 || b[0] != [2]int{0, 3} || b[2] != [2]int{6, 10} {
		t.Errorf("bounds(10, 3) = %v", b)
	}
	if b := bounds(2, 5); len(b) != 2 {
		t.Errorf("bounds(2, 5) = %v", b)
	}
}

func TestFuncsCommand(t *testing.T) {
	out, err := runApp(t, "funcs")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "square_chunk") || !strings.Contains(out, "sum_chunk") {
		t.Errorf("funcs output %q", out)
	}
}
