//go:build linux

package affinity_test

import (
	"testing"

	"github.com/momentics/contextshare/affinity"
)

func TestPinCurrentGoroutine(t *testing.T) {
	allowed, err := affinity.Current()
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if len(allowed) == 0 {
		t.Skip("no CPUs reported")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		// Leaving the goroutine locked makes the runtime discard the pinned thread.
		if err := affinity.PinCurrentGoroutine(len(allowed)); err != nil {
			t.Errorf("PinCurrentGoroutine() error = %v", err)
			return
		}
		got, err := affinity.Current()
		if err != nil {
			t.Errorf("Current() error = %v", err)
			return
		}
		if len(got) != 1 || got[0] != allowed[0] {
			t.Errorf("affinity = %v, want [%d]", got, allowed[0])
		}
	}()
	<-done
}

func TestSetAffinityRejectsNegative(t *testing.T) {
	if err := affinity.SetAffinity(-1); err == nil {
		t.Fatal("expected error for negative cpu")
	}
}
