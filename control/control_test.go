package control_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/momentics/contextshare/control"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := control.Load("", nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workers != 4 || cfg.StopTimeout != 5*time.Second || cfg.MaxFrameBytes != 64<<20 {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "text" {
		t.Errorf("log defaults = %+v", cfg.Log)
	}
}

func TestLoadLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contextshare.yaml")
	content := `
workers: 2
stoptimeout: 1s
shmdir: /tmp/shm
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONTEXTSHARE_WORKERS", "6")
	t.Setenv("CONTEXTSHARE_LOG_FORMAT", "json")

	cfg, err := control.Load(path, map[string]any{"progress": true})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workers != 6 {
		t.Errorf("env should win over file: workers = %d", cfg.Workers)
	}
	if cfg.StopTimeout != time.Second || cfg.ShmDir != "/tmp/shm" || cfg.Log.Level != "debug" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Log.Format != "json" || !cfg.Progress {
		t.Errorf("env/override values not applied: %+v", cfg)
	}

	cfg, err = control.Load(path, map[string]any{"workers": 1})
	if err != nil || cfg.Workers != 1 {
		t.Errorf("override should win over env: %+v, %v", cfg, err)
	}
}

func TestLoadInvalid(t *testing.T) {
	if _, err := control.Load("", map[string]any{"workers": 0}); err == nil {
		t.Error("expected error for zero workers")
	}
	if _, err := control.Load("", map[string]any{"log": map[string]any{"format": "xml"}}); err == nil {
		t.Error("expected error for unknown log format")
	}
	if _, err := control.Load(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := control.NewLogger("contextshare", control.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "k", 1)
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"@message":"shown"`) {
		t.Errorf("unexpected log output %q", out)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := control.NewMetrics(reg)

	m.SegmentCreated(24, true)
	m.SegmentCreated(100, false)
	m.SegmentReleased(24, true)
	m.SetPending(3)
	m.WorkersStarted(2)
	m.RoundDone(3, 10*time.Millisecond, nil)
	m.RoundDone(1, time.Millisecond, errors.New("x"))

	if got := testutil.ToFloat64(m.SegmentsCreated); got != 2 {
		t.Errorf("segments created = %v", got)
	}
	if got := testutil.ToFloat64(m.SharedBytes); got != 0 {
		t.Errorf("shared bytes = %v", got)
	}
	if got := testutil.ToFloat64(m.Tasks.WithLabelValues(control.OutcomeOK)); got != 3 {
		t.Errorf("ok tasks = %v", got)
	}
	if got := testutil.ToFloat64(m.Rounds.WithLabelValues(control.OutcomeError)); got != 1 {
		t.Errorf("failed rounds = %v", got)
	}
	if n := testutil.CollectAndCount(m.RoundDuration); n != 1 {
		t.Errorf("histogram series = %d", n)
	}

	var nilMetrics *control.Metrics
	nilMetrics.SegmentCreated(1, true)
	nilMetrics.RoundDone(1, 0, nil)
}

func TestDebugProbes(t *testing.T) {
	dp := control.NewDebugProbes()
	control.RegisterPlatformProbes(dp)
	dp.RegisterProbe("session.pending", func() any { return 2 })

	state := dp.DumpState()
	if state["session.pending"] != 2 {
		t.Errorf("state = %v", state)
	}
	if n, ok := state["platform.cpus"].(int); !ok || n <= 0 {
		t.Errorf("platform.cpus = %v", state["platform.cpus"])
	}
	kv := dp.KeyValues()
	if len(kv) != 2*len(state) {
		t.Fatalf("KeyValues len = %d", len(kv))
	}
	for i := 2; i < len(kv); i += 2 {
		if kv[i-2].(string) > kv[i].(string) {
			t.Errorf("keys not sorted: %v", kv)
		}
	}
}
