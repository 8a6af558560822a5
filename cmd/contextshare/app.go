// File: cmd/contextshare/app.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/urfave/cli/v2"

	"github.com/momentics/contextshare/array"
	"github.com/momentics/contextshare/control"
	"github.com/momentics/contextshare/funcs"
	"github.com/momentics/contextshare/internal/shm"
	"github.com/momentics/contextshare/session"
)

// Build information, set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "contextshare",
		Usage:   "share arrays with worker processes through shared memory",
		Version: fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Commands: []*cli.Command{
			runCommand(),
			sweepCommand(),
			funcsCommand(),
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "square a shared vector chunk by chunk, then sum it",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
			&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "worker processes"},
			&cli.IntFlag{Name: "size", Value: 1 << 20, Usage: "vector length"},
			&cli.IntFlag{Name: "chunks", Value: 16, Usage: "calls per round"},
			&cli.StringFlag{Name: "shm-dir", Usage: "directory for segments (default /dev/shm)"},
			&cli.BoolFlag{Name: "progress", Usage: "print round progress to stderr"},
			&cli.BoolFlag{Name: "cpu-affinity", Usage: "pin each worker to its own CPU"},
			&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
			&cli.BoolFlag{Name: "metrics", Usage: "print metrics after the run"},
		},
		Action: runAction,
	}
}

// overrides maps explicitly set flags onto config keys.
func overrides(c *cli.Context) map[string]any {
	out := map[string]any{}
	if c.IsSet("workers") {
		out["workers"] = c.Int("workers")
	}
	if c.IsSet("shm-dir") {
		out["shmdir"] = c.String("shm-dir")
	}
	if c.IsSet("progress") {
		out["progress"] = c.Bool("progress")
	}
	if c.IsSet("cpu-affinity") {
		out["cpuaffinity"] = c.Bool("cpu-affinity")
	}
	if c.IsSet("log-level") {
		out["log"] = map[string]any{"level": c.String("log-level")}
	}
	return out
}

func runAction(c *cli.Context) error {
	cfg, err := control.Load(c.String("config"), overrides(c))
	if err != nil {
		return err
	}
	size, chunks := c.Int("size"), c.Int("chunks")
	if size <= 0 || chunks <= 0 {
		return fmt.Errorf("size and chunks must be positive")
	}

	logger := control.NewLogger("contextshare", cfg.Log, c.App.ErrWriter)
	reg := prometheus.NewRegistry()
	metrics := control.NewMetrics(reg)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	x := make([]float64, size)
	for i := range x {
		x[i] = float64(i)
	}
	vars := map[string]*array.Array{"x": array.FromSlice(x)}

	var evalOpts []session.EvalOption
	if cfg.Progress {
		evalOpts = append(evalOpts, session.WithProgressWriter(c.App.ErrWriter))
	}

	var total float64
	begin := time.Now()
	err = session.Run(ctx, vars, cfg.Workers, func(ctx context.Context, s *session.Session) error {
		dumpState(logger, s)

		square, err := s.Register(funcs.Bind("square_chunk", funcs.Var("x")))
		if err != nil {
			return err
		}
		sum, err := s.Register(funcs.Bind("sum_chunk", funcs.Var("x")))
		if err != nil {
			return err
		}

		for _, b := range bounds(size, chunks) {
			if err := square.Call(b[0], b[1]); err != nil {
				return err
			}
		}
		if _, err := s.Evaluate(ctx, evalOpts...); err != nil {
			return fmt.Errorf("square round: %w", err)
		}

		for _, b := range bounds(size, chunks) {
			if err := sum.Call(b[0], b[1]); err != nil {
				return err
			}
		}
		res, err := s.Evaluate(ctx, evalOpts...)
		if err != nil {
			return fmt.Errorf("sum round: %w", err)
		}
		partial, err := res.Floats()
		if err != nil {
			return err
		}
		for _, p := range partial {
			total += p
		}
		return nil
	},
		session.WithLogger(logger),
		session.WithMetrics(metrics),
		session.WithShmDir(cfg.ShmDir),
		session.WithStopTimeout(cfg.StopTimeout),
		session.WithMaxFrameBytes(cfg.MaxFrameBytes),
		session.WithCPUAffinity(cfg.CPUAffinity),
	)
	if err != nil {
		return err
	}

	logger.Info("run complete", "size", size, "chunks", chunks, "workers", cfg.Workers, "took", time.Since(begin))
	fmt.Fprintf(c.App.Writer, "sum of squares: %g\n", total)
	if c.Bool("metrics") {
		return writeMetrics(c.App.Writer, reg)
	}
	return nil
}

// bounds splits [0, n) into k nearly equal [lo, hi) ranges.
func bounds(n, k int) [][2]int {
	if k > n {
		k = n
	}
	out := make([][2]int, 0, k)
	for i := 0; i < k; i++ {
		out = append(out, [2]int{i * n / k, (i + 1) * n / k})
	}
	return out
}

func dumpState(logger hclog.Logger, s *session.Session) {
	if !logger.IsDebug() {
		return
	}
	dp := control.NewDebugProbes()
	control.RegisterPlatformProbes(dp)
	dp.RegisterProbe("session.workers", func() any { return s.Workers() })
	dp.RegisterProbe("session.vars", func() any { return len(s.Descriptors()) })
	dp.RegisterProbe("session.pending", func() any { return s.Pending() })
	logger.Debug("state", dp.KeyValues()...)
}

func writeMetrics(w io.Writer, g prometheus.Gatherer) error {
	families, err := g.Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}
	return nil
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "remove segments left behind by crashed controllers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "shm-dir", Usage: "directory to sweep (default /dev/shm)"},
			&cli.DurationFlag{Name: "older-than", Value: time.Hour, Usage: "minimum segment age"},
			&cli.BoolFlag{Name: "dry-run", Usage: "list instead of removing"},
		},
		Action: func(c *cli.Context) error {
			dir := c.String("shm-dir")
			if dir == "" {
				dir = shm.DefaultDir()
			}
			if c.Bool("dry-run") {
				paths, err := shm.List(dir, shm.DefaultPrefix)
				if err != nil {
					return err
				}
				for _, p := range paths {
					fmt.Fprintln(c.App.Writer, p)
				}
				return nil
			}
			removed, err := shm.Sweep(dir, shm.DefaultPrefix, c.Duration("older-than"), time.Now())
			for _, p := range removed {
				fmt.Fprintf(c.App.Writer, "removed %s\n", p)
			}
			return err
		},
	}
}

func funcsCommand() *cli.Command {
	return &cli.Command{
		Name:  "funcs",
		Usage: "list the functions workers of this binary can run",
		Action: func(c *cli.Context) error {
			for _, n := range funcs.Names() {
				fmt.Fprintln(c.App.Writer, n)
			}
			return nil
		},
	}
}
