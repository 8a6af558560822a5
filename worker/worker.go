// File: worker/worker.go
// Package worker
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker process entry point. A session starts workers by re-executing its own
// binary with EnvWorker set; the binary's main (or TestMain) must call Main
// before doing anything else:
//
//	func main() {
//		if worker.IsWorker() {
//			os.Exit(worker.Main())
//		}
//		...
//	}

package worker

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/hashicorp/go-hclog"

	"github.com/momentics/contextshare/affinity"
	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/internal/wire"
)

// Environment understood by worker processes.
const (
	EnvWorker        = "CONTEXTSHARE_WORKER"
	EnvLogLevel      = "CONTEXTSHARE_WORKER_LOG_LEVEL"
	EnvMaxFrameBytes = "CONTEXTSHARE_MAX_FRAME_BYTES"
)

// Protocol pipe descriptors as seen by the child (cmd.ExtraFiles start at 3).
const (
	InFD  = 3
	OutFD = 4
)

// IsWorker reports whether this process was started as a worker.
func IsWorker() bool {
	return os.Getenv(EnvWorker) == "1"
}

// Main runs the worker protocol on the inherited pipes and returns the
// process exit code.
func Main() int {
	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "worker",
		Output:     os.Stderr,
		JSONFormat: true,
		Level:      hclog.LevelFromString(os.Getenv(EnvLogLevel)),
	}).With("pid", os.Getpid())

	in := os.NewFile(InFD, "contextshare-in")
	out := os.NewFile(OutFD, "contextshare-out")
	if in == nil || out == nil {
		logger.Error("protocol pipes missing")
		return 2
	}
	defer in.Close()
	defer out.Close()

	maxFrame, _ := strconv.Atoi(os.Getenv(EnvMaxFrameBytes))
	if err := Serve(wire.NewConn(in, out, maxFrame), logger); err != nil {
		logger.Error("worker stopped", "error", err)
		return 1
	}
	return 0
}

// Serve bootstraps from the first frame on conn and then answers calls one at
// a time until a stop frame or end of input.
func Serve(conn *wire.Conn, logger hclog.Logger) error {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	kind, body, err := conn.Recv()
	if err != nil {
		return fmt.Errorf("worker: read init: %w", err)
	}
	if kind != wire.KindInit {
		err := api.Errorf(api.ErrCodeProtocol, "expected %s frame, got %s", wire.KindInit, kind)
		return errors.Join(err, conn.Send(wire.KindReady, wire.EncodeReady(os.Getpid(), wire.FaultFrom(err))))
	}
	boot, err := wire.DecodeInit(body)
	if err != nil {
		err = api.Wrap(api.ErrCodeBootstrap, err, "decode init frame")
		return errors.Join(err, conn.Send(wire.KindReady, wire.EncodeReady(os.Getpid(), wire.FaultFrom(err))))
	}

	if boot.CPU >= 0 {
		if err := affinity.PinCurrentGoroutine(boot.CPU); err != nil {
			logger.Warn("cpu pinning failed", "slot", boot.CPU, "error", err)
		}
	}

	state, err := Bootstrap(boot, logger)
	if err != nil {
		logger.Error("bootstrap failed", "error", err)
		return errors.Join(err, conn.Send(wire.KindReady, wire.EncodeReady(os.Getpid(), wire.FaultFrom(err))))
	}
	defer state.Close()

	if err := conn.Send(wire.KindReady, wire.EncodeReady(os.Getpid(), nil)); err != nil {
		return err
	}
	logger.Debug("worker ready", "vars", len(boot.Vars), "funcs", state.Funcs())

	for {
		kind, body, err := conn.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch kind {
		case wire.KindStop:
			return nil
		case wire.KindCall:
			call, err := wire.DecodeCall(body)
			if err != nil {
				return api.Wrap(api.ErrCodeProtocol, err, "decode call frame")
			}
			reply := &wire.Reply{Seq: call.Seq}
			reply.Result, err = state.Run(call)
			if err != nil {
				logger.Debug("task failed", "seq", call.Seq, "error", err)
				reply.Fault = wire.FaultFrom(err)
			}
			err = conn.Send(wire.KindReply, reply.Encode())
			if errors.Is(err, api.ErrSerialization) {
				// the frame was not written; report it in a fault that fits
				logger.Debug("result over frame limit", "seq", call.Seq, "error", err)
				fault := api.Wrap(api.ErrCodeSerialization, err, "encode result").
					WithContext("func", state.FuncName(call.Func)).
					WithContext("seq", call.Seq)
				err = conn.Send(wire.KindReply, (&wire.Reply{Seq: call.Seq, Fault: wire.FaultFrom(fault)}).Encode())
			}
			if err != nil {
				return err
			}
		default:
			return api.Errorf(api.ErrCodeProtocol, "unexpected %s frame", kind)
		}
	}
}
