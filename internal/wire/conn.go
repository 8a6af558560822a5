// File: internal/wire/conn.go
// Package wire
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Length-delimited frame transport over a pair of pipes.

package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/momentics/contextshare/api"
)

// DefaultMaxFrameBytes bounds a single frame (arguments or results of one call).
const DefaultMaxFrameBytes = 64 << 20

// Conn sends and receives frames. Send and Recv may be used from different
// goroutines; each direction is serialized on its own.
type Conn struct {
	rmu  sync.Mutex
	r    *bufio.Reader
	wmu  sync.Mutex
	w    *bufio.Writer
	max  int
	opts protodelim.UnmarshalOptions
}

// NewConn wraps r and w. maxFrame <= 0 selects DefaultMaxFrameBytes.
func NewConn(r io.Reader, w io.Writer, maxFrame int) *Conn {
	maxFrame = MaxFrameOrDefault(maxFrame)
	return &Conn{
		r:    bufio.NewReader(r),
		w:    bufio.NewWriter(w),
		max:  maxFrame,
		opts: protodelim.UnmarshalOptions{MaxSize: int64(maxFrame)},
	}
}

// MaxFrame is the frame size limit applied in both directions.
func (c *Conn) MaxFrame() int { return c.max }

// Send writes one frame and flushes it. A frame larger than MaxFrame is not
// written; the error carries ErrCodeSerialization and the stream stays usable.
func (c *Conn) Send(kind string, body *structpb.Struct) error {
	frame := newFrame(kind, body)
	if n := proto.Size(frame); n > c.max {
		return api.Errorf(api.ErrCodeSerialization, "%s frame is %d bytes, limit %d", kind, n, c.max).
			WithContext("size", n)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := protodelim.MarshalTo(c.w, frame); err != nil {
		return fmt.Errorf("wire: send %s: %w", kind, err)
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("wire: flush %s: %w", kind, err)
	}
	return nil
}

// FrameSize is the encoded size of a frame as Send would check it, without the
// length prefix.
func FrameSize(kind string, body *structpb.Struct) int {
	return proto.Size(newFrame(kind, body))
}

// MaxFrameOrDefault resolves a configured limit; n <= 0 selects
// DefaultMaxFrameBytes.
func MaxFrameOrDefault(n int) int {
	if n <= 0 {
		return DefaultMaxFrameBytes
	}
	return n
}

func newFrame(kind string, body *structpb.Struct) *structpb.Struct {
	if body == nil {
		body = &structpb.Struct{}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"kind": structpb.NewStringValue(kind),
		"body": structpb.NewStructValue(body),
	}}
}

// Recv reads the next frame. io.EOF is returned unwrapped when the peer closed
// its end between frames.
func (c *Conn) Recv() (string, *structpb.Struct, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()
	frame := &structpb.Struct{}
	if err := c.opts.UnmarshalFrom(c.r, frame); err != nil {
		if errors.Is(err, io.EOF) {
			return "", nil, io.EOF
		}
		return "", nil, fmt.Errorf("wire: recv: %w", err)
	}
	kind := frame.GetFields()["kind"].GetStringValue()
	if kind == "" {
		return "", nil, fmt.Errorf("wire: frame without kind")
	}
	body := frame.GetFields()["body"].GetStructValue()
	if body == nil {
		body = &structpb.Struct{}
	}
	return kind, body, nil
}
