// File: internal/wire/frame.go
// Package wire
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frames exchanged between the controller and a worker process. Each frame is
// a protobuf Struct {"kind": ..., "body": {...}}; the typed views below own
// the mapping to and from that representation.

package wire

import (
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/momentics/contextshare/api"
	"github.com/momentics/contextshare/array"
)

// Frame kinds.
const (
	KindInit  = "init"
	KindReady = "ready"
	KindCall  = "call"
	KindReply = "reply"
	KindStop  = "stop"
)

// Descriptor is everything a worker needs to attach to one shared array.
type Descriptor struct {
	Name  string
	Shape []int
	DType array.DType
	Path  string
	Size  int
}

// TableRef locates the serialized function table.
type TableRef struct {
	Path     string
	Size     int
	Checksum uint64
}

// Init is the bootstrap payload sent once to every worker.
type Init struct {
	Vars  []Descriptor
	Table TableRef
	// CPU is the core the worker pins itself to; -1 disables pinning.
	CPU int
}

// Call is one deferred invocation on the wire.
type Call struct {
	Seq    int
	Func   int
	Args   *structpb.ListValue
	Kwargs *structpb.Struct
}

// Reply carries either a result or a fault for Call.Seq.
type Reply struct {
	Seq    int
	Result *structpb.Value
	Fault  *Fault
}

// Fault is an error transported across the process boundary.
type Fault struct {
	Code    api.ErrorCode
	Message string
	Cause   string
	Context map[string]string
}

// FaultFrom flattens err for transport.
func FaultFrom(err error) *Fault {
	if err == nil {
		return nil
	}
	f := &Fault{Code: api.ErrCodeTask, Message: err.Error()}
	if e, ok := api.AsError(err); ok {
		f.Code = e.Code
		f.Message = e.Message
		if e.Cause != nil {
			f.Cause = e.Cause.Error()
		}
		if len(e.Context) > 0 {
			f.Context = make(map[string]string, len(e.Context))
			for k, v := range e.Context {
				f.Context[k] = fmt.Sprint(v)
			}
		}
	}
	return f
}

// Err rebuilds a structured error from the fault.
func (f *Fault) Err() *api.Error {
	e := api.NewError(f.Code, f.Message)
	for k, v := range f.Context {
		e.WithContext(k, v)
	}
	if f.Cause != "" {
		e.Cause = errors.New(f.Cause)
	}
	return e
}

func (d Descriptor) value() *structpb.Value {
	shape := make([]*structpb.Value, len(d.Shape))
	for i, n := range d.Shape {
		shape[i] = structpb.NewNumberValue(float64(n))
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"name":  structpb.NewStringValue(d.Name),
		"shape": structpb.NewListValue(&structpb.ListValue{Values: shape}),
		"dtype": structpb.NewStringValue(d.DType.String()),
		"path":  structpb.NewStringValue(d.Path),
		"size":  structpb.NewNumberValue(float64(d.Size)),
	}})
}

func descriptorFrom(s *structpb.Struct) (Descriptor, error) {
	var d Descriptor
	var err error
	r := reader{s: s}
	d.Name = r.str("name")
	d.Path = r.str("path")
	d.Size = r.int("size")
	for _, v := range r.list("shape").GetValues() {
		d.Shape = append(d.Shape, int(v.GetNumberValue()))
	}
	if r.err != nil {
		return d, r.err
	}
	if d.DType, err = array.ParseDType(r.str("dtype")); err != nil {
		return d, err
	}
	return d, nil
}

// Encode renders the init frame body.
func (in *Init) Encode() *structpb.Struct {
	vars := make([]*structpb.Value, len(in.Vars))
	for i, d := range in.Vars {
		vars[i] = d.value()
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"vars": structpb.NewListValue(&structpb.ListValue{Values: vars}),
		"table": structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"path":     structpb.NewStringValue(in.Table.Path),
			"size":     structpb.NewNumberValue(float64(in.Table.Size)),
			"checksum": structpb.NewStringValue(strconv.FormatUint(in.Table.Checksum, 16)),
		}}),
		"cpu": structpb.NewNumberValue(float64(in.CPU)),
	}}
}

// DecodeInit parses an init frame body.
func DecodeInit(s *structpb.Struct) (*Init, error) {
	r := reader{s: s}
	in := &Init{CPU: r.int("cpu")}
	for _, v := range r.list("vars").GetValues() {
		d, err := descriptorFrom(v.GetStructValue())
		if err != nil {
			return nil, fmt.Errorf("wire: descriptor: %w", err)
		}
		in.Vars = append(in.Vars, d)
	}
	t := reader{s: r.strct("table")}
	in.Table.Path = t.str("path")
	in.Table.Size = t.int("size")
	sum, err := strconv.ParseUint(t.str("checksum"), 16, 64)
	if err := errors.Join(r.err, t.err); err != nil {
		return nil, fmt.Errorf("wire: init: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("wire: init checksum: %w", err)
	}
	in.Table.Checksum = sum
	return in, nil
}

// Encode renders the call frame body.
func (c *Call) Encode() *structpb.Struct {
	args := c.Args
	if args == nil {
		args = &structpb.ListValue{}
	}
	kw := c.Kwargs
	if kw == nil {
		kw = &structpb.Struct{}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"seq":    structpb.NewNumberValue(float64(c.Seq)),
		"func":   structpb.NewNumberValue(float64(c.Func)),
		"args":   structpb.NewListValue(args),
		"kwargs": structpb.NewStructValue(kw),
	}}
}

// DecodeCall parses a call frame body.
func DecodeCall(s *structpb.Struct) (*Call, error) {
	r := reader{s: s}
	c := &Call{
		Seq:    r.int("seq"),
		Func:   r.int("func"),
		Args:   r.list("args"),
		Kwargs: r.strct("kwargs"),
	}
	if r.err != nil {
		return nil, fmt.Errorf("wire: call: %w", r.err)
	}
	return c, nil
}

// Encode renders the reply frame body.
func (rp *Reply) Encode() *structpb.Struct {
	fields := map[string]*structpb.Value{
		"seq": structpb.NewNumberValue(float64(rp.Seq)),
	}
	if rp.Fault != nil {
		fields["fault"] = rp.Fault.value()
	} else {
		res := rp.Result
		if res == nil {
			res = structpb.NewNullValue()
		}
		fields["result"] = res
	}
	return &structpb.Struct{Fields: fields}
}

// DecodeReply parses a reply frame body.
func DecodeReply(s *structpb.Struct) (*Reply, error) {
	r := reader{s: s}
	rp := &Reply{Seq: r.int("seq")}
	if r.err != nil {
		return nil, fmt.Errorf("wire: reply: %w", r.err)
	}
	if fv, ok := s.GetFields()["fault"]; ok {
		rp.Fault = faultFrom(fv.GetStructValue())
		return rp, nil
	}
	rp.Result = s.GetFields()["result"]
	return rp, nil
}

// EncodeReady renders a ready frame body; f is nil on success.
func EncodeReady(pid int, f *Fault) *structpb.Struct {
	fields := map[string]*structpb.Value{
		"pid": structpb.NewNumberValue(float64(pid)),
	}
	if f != nil {
		fields["fault"] = f.value()
	}
	return &structpb.Struct{Fields: fields}
}

// DecodeReady returns the worker pid and its bootstrap fault, if any.
func DecodeReady(s *structpb.Struct) (int, *Fault) {
	pid := int(s.GetFields()["pid"].GetNumberValue())
	if fv, ok := s.GetFields()["fault"]; ok {
		return pid, faultFrom(fv.GetStructValue())
	}
	return pid, nil
}

func (f *Fault) value() *structpb.Value {
	ctx := make(map[string]*structpb.Value, len(f.Context))
	for k, v := range f.Context {
		ctx[k] = structpb.NewStringValue(v)
	}
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
		"code":    structpb.NewStringValue(f.Code.String()),
		"message": structpb.NewStringValue(f.Message),
		"cause":   structpb.NewStringValue(f.Cause),
		"context": structpb.NewStructValue(&structpb.Struct{Fields: ctx}),
	}})
}

func faultFrom(s *structpb.Struct) *Fault {
	f := &Fault{
		Code:    api.ParseErrorCode(s.GetFields()["code"].GetStringValue()),
		Message: s.GetFields()["message"].GetStringValue(),
		Cause:   s.GetFields()["cause"].GetStringValue(),
	}
	if ctx := s.GetFields()["context"].GetStructValue(); len(ctx.GetFields()) > 0 {
		f.Context = make(map[string]string, len(ctx.GetFields()))
		for k, v := range ctx.GetFields() {
			f.Context[k] = v.GetStringValue()
		}
	}
	return f
}

// reader pulls typed fields out of a Struct and remembers the first problem.
type reader struct {
	s   *structpb.Struct
	err error
}

func (r *reader) field(key string) *structpb.Value {
	v, ok := r.s.GetFields()[key]
	if !ok && r.err == nil {
		r.err = fmt.Errorf("missing field %q", key)
	}
	return v
}

func (r *reader) str(key string) string {
	v := r.field(key)
	if v == nil {
		return ""
	}
	if _, ok := v.GetKind().(*structpb.Value_StringValue); !ok && r.err == nil {
		r.err = fmt.Errorf("field %q is not a string", key)
	}
	return v.GetStringValue()
}

func (r *reader) int(key string) int {
	v := r.field(key)
	if v == nil {
		return 0
	}
	if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok && r.err == nil {
		r.err = fmt.Errorf("field %q is not a number", key)
	}
	return int(v.GetNumberValue())
}

func (r *reader) list(key string) *structpb.ListValue {
	v := r.field(key)
	if v == nil {
		return &structpb.ListValue{}
	}
	if _, ok := v.GetKind().(*structpb.Value_ListValue); !ok && r.err == nil {
		r.err = fmt.Errorf("field %q is not a list", key)
	}
	return v.GetListValue()
}

func (r *reader) strct(key string) *structpb.Struct {
	v := r.field(key)
	if v == nil {
		return &structpb.Struct{}
	}
	if _, ok := v.GetKind().(*structpb.Value_StructValue); !ok && r.err == nil {
		r.err = fmt.Errorf("field %q is not a struct", key)
	}
	return v.GetStructValue()
}
