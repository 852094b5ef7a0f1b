package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx"
)

// Operation selects the engine entry point for a request.
type Operation string

// Recognized operations. Any other tag is reported as an unknown conversion type.
const (
	OpSimplify      Operation = "simplify"
	OpOptimize      Operation = "optimize"
	OpOptimizeFixed Operation = "optimize_fixed"
)

// Known reports whether op is one of the recognized operations.
func (op Operation) Known() bool {
	switch op {
	case OpSimplify, OpOptimize, OpOptimizeFixed:
		return true
	}
	return false
}

// ErrEmptyRequest is returned when an inbound array carries no operation tag.
var ErrEmptyRequest = errors.New("request has no operation")

// ErrInvalidSize is returned for a tensor size threshold that is negative,
// fractional or beyond the int64 range.
var ErrInvalidSize = errors.New("size must be a non-negative integer")

// SimplifyArgs are the trailing arguments of a simplify request, in order:
// skip optimizers, constant folding, shape inference, tensor size threshold.
type SimplifyArgs = onnx.SimplifyOptions

// Request is one inbound conversion request.
type Request struct {
	// ID correlates outbound messages with this request. It may be empty.
	ID        string
	Operation Operation
	Model     []byte

	Simplify SimplifyArgs

	// Passes holds the target optimizer list of optimize and optimize_fixed.
	Passes []string
}

// DecodeRequest decodes a positional inbound array:
//
//	["simplify", model, skipOptimizers, constantFolding, shapeInference, tensorSizeThreshold]
//	["optimize", model, [passes...]]
//	["optimize_fixed", model, [passes...]]
//
// The model is base64 in JSON. Missing trailing positions and nulls decode to
// zero values. Positions after the model are only decoded for recognized
// operations, so an unknown tag still yields a request the dispatcher can
// report.
func DecodeRequest(data []byte) (Request, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Request{}, fmt.Errorf("request must be a JSON array: %w", err)
	}
	if len(fields) == 0 {
		return Request{}, ErrEmptyRequest
	}

	var req Request
	var op string
	if err := json.Unmarshal(fields[0], &op); err != nil {
		return Request{}, fmt.Errorf("operation tag: %w", err)
	}
	req.Operation = Operation(op)

	if err := decodeAt(fields, 1, &req.Model); err != nil {
		return Request{}, fmt.Errorf("model payload: %w", err)
	}

	switch req.Operation {
	case OpSimplify:
		for i, target := range []any{
			&req.Simplify.SkipOptimizers,
			&req.Simplify.ConstantFolding,
			&req.Simplify.ShapeInference,
		} {
			if err := decodeAt(fields, i+2, target); err != nil {
				return Request{}, fmt.Errorf("simplify argument %d: %w", i+2, err)
			}
		}
		if len(fields) > 5 {
			n, err := decodeSize(fields[5])
			if err != nil {
				return Request{}, fmt.Errorf("simplify argument 5: %w", err)
			}
			req.Simplify.TensorSizeThreshold = n
		}
	case OpOptimize, OpOptimizeFixed:
		if err := decodeAt(fields, 2, &req.Passes); err != nil {
			return Request{}, fmt.Errorf("target optimizers: %w", err)
		}
	}

	return req, nil
}

// decodeSize reads a non-negative integral JSON number. Integral floats such
// as 1.5e9 are accepted.
func decodeSize(raw json.RawMessage) (int64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, err
	}
	if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("%w: %d", ErrInvalidSize, n)
		}
		return n, nil
	}
	if f < 0 || f >= maxSize || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidSize, raw)
	}
	return int64(f), nil
}

// maxSize is 2^63, the first float64 past the int64 range.
const maxSize = float64(1 << 63)

func decodeAt(fields []json.RawMessage, i int, v any) error {
	if i >= len(fields) {
		return nil
	}
	return json.Unmarshal(fields[i], v)
}

// MarshalJSON encodes the request in the positional form DecodeRequest reads.
func (r Request) MarshalJSON() ([]byte, error) {
	fields := []any{string(r.Operation), r.Model}
	switch r.Operation {
	case OpSimplify:
		fields = append(fields,
			r.Simplify.SkipOptimizers,
			r.Simplify.ConstantFolding,
			r.Simplify.ShapeInference,
			r.Simplify.TensorSizeThreshold,
		)
	case OpOptimize, OpOptimizeFixed:
		passes := r.Passes
		if passes == nil {
			passes = []string{}
		}
		fields = append(fields, passes)
	}
	return json.Marshal(fields)
}
