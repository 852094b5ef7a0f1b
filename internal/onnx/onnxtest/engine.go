// Package onnxtest provides a scriptable in-memory onnx.Engine.
package onnxtest

import (
	"context"
	"slices"
	"sync"

	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx"
)

// Engine method names recorded in Call.Method.
const (
	MethodExportSimplified   = "ExportSimplified"
	MethodOptimize           = "Optimize"
	MethodOptimizeFixedPoint = "OptimizeFixedPoint"
)

// Call records one engine invocation.
type Call struct {
	Method   string
	Model    []byte
	Simplify onnx.SimplifyOptions
	Passes   []string
}

// Engine scripts the behavior of every onnx.Engine produced by Opener.
// Configure the exported fields before handing Opener to a dispatcher. Each
// open yields its own session bound to that open's sinks, so one Engine can
// back a whole pool.
type Engine struct {
	// Convert produces the result of a call. Nil returns the input model.
	Convert func(call Call) ([]byte, error)

	// Stdout and Stderr lines are written to the sinks on every call.
	Stdout []string
	Stderr []string

	// OpenErr fails initialization when set.
	OpenErr error

	// Gate, when non-nil, blocks initialization until it is closed.
	Gate chan struct{}

	PassCatalog onnx.Catalog

	mu       sync.Mutex
	calls    []Call
	env      map[string]string
	opens    int
	sessions int
	closed   int
}

// session is the onnx.Engine returned by one open.
type session struct {
	*Engine
	cfg onnx.Config
}

var _ onnx.Engine = (*session)(nil)

// Opener returns an onnx.Opener that initializes e.
func (e *Engine) Opener() onnx.Opener {
	return func(ctx context.Context, cfg onnx.Config) (onnx.Engine, error) {
		if e.Gate != nil {
			select {
			case <-e.Gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		rt := &onnx.Runtime{Env: make(map[string]string)}
		for _, hook := range cfg.PreRun {
			hook(rt)
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		e.opens++
		if e.OpenErr != nil {
			return nil, e.OpenErr
		}
		e.env = rt.Env
		e.sessions++
		return &session{Engine: e, cfg: cfg}, nil
	}
}

func (s *session) ExportSimplified(_ context.Context, model []byte, opts onnx.SimplifyOptions) ([]byte, error) {
	return s.do(s.cfg, Call{Method: MethodExportSimplified, Model: model, Simplify: opts})
}

func (s *session) Optimize(_ context.Context, model []byte, passes []string) ([]byte, error) {
	return s.do(s.cfg, Call{Method: MethodOptimize, Model: model, Passes: passes})
}

func (s *session) OptimizeFixedPoint(_ context.Context, model []byte, passes []string) ([]byte, error) {
	return s.do(s.cfg, Call{Method: MethodOptimizeFixedPoint, Model: model, Passes: passes})
}

func (s *session) Catalog() onnx.Catalog {
	return s.PassCatalog
}

func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// do records call and writes the scripted lines to cfg's sinks.
func (e *Engine) do(cfg onnx.Config, call Call) ([]byte, error) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()

	for _, line := range e.Stdout {
		if cfg.Stdout != nil {
			cfg.Stdout.WriteLine(line)
		}
	}
	for _, line := range e.Stderr {
		if cfg.Stderr != nil {
			cfg.Stderr.WriteLine(line)
		}
	}

	if e.Convert == nil {
		return call.Model, nil
	}
	return e.Convert(call)
}

// Calls returns a copy of the recorded calls.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.calls)
}

// Env returns the runtime environment produced by the pre-run hooks.
func (e *Engine) Env() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.env
}

// Opens reports how many times initialization ran.
func (e *Engine) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

// Closed reports whether every opened session has been closed.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions > 0 && e.closed == e.sessions
}
