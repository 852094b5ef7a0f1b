package onnx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrEmptyResult is returned when the engine finished without producing a model.
var ErrEmptyResult = errors.New("engine produced no output")

// Engine is the opaque graph-processing engine. Implementations are not safe
// for concurrent use; a handle is owned by exactly one dispatcher.
type Engine interface {
	// ExportSimplified simplifies the serialized model and returns the
	// serialized result.
	ExportSimplified(ctx context.Context, model []byte, opts SimplifyOptions) ([]byte, error)

	// Optimize runs the named optimizer passes once.
	Optimize(ctx context.Context, model []byte, passes []string) ([]byte, error)

	// OptimizeFixedPoint runs the named optimizer passes until the graph stops changing.
	OptimizeFixedPoint(ctx context.Context, model []byte, passes []string) ([]byte, error)

	// Catalog returns the optimizer passes the engine reported at initialization.
	Catalog() Catalog

	// Close releases resources held by the engine.
	Close() error
}

// Opener constructs an initialized engine handle from cfg.
type Opener func(ctx context.Context, cfg Config) (Engine, error)

// SimplifyOptions carries the simplifier arguments in the order callers supply them.
type SimplifyOptions struct {
	SkipOptimizers      SkipOptimizers
	ConstantFolding     bool
	ShapeInference      bool
	TensorSizeThreshold int64
}

// SkipOptimizers selects which optimizer passes the simplifier leaves out.
// All skips every pass; otherwise only the listed passes are skipped.
type SkipOptimizers struct {
	All    bool
	Passes []string
}

// Skips reports whether any pass is skipped.
func (s SkipOptimizers) Skips() bool {
	return s.All || len(s.Passes) > 0
}

// UnmarshalJSON accepts either a boolean or a list of pass names.
func (s *SkipOptimizers) UnmarshalJSON(data []byte) error {
	var all bool
	if err := json.Unmarshal(data, &all); err == nil {
		*s = SkipOptimizers{All: all}
		return nil
	}

	var passes []string
	if err := json.Unmarshal(data, &passes); err != nil {
		return fmt.Errorf("skip optimizers must be a bool or a list of pass names: %w", err)
	}
	*s = SkipOptimizers{Passes: passes}
	return nil
}

// MarshalJSON emits the list form when passes are named and the bool form otherwise.
func (s SkipOptimizers) MarshalJSON() ([]byte, error) {
	if !s.All && s.Passes != nil {
		return json.Marshal(s.Passes)
	}
	return json.Marshal(s.All)
}

// Catalog lists optimizer passes known to the engine.
type Catalog struct {
	Passes                []string `json:"passes"`
	FuseEliminationPasses []string `json:"fuse_elimination_passes"`
}

// LineSink receives one line of engine output per call.
type LineSink interface {
	WriteLine(line string)
}

// LineSinkFunc adapts a function to LineSink.
type LineSinkFunc func(line string)

// WriteLine calls f(line).
func (f LineSinkFunc) WriteLine(line string) { f(line) }

type discardSink struct{}

func (discardSink) WriteLine(string) {}

// Runtime is the engine environment visible to pre-run hooks.
type Runtime struct {
	Env map[string]string
}

// Config is the initialization configuration passed to an Opener.
type Config struct {
	// PreRun hooks run in order against the runtime before the engine starts.
	PreRun []func(rt *Runtime)

	// Stdout and Stderr receive engine output line by line. Nil discards.
	Stdout LineSink
	Stderr LineSink
}

func (c Config) stdout() LineSink {
	if c.Stdout == nil {
		return discardSink{}
	}
	return c.Stdout
}

func (c Config) stderr() LineSink {
	if c.Stderr == nil {
		return discardSink{}
	}
	return c.Stderr
}

// EnvLogThreshold is the engine variable gating which log lines it emits.
const EnvLogThreshold = "LOG_THRESHOLD"

// SetLogThreshold returns a pre-run hook setting the engine log threshold.
// A threshold of -1 lets every engine log line through.
func SetLogThreshold(level int) func(rt *Runtime) {
	return func(rt *Runtime) {
		if rt.Env == nil {
			rt.Env = make(map[string]string)
		}
		rt.Env[EnvLogThreshold] = strconv.Itoa(level)
	}
}
