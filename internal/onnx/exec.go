package onnx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/samber/lo"
)

// Default tool invocations used when ExecOptions leaves a command empty.
var (
	DefaultSimplifier = Command{Path: "onnxsim"}
	DefaultOptimizer  = Command{Path: "python3", Args: []string{"-m", "onnxoptimizer"}}
)

// maxLineSize bounds a single line of tool output.
const maxLineSize = 1 << 20

// Command is an executable plus the leading arguments every call passes.
type Command struct {
	Path string   `json:"path" yaml:"path"`
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
}

func (c Command) withArgs(args ...string) []string {
	return append(slices.Clone(c.Args), args...)
}

// CommandRunner starts external processes.
type CommandRunner interface {
	// LookPath resolves an executable name to a path.
	LookPath(name string) (string, error)

	// Start starts name with args and the given environment. The caller must
	// drain stdout and stderr before calling wait.
	Start(ctx context.Context, name string, args, env []string) (stdout, stderr io.ReadCloser, wait func() error, err error)
}

// ExecCommandRunner uses os/exec.
type ExecCommandRunner struct{}

// LookPath resolves name through exec.LookPath.
func (ExecCommandRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Start starts a command.
func (ExecCommandRunner) Start(ctx context.Context, name string, args, env []string) (stdout, stderr io.ReadCloser, wait func() error, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, nil, err
	}

	return stdoutPipe, stderrPipe, cmd.Wait, nil
}

// ExecOptions configures the subprocess engine.
type ExecOptions struct {
	Simplifier Command
	Optimizer  Command

	// Env is merged into the runtime environment before pre-run hooks run.
	Env map[string]string

	// WorkDir is the parent of the per-engine scratch directory. Empty uses os.TempDir.
	WorkDir string

	// Runner defaults to ExecCommandRunner.
	Runner CommandRunner
}

// ExecEngine implements Engine by driving the onnxsim and onnxoptimizer
// command-line tools. Models are exchanged through files in a scratch directory.
type ExecEngine struct {
	runner     CommandRunner
	simplifier Command
	optimizer  Command
	env        []string
	dir        string
	catalog    Catalog
	seq        atomic.Uint64

	sinkMu sync.Mutex
	stdout LineSink
	stderr LineSink
}

var _ Engine = (*ExecEngine)(nil)

// NewExecOpener returns an Opener that initializes an ExecEngine.
func NewExecOpener(opts ExecOptions) Opener {
	return func(ctx context.Context, cfg Config) (Engine, error) {
		return OpenExec(ctx, cfg, opts)
	}
}

// OpenExec runs the pre-run hooks, resolves both tools, creates the scratch
// directory and probes the optimizer for its pass catalog.
func OpenExec(ctx context.Context, cfg Config, opts ExecOptions) (*ExecEngine, error) {
	rt := &Runtime{Env: maps.Clone(opts.Env)}
	if rt.Env == nil {
		rt.Env = make(map[string]string)
	}
	for _, hook := range cfg.PreRun {
		hook(rt)
	}

	runner := opts.Runner
	if runner == nil {
		runner = ExecCommandRunner{}
	}

	simplifier := opts.Simplifier
	if simplifier.Path == "" {
		simplifier = DefaultSimplifier
	}
	optimizer := opts.Optimizer
	if optimizer.Path == "" {
		optimizer = DefaultOptimizer
	}

	var err error
	if simplifier.Path, err = runner.LookPath(simplifier.Path); err != nil {
		return nil, fmt.Errorf("resolve simplifier: %w", err)
	}
	if optimizer.Path, err = runner.LookPath(optimizer.Path); err != nil {
		return nil, fmt.Errorf("resolve optimizer: %w", err)
	}

	dir, err := os.MkdirTemp(opts.WorkDir, "onnxsim-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	e := &ExecEngine{
		runner:     runner,
		simplifier: simplifier,
		optimizer:  optimizer,
		env:        envList(rt.Env),
		dir:        dir,
		stdout:     cfg.stdout(),
		stderr:     cfg.stderr(),
	}

	if err := e.probeCatalog(ctx); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	return e, nil
}

// envList renders env as sorted KEY=VALUE pairs.
func envList(env map[string]string) []string {
	keys := slices.Sorted(maps.Keys(env))
	return lo.Map(keys, func(k string, _ int) string {
		return k + "=" + env[k]
	})
}

// Env returns the KEY=VALUE pairs passed to every tool invocation.
func (e *ExecEngine) Env() []string {
	return slices.Clone(e.env)
}

// Catalog returns the passes reported by the optimizer at initialization.
func (e *ExecEngine) Catalog() Catalog {
	return Catalog{
		Passes:                slices.Clone(e.catalog.Passes),
		FuseEliminationPasses: slices.Clone(e.catalog.FuseEliminationPasses),
	}
}

func (e *ExecEngine) probeCatalog(ctx context.Context) error {
	all, err := e.capture(ctx, e.optimizer, "--print_all_passes")
	if err != nil {
		return fmt.Errorf("list optimizer passes: %w", err)
	}
	fuse, err := e.capture(ctx, e.optimizer, "--print_fuse_elimination_passes")
	if err != nil {
		return fmt.Errorf("list fuse and elimination passes: %w", err)
	}
	e.catalog = Catalog{
		Passes:                ParsePassList(all),
		FuseEliminationPasses: ParsePassList(fuse),
	}
	return nil
}

// capture runs c and returns its stdout lines instead of forwarding them.
func (e *ExecEngine) capture(ctx context.Context, c Command, args ...string) ([]string, error) {
	var lines []string
	collect := LineSinkFunc(func(line string) { lines = append(lines, line) })
	if err := e.run(ctx, c, c.withArgs(args...), collect, e.stderr); err != nil {
		return nil, err
	}
	return lines, nil
}

// ExportSimplified runs the simplifier.
func (e *ExecEngine) ExportSimplified(ctx context.Context, model []byte, opts SimplifyOptions) ([]byte, error) {
	return e.convert(ctx, model, func(in, out string) (Command, []string) {
		return e.simplifier, e.simplifier.withArgs(simplifyArgs(in, out, opts)...)
	})
}

// simplifyArgs builds the onnxsim argument list after the leading command args.
func simplifyArgs(in, out string, opts SimplifyOptions) []string {
	args := []string{in, out}
	if opts.SkipOptimizers.Skips() {
		args = append(args, "--skip-optimization")
		if !opts.SkipOptimizers.All {
			args = append(args, opts.SkipOptimizers.Passes...)
		}
	}
	if !opts.ConstantFolding {
		args = append(args, "--skip-constant-folding")
	}
	if !opts.ShapeInference {
		args = append(args, "--skip-shape-inference")
	}
	args = append(args, "--no-large-tensor", strconv.FormatInt(opts.TensorSizeThreshold, 10))
	return args
}

// Optimize runs the optimizer once over passes.
func (e *ExecEngine) Optimize(ctx context.Context, model []byte, passes []string) ([]byte, error) {
	return e.convert(ctx, model, func(in, out string) (Command, []string) {
		return e.optimizer, e.optimizer.withArgs(optimizeArgs(in, out, passes, false)...)
	})
}

// OptimizeFixedPoint runs the optimizer over passes until a fixed point.
func (e *ExecEngine) OptimizeFixedPoint(ctx context.Context, model []byte, passes []string) ([]byte, error) {
	return e.convert(ctx, model, func(in, out string) (Command, []string) {
		return e.optimizer, e.optimizer.withArgs(optimizeArgs(in, out, passes, true)...)
	})
}

// optimizeArgs always passes -p so an empty list runs no passes instead of
// the optimizer's defaults.
func optimizeArgs(in, out string, passes []string, fixed bool) []string {
	args := []string{in, out, "-p"}
	args = append(args, passes...)
	if fixed {
		args = append(args, "--fixed_point")
	}
	return args
}

// convert writes model to a scratch file, runs the command built by build and
// reads the output file back.
func (e *ExecEngine) convert(ctx context.Context, model []byte, build func(in, out string) (Command, []string)) ([]byte, error) {
	n := e.seq.Add(1)
	in := filepath.Join(e.dir, fmt.Sprintf("%d-in.onnx", n))
	out := filepath.Join(e.dir, fmt.Sprintf("%d-out.onnx", n))
	defer os.Remove(in)
	defer os.Remove(out)

	if err := os.WriteFile(in, model, 0o600); err != nil {
		return nil, fmt.Errorf("write input model: %w", err)
	}

	c, args := build(in, out)
	if err := e.run(ctx, c, args, e.stdout, e.stderr); err != nil {
		return nil, err
	}

	result, err := os.ReadFile(out)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrEmptyResult
	}
	if err != nil {
		return nil, fmt.Errorf("read output model: %w", err)
	}
	if len(result) == 0 {
		return nil, ErrEmptyResult
	}
	return result, nil
}

// run starts c.Path with args and streams both output pipes into the sinks.
// Sink calls are serialized so a sink never observes concurrent lines.
func (e *ExecEngine) run(ctx context.Context, c Command, args []string, stdout, stderr LineSink) error {
	outPipe, errPipe, wait, err := e.runner.Start(ctx, c.Path, args, e.env)
	if err != nil {
		return fmt.Errorf("start %s: %w", filepath.Base(c.Path), err)
	}

	var wg sync.WaitGroup
	var scanErr error
	var scanErrOnce sync.Once
	for _, stream := range []struct {
		r    io.Reader
		sink LineSink
	}{{outPipe, stdout}, {errPipe, stderr}} {
		wg.Go(func() {
			if err := e.pump(stream.r, stream.sink); err != nil {
				scanErrOnce.Do(func() { scanErr = err })
			}
		})
	}
	wg.Wait()

	if err := wait(); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(c.Path), err)
	}
	if scanErr != nil {
		return fmt.Errorf("read %s output: %w", filepath.Base(c.Path), scanErr)
	}
	return nil
}

func (e *ExecEngine) pump(r io.Reader, sink LineSink) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		e.sinkMu.Lock()
		sink.WriteLine(scanner.Text())
		e.sinkMu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		// Drain so the process is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// Close removes the scratch directory.
func (e *ExecEngine) Close() error {
	return os.RemoveAll(e.dir)
}
