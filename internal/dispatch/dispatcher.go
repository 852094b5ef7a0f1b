package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx"
)

// LogThreshold is the engine log threshold installed by the pre-run hook.
const LogThreshold = -1

// Dispatcher services conversion requests against one engine handle. Handle
// must be called from a single goroutine; Worker does that.
type Dispatcher struct {
	engine onnx.Engine
	out    Outbox
	logger *slog.Logger

	mu      sync.Mutex
	current string
}

// Start initializes an engine through open and returns a dispatcher that owns
// it. Engine output during initialization is posted with an empty request id.
func Start(ctx context.Context, open onnx.Opener, out Outbox, logger *slog.Logger) (*Dispatcher, error) {
	d := &Dispatcher{out: out, logger: logger}

	engine, err := open(ctx, onnx.Config{
		PreRun: []func(*onnx.Runtime){onnx.SetLogThreshold(LogThreshold)},
		Stdout: d.sink(ChannelStdout),
		Stderr: d.sink(ChannelStderr),
	})
	if err != nil {
		return nil, fmt.Errorf("initialize engine: %w", err)
	}

	d.engine = engine
	return d, nil
}

// sink forwards engine output lines to the diagnostic log and the outbox.
func (d *Dispatcher) sink(ch Channel) onnx.LineSink {
	return onnx.LineSinkFunc(func(line string) {
		id := d.requestID()
		d.logger.Debug("engine output", "channel", ch, "request_id", id, "line", line)
		d.out.Post(Message{RequestID: id, Channel: ch, Content: line})
	})
}

func (d *Dispatcher) requestID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.current
}

func (d *Dispatcher) setRequestID(id string) {
	d.mu.Lock()
	d.current = id
	d.mu.Unlock()
}

// Engine returns the engine handle owned by the dispatcher.
func (d *Dispatcher) Engine() onnx.Engine {
	return d.engine
}

// Handle runs one request to completion and posts exactly one terminal message.
func (d *Dispatcher) Handle(ctx context.Context, req Request) {
	d.setRequestID(req.ID)
	defer d.setRequestID("")

	if t, ok := d.out.(Tracker); ok {
		t.Begin(req)
	}

	op := operationLabel(req.Operation)
	if !req.Operation.Known() {
		conversionsTotal.WithLabelValues(op, outcomeUnknown).Inc()
		d.logger.Warn("unknown conversion type", "request_id", req.ID, "operation", string(req.Operation))
		d.finish(req, ChannelStderr, "unknown conversion type: "+string(req.Operation))
		return
	}

	start := time.Now()
	result, err := d.convert(ctx, req)
	conversionDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())

	if err == nil && len(result) == 0 {
		err = onnx.ErrEmptyResult
	}
	if err != nil {
		conversionsTotal.WithLabelValues(op, outcomeFailed).Inc()
		d.logger.Warn("conversion failed", "request_id", req.ID, "operation", op, "error", err)
		d.finish(req, ChannelStderr, string(req.Operation)+" failed!")
		return
	}

	conversionsTotal.WithLabelValues(op, outcomeDone).Inc()
	d.logger.Info("conversion done",
		"request_id", req.ID,
		"operation", op,
		"input_bytes", len(req.Model),
		"output_bytes", len(result),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	d.finish(req, ChannelConvertDone, EncodeResult(result))
}

// convert calls the engine entry point for req. A panicking engine is
// reported as a failed conversion.
func (d *Dispatcher) convert(ctx context.Context, req Request) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	switch req.Operation {
	case OpSimplify:
		return d.engine.ExportSimplified(ctx, req.Model, req.Simplify)
	case OpOptimize:
		return d.engine.Optimize(ctx, req.Model, req.Passes)
	case OpOptimizeFixed:
		return d.engine.OptimizeFixedPoint(ctx, req.Model, req.Passes)
	}
	return nil, fmt.Errorf("unhandled operation %q", req.Operation)
}

func (d *Dispatcher) finish(req Request, ch Channel, content string) {
	d.out.Post(Message{RequestID: req.ID, Channel: ch, Content: content, Terminal: true})
}
