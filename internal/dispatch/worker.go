package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx"
)

// DefaultQueueSize is the inbound queue depth used when none is given.
const DefaultQueueSize = 64

// ErrClosed is returned when posting to a worker that has shut down.
var ErrClosed = errors.New("dispatcher closed")

// Worker runs a Dispatcher on its own goroutine. Requests are serviced one at
// a time in the order they were posted. If engine initialization fails the
// worker stays inert until stopped: posted requests are queued but never
// serviced.
type Worker struct {
	id     int
	queue  chan Request
	ready  chan struct{}
	done   chan struct{}
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.RWMutex
	err     error
	catalog onnx.Catalog
}

// NewWorker starts a worker that initializes its engine through open and
// posts every outbound message to out.
func NewWorker(ctx context.Context, id int, open onnx.Opener, out Outbox, logger *slog.Logger, queueSize int) *Worker {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		id:     id,
		queue:  make(chan Request, queueSize),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: logger.With("worker", id),
	}
	go w.run(ctx, open, out)
	return w
}

func (w *Worker) run(ctx context.Context, open onnx.Opener, out Outbox) {
	defer close(w.done)

	d, err := Start(ctx, open, out, w.logger)
	if err != nil {
		w.mu.Lock()
		w.err = err
		w.mu.Unlock()
		close(w.ready)
		w.logger.Error("engine initialization failed", "error", err)
		<-ctx.Done()
		return
	}

	w.mu.Lock()
	w.catalog = d.Engine().Catalog()
	w.mu.Unlock()
	close(w.ready)
	w.logger.Info("engine ready")

	defer func() {
		if err := d.Engine().Close(); err != nil {
			w.logger.Warn("close engine", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.queue:
			d.Handle(ctx, req)
		}
	}
}

// ID returns the worker index.
func (w *Worker) ID() int {
	return w.id
}

// Post enqueues req. It blocks while the queue is full.
func (w *Worker) Post(ctx context.Context, req Request) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}

	select {
	case w.queue <- req:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready is closed once engine initialization has resolved, successfully or not.
func (w *Worker) Ready() <-chan struct{} {
	return w.ready
}

// Err returns the initialization error, or nil.
func (w *Worker) Err() error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.err
}

// Failed reports whether initialization resolved with an error.
func (w *Worker) Failed() bool {
	return w.Err() != nil
}

// Catalog returns the engine pass catalog captured at initialization. The
// second result is false until the engine is ready.
func (w *Worker) Catalog() (onnx.Catalog, bool) {
	select {
	case <-w.ready:
	default:
		return onnx.Catalog{}, false
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.err != nil {
		return onnx.Catalog{}, false
	}
	return w.catalog, true
}

// Queued returns the number of requests waiting in the queue.
func (w *Worker) Queued() int {
	return len(w.queue)
}

// Stop cancels the worker and waits for its goroutine to exit. The request in
// flight, if any, sees a cancelled context. Queued requests are dropped.
func (w *Worker) Stop() {
	w.cancel()
	<-w.done
}
