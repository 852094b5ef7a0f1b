package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx"
)

// ErrUnavailable is returned by Pool.Submit when every worker failed to initialize.
var ErrUnavailable = errors.New("no dispatcher available")

// Pool holds isolated workers, each with its own engine handle. Requests are
// assigned round-robin across workers that have not failed initialization.
// Ordering is guaranteed per worker only.
type Pool struct {
	workers []*Worker
	next    atomic.Uint64
	ready   chan struct{}
}

// NewPool starts size workers.
func NewPool(ctx context.Context, size int, open onnx.Opener, out Outbox, logger *slog.Logger, queueSize int) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{ready: make(chan struct{})}
	for i := range size {
		p.workers = append(p.workers, NewWorker(ctx, i, open, out, logger, queueSize))
	}
	go func() {
		for _, w := range p.workers {
			<-w.Ready()
		}
		close(p.ready)
	}()
	return p
}

// Wait blocks until every worker has finished initializing. It returns an
// error wrapping ErrUnavailable and each worker's failure when none succeeded.
func (p *Pool) Wait(ctx context.Context) error {
	select {
	case <-p.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	if p.Available() == 0 {
		return fmt.Errorf("%w: %w", ErrUnavailable, p.Err())
	}
	return nil
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Submit posts req to the next available worker and returns its index.
func (p *Pool) Submit(ctx context.Context, req Request) (int, error) {
	n := uint64(len(p.workers))
	start := p.next.Add(1) - 1
	for i := range n {
		w := p.workers[(start+i)%n]
		if w.Failed() {
			continue
		}
		return w.ID(), w.Post(ctx, req)
	}
	return -1, ErrUnavailable
}

// Ready is closed once every worker's initialization has resolved.
func (p *Pool) Ready() <-chan struct{} {
	return p.ready
}

// Available returns the number of workers whose engine initialized.
func (p *Pool) Available() int {
	n := 0
	for _, w := range p.workers {
		if _, ok := w.Catalog(); ok {
			n++
		}
	}
	return n
}

// Err joins the initialization errors of all failed workers.
func (p *Pool) Err() error {
	var errs []error
	for _, w := range p.workers {
		if err := w.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Catalog returns the pass catalog of the first ready worker.
func (p *Pool) Catalog() (onnx.Catalog, bool) {
	for _, w := range p.workers {
		if c, ok := w.Catalog(); ok {
			return c, true
		}
	}
	return onnx.Catalog{}, false
}

// Queued returns the total number of queued requests.
func (p *Pool) Queued() int {
	n := 0
	for _, w := range p.workers {
		n += w.Queued()
	}
	return n
}

// Stop stops every worker.
func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
}
