package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zengqingfu1442/onnx-simplifier/internal/dispatch"
	"github.com/zengqingfu1442/onnx-simplifier/internal/model"
	"github.com/zengqingfu1442/onnx-simplifier/internal/onnx"
	"github.com/zengqingfu1442/onnx-simplifier/internal/store"
)

// ErrNotAttached is returned by Submit before a dispatcher pool is attached.
var ErrNotAttached = errors.New("no dispatcher attached")

// Submitter enqueues requests on a dispatcher. *dispatch.Pool implements it.
type Submitter interface {
	Submit(ctx context.Context, req dispatch.Request) (int, error)
}

// Manager is the dispatcher's Outbox and Tracker. Each request it submits
// becomes a job whose lifecycle follows the dispatcher's messages:
// pending on submit, running on Begin, then completed on convert-done or
// failed on a terminal stderr message.
type Manager struct {
	store  store.Store
	broker *Broker
	logger *slog.Logger

	mu   sync.Mutex
	pool Submitter
	seq  map[string]int
}

var (
	_ dispatch.Outbox  = (*Manager)(nil)
	_ dispatch.Tracker = (*Manager)(nil)
)

// NewManager creates a job manager backed by s.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  s,
		broker: NewBroker(),
		logger: logger,
		seq:    make(map[string]int),
	}
}

// Attach sets the dispatcher that Submit enqueues on. The pool is created with
// the manager as its outbox, so it is attached after construction.
func (m *Manager) Attach(p Submitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pool = p
}

// Broker returns the manager's message broker for SSE subscription.
func (m *Manager) Broker() *Broker {
	return m.broker
}

// Submit stores req as a pending job and enqueues it. Requests with unknown
// operations are accepted; the dispatcher reports them as failures. If the
// request cannot be enqueued the job is marked failed and the error returned.
func (m *Manager) Submit(ctx context.Context, req dispatch.Request) (*model.Job, error) {
	m.mu.Lock()
	pool := m.pool
	m.mu.Unlock()
	if pool == nil {
		return nil, ErrNotAttached
	}

	job := &model.Job{
		ID:         model.NewID(),
		Operation:  string(req.Operation),
		Status:     model.StatusPending,
		Worker:     -1,
		InputBytes: len(req.Model),
		CreatedAt:  time.Now().UTC(),
	}
	if info, err := onnx.Inspect(req.Model); err == nil {
		nodes := info.Nodes
		job.InputNodes = &nodes
		job.Producer = info.Producer()
	}

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	req.ID = job.ID
	worker, err := pool.Submit(ctx, req)
	if err != nil {
		reason := fmt.Sprintf("enqueue: %v", err)
		if ferr := m.store.FailJob(context.Background(), job.ID, reason); ferr != nil {
			m.logger.Error("failed to mark unqueued job failed", "job_id", job.ID, "error", ferr)
		}
		m.broker.Close(job.ID)
		return nil, fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}

	job.Worker = worker
	if err := m.store.AssignWorker(ctx, job.ID, worker); err != nil {
		m.logger.Error("failed to record worker", "job_id", job.ID, "worker", worker, "error", err)
	}

	m.logger.Info("job submitted",
		"job_id", job.ID,
		"operation", job.Operation,
		"worker", worker,
		"input_bytes", job.InputBytes,
	)
	return job, nil
}

// Begin marks the job running when its dispatcher starts processing it.
func (m *Manager) Begin(req dispatch.Request) {
	if req.ID == "" {
		return
	}
	if err := m.store.MarkRunning(context.Background(), req.ID); err != nil {
		m.logger.Error("failed to transition to running", "job_id", req.ID, "error", err)
	}
}

// Post relays one outbound dispatcher message. Non-terminal lines are
// persisted and published. A terminal message settles the job, is published,
// and closes the job's stream.
func (m *Manager) Post(msg dispatch.Message) {
	id := msg.RequestID
	if id == "" {
		m.logger.Debug("engine output outside a request", "channel", msg.Channel, "line", msg.Content)
		return
	}

	if !msg.Terminal {
		seq := m.nextSeq(id)
		if err := m.store.InsertMessage(context.Background(), id, seq, string(msg.Channel), msg.Content); err != nil {
			m.logger.Error("failed to persist message", "job_id", id, "seq", seq, "error", err)
		}
		m.broker.Publish(id, msg)
		return
	}

	m.settle(id, msg)
	m.broker.Publish(id, msg)
	m.broker.Close(id)

	m.mu.Lock()
	delete(m.seq, id)
	m.mu.Unlock()
}

func (m *Manager) nextSeq(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.seq[id]
	m.seq[id] = n + 1
	return n
}

func (m *Manager) settle(id string, msg dispatch.Message) {
	ctx := context.Background()

	if msg.Channel != dispatch.ChannelConvertDone {
		if err := m.store.FailJob(ctx, id, msg.Content); err != nil {
			m.logger.Error("failed to update failed job", "job_id", id, "error", err)
		}
		return
	}

	output, err := dispatch.DecodeResult(msg.Content)
	if err != nil {
		if ferr := m.store.FailJob(ctx, id, fmt.Sprintf("decode result: %v", err)); ferr != nil {
			m.logger.Error("failed to update failed job", "job_id", id, "error", ferr)
		}
		return
	}

	c := store.Completion{Output: output}
	if info, err := onnx.Inspect(output); err == nil {
		nodes := info.Nodes
		c.OutputNodes = &nodes
	}
	if err := m.store.CompleteJob(ctx, id, c); err != nil {
		m.logger.Error("failed to update completed job", "job_id", id, "error", err)
	}
}
