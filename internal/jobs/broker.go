package jobs

import (
	"sync"

	"github.com/zengqingfu1442/onnx-simplifier/internal/dispatch"
)

// subscriberBufferSize is the channel buffer for each message subscriber.
// Output lines are dropped if a subscriber falls this far behind. A terminal
// message evicts the oldest buffered line instead of being dropped.
const subscriberBufferSize = 256

// Broker fans out a job's outbound messages to live subscribers.
// It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job settles) receive a closed channel instead of
// blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan dispatch.Message
	nextID int
	closed bool
}

// NewBroker creates a new message broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives messages for the given job and an
// unsubscribe function. If the job has already settled (Close was called), the
// returned channel is immediately closed.
func (b *Broker) Subscribe(jobID string) (<-chan dispatch.Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan dispatch.Message)}
		b.topics[jobID] = t
	}

	ch := make(chan dispatch.Message, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends msg to all subscribers of the given job. Non-terminal
// messages are dropped for subscribers whose buffers are full; a terminal
// message is always delivered.
func (b *Broker) Publish(jobID string, msg dispatch.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- msg:
			continue
		default:
		}
		if !msg.Terminal {
			continue
		}
		// Only Publish sends, under b.mu, so one eviction always makes room.
		select {
		case <-ch:
		default:
		}
		ch <- msg
	}
}

// Close signals that no more messages will be published for the given job.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &topic{subs: make(map[int]chan dispatch.Message), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
