package dispatch

import (
	"encoding/json"
	"fmt"
)

// Channel tags an outbound message.
type Channel string

// Outbound message channels.
const (
	ChannelStdout      Channel = "stdout"
	ChannelStderr      Channel = "stderr"
	ChannelConvertDone Channel = "convert-done"
)

// Message is one outbound message. On the wire it is the pair [channel, content].
type Message struct {
	// RequestID is the id of the request in flight when the message was
	// emitted, or empty for output produced outside any request.
	RequestID string
	Channel   Channel
	Content   string

	// Terminal marks the single response message of a request.
	Terminal bool
}

// MarshalJSON encodes the message as ["channel", "content"].
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{string(m.Channel), m.Content})
}

// UnmarshalJSON decodes a ["channel", "content"] pair.
func (m *Message) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("message must be a [channel, content] pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("message has %d elements, want 2", len(pair))
	}
	*m = Message{Channel: Channel(pair[0]), Content: pair[1]}
	return nil
}

// Outbox accepts outbound messages. Post may be called from engine output
// goroutines as well as the dispatcher goroutine, so implementations must be
// safe for concurrent use.
type Outbox interface {
	Post(msg Message)
}

// OutboxFunc adapts a function to Outbox.
type OutboxFunc func(msg Message)

// Post calls f(msg).
func (f OutboxFunc) Post(msg Message) { f(msg) }

// Tracker is an optional interface for outboxes that want to know when the
// dispatcher begins processing a request.
type Tracker interface {
	Begin(req Request)
}
