package kafka

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

// Recorder keeps published messages in memory instead of sending them.
// Tests use it in place of a Producer.
type Recorder struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (r *Recorder) Publish(topic string, key, value []byte, headers ...kafka.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, kafka.Message{Topic: topic, Key: key, Value: value, Headers: headers})
}

func (r *Recorder) Messages() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kafka.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

// EventTypes lists the x-event-type header of every recorded message, in order.
func (r *Recorder) EventTypes() []string {
	msgs := r.Messages()
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, HeaderValue(m.Headers, "x-event-type"))
	}
	return out
}
