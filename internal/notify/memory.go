package notify

import (
	"context"
	"sync"

	"boxoffice/internal/domain"
)

// Delivery is one message a Memory sender accepted.
type Delivery struct {
	To      domain.Recipient
	Message Message
}

// Memory records messages instead of sending them. Fail makes Send return
// the given error until cleared.
type Memory struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

func (m *Memory) Send(_ context.Context, to domain.Recipient, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.deliveries = append(m.deliveries, Delivery{To: to, Message: msg})
	return nil
}

func (m *Memory) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Memory) Deliveries() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Delivery(nil), m.deliveries...)
}

// ByEvent returns the deliveries of one message event.
func (m *Memory) ByEvent(event string) []Delivery {
	var res []Delivery
	for _, d := range m.Deliveries() {
		if d.Message.Event == event {
			res = append(res, d)
		}
	}
	return res
}
