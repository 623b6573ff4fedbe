package bus

import (
	"io"
	"sync"
)

// MemoryBus is an in-process Bus used by tests and single-node runs. It
// delivers synchronously on the publisher's goroutine, which also makes
// cross-instance test scenarios deterministic: wire two registries to the
// same MemoryBus and delivery order follows publish order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string][]*memorySub
	closed bool
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	h       Handler
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string][]*memorySub)}
}

func (b *MemoryBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, s := range b.subs[subject] {
		handlers = append(handlers, s.h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(subject, data)
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, h Handler) (io.Closer, error) {
	sub := &memorySub{bus: b, subject: subject, h: h}
	b.mu.Lock()
	if !b.closed {
		b.subs[subject] = append(b.subs[subject], sub)
	}
	b.mu.Unlock()
	return sub, nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	b.subs = make(map[string][]*memorySub)
	b.closed = true
	b.mu.Unlock()
}

func (s *memorySub) Close() error {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[s.subject]
	for i, cur := range list {
		if cur == s {
			b.subs[s.subject] = append(list[:i], list[i+1:]...)
			break
		}
	}
	return nil
}
