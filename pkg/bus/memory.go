package bus

import (
	"context"
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel depth for the in-process
// bus.
const subscriberBuffer = 64

// MemoryBus is an in-process Bus for single-node deployments and tests. It
// honors group semantics (round-robin within a group, fan-out across groups)
// and redelivers messages that are explicitly rejected with Nak.
type MemoryBus struct {
	mu     sync.Mutex
	groups map[string]map[string][]chan *Message
	next   map[string]int
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		groups: make(map[string]map[string][]chan *Message),
		next:   make(map[string]int),
	}
}

// Publish implements Bus.Publish.
func (b *MemoryBus) Publish(_ context.Context, topic string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for group, subscribers := range b.groups[topic] {
		if len(subscribers) == 0 {
			continue
		}
		// Round-robin within the group; every group gets its own copy.
		key := topic + "/" + group
		target := subscribers[b.next[key]%len(subscribers)]
		b.next[key]++
		b.deliverLocked(target, topic, data)
	}
	return nil
}

// deliverLocked enqueues one message with Nak-based redelivery wired up.
// Delivery to a full subscriber channel falls back to a goroutine so the bus
// lock is never held across a blocking send. Close must not race active
// publishers.
func (b *MemoryBus) deliverLocked(target chan *Message, topic string, data []byte) {
	msg := &Message{
		Topic:     topic,
		Data:      data,
		Timestamp: time.Now(),
	}
	msg.ack = func() error { return nil }
	msg.nak = func() error {
		// Redeliver asynchronously so a handler can Nak from its own
		// receive loop without deadlocking on the subscriber channel.
		go b.send(target, msg)
		return nil
	}
	select {
	case target <- msg:
	default:
		go b.send(target, msg)
	}
}

// send delivers msg to target, retrying while the subscriber buffer is full.
// Every attempt re-checks closed under the lock so a redelivery or deferred
// send never races Close onto a closed channel; after Close the message is
// dropped.
func (b *MemoryBus) send(target chan *Message, msg *Message) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return
		}
		select {
		case target <- msg:
			b.mu.Unlock()
			return
		default:
		}
		b.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

// Subscribe implements Bus.Subscribe.
func (b *MemoryBus) Subscribe(topic, group string) (<-chan *Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	ch := make(chan *Message, subscriberBuffer)
	if b.groups[topic] == nil {
		b.groups[topic] = make(map[string][]chan *Message)
	}
	b.groups[topic][group] = append(b.groups[topic][group], ch)
	return ch, nil
}

// Close implements Bus.Close. All subscriber channels are closed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, groups := range b.groups {
		for _, subscribers := range groups {
			for _, ch := range subscribers {
				close(ch)
			}
		}
	}
	b.groups = nil
	return nil
}
