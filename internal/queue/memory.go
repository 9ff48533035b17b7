package queue

import (
	"context"
	"sync"
)

// MemoryBroker is a channel-backed broker for a single process
type MemoryBroker struct {
	ch     chan Message
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBroker creates a broker buffering up to size messages
func NewMemoryBroker(size int) *MemoryBroker {
	if size <= 0 {
		size = 1024
	}
	return &MemoryBroker{ch: make(chan Message, size)}
}

func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Receive(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-b.ch:
		if !ok {
			return Message{}, ErrClosed
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// TryReceive returns a buffered message without blocking
func (b *MemoryBroker) TryReceive() (Message, bool) {
	select {
	case msg, ok := <-b.ch:
		return msg, ok
	default:
		return Message{}, false
	}
}

// Len returns the number of buffered messages
func (b *MemoryBroker) Len() int { return len(b.ch) }

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	return nil
}

var _ Broker = (*MemoryBroker)(nil)
