package netsync

import "sync"

// Inbox is filled from network goroutines and drained by the tick loop.
type Inbox[T any] struct {
	mu    sync.Mutex
	items []T
}

func (b *Inbox[T]) Push(v T) {
	b.mu.Lock()
	b.items = append(b.items, v)
	b.mu.Unlock()
}

// Drain returns everything queued so far in arrival order and empties the inbox.
func (b *Inbox[T]) Drain() []T {
	b.mu.Lock()
	out := b.items
	b.items = nil
	b.mu.Unlock()
	return out
}

func (b *Inbox[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
