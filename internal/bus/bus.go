// Package bus is a small typed publish/subscribe registry. Each subscriber has
// its own mailbox goroutine, so delivery is asynchronous, ordered per
// subscriber and never runs inside the publisher's locks.
package bus

import (
	"sync"
)

// Topic broadcasts values of a single kind to every current subscriber.
type Topic[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*mailbox[T]
	closed bool
}

// NewTopic returns an empty topic.
func NewTopic[T any]() *Topic[T] {
	return &Topic[T]{subs: make(map[int]*mailbox[T])}
}

// Subscribe registers fn and returns a function removing the subscription.
// fn is invoked sequentially, in publish order, from a dedicated goroutine.
func (t *Topic[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return func() {}
	}
	id := t.nextID
	t.nextID++
	mb := newMailbox(fn)
	t.subs[id] = mb
	go mb.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.mu.Unlock()
			mb.close()
		})
	}
}

// Publish enqueues v for every subscriber without waiting for delivery.
func (t *Topic[T]) Publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, mb := range t.subs {
		mb.push(v)
	}
}

// Close drops every subscriber. Values already queued are still delivered.
func (t *Topic[T]) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[int]*mailbox[T])
	t.closed = true
	t.mu.Unlock()
	for _, mb := range subs {
		mb.close()
	}
}

// mailbox is an unbounded FIFO drained by one goroutine.
type mailbox[T any] struct {
	fn     func(T)
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
}

func newMailbox[T any](fn func(T)) *mailbox[T] {
	mb := &mailbox[T]{fn: fn}
	mb.cond = sync.NewCond(&mb.mu)
	return mb
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	if !m.closed {
		m.queue = append(m.queue, v)
		m.cond.Signal()
	}
	m.mu.Unlock()
}

func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Signal()
	m.mu.Unlock()
}

func (m *mailbox[T]) run() {
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		v := m.queue[0]
		var zero T
		m.queue[0] = zero
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.fn(v)
	}
}
