// Package broadcast fans events out to independent subscribers.
//
// Every subscriber owns an unbounded mailbox drained by its own goroutine, so
// Publish never blocks the publisher and a slow subscriber never delays the
// others. A subscriber only sees events published after it subscribed.
package broadcast

import "sync"

// Hub distributes published values to all live subscriptions
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

func NewHub[T any]() *Hub[T] {
	return &Hub[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscription is one subscriber's view of the stream
type Subscription[T any] struct {
	hub  *Hub[T]
	out  chan T
	done chan struct{}

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []T
	closed bool
	once   sync.Once
}

// Subscribe registers a new mailbox. On a closed hub the returned channel is already closed.
func (h *Hub[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		hub:  h,
		out:  make(chan T),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		s.closed = true
		close(s.done)
		close(s.out)
		return s
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	go s.pump()
	return s
}

// Publish appends v to every subscriber mailbox
func (h *Hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for s := range h.subs {
		s.push(v)
	}
}

// Len returns the number of live subscriptions
func (h *Hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close ends every subscription; pending undelivered values are dropped
func (h *Hub[T]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := h.subs
	h.subs = make(map[*Subscription[T]]struct{})
	h.mu.Unlock()

	for s := range subs {
		s.shutdown()
	}
}

// C returns the receive channel. It is closed when the subscription or hub is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

// Close detaches the subscription from its hub
func (s *Subscription[T]) Close() {
	s.hub.mu.Lock()
	delete(s.hub.subs, s)
	s.hub.mu.Unlock()
	s.shutdown()
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, v)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *Subscription[T]) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.cond.Signal()
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		v := s.queue[0]
		var zero T
		s.queue[0] = zero
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
