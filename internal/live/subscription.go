package live

import (
	"context"
	"errors"
	"sync"
)

// ErrUnsubscribed is returned by Next once the subscription is closed.
var ErrUnsubscribed = errors.New("live: unsubscribed")

// Subscription is one reader's ordered stream of snapshots. Every snapshot
// pushed is kept until read, so a slow reader sees each commit in order;
// Pending reports the backlog so transports can cut off readers that fall
// too far behind.
type Subscription[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool

	signal  chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newSubscription[T any](onClose func()) *Subscription[T] {
	return &Subscription[T]{
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// push appends v. Never blocks; safe to call from a commit hook.
func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until a snapshot is available, the subscription is closed, or
// ctx is done. Nothing is returned after Unsubscribe.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return zero, ErrUnsubscribed
		}
		if len(s.queue) > 0 {
			v := s.queue[0]
			s.queue[0] = zero
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-s.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Pending is the number of snapshots pushed but not yet read.
func (s *Subscription[T]) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Unsubscribe stops delivery. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.queue = nil
		s.mu.Unlock()
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
}
