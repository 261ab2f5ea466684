package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errStreamEnded = errors.New("stream ended")

// Producer feeds a Subscription. It calls emit for every value and returns when
// ctx is done or the underlying stream fails. emit returns false once the
// subscription has been closed, after which the producer should return.
type Producer[T any] func(ctx context.Context, emit func(T) bool) error

// Subscription is a lazy, cancelable stream of values from the channel.
type Subscription[T any] struct {
	c      chan T
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

// NewSubscription starts produce in its own goroutine, bound to ctx.
func NewSubscription[T any](ctx context.Context, produce Producer[T]) *Subscription[T] {
	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription[T]{
		c:      make(chan T),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		err := produce(ctx, func(v T) bool {
			select {
			case sub.c <- v:
				return true
			case <-ctx.Done():
				return false
			}
		})

		// Canceled by the consumer, not a failure
		if ctx.Err() != nil {
			err = nil
		} else {
			if err == nil {
				err = errStreamEnded
			}
			if !errors.Is(err, ErrChannelUnavailable) {
				err = fmt.Errorf("%w: %w", ErrChannelUnavailable, err)
			}
		}

		// err is visible before C is closed
		sub.mu.Lock()
		sub.err = err
		sub.mu.Unlock()
		close(sub.c)
		close(sub.done)
	}()

	return sub
}

// C returns the stream of values. It is closed when the subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.c
}

// Err returns why the subscription ended. It is nil while the subscription is
// live and after a cancellation, and wraps ErrChannelUnavailable otherwise.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the producer has returned
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Close cancels the subscription and waits for its producer to return. Idempotent.
func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
	<-s.done
}
