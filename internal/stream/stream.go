// Package stream fans values out to live subscribers such as SSE clients.
package stream

import (
	"context"
	"sync"
)

const defaultBuffer = 16

// Stream delivers each published value to every active subscriber.
// Slow subscribers miss values instead of blocking the publisher.
type Stream[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan T
	next   int
	buffer int
}

// New returns a stream whose subscriber channels hold buffer values.
func New[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Stream[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive values.
// The channel is closed when the provided context ends.
func (s *Stream[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans v out to all subscribers.
func (s *Stream[T]) Publish(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Subscribers reports the number of live subscribers.
func (s *Stream[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
