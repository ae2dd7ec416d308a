// Package priority orders queued items across three urgency levels,
// independently of transport congestion control.
package priority

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type Level uint8

const (
	High Level = iota
	Normal
	Low

	levelCount
)

func (l Level) String() string {
	switch l {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

func (l Level) Valid() bool {
	return l < levelCount
}

var (
	ErrBackpressure = errors.New("priority: queue full")
	ErrClosed       = errors.New("priority: scheduler closed")
	ErrInvalidLevel = errors.New("priority: invalid level")
)

// Capacities bounds each level queue independently.
type Capacities struct {
	High   int
	Normal int
	Low    int
}

func DefaultCapacities() Capacities {
	return Capacities{
		High:   64,
		Normal: 256,
		Low:    1024,
	}
}

// Scheduler is a strict priority queue: [Scheduler.Recv] never returns a
// Normal item while a High one is queued, nor a Low item while a Normal one
// is. Items of the same level come out in the order they were sent.
//
// It is safe for concurrent use by multiple senders and receivers.
type Scheduler[T any] struct {
	queues [levelCount]chan T
	// wake holds at most one pending signal that something was queued.
	wake chan struct{}

	closeOnce sync.Once
	closeCh   chan struct{}
}

func New[T any](caps Capacities) *Scheduler[T] {
	s := &Scheduler[T]{
		wake:    make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	for level, size := range [levelCount]int{caps.High, caps.Normal, caps.Low} {
		if size <= 0 {
			size = 1
		}
		s.queues[level] = make(chan T, size)
	}
	return s
}

// Send queues item at level, blocking while that level is full.
func (s *Scheduler[T]) Send(ctx context.Context, level Level, item T) error {
	if !level.Valid() {
		return ErrInvalidLevel
	}
	if s.closed() {
		return ErrClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closeCh:
		return ErrClosed
	case s.queues[level] <- item:
	}

	s.signal()
	return nil
}

// TrySend queues item at level or fails with [ErrBackpressure] if that
// level is full.
func (s *Scheduler[T]) TrySend(level Level, item T) error {
	if !level.Valid() {
		return ErrInvalidLevel
	}
	if s.closed() {
		return ErrClosed
	}

	select {
	case s.queues[level] <- item:
	default:
		return fmt.Errorf("%w: %s", ErrBackpressure, level)
	}

	s.signal()
	return nil
}

// Recv returns the head of the highest non-empty level, waiting for an item
// if every level is empty. Once closed, it keeps returning queued items
// until none are left, then fails with [ErrClosed].
func (s *Scheduler[T]) Recv(ctx context.Context) (item T, level Level, err error) {
	for {
		if item, level, ok := s.poll(); ok {
			return item, level, nil
		}

		select {
		case <-ctx.Done():
			return item, 0, ctx.Err()
		case <-s.closeCh:
			if item, level, ok := s.poll(); ok {
				return item, level, nil
			}
			return item, 0, ErrClosed
		case <-s.wake:
		}
	}
}

// Len returns the number of items queued at level.
func (s *Scheduler[T]) Len(level Level) int {
	if !level.Valid() {
		return 0
	}
	return len(s.queues[level])
}

// Pending returns the number of items queued across all levels.
func (s *Scheduler[T]) Pending() int {
	total := 0
	for _, q := range s.queues {
		total += len(q)
	}
	return total
}

func (s *Scheduler[T]) Close() {
	s.closeOnce.Do(func() {
		close(s.closeCh)
	})
}

func (s *Scheduler[T]) closed() bool {
	select {
	case <-s.closeCh:
		return true
	default:
		return false
	}
}

func (s *Scheduler[T]) poll() (item T, level Level, ok bool) {
	for l := range s.queues {
		select {
		case item = <-s.queues[l]:
			// Another receiver may be parked on wake while items remain.
			if s.Pending() > 0 {
				s.signal()
			}
			return item, Level(l), true
		default:
		}
	}
	return item, 0, false
}

func (s *Scheduler[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
