package gossip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/raskyld/synapse/pkg/flow"
)

const (
	DefaultQueueSize     = 256
	DefaultFillThreshold = 0.8
)

var (
	ErrBackpressure = errors.New("gossip: queue above fill threshold")
	ErrClosed       = errors.New("gossip: dispatcher closed")
)

// Dispatcher queues outgoing messages and writes them, in order, to a
// single gossip stream.
//
// Sending never blocks: gossip is best effort, so callers are told to back
// off as soon as the queue reaches its fill threshold.
type Dispatcher struct {
	lk        sync.RWMutex
	closed    bool
	queue     chan Message
	threshold int
	closeCh   chan struct{}
}

func NewDispatcher(capacity int, fillThreshold float64) *Dispatcher {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	if fillThreshold <= 0 || fillThreshold > 1 {
		fillThreshold = DefaultFillThreshold
	}
	threshold := int(float64(capacity) * fillThreshold)
	if threshold < 1 {
		threshold = 1
	}

	return &Dispatcher{
		queue:     make(chan Message, capacity),
		threshold: threshold,
		closeCh:   make(chan struct{}),
	}
}

func (d *Dispatcher) Send(msg Message) error {
	d.lk.RLock()
	defer d.lk.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if len(d.queue) >= d.threshold {
		return fmt.Errorf("%w: %d queued", ErrBackpressure, len(d.queue))
	}

	select {
	case d.queue <- msg:
		return nil
	default:
		return fmt.Errorf("%w: queue full", ErrBackpressure)
	}
}

// Pending is the number of messages not yet handed to the writer.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Run writes queued messages to w until ctx is done or the dispatcher is
// closed. On close, messages already queued are flushed first.
func (d *Dispatcher) Run(ctx context.Context, w flow.FrameWriter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-d.queue:
			if err := d.write(ctx, w, msg); err != nil {
				return err
			}
		case <-d.closeCh:
			for {
				select {
				case msg := <-d.queue:
					if err := d.write(ctx, w, msg); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

func (d *Dispatcher) write(ctx context.Context, w flow.FrameWriter, msg Message) error {
	f, err := EncodeFrame(msg)
	if err != nil {
		return fmt.Errorf("gossip: encode %s: %w", msg.Kind(), err)
	}
	return w.WriteFrame(ctx, f)
}

// Close stops accepting messages and lets [Dispatcher.Run] return once the
// queue is flushed.
func (d *Dispatcher) Close() {
	d.lk.Lock()
	defer d.lk.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.closeCh)
}

// Handler consumes received gossip.
type Handler interface {
	HandleGossip(ctx context.Context, msg Message)
}

type HandlerFunc func(ctx context.Context, msg Message)

func (fn HandlerFunc) HandleGossip(ctx context.Context, msg Message) {
	fn(ctx, msg)
}

// Receive reads gossip frames from r and hands every message to h until r
// ends. Non-gossip frames and undecodable messages abort the loop.
func Receive(ctx context.Context, r flow.FrameReader, h Handler) error {
	for {
		f, err := r.ReadFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		msg, err := DecodeFrame(f)
		if err != nil {
			return err
		}
		h.HandleGossip(ctx, msg)
	}
}
