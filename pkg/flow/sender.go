package flow

import (
	"context"
	"sync"
)

// Sender is a thread-safe and typed flow writer. Messages are encoded and
// written by a background loop in the order they were sent.
type Sender[T any] struct {
	raw RawSender
	enc Encoder[T]

	writeCh    chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup
	loopCtx    context.Context
	cancelLoop context.CancelFunc

	// handle Close sync.
	writer  sync.WaitGroup
	err     error
	closing bool
	lk      sync.Mutex
}

func NewSender[T any](raw RawSender, enc Encoder[T], bufferSize uint) *Sender[T] {
	w := &Sender[T]{
		raw: raw,
		enc: enc,

		writeCh: make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}
	w.loopCtx, w.cancelLoop = context.WithCancel(context.Background())

	w.mainLoopWg.Add(1)
	go w.run()

	return w
}

// Send queues msg. It only fails if the flow is closed, either explicitly
// or because a previous write failed, in which case that error is returned.
func (w *Sender[T]) Send(ctx context.Context, msg T) error {
	w.lk.Lock()
	if w.err != nil {
		w.lk.Unlock()
		return w.err
	}
	w.writer.Add(1)
	defer w.writer.Done()
	w.lk.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.closeCh:
		return w.Err()
	case w.writeCh <- msg:
	}

	return nil
}

// Err returns why the sender stopped, if it did.
func (w *Sender[T]) Err() error {
	w.lk.Lock()
	defer w.lk.Unlock()
	return w.err
}

// Close flushes what is queued then closes the underlying flow.
func (w *Sender[T]) Close() error {
	w.lk.Lock()
	if w.closing {
		w.lk.Unlock()
		return nil
	}
	w.closing = true
	if w.err == nil {
		w.err = ErrFlowClosed
		close(w.closeCh)
	}
	w.lk.Unlock()

	w.writer.Wait()
	close(w.writeCh)
	w.mainLoopWg.Wait()
	w.cancelLoop()
	return w.raw.Close()
}

// Abort drops what is queued and closes the underlying flow.
func (w *Sender[T]) Abort() error {
	w.cancelLoop()
	return w.Close()
}

func (w *Sender[T]) fail(cause error) {
	w.lk.Lock()
	defer w.lk.Unlock()
	if w.err != nil {
		return
	}
	w.err = cause
	close(w.closeCh)
}

func (w *Sender[T]) run() {
	defer w.mainLoopWg.Done()
	for msg := range w.writeCh {
		if w.loopCtx.Err() != nil {
			continue
		}

		f, err := w.enc(msg)
		if err == nil {
			err = w.raw.WriteFrame(w.loopCtx, f)
		}
		if err != nil {
			w.fail(err)
			w.cancelLoop()
		}
	}
}
