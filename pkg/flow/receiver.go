package flow

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Receiver is a thread-safe and typed flow reader. A background loop
// reads and decodes frames ahead of calls to [Receiver.Recv].
type Receiver[T any] struct {
	raw RawReceiver
	dec Decoder[T]

	readCh     chan T
	closeCh    chan struct{}
	mainLoopWg sync.WaitGroup
	loopCtx    context.Context
	cancelLoop context.CancelFunc

	// handle Close sync.
	err error
	lk  sync.Mutex
}

func NewReceiver[T any](raw RawReceiver, dec Decoder[T], bufferSize uint) *Receiver[T] {
	r := &Receiver[T]{
		raw: raw,
		dec: dec,

		readCh:  make(chan T, bufferSize),
		closeCh: make(chan struct{}),
	}
	r.loopCtx, r.cancelLoop = context.WithCancel(context.Background())

	r.mainLoopWg.Add(1)
	go r.run()

	return r
}

// Recv returns the next message. Buffered messages are still returned after
// the peer finished writing, then [io.EOF] is.
func (r *Receiver[T]) Recv(ctx context.Context) (result T, err error) {
	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case elem, ok := <-r.readCh:
		if !ok {
			r.lk.Lock()
			defer r.lk.Unlock()
			return result, r.err
		}
		return elem, nil
	}
}

func (r *Receiver[T]) Close() error {
	r.lk.Lock()
	if r.err == nil {
		r.err = ErrFlowClosed
		close(r.closeCh)
	}
	r.lk.Unlock()

	r.cancelLoop()
	err := r.raw.Close()
	r.mainLoopWg.Wait()
	return err
}

func (r *Receiver[T]) stop(cause error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.err == nil {
		r.err = cause
	}
}

func (r *Receiver[T]) run() {
	defer r.mainLoopWg.Done()
	defer close(r.readCh)
	for {
		f, err := r.raw.ReadFrame(r.loopCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) && r.loopCtx.Err() != nil {
				err = ErrFlowClosed
			}
			r.stop(err)
			return
		}

		msg, err := r.dec(f)
		if err != nil {
			r.stop(err)
			return
		}

		select {
		case <-r.closeCh:
			return
		case r.readCh <- msg:
		}
	}
}

// IsEOF reports whether err means the peer finished writing.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
