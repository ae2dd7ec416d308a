package flow

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/raskyld/synapse/pkg/frame"
)

// LocalFlow is an in-memory flow of frames. Both halves are served by the
// same value: what is written can be read back in order.
//
// Closing it lets readers drain what is buffered before they get [io.EOF].
type LocalFlow struct {
	data    chan *frame.Frame
	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

var (
	_ RawSender   = (*LocalFlow)(nil)
	_ RawReceiver = (*LocalFlow)(nil)
)

func NewLocalFlow(bufferSize uint) *LocalFlow {
	return &LocalFlow{
		data:    make(chan *frame.Frame, bufferSize),
		closeCh: make(chan struct{}),
	}
}

func (fl *LocalFlow) ReadFrame(ctx context.Context) (*frame.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case elem, ok := <-fl.data:
		if !ok {
			return nil, io.EOF
		}
		return elem, nil
	}
}

// WriteFrame queues a copy of f, so that the caller may reuse its buffers.
func (fl *LocalFlow) WriteFrame(ctx context.Context, f *frame.Frame) error {
	fl.lk.Lock()
	if fl.closed {
		fl.lk.Unlock()
		return ErrFlowClosed
	}
	fl.wg.Add(1)
	defer fl.wg.Done()
	fl.lk.Unlock()

	// Same validation as a remote flow would apply.
	if _, err := frame.Encode(f); err != nil {
		return err
	}
	cloned := &frame.Frame{
		Version: f.Version,
		Type:    f.Type,
		Header:  bytes.Clone(f.Header),
		Payload: bytes.Clone(f.Payload),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case fl.data <- cloned:
		return nil
	case <-fl.closeCh:
		return ErrFlowClosed
	}
}

func (fl *LocalFlow) Close() error {
	fl.lk.Lock()
	defer fl.lk.Unlock()
	if fl.closed {
		return nil
	}
	fl.closed = true
	close(fl.closeCh)
	fl.wg.Wait()
	close(fl.data)
	return nil
}
