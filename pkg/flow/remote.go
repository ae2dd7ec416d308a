package flow

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/synapse/pkg/frame"
)

// ErrorCodeReadCancelled is sent to the peer when we stop reading a
// QUIC stream before its end.
const ErrorCodeReadCancelled = quic.StreamErrorCode(0xC)

// RemoteSender writes frames on a byte stream. If the stream supports
// write deadlines, a cancelled context interrupts a blocked write.
//
// It is safe for concurrent use, frames are never interleaved.
type RemoteSender struct {
	lk sync.Mutex
	w  io.Writer
}

var _ RawSender = (*RemoteSender)(nil)

func NewRemoteSender(w io.Writer) *RemoteSender {
	return &RemoteSender{w: w}
}

func (s *RemoteSender) WriteFrame(ctx context.Context, f *frame.Frame) error {
	buf, err := frame.Encode(f)
	if err != nil {
		return err
	}

	s.lk.Lock()
	defer s.lk.Unlock()

	var setDeadline func(time.Time) error
	if d, ok := s.w.(interface{ SetWriteDeadline(time.Time) error }); ok {
		setDeadline = d.SetWriteDeadline
	}
	return withDeadline(ctx, setDeadline, func() error {
		_, err := s.w.Write(buf)
		return err
	})
}

// Close ends the stream gracefully if it can be closed.
func (s *RemoteSender) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// RemoteReceiver reads frames from a byte stream, rejecting those
// exceeding its limits. If the stream supports read deadlines, a cancelled
// context interrupts a blocked read, after which the stream must be
// considered unusable.
type RemoteReceiver struct {
	lk     sync.Mutex
	r      io.Reader
	limits frame.Limits
}

var _ RawReceiver = (*RemoteReceiver)(nil)

func NewRemoteReceiver(r io.Reader, limits frame.Limits) *RemoteReceiver {
	return &RemoteReceiver{r: r, limits: limits}
}

func (r *RemoteReceiver) ReadFrame(ctx context.Context) (f *frame.Frame, err error) {
	r.lk.Lock()
	defer r.lk.Unlock()

	var setDeadline func(time.Time) error
	if d, ok := r.r.(interface{ SetReadDeadline(time.Time) error }); ok {
		setDeadline = d.SetReadDeadline
	}
	err = withDeadline(ctx, setDeadline, func() error {
		f, err = frame.Read(r.r, r.limits)
		return err
	})
	return f, err
}

// Close tells a QUIC peer we are not interested in the rest of the stream.
func (r *RemoteReceiver) Close() error {
	switch rs := r.r.(type) {
	case quic.ReceiveStream:
		rs.CancelRead(ErrorCodeReadCancelled)
	case io.Closer:
		return rs.Close()
	}
	return nil
}

// withDeadline runs op, making sure it returns once ctx is done.
func withDeadline(ctx context.Context, setDeadline func(time.Time) error, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if setDeadline == nil {
		return op()
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = setDeadline(dl)
	}
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(fired)
		_ = setDeadline(time.Now())
	})

	err := op()

	if !stop() {
		<-fired
	}
	_ = setDeadline(time.Time{})

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			return context.DeadlineExceeded
		}
	}
	return err
}
