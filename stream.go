package synapse

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/synapse/pkg/flow"
	"github.com/raskyld/synapse/pkg/frame"
	"github.com/raskyld/synapse/pkg/priority"
)

// StreamKey identifies a stream within a [Conn]. Ordinals are allocated
// by the opener, Remote tells which side that was.
type StreamKey struct {
	Role    Role
	Ordinal uint64
	Remote  bool
}

// Stream is a QUIC stream with a [Role].
//
// Unidirectional streams only have the side their opener writes to. The
// readable side of streams is consumed by the [Conn], frames end up in
// [Conn.Recv] or in the handler of the role.
type Stream struct {
	conn *Conn
	key  StreamKey
	id   quic.StreamID

	// NB: quic-go streams sync Write/Close/Read internally, the frame
	// writer only makes sure frames are not interleaved.
	send   quic.SendStream
	recv   quic.ReceiveStream
	writer *flow.RemoteSender
	reader *flow.RemoteReceiver

	// early is set on streams the peer opened with 0-RTT data.
	early bool

	closeOnce sync.Once
}

var _ flow.RawSender = (*Stream)(nil)

func newStream(c *Conn, key StreamKey, send quic.SendStream, recv quic.ReceiveStream) *Stream {
	st := &Stream{
		conn: c,
		key:  key,
		send: send,
		recv: recv,
	}
	if send != nil {
		st.id = send.StreamID()
		st.writer = flow.NewRemoteSender(send)
	}
	if recv != nil {
		st.id = recv.StreamID()
		st.reader = flow.NewRemoteReceiver(recv, c.bus.cfg.frameLimits)
	}
	return st
}

func (s *Stream) Role() Role {
	return s.key.Role
}

func (s *Stream) Key() StreamKey {
	return s.key
}

func (s *Stream) ID() quic.StreamID {
	return s.id
}

// Conn is the connection the stream belongs to.
func (s *Stream) Conn() *Conn {
	return s.conn
}

// WriteFrame writes f right away, bypassing the connection scheduler.
func (s *Stream) WriteFrame(ctx context.Context, f *frame.Frame) error {
	if err := s.checkWrite(f); err != nil {
		return err
	}

	if err := s.writer.WriteFrame(ctx, f); err != nil {
		s.conn.bus.msink.IncrCounterWithLabels(
			MetricFrameRejectedCount,
			1.0,
			withLabels(s.conn.labels, LabelRole.M(s.key.Role.String()), LabelError.M("write")),
		)
		if ctx.Err() != nil {
			return err
		}
		if s.conn.State() == StateClosed {
			return newStreamError(StreamErrClosed, s.key.Role, err)
		}
		return newStreamError(StreamErrTransport, s.key.Role, err)
	}

	s.conn.bus.msink.IncrCounterWithLabels(
		MetricFrameOutCount,
		1.0,
		withLabels(s.conn.labels, LabelRole.M(s.key.Role.String()), LabelFrameType.M(f.Type.String())),
	)
	return nil
}

// Send queues f on the connection scheduler. It blocks while the queue of
// that level is full.
func (s *Stream) Send(ctx context.Context, level priority.Level, f *frame.Frame) error {
	if err := s.checkWrite(f); err != nil {
		return err
	}
	return wrapQueueError(s.key.Role, s.conn.out.Send(ctx, level, outbound{stream: s, frame: f}))
}

// TrySend is like [Stream.Send] but fails with [ErrBackpressure] instead
// of blocking.
func (s *Stream) TrySend(level priority.Level, f *frame.Frame) error {
	if err := s.checkWrite(f); err != nil {
		return err
	}
	return wrapQueueError(s.key.Role, s.conn.out.TrySend(level, outbound{stream: s, frame: f}))
}

func (s *Stream) checkWrite(f *frame.Frame) error {
	if s.send == nil {
		return newStreamError(StreamErrWrongDirection, s.key.Role, errors.New("stream is not writable from this side"))
	}
	if !s.key.Role.accepts(f.Type, !s.key.Remote) {
		return newStreamError(
			StreamErrWrongDirection,
			s.key.Role,
			fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Type),
		)
	}
	if s.conn.State() == StateClosed {
		return newStreamError(StreamErrClosed, s.key.Role, nil)
	}
	return nil
}

// Close gracefully ends what we write and stops reading.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.writer != nil {
			err = s.writer.Close()
		}
		if s.reader != nil {
			err = errors.Join(err, s.reader.Close())
		}
		s.conn.detach(s)
	})
	return err
}

// cancel abruptly resets both sides with code.
func (s *Stream) cancel(code quic.StreamErrorCode) {
	s.closeOnce.Do(func() {
		if s.send != nil {
			s.send.CancelWrite(code)
		}
		if s.recv != nil {
			s.recv.CancelRead(code)
		}
		s.conn.detach(s)
	})
}

// outbound is a frame waiting in the connection scheduler.
type outbound struct {
	stream *Stream
	frame  *frame.Frame
}
