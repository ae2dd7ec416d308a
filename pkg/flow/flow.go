// Package flow moves frames over streams.
//
// [RemoteSender] and [RemoteReceiver] adapt any byte stream, QUIC streams
// included, while [LocalFlow] keeps frames in memory. [Sender] and
// [Receiver] add a typed, buffered and thread-safe layer on top.
package flow

import (
	"context"
	"errors"

	"github.com/raskyld/synapse/pkg/frame"
)

var (
	ErrFlowClosed = errors.New("flow: closed")
)

// FrameWriter writes whole frames.
type FrameWriter interface {
	WriteFrame(ctx context.Context, f *frame.Frame) error
}

// FrameReader reads whole frames. It returns [io.EOF] once the peer
// finished writing.
type FrameReader interface {
	ReadFrame(ctx context.Context) (*frame.Frame, error)
}

// RawSender is a blocking frame writer which can be closed.
type RawSender interface {
	FrameWriter
	Close() error
}

// RawReceiver is a blocking frame reader which can be closed.
type RawReceiver interface {
	FrameReader
	Close() error
}

// Encoder turns a message into a frame.
type Encoder[T any] func(T) (*frame.Frame, error)

// Decoder turns a frame back into a message.
type Decoder[T any] func(*frame.Frame) (T, error)
