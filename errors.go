package synapse

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
	"github.com/raskyld/synapse/pkg/gossip"
	"github.com/raskyld/synapse/pkg/intent"
	"github.com/raskyld/synapse/pkg/priority"
)

var (
	ErrInvalidCfg      = errors.New("bus: invalid options")
	ErrBusShutdown     = errors.New("bus: shutting down")
	ErrNoSigner        = errors.New("bus: no signer configured")
	ErrBackpressure    = errors.New("bus: backpressure")
	ErrPeerPenalized   = errors.New("bus: peer penalized after repeated security failures")
	ErrEarlyData       = errors.New("bus: mutating frame over unverified 0-RTT data")
	ErrJoinCluster     = errors.New("bus: could not join cluster")
	ErrNoMembership    = errors.New("bus: membership is not enabled")
	ErrUnexpectedFrame = errors.New("bus: frame type not allowed on this stream")

	ErrBufferSize        = errors.New("transport: could not allocate udp buffer")
	ErrHostnameResolve   = errors.New("transport: could not resolve hostname from certificate")
	ErrInvalidAddr       = errors.New("transport: the IP you provided is invalid")
	ErrShutdown          = errors.New("transport: shutting down")
	ErrProtocolViolation = errors.New("transport: protocol violation")
	ErrNoTLSConfig       = errors.New("transport: TlsConfig is required")
)

// Stream errors, compare with errors.Is. A [*StreamError] matches the
// sentinel of its kind.
var (
	ErrInsufficientScope = errors.New("stream: insufficient scope")
	ErrRoleLimitExceeded = errors.New("stream: role limit exceeded")
	ErrWrongDirection    = errors.New("stream: wrong direction")
	ErrStreamTransport   = errors.New("stream: transport failure")
	ErrStreamClosed      = errors.New("stream: closed")
	ErrConnDraining      = errors.New("stream: connection draining")
)

var (
	QErrStreamProtocolViolation = quic.StreamErrorCode(0xFF)
	QErrStreamUnauthorized      = quic.StreamErrorCode(0x10)
	QErrStreamRoleLimit         = quic.StreamErrorCode(0x11)
	QErrStreamWrongDirection    = quic.StreamErrorCode(0x12)
	QErrStreamClosed            = quic.StreamErrorCode(0x13)
	QErrStreamDraining          = quic.StreamErrorCode(0x14)
	QErrStreamRejected          = quic.StreamErrorCode(0x15)
)

var (
	QErrNone = QuicApplicationError{
		Code:   0x0,
		Prefix: "closed",
	}
	QErrInternal = QuicApplicationError{
		Code:   0x1,
		Prefix: "internal",
	}
	QErrHostname = QuicApplicationError{
		Code:   0x2,
		Prefix: "hostname",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
	QErrNameConflict = QuicApplicationError{
		Code:   0x4,
		Prefix: "name conflict",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

type StreamErrorKind uint8

const (
	StreamErrInsufficientScope StreamErrorKind = iota
	StreamErrRoleLimitExceeded
	StreamErrWrongDirection
	StreamErrTransport
	StreamErrClosed
	StreamErrDraining
)

var streamErrSentinels = [...]error{
	StreamErrInsufficientScope: ErrInsufficientScope,
	StreamErrRoleLimitExceeded: ErrRoleLimitExceeded,
	StreamErrWrongDirection:    ErrWrongDirection,
	StreamErrTransport:         ErrStreamTransport,
	StreamErrClosed:            ErrStreamClosed,
	StreamErrDraining:          ErrConnDraining,
}

func (k StreamErrorKind) sentinel() error {
	if int(k) < len(streamErrSentinels) {
		return streamErrSentinels[k]
	}
	return ErrStreamTransport
}

// String returns the metric friendly name of the kind.
func (k StreamErrorKind) String() string {
	switch k {
	case StreamErrInsufficientScope:
		return "insufficient_scope"
	case StreamErrRoleLimitExceeded:
		return "role_limit_exceeded"
	case StreamErrWrongDirection:
		return "wrong_direction"
	case StreamErrTransport:
		return "transport"
	case StreamErrClosed:
		return "closed"
	case StreamErrDraining:
		return "draining"
	}
	return "unknown"
}

// StreamError is returned by stream operations. It unwraps to the sentinel
// of its Kind and to its cause, if any.
type StreamError struct {
	Kind StreamErrorKind
	Role Role
	Err  error
}

func (e *StreamError) Error() string {
	if !e.Role.Valid() {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s", e.Kind.sentinel(), e.Err)
		}
		return e.Kind.sentinel().Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s on %s stream: %s", e.Kind.sentinel(), e.Role, e.Err)
	}
	return fmt.Sprintf("%s on %s stream", e.Kind.sentinel(), e.Role)
}

func (e *StreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind.sentinel()}
	}
	return []error{e.Kind.sentinel(), e.Err}
}

func newStreamError(kind StreamErrorKind, role Role, cause error) *StreamError {
	return &StreamError{Kind: kind, Role: role, Err: cause}
}

// wrapQueueError makes queue-full errors from sub-packages match
// [ErrBackpressure] and closed queues match [ErrStreamClosed].
func wrapQueueError(role Role, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, priority.ErrBackpressure), errors.Is(err, gossip.ErrBackpressure):
		return fmt.Errorf("%w: %w", ErrBackpressure, err)
	case errors.Is(err, priority.ErrClosed), errors.Is(err, gossip.ErrClosed):
		return newStreamError(StreamErrClosed, role, err)
	}
	return err
}

// securityFailure reports whether err must count towards the escalation
// of a peer.
func securityFailure(err error) bool {
	return intent.IsSecurityFailure(err)
}
