package synapse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/synapse/pkg/flow"
	"github.com/raskyld/synapse/pkg/frame"
	"github.com/raskyld/synapse/pkg/gossip"
	"github.com/raskyld/synapse/pkg/intent"
	"github.com/raskyld/synapse/pkg/priority"
	"github.com/raskyld/synapse/pkg/snapshot"
	"golang.org/x/sync/errgroup"
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateEstablished
	StateDraining
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

type Perspective string

const (
	PerspectiveClient Perspective = "client"
	PerspectiveServer Perspective = "server"
)

// Delivery is a frame received on a control, request/response or
// reasoning stream. Frames failing authorization are delivered with Err
// set so the application can tell its peer.
type Delivery struct {
	Stream *Stream
	Frame  *frame.Frame
	Intent *intent.Intent
	Err    error
}

// Reply answers on the stream the frame came from.
func (d Delivery) Reply(ctx context.Context, f *frame.Frame) error {
	return d.Stream.WriteFrame(ctx, f)
}

// SnapshotHandler receives every snapshot a peer sends us.
type SnapshotHandler func(ctx context.Context, peer Host, snap *snapshot.Snapshot)

// Conn is a secure connection with a peer, multiplexing streams of
// different roles.
type Conn struct {
	bus         *Bus
	qc          quic.Connection
	perspective Perspective
	logger      *slog.Logger
	labels      []metrics.Label

	ctx    context.Context
	cancel context.CancelCauseFunc
	group  *errgroup.Group
	done   chan struct{}

	lk       sync.Mutex
	state    atomic.Int32
	peer     Host
	streams  map[StreamKey]*Stream
	counts   map[Role]int
	ordinals map[Role]uint64

	out *priority.Scheduler[outbound]
	in  *priority.Scheduler[Delivery]

	gossip      *gossip.Dispatcher
	gossipLk    sync.Mutex
	gossipOpen  bool
	telemetry   *flow.Sender[TelemetryReport]
	telemetryLk sync.Mutex

	// ops counts snapshot transfers Drain waits for, flushers the loops
	// which empty our queues.
	ops      sync.WaitGroup
	flushers sync.WaitGroup

	guard     *failureGuard
	started   bool
	closeOnce sync.Once
}

func newConn(b *Bus, qc quic.Connection, perspective Perspective) *Conn {
	c := &Conn{
		bus:         b,
		qc:          qc,
		perspective: perspective,
		done:        make(chan struct{}),
		streams:     make(map[StreamKey]*Stream),
		counts:      make(map[Role]int),
		ordinals:    make(map[Role]uint64),
		out:         priority.New[outbound](b.cfg.outboundCaps),
		in:          priority.New[Delivery](b.cfg.inboundCaps),
		gossip:      gossip.NewDispatcher(b.cfg.gossipQueue, b.cfg.gossipFill),
		guard:       newFailureGuard(b.cfg.escalation, nil),
	}

	c.labels = withLabels(
		b.cfg.metricLabels,
		LabelPeerAddr.M(qc.RemoteAddr().String()),
		LabelPerspective.M(string(perspective)),
	)
	c.logger = b.logger.With(
		LabelPeerAddr.L(qc.RemoteAddr().String()),
		LabelPerspective.L(string(perspective)),
	)

	ctx, cancel := context.WithCancelCause(b.ctx)
	c.cancel = cancel
	c.group, c.ctx = errgroup.WithContext(ctx)
	return c
}

// start is called once the handshake completed and we know who the peer
// is. Until then, the connection is not used.
func (c *Conn) start(peer Host) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateEstablished)) {
		return
	}
	c.started = true
	c.peer = peer
	c.labels = append(c.labels, LabelPeerName.M(peer.String()))
	c.logger = c.logger.With(LabelPeerName.L(peer.String()))

	c.flushers.Add(1)
	c.group.Go(c.watch)
	c.group.Go(c.writeLoop)
	c.acceptEarly()
	c.group.Go(c.acceptLoop)
	c.group.Go(c.acceptUniLoop)
	if interval := c.bus.cfg.telemetryInterval; interval > 0 {
		c.group.Go(func() error {
			return c.publishTelemetryLoop(interval)
		})
	}

	go func() {
		_ = c.group.Wait()
		close(c.done)
	}()
}

func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Conn) Peer() Host {
	c.lk.Lock()
	defer c.lk.Unlock()
	return c.peer
}

func (c *Conn) peerName() string {
	return c.Peer().String()
}

func (c *Conn) Perspective() Perspective {
	return c.perspective
}

// Stats returns what QUIC measured on this connection.
func (c *Conn) Stats() TransportStats {
	return c.bus.tr.Stats(c.qc)
}

// Done is closed once every task of the connection returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Streams lists the keys of the streams currently open.
func (c *Conn) Streams() []StreamKey {
	c.lk.Lock()
	defer c.lk.Unlock()
	keys := make([]StreamKey, 0, len(c.streams))
	for key := range c.streams {
		keys = append(keys, key)
	}
	return keys
}

// acceptEarly hands over the streams the peer opened before we knew the
// handshake completed. On a connection which accepted 0-RTT data, they may
// have been sent as replayable early data.
func (c *Conn) acceptEarly() {
	if c.perspective != PerspectiveServer || !c.qc.ConnectionState().Used0RTT {
		return
	}

	// A done context only returns the streams already waiting.
	done, cancel := context.WithCancel(c.ctx)
	cancel()
	var count int
	for {
		qs, err := c.qc.AcceptStream(done)
		if err != nil {
			break
		}
		count++
		c.group.Go(func() error {
			c.handleInbound(qs, qs, true)
			return nil
		})
	}
	for {
		qs, err := c.qc.AcceptUniStream(done)
		if err != nil {
			break
		}
		count++
		c.group.Go(func() error {
			c.handleInbound(nil, qs, true)
			return nil
		})
	}
	c.logger.Debug("connection resumed with early data", "early_streams", count)
}

// OpenStream opens a stream of the given role. Roles requiring more than
// the read scope need an intent signed for "stream.<role>", it is checked
// locally then sent to the peer which verifies it too.
func (c *Conn) OpenStream(ctx context.Context, role Role, in *intent.Intent) (*Stream, error) {
	if !role.Valid() {
		return nil, newStreamError(StreamErrWrongDirection, role, errors.New("unknown role"))
	}

	switch c.State() {
	case StateEstablished:
	case StateDraining:
		return nil, newStreamError(StreamErrDraining, role, nil)
	case StateClosed:
		return nil, newStreamError(StreamErrClosed, role, nil)
	default:
		return nil, newStreamError(StreamErrClosed, role, errors.New("connection not established"))
	}

	if required := role.MinScope(); required > intent.ScopeRead {
		if err := c.bus.checkStreamIntent(in, role); err != nil {
			c.streamOutError(role, "insufficient_scope")
			return nil, newStreamError(StreamErrInsufficientScope, role, err)
		}
	}

	key, err := c.reserve(role)
	if err != nil {
		c.streamOutError(role, "role_limit")
		return nil, err
	}

	var (
		send quic.SendStream
		recv quic.ReceiveStream
	)
	if role.Direction() == Bidirectional {
		qs, err := c.qc.OpenStreamSync(ctx)
		if err != nil {
			c.release(key)
			c.streamOutError(role, "cannot_open_stream")
			return nil, c.transportError(role, err)
		}
		send, recv = qs, qs
	} else {
		qs, err := c.qc.OpenUniStreamSync(ctx)
		if err != nil {
			c.release(key)
			c.streamOutError(role, "cannot_open_stream")
			return nil, c.transportError(role, err)
		}
		send = qs
	}

	if err := writePreamble(send, preamble{role: role, ordinal: key.Ordinal, intent: in}); err != nil {
		send.CancelWrite(QErrStreamClosed)
		if recv != nil {
			recv.CancelRead(QErrStreamClosed)
		}
		c.release(key)
		c.streamOutError(role, "cannot_send_preamble")
		return nil, c.transportError(role, err)
	}

	st := newStream(c, key, send, recv)
	if !c.attach(st) {
		st.cancel(QErrStreamClosed)
		return nil, newStreamError(StreamErrClosed, role, nil)
	}

	if recv != nil {
		c.group.Go(func() error {
			c.readLoop(st)
			return nil
		})
	}

	c.bus.msink.IncrCounterWithLabels(
		MetricStreamEstOutCount,
		1.0,
		withLabels(c.labels, LabelRole.M(role.String())),
	)
	c.logger.Debug("opened stream", LabelRole.L(role), LabelStreamID.L(st.id))
	return st, nil
}

func (c *Conn) streamOutError(role Role, reason string) {
	c.bus.msink.IncrCounterWithLabels(
		MetricStreamEstOutErrorCount,
		1.0,
		withLabels(c.labels, LabelRole.M(role.String()), LabelError.M(reason)),
	)
}

func (c *Conn) transportError(role Role, err error) error {
	if c.State() == StateClosed {
		return newStreamError(StreamErrClosed, role, err)
	}
	return newStreamError(StreamErrTransport, role, err)
}

// reserve allocates an ordinal for a stream we open, within role limits.
func (c *Conn) reserve(role Role) (StreamKey, error) {
	c.lk.Lock()
	defer c.lk.Unlock()

	switch c.State() {
	case StateDraining:
		return StreamKey{}, newStreamError(StreamErrDraining, role, nil)
	case StateClosed:
		return StreamKey{}, newStreamError(StreamErrClosed, role, nil)
	}

	if limit := c.bus.cfg.maxStreamsPerRole; limit > 0 && c.counts[role] >= limit {
		return StreamKey{}, newStreamError(
			StreamErrRoleLimitExceeded,
			role,
			fmt.Errorf("%d %s streams already open", c.counts[role], role),
		)
	}

	c.ordinals[role]++
	c.counts[role]++
	return StreamKey{Role: role, Ordinal: c.ordinals[role]}, nil
}

func (c *Conn) release(key StreamKey) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.counts[key.Role] > 0 {
		c.counts[key.Role]--
	}
}

func (c *Conn) attach(st *Stream) bool {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.State() == StateClosed {
		if c.counts[st.key.Role] > 0 {
			c.counts[st.key.Role]--
		}
		return false
	}
	c.streams[st.key] = st
	return true
}

// register admits a stream opened by the peer, within role limits.
func (c *Conn) register(st *Stream) error {
	c.lk.Lock()
	defer c.lk.Unlock()

	if c.State() == StateClosed {
		return newStreamError(StreamErrClosed, st.key.Role, nil)
	}
	if _, exists := c.streams[st.key]; exists {
		return fmt.Errorf("%w: duplicate %s stream %d", ErrProtocolViolation, st.key.Role, st.key.Ordinal)
	}

	role := st.key.Role
	if limit := c.bus.cfg.maxStreamsPerRole; limit > 0 && c.counts[role] >= limit {
		return newStreamError(StreamErrRoleLimitExceeded, role, nil)
	}
	c.counts[role]++
	c.streams[st.key] = st
	return nil
}

func (c *Conn) detach(st *Stream) {
	c.lk.Lock()
	defer c.lk.Unlock()
	if c.streams[st.key] != st {
		return
	}
	delete(c.streams, st.key)
	if c.counts[st.key.Role] > 0 {
		c.counts[st.key.Role]--
	}
}

func (c *Conn) acceptLoop() error {
	for {
		qs, err := c.qc.AcceptStream(c.ctx)
		if err != nil {
			return nil
		}
		c.group.Go(func() error {
			c.handleInbound(qs, qs, false)
			return nil
		})
	}
}

func (c *Conn) acceptUniLoop() error {
	for {
		qs, err := c.qc.AcceptUniStream(c.ctx)
		if err != nil {
			return nil
		}
		c.group.Go(func() error {
			c.handleInbound(nil, qs, false)
			return nil
		})
	}
}

// handleInbound admits a stream the peer opened. Early streams may only
// carry read roles.
func (c *Conn) handleInbound(send quic.SendStream, recv quic.ReceiveStream, early bool) {
	logger := c.logger.With(LabelStreamID.L(recv.StreamID()))
	reject := func(role Role, code quic.StreamErrorCode, reason string, err error) {
		recv.CancelRead(code)
		if send != nil {
			send.CancelWrite(code)
		}
		labels := withLabels(c.labels, LabelError.M(reason))
		if role.Valid() {
			labels = append(labels, LabelRole.M(role.String()))
		}
		c.bus.msink.IncrCounterWithLabels(MetricStreamEstInErrorCount, 1.0, labels)
		logger.Warn("rejected stream", LabelRole.L(role), LabelError.L(err))
	}

	if timeout := c.bus.cfg.trCfg.DialTimeout; timeout > 0 {
		_ = recv.SetReadDeadline(time.Now().Add(timeout))
	}
	p, err := readPreamble(recv)
	_ = recv.SetReadDeadline(time.Time{})
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		reject(p.role, QErrStreamProtocolViolation, "protocol_violation", err)
		return
	}

	role := p.role
	if (send != nil) != (role.Direction() == Bidirectional) {
		reject(role, QErrStreamWrongDirection, "wrong_direction", ErrWrongDirection)
		return
	}

	switch c.State() {
	case StateDraining:
		reject(role, QErrStreamDraining, "draining", ErrConnDraining)
		return
	case StateClosed:
		reject(role, QErrStreamClosed, "closed", ErrStreamClosed)
		return
	}

	if role.MinScope() > intent.ScopeRead {
		if early {
			reject(role, QErrStreamUnauthorized, "early_data", ErrEarlyData)
			return
		}
		if err := c.bus.verifyStreamIntent(p.intent, role); err != nil {
			c.guard.record(err)
			reject(role, QErrStreamUnauthorized, "unauthorized", err)
			return
		}
	}

	st := newStream(c, StreamKey{Role: role, Ordinal: p.ordinal, Remote: true}, send, recv)
	st.early = early
	if err := c.register(st); err != nil {
		code := QErrStreamRoleLimit
		if errors.Is(err, ErrProtocolViolation) {
			code = QErrStreamProtocolViolation
		}
		reject(role, code, "role_limit", err)
		return
	}

	c.bus.msink.IncrCounterWithLabels(
		MetricStreamEstInCount,
		1.0,
		withLabels(c.labels, LabelRole.M(role.String())),
	)
	logger.Debug("accepted stream", LabelRole.L(role))

	switch role {
	case RoleGossip:
		c.receiveGossip(st)
	case RoleSnapshot:
		c.receiveSnapshot(st)
	case RoleTelemetry:
		c.receiveTelemetry(st)
	default:
		c.readLoop(st)
	}
}

// readLoop delivers the frames of st to [Conn.Recv] until the peer stops
// writing.
func (c *Conn) readLoop(st *Stream) {
	role := st.key.Role
	labels := withLabels(c.labels, LabelRole.M(role.String()))

	for {
		f, err := st.reader.ReadFrame(c.ctx)
		if err != nil {
			switch {
			case flow.IsEOF(err):
				// We may still answer on a bidirectional stream.
				if st.send == nil {
					st.Close()
				}
			case errors.Is(err, frame.ErrFrame):
				c.logger.Warn("malformed frame", LabelRole.L(role), LabelError.L(err))
				st.cancel(QErrStreamProtocolViolation)
			case c.ctx.Err() == nil:
				c.logger.Debug("stream read failed", LabelRole.L(role), LabelError.L(err))
				st.Close()
			}
			return
		}

		c.bus.msink.IncrCounterWithLabels(MetricFrameInCount, 1.0, withLabels(labels, LabelFrameType.M(f.Type.String())))
		d := Delivery{Stream: st, Frame: f}

		if !role.accepts(f.Type, st.key.Remote) {
			d.Err = newStreamError(StreamErrWrongDirection, role, fmt.Errorf("%w: %s", ErrUnexpectedFrame, f.Type))
			c.bus.msink.IncrCounterWithLabels(MetricFrameRejectedCount, 1.0, withLabels(labels, LabelError.M("unexpected_type")))
		} else if f.Type.Mutating() {
			d.Intent, d.Err = c.authorize(f, role, st.early)
		}

		if err := c.in.Send(c.ctx, role.level(), d); err != nil {
			return
		}
	}
}

// Recv returns the next inbound frame, higher priority roles first.
func (c *Conn) Recv(ctx context.Context) (Delivery, error) {
	d, _, err := c.in.Recv(ctx)
	if err != nil {
		if errors.Is(err, priority.ErrClosed) {
			return d, newStreamError(StreamErrClosed, 0, c.closeCause())
		}
		return d, err
	}
	return d, nil
}

func (c *Conn) closeCause() error {
	if cause := context.Cause(c.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

// authorize verifies the intent of a mutating frame received on a stream
// of the given role. Frames of early streams are always refused.
func (c *Conn) authorize(f *frame.Frame, role Role, early bool) (*intent.Intent, error) {
	labels := withLabels(c.labels, LabelRole.M(role.String()))
	fail := func(reason string, in *intent.Intent, err error) (*intent.Intent, error) {
		labels := withLabels(labels, LabelError.M(reason))
		if in != nil {
			labels = append(labels, LabelKeyID.M(in.KeyID))
		}
		c.bus.msink.IncrCounterWithLabels(MetricIntentRejectedCount, 1.0, labels)
		c.logger.Warn("rejected frame", LabelRole.L(role), LabelError.L(err))
		return in, err
	}

	if early {
		return fail("early_data", nil, ErrEarlyData)
	}
	if err := c.guard.check(); err != nil {
		return fail("penalized", nil, err)
	}

	h, err := f.ParseHeader()
	if err != nil {
		return fail("header", nil, err)
	}
	in := h.Intent()

	var spent int64
	if in != nil && c.bus.cfg.ledger != nil {
		spent = c.bus.cfg.ledger.Spent(in.KeyID, in.Op)
	}

	err = c.bus.verifier.VerifyWithSpend(in, c.bus.requiredScope(role, h.Op), spent)
	if penalty := c.guard.record(err); penalty > 0 {
		c.bus.msink.IncrCounterWithLabels(MetricPeerPenalizedCount, 1.0, c.labels)
		c.logger.Warn("penalizing peer after repeated security failures", LabelDuration.L(penalty))
	}
	if err != nil {
		return fail(intentReason(err), in, err)
	}

	c.bus.msink.IncrCounterWithLabels(
		MetricIntentVerifiedCount,
		1.0,
		withLabels(labels, LabelKeyID.M(in.KeyID), LabelOp.M(in.Op)),
	)
	return in, nil
}

func intentReason(err error) string {
	switch {
	case errors.Is(err, intent.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, intent.ErrExpired):
		return "expired"
	case errors.Is(err, intent.ErrReplayed):
		return "replayed"
	case errors.Is(err, intent.ErrInsufficientScope):
		return "insufficient_scope"
	case errors.Is(err, intent.ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, intent.ErrCapExceeded):
		return "cap_exceeded"
	}
	return "unknown"
}

func (c *Conn) writeLoop() error {
	defer c.flushers.Done()
	for {
		item, level, err := c.out.Recv(c.ctx)
		if err != nil {
			// Closed and drained, or the connection is gone.
			return nil
		}
		if err := item.stream.WriteFrame(c.ctx, item.frame); err != nil {
			c.logger.Warn(
				"failed to write queued frame",
				LabelRole.L(item.stream.key.Role),
				LabelLevel.L(level.String()),
				LabelError.L(err),
			)
		}
		c.bus.msink.SetGaugeWithLabels(
			MetricQueueDepth,
			float32(c.out.Len(level)),
			withLabels(c.labels, LabelLevel.M(level.String())),
		)
	}
}

// SendGossip queues msg for our gossip stream, opening it on first use.
// It never blocks, a full queue fails with [ErrBackpressure].
func (c *Conn) SendGossip(ctx context.Context, msg gossip.Message) error {
	if err := c.ensureGossip(ctx); err != nil {
		return err
	}
	if err := c.gossip.Send(msg); err != nil {
		c.bus.msink.IncrCounterWithLabels(
			MetricGossipDroppedCount,
			1.0,
			withLabels(c.labels, LabelOp.M(string(msg.Kind()))),
		)
		return wrapQueueError(RoleGossip, err)
	}
	c.bus.msink.IncrCounterWithLabels(MetricGossipOutCount, 1.0, withLabels(c.labels, LabelOp.M(string(msg.Kind()))))
	return nil
}

func (c *Conn) ensureGossip(ctx context.Context) error {
	c.gossipLk.Lock()
	defer c.gossipLk.Unlock()
	if c.gossipOpen {
		return nil
	}

	st, err := c.OpenStream(ctx, RoleGossip, nil)
	if err != nil {
		return err
	}

	c.lk.Lock()
	if c.State() != StateEstablished {
		c.lk.Unlock()
		st.cancel(QErrStreamDraining)
		return newStreamError(StreamErrDraining, RoleGossip, nil)
	}
	c.flushers.Add(1)
	c.lk.Unlock()

	c.gossipOpen = true
	c.group.Go(func() error {
		defer c.flushers.Done()
		if err := c.gossip.Run(c.ctx, st); err != nil && c.ctx.Err() == nil {
			c.logger.Warn("gossip stream failed", LabelError.L(err))
			st.cancel(QErrStreamClosed)
			return nil
		}
		st.Close()
		return nil
	})
	return nil
}

func (c *Conn) receiveGossip(st *Stream) {
	handler := gossip.HandlerFunc(func(ctx context.Context, msg gossip.Message) {
		c.bus.msink.IncrCounterWithLabels(MetricGossipInCount, 1.0, withLabels(c.labels, LabelOp.M(string(msg.Kind()))))
		if ping, ok := msg.(gossip.HealthPing); ok {
			if err := c.SendGossip(ctx, gossip.HealthPong{Echo: ping.Sent}); err != nil {
				c.logger.Debug("failed to answer health ping", LabelError.L(err))
			}
		}
		if announce, ok := msg.(gossip.PeerAnnounce); ok {
			c.bus.learnAnnounce(announce)
		}
		if h := c.bus.cfg.gossipHandler; h != nil {
			h.HandleGossip(ctx, msg)
		}
	})

	err := gossip.Receive(c.ctx, st.reader, handler)
	if err != nil && c.ctx.Err() == nil {
		c.logger.Warn("gossip stream failed", LabelError.L(err))
		st.cancel(QErrStreamProtocolViolation)
		return
	}
	st.Close()
}

// SendSnapshot transfers data on a new snapshot stream. Every frame carries
// an intent minted with the signer of the [Bus]. An empty id gets a random
// one.
func (c *Conn) SendSnapshot(ctx context.Context, id string, data []byte) (snapshot.Metadata, error) {
	signer := c.bus.cfg.signer
	if signer == nil {
		return snapshot.Metadata{}, ErrNoSigner
	}
	if id == "" {
		id = uuid.NewString()
	}

	if err := c.beginOp(RoleSnapshot); err != nil {
		return snapshot.Metadata{}, err
	}
	defer c.ops.Done()

	in, err := intent.Create(signer, RoleSnapshot.MinScope(), 0, RoleSnapshot.streamOp())
	if err != nil {
		return snapshot.Metadata{}, err
	}
	st, err := c.OpenStream(ctx, RoleSnapshot, in)
	if err != nil {
		return snapshot.Metadata{}, err
	}

	opts := c.bus.cfg.snapshot
	opts.Authorize = func(op string) (*intent.Intent, error) {
		return intent.Create(signer, c.bus.requiredScope(RoleSnapshot, op), 0, op)
	}

	meta, err := snapshot.Send(ctx, st, id, data, opts)
	if err != nil {
		st.cancel(QErrStreamClosed)
		c.bus.msink.IncrCounterWithLabels(
			MetricSnapshotErrorCount,
			1.0,
			withLabels(c.labels, LabelPerspective.M("sender")),
		)
		return meta, err
	}

	c.bus.msink.IncrCounterWithLabels(MetricSnapshotOutBytes, float32(meta.TotalSize), c.labels)
	return meta, st.Close()
}

func (c *Conn) beginOp(role Role) error {
	c.lk.Lock()
	defer c.lk.Unlock()
	switch c.State() {
	case StateEstablished:
		c.ops.Add(1)
		return nil
	case StateDraining:
		return newStreamError(StreamErrDraining, role, nil)
	}
	return newStreamError(StreamErrClosed, role, nil)
}

func (c *Conn) receiveSnapshot(st *Stream) {
	if err := c.beginOp(RoleSnapshot); err != nil {
		st.cancel(QErrStreamDraining)
		return
	}
	defer c.ops.Done()

	opts := c.bus.cfg.snapshot
	opts.Verify = func(f *frame.Frame) error {
		_, err := c.authorize(f, RoleSnapshot, st.early)
		return err
	}

	snap, err := snapshot.Receive(c.ctx, st.reader, opts)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		reason := "transfer"
		var checksumErr *snapshot.ChecksumError
		if errors.As(err, &checksumErr) {
			reason = "checksum"
		} else if errors.Is(err, intent.ErrIntent) {
			reason = "unauthorized"
		}
		c.bus.msink.IncrCounterWithLabels(
			MetricSnapshotErrorCount,
			1.0,
			withLabels(c.labels, LabelError.M(reason)),
		)
		c.logger.Warn("snapshot transfer failed", LabelError.L(err))
		st.cancel(QErrStreamRejected)
		return
	}
	st.Close()

	c.bus.msink.IncrCounterWithLabels(MetricSnapshotInBytes, float32(snap.TotalSize), c.labels)
	c.logger.Debug("received snapshot", "id", snap.ID, "bytes", snap.TotalSize)
	if h := c.bus.cfg.snapshotHandler; h != nil {
		h(c.ctx, c.Peer(), snap)
	}
}

// Drain stops accepting new streams, flushes the queues, waits for
// snapshot transfers in flight then closes the connection. If ctx is done
// first, the connection is closed anyway.
func (c *Conn) Drain(ctx context.Context) error {
	c.lk.Lock()
	switch c.State() {
	case StateClosed:
		c.lk.Unlock()
		return nil
	case StateDraining:
		c.lk.Unlock()
		return c.waitDrained(ctx)
	}
	c.state.Store(int32(StateDraining))
	c.lk.Unlock()

	c.logger.Debug("draining connection")
	c.gossip.Close()
	c.out.Close()

	return c.waitDrained(ctx)
}

func (c *Conn) waitDrained(ctx context.Context) error {
	flushed := make(chan struct{})
	go func() {
		c.flushers.Wait()
		c.ops.Wait()
		c.telemetryLk.Lock()
		if c.telemetry != nil {
			_ = c.telemetry.Close()
		}
		c.telemetryLk.Unlock()
		close(flushed)
	}()

	select {
	case <-flushed:
	case <-ctx.Done():
		c.closeWith(&QErrShutdown, "drain took too long", ctx.Err())
		return ctx.Err()
	case <-c.done:
		return nil
	}

	// Streams still open end gracefully, the peer reads what we wrote up
	// to the end instead of a reset.
	c.lk.Lock()
	streams := make([]*Stream, 0, len(c.streams))
	for _, st := range c.streams {
		streams = append(streams, st)
	}
	c.lk.Unlock()
	for _, st := range streams {
		_ = st.Close()
	}

	// Let the peer acknowledge what is still in flight.
	linger := time.NewTimer(c.bus.cfg.linger)
	defer linger.Stop()
	select {
	case <-linger.C:
	case <-ctx.Done():
	case <-c.qc.Context().Done():
	}

	c.closeWith(&QErrNone, "drained", ErrConnDraining)
	return nil
}

// Close tears the connection down right away. Pending operations fail
// with a [StreamError] of kind [StreamErrClosed].
func (c *Conn) Close() error {
	return c.closeWith(&QErrNone, "bye", nil)
}

func (c *Conn) closeWith(qerr *QuicApplicationError, msg string, cause error) error {
	var err error
	c.closeOnce.Do(func() {
		c.lk.Lock()
		c.state.Store(int32(StateClosed))
		started := c.started
		streams := make([]*Stream, 0, len(c.streams))
		for _, st := range c.streams {
			streams = append(streams, st)
		}
		c.lk.Unlock()

		if cause == nil {
			cause = ErrStreamClosed
		}
		c.cancel(cause)
		c.out.Close()
		c.in.Close()
		c.gossip.Close()

		for _, st := range streams {
			st.cancel(QErrStreamClosed)
		}
		err = qerr.Close(c.qc, msg)

		if !started {
			close(c.done)
		}

		c.bus.msink.IncrCounterWithLabels(MetricConnClosedCount, 1.0, c.labels)
		c.bus.forget(c)
		c.logger.Debug("connection closed", LabelError.L(cause))
	})
	return err
}

// watch closes the connection once QUIC tells us it is gone.
func (c *Conn) watch() error {
	select {
	case <-c.ctx.Done():
	case <-c.qc.Context().Done():
		cause := context.Cause(c.qc.Context())
		if c.State() != StateClosed && !c.bus.closing.Load() {
			c.logger.Info("connection lost", LabelError.L(cause))
			c.bus.msink.IncrCounterWithLabels(
				MetricConnErrorCount,
				1.0,
				withLabels(c.labels, LabelError.M("lost")),
			)
		}
		c.closeWith(&QErrNone, "connection lost", fmt.Errorf("%w: %w", ErrStreamTransport, cause))
	}
	return nil
}
