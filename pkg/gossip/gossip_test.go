package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/raskyld/synapse/pkg/flow"
	"github.com/raskyld/synapse/pkg/frame"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) HandleGossip(_ context.Context, msg Message) {
	m.Called(msg)
}

func TestDispatchAndReceive(t *testing.T) {
	messages := []Message{
		PatternUpdate{PatternID: "p-1", Version: 3, Metadata: map[string]string{"domain": "math"}},
		LearningUpdate{ModelID: "m", Epoch: 12, Metrics: map[string]float64{"loss": 0.25}, Delta: []byte{1, 2}},
		PeerAnnounce{PeerID: "agent-2", Addr: "10.0.0.2:6174", KeyID: "kid", Capabilities: []string{"verify"}},
		HealthPing{Sent: 99},
		HealthPong{Echo: 99},
	}

	d := NewDispatcher(16, DefaultFillThreshold)
	for _, msg := range messages {
		require.NoError(t, d.Send(msg))
	}
	d.Close()

	fl := flow.NewLocalFlow(16)
	require.NoError(t, d.Run(context.Background(), fl))
	require.NoError(t, fl.Close())

	h := new(mockHandler)
	for _, msg := range messages {
		h.On("HandleGossip", msg).Once()
	}

	require.NoError(t, Receive(context.Background(), fl, h))
	h.AssertExpectations(t)
}

func TestDispatcherBackpressure(t *testing.T) {
	d := NewDispatcher(10, 0.8)

	for range 8 {
		require.NoError(t, d.Send(HealthPing{}))
	}
	require.ErrorIs(t, d.Send(HealthPing{}), ErrBackpressure)
	require.Equal(t, 8, d.Pending())

	d.Close()
	require.ErrorIs(t, d.Send(HealthPing{}), ErrClosed)
}

func TestDispatcherRunStopsOnContext(t *testing.T) {
	d := NewDispatcher(4, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := d.Run(ctx, flow.NewLocalFlow(1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFrameShape(t *testing.T) {
	f, err := EncodeFrame(PatternUpdate{PatternID: "p"})
	require.NoError(t, err)
	require.Equal(t, frame.TypeGossip, f.Type)
	require.False(t, f.Type.Mutating())

	h, err := f.ParseHeader()
	require.NoError(t, err)
	require.Equal(t, "gossip.pattern_update", h.Op)
	require.JSONEq(t, `{"type":"pattern_update","body":{"pattern_id":"p","version":0}}`, string(f.Payload))
}

func TestReceiveRejects(t *testing.T) {
	ctx := context.Background()

	t.Run("non gossip frame", func(t *testing.T) {
		fl := flow.NewLocalFlow(1)
		f, err := frame.New(frame.TypeRequest, frame.Header{Op: "gossip.health_ping"}, []byte(`{}`))
		require.NoError(t, err)
		require.NoError(t, fl.WriteFrame(ctx, f))

		h := new(mockHandler)
		require.ErrorIs(t, Receive(ctx, fl, h), ErrNotGossip)
		h.AssertNotCalled(t, "HandleGossip", mock.Anything)
	})

	t.Run("unknown variant", func(t *testing.T) {
		fl := flow.NewLocalFlow(1)
		f, err := frame.New(frame.TypeGossip, frame.Header{Op: "gossip.rumor"}, []byte(`{"type":"rumor","body":{}}`))
		require.NoError(t, err)
		require.NoError(t, fl.WriteFrame(ctx, f))

		require.ErrorIs(t, Receive(ctx, fl, new(mockHandler)), ErrUnknownMessage)
	})

	t.Run("op and body disagree", func(t *testing.T) {
		fl := flow.NewLocalFlow(1)
		f, err := frame.New(frame.TypeGossip, frame.Header{Op: "gossip.health_ping"}, []byte(`{"type":"health_pong"}`))
		require.NoError(t, err)
		require.NoError(t, fl.WriteFrame(ctx, f))

		require.ErrorContains(t, Receive(ctx, fl, new(mockHandler)), "does not match")
	})
}

func TestMux(t *testing.T) {
	var (
		patterns []PatternUpdate
		pings    int
	)
	fallback := new(mockHandler)
	fallback.On("HandleGossip", HealthPong{Echo: 1}).Once()

	m := &Mux{
		PatternUpdate: func(_ context.Context, p PatternUpdate) { patterns = append(patterns, p) },
		HealthPing:    func(context.Context, HealthPing) { pings++ },
		Fallback:      fallback,
	}

	ctx := context.Background()
	m.HandleGossip(ctx, PatternUpdate{PatternID: "a"})
	m.HandleGossip(ctx, HealthPing{})
	m.HandleGossip(ctx, HealthPing{})
	m.HandleGossip(ctx, HealthPong{Echo: 1})

	require.Equal(t, []PatternUpdate{{PatternID: "a"}}, patterns)
	require.Equal(t, 2, pings)
	fallback.AssertExpectations(t)
}
