package synapse

import (
	"context"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
)

// TransportStats is a snapshot of what QUIC knows about a connection.
type TransportStats struct {
	SmoothedRTT      time.Duration
	LatestRTT        time.Duration
	MinRTT           time.Duration
	CongestionWindow uint64
	BytesInFlight    uint64
	PacketsInFlight  int
	LostPackets      uint64
	Used0RTT         bool
}

// statsRegistry is fed by the connection tracers of a [Transport].
type statsRegistry struct {
	lk    sync.RWMutex
	conns map[quic.ConnectionTracingID]*connStats
}

type connStats struct {
	lk sync.Mutex
	TransportStats
}

func newStatsRegistry() *statsRegistry {
	return &statsRegistry{
		conns: make(map[quic.ConnectionTracingID]*connStats),
	}
}

func (r *statsRegistry) tracer(ctx context.Context, _ logging.Perspective, _ quic.ConnectionID) *logging.ConnectionTracer {
	id, ok := ctx.Value(quic.ConnectionTracingKey).(quic.ConnectionTracingID)
	if !ok {
		return &logging.ConnectionTracer{}
	}

	stats := &connStats{}
	r.lk.Lock()
	r.conns[id] = stats
	r.lk.Unlock()

	return &logging.ConnectionTracer{
		UpdatedMetrics: func(rtt *logging.RTTStats, cwnd, bytesInFlight logging.ByteCount, packetsInFlight int) {
			stats.lk.Lock()
			defer stats.lk.Unlock()
			stats.SmoothedRTT = rtt.SmoothedRTT()
			stats.LatestRTT = rtt.LatestRTT()
			stats.MinRTT = rtt.MinRTT()
			stats.CongestionWindow = uint64(cwnd)
			stats.BytesInFlight = uint64(bytesInFlight)
			stats.PacketsInFlight = packetsInFlight
		},
		LostPacket: func(logging.EncryptionLevel, logging.PacketNumber, logging.PacketLossReason) {
			stats.lk.Lock()
			defer stats.lk.Unlock()
			stats.LostPackets++
		},
		Close: func() {
			r.lk.Lock()
			defer r.lk.Unlock()
			delete(r.conns, id)
		},
	}
}

// lookup returns the latest stats of conn, or zero values once it is gone.
func (r *statsRegistry) lookup(conn quic.Connection) TransportStats {
	var out TransportStats
	if id, ok := conn.Context().Value(quic.ConnectionTracingKey).(quic.ConnectionTracingID); ok {
		r.lk.RLock()
		stats, ok := r.conns[id]
		r.lk.RUnlock()
		if ok {
			stats.lk.Lock()
			out = stats.TransportStats
			stats.lk.Unlock()
		}
	}
	out.Used0RTT = conn.ConnectionState().Used0RTT
	return out
}
