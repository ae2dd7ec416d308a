package synapse

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/raskyld/synapse/pkg/flow"
	"github.com/raskyld/synapse/pkg/frame"
	"github.com/raskyld/synapse/pkg/priority"
)

const OpTelemetryReport = "telemetry.report"

// TelemetryReport is what a peer periodically tells us about the
// connection we share, as seen from its side.
type TelemetryReport struct {
	Peer             string         `cbor:"1,keyasint"`
	At               time.Time      `cbor:"2,keyasint"`
	SmoothedRTT      time.Duration  `cbor:"3,keyasint"`
	LatestRTT        time.Duration  `cbor:"4,keyasint"`
	MinRTT           time.Duration  `cbor:"5,keyasint"`
	CongestionWindow uint64         `cbor:"6,keyasint"`
	BytesInFlight    uint64         `cbor:"7,keyasint"`
	LostPackets      uint64         `cbor:"8,keyasint"`
	OpenStreams      map[string]int `cbor:"9,keyasint,omitempty"`
	QueueDepths      map[string]int `cbor:"10,keyasint,omitempty"`
	GossipPending    int            `cbor:"11,keyasint"`
}

// TelemetryHandler receives the reports published by peers.
type TelemetryHandler func(ctx context.Context, peer Host, report TelemetryReport)

var (
	telemetryEncMode cbor.EncMode
	telemetryDecMode cbor.DecMode
)

func init() {
	var err error

	// Core deterministic encoding, the same report always gives the same
	// bytes.
	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeUnixMicro
	telemetryEncMode, err = encOptions.EncMode()
	if err != nil {
		panic("synapse: CBOR encoder initialization failed: " + err.Error())
	}

	telemetryDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("synapse: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeTelemetry(report TelemetryReport) (*frame.Frame, error) {
	payload, err := telemetryEncMode.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("synapse: encode telemetry: %w", err)
	}
	return frame.New(frame.TypeTelemetry, frame.Header{Op: OpTelemetryReport}, payload)
}

func decodeTelemetry(f *frame.Frame) (report TelemetryReport, err error) {
	if f.Type != frame.TypeTelemetry {
		return report, fmt.Errorf("%w: %s on telemetry stream", ErrUnexpectedFrame, f.Type)
	}
	h, err := f.ParseHeader()
	if err != nil {
		return report, err
	}
	if h.Op != OpTelemetryReport {
		return report, fmt.Errorf("%w: op %q on telemetry stream", ErrUnexpectedFrame, h.Op)
	}
	if err := telemetryDecMode.Unmarshal(f.Payload, &report); err != nil {
		return report, fmt.Errorf("synapse: decode telemetry: %w", err)
	}
	return report, nil
}

// Report builds a telemetry report for this connection and records the
// transport gauges on the way.
func (c *Conn) Report() TelemetryReport {
	stats := c.Stats()
	labels := withLabels(c.bus.cfg.metricLabels, LabelPeerName.M(c.peerName()))
	c.bus.msink.SetGaugeWithLabels(MetricRTTSmoothedMs, float32(stats.SmoothedRTT.Microseconds())/1000, labels)
	c.bus.msink.SetGaugeWithLabels(MetricCongestionWindowBytes, float32(stats.CongestionWindow), labels)
	c.bus.msink.SetGaugeWithLabels(MetricLostPacketsCount, float32(stats.LostPackets), labels)

	open := make(map[string]int)
	c.lk.Lock()
	for key := range c.streams {
		open[key.Role.String()]++
	}
	c.lk.Unlock()

	depths := make(map[string]int, 3)
	for _, level := range []priority.Level{priority.High, priority.Normal, priority.Low} {
		depths["out_"+level.String()] = c.out.Len(level)
		depths["in_"+level.String()] = c.in.Len(level)
	}

	return TelemetryReport{
		Peer:             c.bus.name,
		At:               time.Now(),
		SmoothedRTT:      stats.SmoothedRTT,
		LatestRTT:        stats.LatestRTT,
		MinRTT:           stats.MinRTT,
		CongestionWindow: stats.CongestionWindow,
		BytesInFlight:    stats.BytesInFlight,
		LostPackets:      stats.LostPackets,
		OpenStreams:      open,
		QueueDepths:      depths,
		GossipPending:    c.gossip.Pending(),
	}
}

// PublishTelemetry sends report to the peer on our telemetry stream,
// opening it on first use.
func (c *Conn) PublishTelemetry(ctx context.Context, report TelemetryReport) error {
	sender, err := c.telemetrySender(ctx)
	if err != nil {
		return err
	}
	if err := sender.Send(ctx, report); err != nil {
		return newStreamError(StreamErrTransport, RoleTelemetry, err)
	}
	return nil
}

func (c *Conn) telemetrySender(ctx context.Context) (*flow.Sender[TelemetryReport], error) {
	c.telemetryLk.Lock()
	defer c.telemetryLk.Unlock()

	if c.telemetry != nil {
		if err := c.telemetry.Err(); err == nil {
			return c.telemetry, nil
		}
		c.telemetry.Abort()
		c.telemetry = nil
	}

	st, err := c.OpenStream(ctx, RoleTelemetry, nil)
	if err != nil {
		return nil, err
	}
	c.telemetry = flow.NewSender[TelemetryReport](st, encodeTelemetry, 16)
	return c.telemetry, nil
}

func (c *Conn) publishTelemetryLoop(interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return nil
		case <-ticker.C:
		}

		if c.State() != StateEstablished {
			continue
		}
		if err := c.PublishTelemetry(c.ctx, c.Report()); err != nil {
			c.logger.Debug("failed to publish telemetry", LabelError.L(err))
		}
	}
}

func (c *Conn) receiveTelemetry(st *Stream) {
	rcv := flow.NewReceiver[TelemetryReport](st.reader, decodeTelemetry, 16)
	defer rcv.Close()

	for {
		report, err := rcv.Recv(c.ctx)
		if err != nil {
			if !flow.IsEOF(err) && c.ctx.Err() == nil {
				c.logger.Warn("telemetry stream failed", LabelError.L(err))
				st.cancel(QErrStreamProtocolViolation)
			}
			st.Close()
			return
		}
		if h := c.bus.cfg.telemetryHandler; h != nil {
			h(c.ctx, c.Peer(), report)
		}
	}
}
