package synapse

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricConnEstCount           = []string{"synapse", "connection", "established", "count"}
	MetricConnErrorCount         = []string{"synapse", "connection", "error", "count"}
	MetricConnClosedCount        = []string{"synapse", "connection", "closed", "count"}
	MetricStreamEstInCount       = []string{"synapse", "stream", "establishment", "in", "count"}
	MetricStreamEstInErrorCount  = []string{"synapse", "stream", "establishment", "in", "error", "count"}
	MetricStreamEstOutCount      = []string{"synapse", "stream", "establishment", "out", "count"}
	MetricStreamEstOutErrorCount = []string{"synapse", "stream", "establishment", "out", "error", "count"}
	MetricFrameInCount           = []string{"synapse", "frame", "in", "count"}
	MetricFrameOutCount          = []string{"synapse", "frame", "out", "count"}
	MetricFrameRejectedCount     = []string{"synapse", "frame", "rejected", "count"}
	MetricIntentVerifiedCount    = []string{"synapse", "intent", "verified", "count"}
	MetricIntentRejectedCount    = []string{"synapse", "intent", "rejected", "count"}
	MetricPeerPenalizedCount     = []string{"synapse", "peer", "penalized", "count"}
	MetricGossipOutCount         = []string{"synapse", "gossip", "out", "count"}
	MetricGossipInCount          = []string{"synapse", "gossip", "in", "count"}
	MetricGossipDroppedCount     = []string{"synapse", "gossip", "dropped", "count"}
	MetricSnapshotInBytes        = []string{"synapse", "snapshot", "in", "bytes"}
	MetricSnapshotOutBytes       = []string{"synapse", "snapshot", "out", "bytes"}
	MetricSnapshotErrorCount     = []string{"synapse", "snapshot", "error", "count"}
	MetricQueueDepth             = []string{"synapse", "queue", "depth"}
	MetricUDPBufferSizeBytes     = []string{"synapse", "udp", "buffer", "size", "bytes"}
	MetricRTTSmoothedMs          = []string{"synapse", "rtt", "smoothed", "ms"}
	MetricCongestionWindowBytes  = []string{"synapse", "congestion", "window", "bytes"}
	MetricLostPacketsCount       = []string{"synapse", "lost", "packets", "count"}
	MetricHostNameChanges        = []string{"synapse", "host", "name", "changes"}
	MetricHostConflictsCount     = []string{"synapse", "host", "name", "conflicts", "count"}
	MetricMemberJoinCount        = []string{"synapse", "member", "join", "count"}
	MetricMemberLeaveCount       = []string{"synapse", "member", "leave", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelPeerAddr    TelemetryLabel = "peer_addr"
	LabelPeerName    TelemetryLabel = "peer_name"
	LabelRole        TelemetryLabel = "role"
	LabelLevel       TelemetryLabel = "level"
	LabelPerspective TelemetryLabel = "perspective"
	LabelStreamID    TelemetryLabel = "stream_id"
	LabelOp          TelemetryLabel = "op"
	LabelFrameType   TelemetryLabel = "frame_type"
	LabelKeyID       TelemetryLabel = "key_id"
	LabelDuration    TelemetryLabel = "duration"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// withLabels never aliases base, so callers can keep appending to the
// result.
func withLabels(base []metrics.Label, labels ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(labels))
	out = append(out, base...)
	return append(out, labels...)
}
