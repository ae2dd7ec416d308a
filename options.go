package synapse

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/synapse/pkg/frame"
	"github.com/raskyld/synapse/pkg/gossip"
	"github.com/raskyld/synapse/pkg/intent"
	"github.com/raskyld/synapse/pkg/priority"
	"github.com/raskyld/synapse/pkg/snapshot"
)

const (
	DefaultMaxStreamsPerRole = 16
	DefaultAcceptBacklog     = 64
	DefaultDialTimeout       = 30 * time.Second
	DefaultGracePeriod       = 10 * time.Second
	DefaultLinger            = 250 * time.Millisecond
)

// SpendLedger tells how much of its cap a key already spent on an
// operation. Recording the spending is up to the application.
type SpendLedger interface {
	Spent(kid, op string) int64
}

type SpendLedgerFunc func(kid, op string) int64

func (fn SpendLedgerFunc) Spent(kid, op string) int64 {
	return fn(kid, op)
}

type config struct {
	trCfg        TransportConfig
	mlCfg        *memberlist.Config
	logHandler   slog.Handler
	metricLabels []metrics.Label
	msink        metrics.MetricSink
	hostname     string
	neighbours   []string

	signer        intent.Signer
	trustedKeys   map[string]intent.PublicKey
	trustPeerKeys bool
	nonceCapacity int
	nonceFill     float64
	validity      time.Duration
	clockSkew     time.Duration
	ledger        SpendLedger
	opScopes      map[string]intent.Scope
	escalation    Escalation

	maxStreamsPerRole int
	outboundCaps      priority.Capacities
	inboundCaps       priority.Capacities
	gossipQueue       int
	gossipFill        float64
	frameLimits       frame.Limits
	snapshot          snapshot.Options
	acceptBacklog     int
	gracePeriod       time.Duration
	linger            time.Duration

	gossipHandler     gossip.Handler
	snapshotHandler   SnapshotHandler
	telemetryHandler  TelemetryHandler
	telemetryInterval time.Duration
	onPeer            func(PeerInfo)
}

func defaultConfig() config {
	return config{
		trCfg: TransportConfig{
			BindPort:    defaultPort,
			DialTimeout: DefaultDialTimeout,
		},
		trustedKeys:       make(map[string]intent.PublicKey),
		nonceCapacity:     intent.DefaultNonceCapacity,
		nonceFill:         intent.DefaultNonceFillThreshold,
		validity:          intent.DefaultValidity,
		clockSkew:         intent.DefaultClockSkew,
		opScopes:          make(map[string]intent.Scope),
		escalation:        DefaultEscalation(),
		maxStreamsPerRole: DefaultMaxStreamsPerRole,
		outboundCaps:      priority.DefaultCapacities(),
		inboundCaps:       priority.DefaultCapacities(),
		gossipQueue:       gossip.DefaultQueueSize,
		gossipFill:        gossip.DefaultFillThreshold,
		frameLimits:       frame.DefaultLimits(),
		acceptBacklog:     DefaultAcceptBacklog,
		gracePeriod:       DefaultGracePeriod,
		linger:            DefaultLinger,
	}
}

// Option to pass to [Create].
type Option func(*config) error

// WithListenOn specifies which UDP interface the bus listens on. Port 0
// picks an ephemeral port, see [Bus.Addr].
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 0xFFFF {
			return fmt.Errorf("%w: port %d", ErrInvalidAddr, port)
		}
		c.trCfg.BindAddr = addr
		c.trCfg.BindPort = port
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithHostname specifies the name we advertise to other peers. It
// defaults to the common name of our certificate. For a well-behaving
// cluster, the name MUST be unique.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		c.hostname = hostname
		return nil
	}
}

// WithHostnameResolver changes how peer names are derived from their
// certificates, see [CommonNameResolver].
func WithHostnameResolver(resolver HostnameResolver) Option {
	return func(c *config) error {
		c.trCfg.HostnameResolver = resolver
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Bus.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithTlsConfig set the `tls.Config` used by the transport. It MUST
// enable mTLS since peers are identified by their certificate.
func WithTlsConfig(tlsConf *tls.Config) Option {
	return func(c *config) error {
		if tlsConf == nil {
			return ErrNoTLSConfig
		}
		c.trCfg.TlsConfig = tlsConf.Clone()
		return nil
	}
}

// WithHintMaxStreams bounds how many streams of any role a peer can open
// concurrently at the QUIC level.
func WithHintMaxStreams(hint int64) Option {
	return func(c *config) error {
		if hint == 0 {
			hint = 10000
		}
		c.trCfg.HintMaxStreams = hint
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Bus`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote peer to answer.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = DefaultDialTimeout
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithIdleTimeout closes connections silent for that long. Keep-alives are
// sent at half of it.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		c.trCfg.IdleTimeout = timeout
		return nil
	}
}

// WithAllow0RTT accepts QUIC early data. Streams the peer opened with it
// are limited to read roles, frames requiring authorization are refused
// on them.
func WithAllow0RTT(allow bool) Option {
	return func(c *config) error {
		c.trCfg.Allow0RTT = allow
		return nil
	}
}

// WithGracePeriod bounds how long Shutdown waits for connections to
// drain.
func WithGracePeriod(period time.Duration) Option {
	return func(c *config) error {
		if period == 0 {
			period = DefaultGracePeriod
		}
		c.gracePeriod = period
		return nil
	}
}

// WithLinger controls how long a drained connection stays open so the peer
// can acknowledge the last frames.
func WithLinger(linger time.Duration) Option {
	return func(c *config) error {
		if linger < 0 {
			return fmt.Errorf("negative linger %s", linger)
		}
		c.linger = linger
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to Join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithMembership enables peer discovery with a gossip protocol listening
// on its own UDP port.
func WithMembership(addr string, port int) Option {
	return func(c *config) error {
		if c.mlCfg == nil {
			c.mlCfg = memberlist.DefaultLANConfig()
		}
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithOnPeer is called whenever a peer is discovered, through membership
// or a [gossip.PeerAnnounce].
func WithOnPeer(fn func(PeerInfo)) Option {
	return func(c *config) error {
		c.onPeer = fn
		return nil
	}
}

// WithTrustPeerKeys trusts the intent keys advertised by discovered peers.
// Only enable it if every peer able to reach the cluster is trusted.
func WithTrustPeerKeys(trust bool) Option {
	return func(c *config) error {
		c.trustPeerKeys = trust
		return nil
	}
}

// WithSigner sets the key used to sign the intents we send. Its public key
// is trusted as well.
func WithSigner(signer intent.Signer) Option {
	return func(c *config) error {
		if signer == nil {
			return ErrNoSigner
		}
		c.signer = signer
		return nil
	}
}

// WithTrustedKey trusts intents signed by pub under kid.
func WithTrustedKey(kid string, pub intent.PublicKey) Option {
	return func(c *config) error {
		if kid == "" || pub == nil {
			return fmt.Errorf("%w: empty trusted key", intent.ErrKeyFormat)
		}
		c.trustedKeys[kid] = pub
		return nil
	}
}

// WithNonceCache sizes the cache of seen nonces shared by all connections.
func WithNonceCache(capacity int, fillThreshold float64) Option {
	return func(c *config) error {
		if capacity <= 0 || fillThreshold <= 0 || fillThreshold > 1 {
			return fmt.Errorf("nonce cache of %d entries filled at %v", capacity, fillThreshold)
		}
		c.nonceCapacity = capacity
		c.nonceFill = fillThreshold
		return nil
	}
}

// WithIntentValidity changes how long intents are valid and how far in the
// future their timestamp may be.
func WithIntentValidity(validity, clockSkew time.Duration) Option {
	return func(c *config) error {
		if validity <= 0 || clockSkew < 0 {
			return fmt.Errorf("intent validity %s with skew %s", validity, clockSkew)
		}
		c.validity = validity
		c.clockSkew = clockSkew
		return nil
	}
}

func WithSpendLedger(ledger SpendLedger) Option {
	return func(c *config) error {
		c.ledger = ledger
		return nil
	}
}

// WithOpScopes raises the scope required for some operations above the
// write scope every mutating frame requires.
func WithOpScopes(scopes map[string]intent.Scope) Option {
	return func(c *config) error {
		for op, scope := range scopes {
			if !scope.Valid() {
				return fmt.Errorf("invalid scope for op %q", op)
			}
			c.opScopes[op] = scope
		}
		return nil
	}
}

func WithEscalation(esc Escalation) Option {
	return func(c *config) error {
		if esc.Threshold < 0 || esc.Base < 0 || esc.Max < 0 {
			return fmt.Errorf("negative escalation %+v", esc)
		}
		c.escalation = esc
		return nil
	}
}

// WithMaxStreamsPerRole bounds the streams of a given role open at once on
// a connection, whichever side opened them. Zero means no limit.
func WithMaxStreamsPerRole(limit int) Option {
	return func(c *config) error {
		if limit < 0 {
			return fmt.Errorf("negative stream limit %d", limit)
		}
		c.maxStreamsPerRole = limit
		return nil
	}
}

// WithQueueCapacities sizes the priority queues of every connection, for
// frames we send and frames we received.
func WithQueueCapacities(outbound, inbound priority.Capacities) Option {
	return func(c *config) error {
		c.outboundCaps = outbound
		c.inboundCaps = inbound
		return nil
	}
}

// WithGossipQueue sizes the gossip queue of every connection. Sends fail
// with [ErrBackpressure] once fillThreshold of it is used.
func WithGossipQueue(capacity int, fillThreshold float64) Option {
	return func(c *config) error {
		if capacity <= 0 || fillThreshold <= 0 || fillThreshold > 1 {
			return fmt.Errorf("gossip queue of %d filled at %v", capacity, fillThreshold)
		}
		c.gossipQueue = capacity
		c.gossipFill = fillThreshold
		return nil
	}
}

func WithFrameLimits(limits frame.Limits) Option {
	return func(c *config) error {
		if limits.MaxHeaderSize == 0 || limits.MaxPayloadSize == 0 {
			return fmt.Errorf("%w: zero frame limits", frame.ErrFrame)
		}
		c.frameLimits = limits
		return nil
	}
}

// WithSnapshotOptions controls the chunking and compression of the
// snapshots we send, and the largest snapshot we accept.
func WithSnapshotOptions(chunkSize int, compression snapshot.Compression, maxSize uint64) Option {
	return func(c *config) error {
		if _, err := snapshot.ParseCompression(string(compression)); err != nil {
			return err
		}
		c.snapshot.ChunkSize = chunkSize
		c.snapshot.Compression = compression
		c.snapshot.MaxSize = maxSize
		return nil
	}
}

// WithAcceptBacklog sizes the queue of connections waiting for
// [Bus.Accept].
func WithAcceptBacklog(backlog int) Option {
	return func(c *config) error {
		if backlog < 0 {
			return fmt.Errorf("negative backlog %d", backlog)
		}
		c.acceptBacklog = backlog
		return nil
	}
}

func WithGossipHandler(h gossip.Handler) Option {
	return func(c *config) error {
		c.gossipHandler = h
		return nil
	}
}

func WithSnapshotHandler(h SnapshotHandler) Option {
	return func(c *config) error {
		c.snapshotHandler = h
		return nil
	}
}

func WithTelemetryHandler(h TelemetryHandler) Option {
	return func(c *config) error {
		c.telemetryHandler = h
		return nil
	}
}

// WithTelemetryInterval makes every connection publish a
// [TelemetryReport] to its peer at that interval.
func WithTelemetryInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval < 0 {
			return fmt.Errorf("negative telemetry interval %s", interval)
		}
		c.telemetryInterval = interval
		return nil
	}
}

// armonLabels translates labels for memberlist which still uses the
// armon flavour of go-metrics.
func armonLabels(labels []metrics.Label) []leg_metrics.Label {
	out := make([]leg_metrics.Label, len(labels))
	for i, label := range labels {
		out[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return out
}
