package synapse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unique"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

const (
	defaultUDPBufferSize int = 1 << 21
	defaultPort              = 6174

	// ALPN advertised when the TLS configuration does not set one.
	ProtocolID = "synapse/1"
)

// TransportConfig configures the secure transport of a [Bus].
type TransportConfig struct {
	// BufferSize of the requested UDP kernel buffer.
	BufferSize int

	// EnforceBufferSize fails if the kernel doesn't allocate what we asked.
	// Otherwise, we retry and divide by 2 the requested
	// `TransportConfig.BufferSize` until it fits or fails.
	EnforceBufferSize bool

	// TlsConfig must enable mTLS between peers, peers are identified by
	// their certificate.
	TlsConfig *tls.Config

	// BindAddr and BindPort are where we listen, port 0 picks an ephemeral
	// one.
	BindAddr string
	BindPort int

	// HintMaxStreams is the number of concurrent streams a peer may open
	// at the QUIC level, role limits are enforced on top of it.
	HintMaxStreams int64

	// HostnameResolver to resolve hostname from peer certificates.
	HostnameResolver HostnameResolver

	// MetricsLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// IdleTimeout closes connections silent for that long. Keep-alives are
	// sent at half of it.
	IdleTimeout time.Duration

	// Allow0RTT accepts early data. Streams opened with it may only carry
	// read roles.
	Allow0RTT bool

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// Transport owns the UDP socket and the QUIC endpoint used to both dial
// and accept peers.
type Transport struct {
	cfg    *TransportConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	stats  *statsRegistry

	// graceful termination asked, do not spam of connection error in logs
	gracefulTerm atomic.Bool

	AddrToHost map[string]unique.Handle[Hostname]
	hostsInfo  map[unique.Handle[Hostname]]Host
	hostsCxs   map[unique.Handle[Hostname]][]quic.Connection
	hostsLock  sync.RWMutex

	// QUIC layer
	tlsConf  *tls.Config
	quicConf *quic.Config
	tr       *quic.Transport
	ln       *quic.EarlyListener

	// UDP layer
	udpLn *net.UDPConn
}

func NewTransport(cfg *TransportConfig) (t *Transport, err error) {
	if cfg.TlsConfig == nil {
		return nil, ErrNoTLSConfig
	}

	t = &Transport{
		cfg:        cfg,
		stats:      newStatsRegistry(),
		AddrToHost: make(map[string]unique.Handle[Hostname]),
		hostsInfo:  make(map[unique.Handle[Hostname]]Host),
		hostsCxs:   make(map[unique.Handle[Hostname]][]quic.Connection),
	}

	if cfg.LogHandler == nil {
		t.logger = slog.Default()
	} else {
		t.logger = slog.New(cfg.LogHandler)
	}

	if cfg.MetricSink == nil {
		t.msink = metrics.Default()
	} else {
		t.msink = cfg.MetricSink
	}

	defer func() {
		if err != nil {
			t.Shutdown()
		}
	}()

	addr := net.ParseIP(cfg.BindAddr)
	if cfg.BindAddr != "" && addr == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddr, cfg.BindAddr)
	}
	if addr == nil {
		addr = net.IPv4zero
	}

	udpLn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: cfg.BindPort})
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}
	t.udpLn = udpLn

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}

	if err := t.negociateBufferSize(requested); err != nil {
		return nil, err
	}

	t.tlsConf = cfg.TlsConfig.Clone()
	if len(t.tlsConf.NextProtos) == 0 {
		t.tlsConf.NextProtos = []string{ProtocolID}
	}
	if cfg.Allow0RTT && t.tlsConf.ClientSessionCache == nil {
		t.tlsConf.ClientSessionCache = tls.NewLRUClientSessionCache(64)
	}

	hintStreams := cfg.HintMaxStreams
	if hintStreams == 0 {
		hintStreams = 10000
	}

	idle := cfg.IdleTimeout
	if idle == 0 {
		idle = 1 * time.Minute
	}

	t.quicConf = &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		Allow0RTT:             cfg.Allow0RTT,
		MaxIncomingStreams:    hintStreams,
		MaxIncomingUniStreams: hintStreams,
		MaxIdleTimeout:        idle,
		KeepAlivePeriod:       idle / 2,
		HandshakeIdleTimeout:  cfg.DialTimeout,
		Tracer:                t.stats.tracer,
	}

	t.tr = &quic.Transport{
		Conn: udpLn,
	}

	ln, err := t.tr.ListenEarly(t.tlsConf, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	t.ln = ln
	return
}

// Addr is the local UDP address we are listening on.
func (t *Transport) Addr() *net.UDPAddr {
	return t.udpLn.LocalAddr().(*net.UDPAddr)
}

// Accept waits for a peer to connect. The connection may still be
// handshaking, see [Transport.Identify].
func (t *Transport) Accept(ctx context.Context) (quic.EarlyConnection, error) {
	conn, err := t.ln.Accept(ctx)
	if err != nil {
		if t.gracefulTerm.Load() {
			return nil, ErrShutdown
		}
		return nil, err
	}
	return conn, nil
}

// Dial connects to a peer and waits for the handshake to complete.
func (t *Transport) Dial(ctx context.Context, target string) (quic.Connection, Host, error) {
	if t.gracefulTerm.Load() {
		return nil, Host{}, ErrShutdown
	}

	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return nil, Host{}, fmt.Errorf("%w: %w", ErrInvalidAddr, err)
	}

	if t.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.DialTimeout)
		defer cancel()
	}

	var conn quic.Connection
	if t.cfg.Allow0RTT {
		conn, err = t.tr.DialEarly(ctx, addr, t.tlsConf, t.quicConf)
	} else {
		conn, err = t.tr.Dial(ctx, addr, t.tlsConf, t.quicConf)
	}
	if t.gracefulTerm.Load() {
		if conn != nil {
			QErrShutdown.Close(conn, "we are shutting down! bye!")
		}
		return nil, Host{}, ErrShutdown
	}
	if err != nil {
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(target), LabelError.M("dial")),
		)
		return nil, Host{}, err
	}

	host, err := t.Identify(ctx, conn)
	if err != nil {
		return nil, Host{}, err
	}
	return conn, host, nil
}

// Identify waits for the handshake of conn to complete then resolves and
// records who the peer is.
func (t *Transport) Identify(ctx context.Context, conn quic.Connection) (Host, error) {
	select {
	case <-handshakeComplete(conn):
	case <-conn.Context().Done():
		return Host{}, fmt.Errorf("%w: %w", ErrStreamTransport, context.Cause(conn.Context()))
	case <-ctx.Done():
		QErrInternal.Close(conn, "handshake took too long")
		return Host{}, ctx.Err()
	}

	return t.handleConn(conn)
}

// Stats returns what the QUIC stack measured for conn.
func (t *Transport) Stats(conn quic.Connection) TransportStats {
	return t.stats.lookup(conn)
}

func (t *Transport) Shutdown() error {
	if !t.gracefulTerm.CompareAndSwap(false, true) {
		// no-op because it was already shutdown
		return nil
	}

	t.hostsLock.Lock()
	for _, cxs := range t.hostsCxs {
		for _, cx := range cxs {
			QErrShutdown.Close(cx, "we are shutting down! bye!")
		}
	}
	t.hostsCxs = make(map[unique.Handle[Hostname]][]quic.Connection)
	t.hostsLock.Unlock()

	var errs []error
	if t.ln != nil {
		errs = append(errs, ignoreClosed(t.ln.Close()))
	}
	if t.tr != nil {
		errs = append(errs, ignoreClosed(t.tr.Close()))
	}
	if t.udpLn != nil {
		errs = append(errs, ignoreClosed(t.udpLn.Close()))
	}
	return errors.Join(errs...)
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (t *Transport) negociateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := t.udpLn.SetReadBuffer(size); err != nil {
			if t.cfg.EnforceBufferSize {
				return ErrBufferSize
			}
			size = size >> 1
			continue
		}
		if size != requested {
			t.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		t.msink.SetGaugeWithLabels(
			MetricUDPBufferSizeBytes,
			float32(size),
			t.cfg.MetricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

// not thread safe!
// must be called by an holder of Write lock
func (t *Transport) garbageCollectCxs(dest unique.Handle[Hostname]) ([]quic.Connection, bool) {
	cxs, hasCxs := t.hostsCxs[dest]
	if !hasCxs {
		return cxs, hasCxs
	}

	cleanedUpList := make([]quic.Connection, 0, len(cxs))
	for _, cx := range cxs {
		if cx.Context().Err() == nil {
			cleanedUpList = append(cleanedUpList, cx)
		}
	}

	if len(cleanedUpList) == 0 {
		delete(t.hostsCxs, dest)
		return nil, false
	}

	t.hostsCxs[dest] = cleanedUpList
	return cleanedUpList, true
}

func (t *Transport) handleConn(conn quic.Connection) (Host, error) {
	peer := conn.RemoteAddr().String()
	peerAddr, peerPort := splitAddr(conn.RemoteAddr())

	logger := t.logger.With("addr", peerAddr, "port", peerPort)
	resolver := t.cfg.HostnameResolver
	if resolver == nil {
		resolver = CommonNameResolver
	}

	mLabels := withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer))

	rsvHostname, uerr, err := resolver(conn.ConnectionState().TLS.PeerCertificates)
	if err != nil {
		logger.Error("failed to resolve hostname", LabelError.L(err))
		t.msink.IncrCounterWithLabels(
			MetricConnErrorCount,
			1.0,
			withLabels(mLabels, LabelError.M("name_resolution")),
		)
		if uerr == "" {
			QErrInternal.Close(
				conn,
				"unexpected error during hostname resolution",
			)
		} else {
			QErrHostname.Close(
				conn,
				fmt.Sprintf("error during resolution: %s", uerr),
			)
		}
		return Host{}, fmt.Errorf("%w: %w", ErrHostnameResolve, err)
	}

	mLabels = append(mLabels, LabelPeerName.M(string(rsvHostname)))

	rsvHostnameHandle := unique.Make(rsvHostname)
	t.hostsLock.Lock()
	defer t.hostsLock.Unlock()

	if t.gracefulTerm.Load() {
		QErrShutdown.Close(conn, "we are shutting down! bye!")
		return Host{}, ErrShutdown
	}

	// First, we check if we need to update our Addr to Hostname
	// mapping.
	currentHostname, ok := t.AddrToHost[peer]
	if ok {
		if currentHostname != rsvHostnameHandle {
			logger := logger.With(
				"old", currentHostname.Value(),
				"new", rsvHostname,
			)

			logger.Warn("a peer changed its name, updating")
			t.AddrToHost[peer] = rsvHostnameHandle

			cxs, hasConnections := t.hostsCxs[currentHostname]
			if hasConnections {
				logger.Debug("migrating connections")
				delete(t.hostsCxs, currentHostname)
				t.hostsCxs[rsvHostnameHandle] = append(t.hostsCxs[rsvHostnameHandle], cxs...)
			}
			t.msink.IncrCounterWithLabels(
				MetricHostNameChanges,
				1.0,
				withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer)),
			)
		}
	} else {
		t.AddrToHost[peer] = rsvHostnameHandle
		logger.Info("new peer discovered", "hostname", rsvHostname)
	}

	host := Host{
		Name: rsvHostnameHandle,
		Addr: peerAddr,
		Port: peerPort,
	}

	// A known name coming from another address means the peer moved, or
	// two peers share a certificate.
	hostInfo, ok := t.hostsInfo[rsvHostnameHandle]
	if ok && (hostInfo.Addr != peerAddr || hostInfo.Port != peerPort) {
		logger := logger.With(
			"oldAddr", hostInfo.Addr,
			"oldPort", hostInfo.Port,
			"newAddr", peerAddr,
			"newPort", peerPort,
		)
		logger.Warn(
			"a node has been migrated or there is a name conflict in the cluster")
		t.msink.IncrCounterWithLabels(
			MetricHostNameChanges,
			1.0,
			withLabels(t.cfg.MetricLabels, LabelPeerName.M(string(rsvHostname))),
		)
		gcHost, stillHasConnection := t.garbageCollectCxs(rsvHostnameHandle)
		if stillHasConnection {
			logger.Error("connection is still active after node migration, that's a symptom of name conflict!")
			t.msink.IncrCounterWithLabels(
				MetricHostConflictsCount,
				1.0,
				withLabels(t.cfg.MetricLabels, LabelPeerAddr.M(peer)),
			)
			for _, cx := range gcHost {
				QErrNameConflict.Close(
					cx, "we detected a node name conflict in the cluster! "+
						"this may be because you have rescheduled a node on another machine, "+
						"if you haven't, then it could mean one of your certificate has leaked! "+
						"if that's the case, you must revoke the certificate.",
				)
			}
			delete(t.hostsCxs, rsvHostnameHandle)
		}
	}
	t.hostsInfo[rsvHostnameHandle] = host

	gcHost, _ := t.garbageCollectCxs(rsvHostnameHandle)
	t.hostsCxs[rsvHostnameHandle] = append(gcHost, conn)

	t.msink.IncrCounterWithLabels(
		MetricConnEstCount,
		1.0,
		mLabels,
	)
	return host, nil
}

func splitAddr(addr net.Addr) (string, int) {
	if udp, ok := addr.(*net.UDPAddr); ok {
		return udp.IP.String(), udp.Port
	}
	host, _, _ := net.SplitHostPort(addr.String())
	return host, 0
}

func handshakeComplete(conn quic.Connection) <-chan struct{} {
	if early, ok := conn.(quic.EarlyConnection); ok {
		return early.HandshakeComplete()
	}
	done := make(chan struct{})
	close(done)
	return done
}
