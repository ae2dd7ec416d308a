package synapse

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
	"github.com/raskyld/synapse/pkg/frame"
	"github.com/raskyld/synapse/pkg/gossip"
	"github.com/raskyld/synapse/pkg/intent"
	"golang.org/x/sync/errgroup"
)

// Bus is the process-wide side of synapse: it owns the transport, the
// trusted keys and the nonce cache shared by all of its connections.
type Bus struct {
	cfg      config
	logger   *slog.Logger
	msink    metrics.MetricSink
	name     string
	tr       *Transport
	verifier *intent.Verifier
	dir      *directory
	members  *membership

	ctx    context.Context
	cancel context.CancelFunc

	acceptCh chan *Conn
	closing  atomic.Bool
	lk       sync.Mutex
	wg       sync.WaitGroup
}

func Create(opts ...Option) (*Bus, error) {
	b := &Bus{
		cfg: defaultConfig(),
		dir: newDirectory(),
	}

	for _, opt := range opts {
		if err := opt(&b.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if b.cfg.logHandler != nil {
		b.logger = slog.New(b.cfg.logHandler)
	} else {
		b.logger = slog.Default()
	}

	if b.cfg.msink == nil {
		b.cfg.msink = metrics.Default()
		b.cfg.trCfg.MetricSink = b.cfg.msink
	}
	b.msink = b.cfg.msink

	if b.cfg.trCfg.TlsConfig == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoTLSConfig)
	}

	b.name = b.cfg.hostname
	if b.name == "" {
		b.name = certificateName(b.cfg)
	}
	if b.name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("%w: no name for this bus: %w", ErrInvalidCfg, err)
		}
		b.name = hostname
	}
	b.logger = b.logger.With("bus", b.name)

	b.verifier = intent.NewVerifier(
		intent.WithNonceCache(intent.NewNonceCache(b.cfg.nonceCapacity, b.cfg.nonceFill)),
		intent.WithValidity(b.cfg.validity),
		intent.WithClockSkew(b.cfg.clockSkew),
	)
	if b.cfg.signer != nil {
		b.verifier.RegisterKey(b.cfg.signer.KeyID(), b.cfg.signer.PublicKey())
	}
	for kid, pub := range b.cfg.trustedKeys {
		b.verifier.RegisterKey(kid, pub)
	}

	tr, err := NewTransport(&b.cfg.trCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	b.tr = tr

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.acceptCh = make(chan *Conn, b.cfg.acceptBacklog)

	if b.cfg.mlCfg != nil {
		members, err := newMembership(b)
		if err != nil {
			b.cancel()
			tr.Shutdown()
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
		b.members = members
	}

	b.wg.Add(1)
	go b.acceptLoop()

	b.logger.Info("bus listening", "addr", tr.Addr().String())
	return b, nil
}

// certificateName is the common name of our own certificate, the name
// peers will resolve for us with the default [HostnameResolver].
func certificateName(cfg config) string {
	certs := cfg.trCfg.TlsConfig.Certificates
	if len(certs) == 0 || len(certs[0].Certificate) == 0 {
		return ""
	}
	leaf := certs[0].Leaf
	if leaf == nil {
		parsed, err := x509.ParseCertificate(certs[0].Certificate[0])
		if err != nil {
			return ""
		}
		leaf = parsed
	}
	return leaf.Subject.CommonName
}

// Name is how we are known in the cluster.
func (b *Bus) Name() string {
	return b.name
}

// Addr is the UDP address peers dial to reach us.
func (b *Bus) Addr() *net.UDPAddr {
	return b.tr.Addr()
}

func (b *Bus) Verifier() *intent.Verifier {
	return b.verifier
}

// Signer may be nil if the bus was created without [WithSigner].
func (b *Bus) Signer() intent.Signer {
	return b.cfg.signer
}

func (b *Bus) RegisterKey(kid string, pub intent.PublicKey) {
	b.verifier.RegisterKey(kid, pub)
}

func (b *Bus) RevokeKey(kid string) {
	b.verifier.RevokeKey(kid)
	b.logger.Info("revoked key", LabelKeyID.L(kid))
}

// Authorize mints an intent with our signer.
func (b *Bus) Authorize(scope intent.Scope, spendCap int64, op string) (*intent.Intent, error) {
	if b.cfg.signer == nil {
		return nil, ErrNoSigner
	}
	return intent.Create(b.cfg.signer, scope, spendCap, op)
}

// StreamIntent mints the intent needed to open a stream of the given role,
// nil for roles any peer may open.
func (b *Bus) StreamIntent(role Role) (*intent.Intent, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, role)
	}
	if role.MinScope() <= intent.ScopeRead {
		return nil, nil
	}
	return b.Authorize(role.MinScope(), 0, role.streamOp())
}

// NewFrame builds a frame for op. Mutating frames get an intent signed with
// the scope peers require for op.
func (b *Bus) NewFrame(t frame.Type, op string, spendCap int64, payload []byte) (*frame.Frame, error) {
	h := frame.Header{Op: op}
	if t.Mutating() {
		in, err := b.Authorize(b.opScope(op), spendCap, op)
		if err != nil {
			return nil, err
		}
		h = h.WithIntent(in)
	}
	return frame.New(t, h, payload)
}

func (b *Bus) opScope(op string) intent.Scope {
	return max(intent.ScopeWrite, b.cfg.opScopes[op])
}

// requiredScope is the scope a mutating frame of op needs on a stream of
// the given role.
func (b *Bus) requiredScope(role Role, op string) intent.Scope {
	return max(role.MinScope(), b.opScope(op))
}

func checkStreamOp(in *intent.Intent, role Role) error {
	if in != nil && in.Op != role.streamOp() {
		return fmt.Errorf("%w: intent for %q, need %q", intent.ErrInsufficientScope, in.Op, role.streamOp())
	}
	return nil
}

// checkStreamIntent validates an intent we are about to send without
// consuming its nonce, the peer does that.
func (b *Bus) checkStreamIntent(in *intent.Intent, role Role) error {
	if err := checkStreamOp(in, role); err != nil {
		return err
	}
	return b.verifier.Check(in, role.MinScope())
}

func (b *Bus) verifyStreamIntent(in *intent.Intent, role Role) error {
	if err := checkStreamOp(in, role); err != nil {
		return err
	}
	return b.verifier.Verify(in, role.MinScope())
}

// Dial connects to the bus listening at addr.
func (b *Bus) Dial(ctx context.Context, addr string) (*Conn, error) {
	if b.closing.Load() {
		return nil, ErrBusShutdown
	}

	qc, host, err := b.tr.Dial(ctx, addr)
	if err != nil {
		if errors.Is(err, ErrShutdown) {
			return nil, ErrBusShutdown
		}
		return nil, err
	}

	c := newConn(b, qc, PerspectiveClient)
	if !b.adopt(c, host) {
		return nil, ErrBusShutdown
	}
	return c, nil
}

// DialPeer connects to a peer we discovered by name.
func (b *Bus) DialPeer(ctx context.Context, name string) (*Conn, error) {
	info, ok := b.dir.lookup(name)
	if !ok || info.Addr == "" {
		return nil, fmt.Errorf("%w: unknown peer %q", ErrInvalidAddr, name)
	}
	return b.Dial(ctx, info.Addr)
}

// Accept returns the next connection a peer established with us.
//
// Connections are served whether or not they are accepted, those not
// picked up once the backlog is full are only reachable with
// [Bus.Conns].
func (b *Bus) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-b.acceptCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrBusShutdown
	}
}

func (b *Bus) acceptLoop() {
	defer b.wg.Done()
	for {
		qc, err := b.tr.Accept(b.ctx)
		if err != nil {
			if b.ctx.Err() == nil && !errors.Is(err, ErrShutdown) {
				b.logger.Error("stop accepting connections", LabelError.L(err))
			}
			return
		}

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.handshake(qc)
		}()
	}
}

func (b *Bus) handshake(qc quic.EarlyConnection) {
	ctx := b.ctx
	if timeout := b.cfg.trCfg.DialTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	host, err := b.tr.Identify(ctx, qc)
	if err != nil {
		if b.ctx.Err() == nil {
			b.logger.Warn("inbound handshake failed", LabelPeerAddr.L(qc.RemoteAddr().String()), LabelError.L(err))
		}
		return
	}

	c := newConn(b, qc, PerspectiveServer)
	if !b.adopt(c, host) {
		return
	}

	select {
	case b.acceptCh <- c:
	default:
		c.logger.Debug("accept backlog full, connection served anyway")
	}
}

// adopt starts c and makes it reachable, unless we are shutting down.
func (b *Bus) adopt(c *Conn, host Host) bool {
	b.lk.Lock()
	defer b.lk.Unlock()
	if b.closing.Load() {
		c.closeWith(&QErrShutdown, "we are shutting down! bye!", ErrBusShutdown)
		return false
	}
	b.dir.addConn(host.String(), c)
	c.start(host)
	return true
}

func (b *Bus) forget(c *Conn) {
	b.dir.removeConn(c)
}

// Conns lists the connections currently open.
func (b *Bus) Conns() []*Conn {
	return b.dir.connsWithPrefix("")
}

// Peers lists the open connections whose peer name starts with prefix.
func (b *Bus) Peers(prefix string) []*Conn {
	return b.dir.connsWithPrefix(prefix)
}

// Discovered lists the peers we learnt about whose name starts with
// prefix, connected or not.
func (b *Bus) Discovered(prefix string) []PeerInfo {
	return b.dir.peersWithPrefix(prefix)
}

// Broadcast sends msg on the gossip stream of every connection whose peer
// name starts with prefix.
func (b *Bus) Broadcast(ctx context.Context, prefix string, msg gossip.Message) error {
	var errs []error
	for _, c := range b.Peers(prefix) {
		if err := c.SendGossip(ctx, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.peerName(), err))
		}
	}
	return errors.Join(errs...)
}

// Announce tells every connected peer how to reach us and which key signs
// our intents.
func (b *Bus) Announce(ctx context.Context, capabilities ...string) error {
	return b.Broadcast(ctx, "", b.announcement(capabilities))
}

func (b *Bus) announcement(capabilities []string) gossip.PeerAnnounce {
	announce := gossip.PeerAnnounce{
		PeerID:       b.name,
		Addr:         b.Addr().String(),
		Capabilities: capabilities,
	}
	if signer := b.cfg.signer; signer != nil {
		announce.KeyID = signer.KeyID()
		announce.Algorithm = signer.PublicKey().Algorithm()
		announce.PublicKey = signer.PublicKey().Bytes()
	}
	return announce
}

func (b *Bus) learnAnnounce(announce gossip.PeerAnnounce) {
	b.learnPeer(PeerInfo{
		Name:      announce.PeerID,
		Addr:      announce.Addr,
		KeyID:     announce.KeyID,
		Algorithm: announce.Algorithm,
		PublicKey: announce.PublicKey,
	})
}

// learnPeer records info and, with [WithTrustPeerKeys], trusts its key
// once we checked it matches its id.
func (b *Bus) learnPeer(info PeerInfo) {
	if info.Name == "" || info.Name == b.name {
		return
	}
	if !b.dir.learn(info) {
		return
	}
	logger := b.logger.With(LabelPeerName.L(info.Name))
	logger.Debug("learnt peer", "addr", info.Addr)

	if b.cfg.trustPeerKeys && info.KeyID != "" {
		if err := b.trustPeerKey(info); err != nil {
			logger.Warn("ignored advertised key", LabelKeyID.L(info.KeyID), LabelError.L(err))
		} else {
			logger.Info("trusting advertised key", LabelKeyID.L(info.KeyID))
		}
	}

	if b.cfg.onPeer != nil {
		b.cfg.onPeer(info)
	}
}

func (b *Bus) trustPeerKey(info PeerInfo) error {
	pub, err := intent.ParsePublicKey(info.Algorithm, info.PublicKey)
	if err != nil {
		return err
	}
	if kid := intent.KeyIDFromPublicKey(pub); kid != info.KeyID {
		return fmt.Errorf("%w: key id %q does not match key %q", intent.ErrKeyFormat, info.KeyID, kid)
	}
	b.verifier.RegisterKey(info.KeyID, pub)
	return nil
}

// JoinCluster contacts the neighbours given with [WithNeighbours] and
// those passed here. It requires [WithMembership].
func (b *Bus) JoinCluster(neighbours ...string) error {
	if b.members == nil {
		return ErrNoMembership
	}
	if b.closing.Load() {
		return ErrBusShutdown
	}
	return b.members.join(append(slices.Clone(b.cfg.neighbours), neighbours...))
}

// Members lists the peers membership knows about, ourselves included.
func (b *Bus) Members() ([]PeerInfo, error) {
	if b.members == nil {
		return nil, ErrNoMembership
	}
	return b.members.list(), nil
}

// Shutdown leaves the cluster, drains every connection within the grace
// period then releases the transport.
func (b *Bus) Shutdown() error {
	if !b.closing.CompareAndSwap(false, true) {
		return nil
	}

	start := time.Now()
	b.logger.Info("shutting down...")

	if b.members != nil {
		b.logger.Info("shutdown: leave cluster")
		b.members.leave(b.cfg.gracePeriod)
	}

	b.lk.Lock()
	conns := b.Conns()
	b.lk.Unlock()

	b.logger.Info("shutdown: drain connections", "count", len(conns))
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.gracePeriod)
	var g errgroup.Group
	for _, c := range conns {
		g.Go(func() error {
			return c.Drain(ctx)
		})
	}
	if err := g.Wait(); err != nil {
		b.logger.Warn("shutdown: some connections did not drain in time", LabelError.L(err))
	}
	cancel()

	b.cancel()
	err := b.tr.Shutdown()

	if b.members != nil {
		b.logger.Info("shutdown: release gossip resources")
		if merr := b.members.shutdown(); merr != nil {
			err = errors.Join(err, merr)
		}
	}

	b.logger.Info("shutdown: wait for sub-tasks to finish")
	b.wg.Wait()

	b.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}
