package synapse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/memberlist"
)

// nodeMeta is advertised through memberlist so peers can dial our bus and
// verify our intents.
type nodeMeta struct {
	Addr      string `json:"addr"`
	KeyID     string `json:"kid,omitempty"`
	Algorithm string `json:"alg,omitempty"`
	PublicKey []byte `json:"pub,omitempty"`
}

// membership discovers peers with a UDP gossip protocol, independent of
// the QUIC transport.
type membership struct {
	bus    *Bus
	logger *slog.Logger
	ml     *memberlist.Memberlist
	meta   []byte
}

var (
	_ memberlist.Delegate      = (*membership)(nil)
	_ memberlist.EventDelegate = (*membership)(nil)
)

func newMembership(b *Bus) (*membership, error) {
	m := &membership{
		bus:    b,
		logger: b.logger.With("component", "membership"),
	}

	meta := nodeMeta{Addr: advertisedAddr(b)}
	if signer := b.cfg.signer; signer != nil {
		meta.KeyID = signer.KeyID()
		meta.Algorithm = signer.PublicKey().Algorithm()
		meta.PublicKey = signer.PublicKey().Bytes()
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	if len(raw) > memberlist.MetaMaxSize {
		return nil, fmt.Errorf("node meta of %d bytes exceeds %d", len(raw), memberlist.MetaMaxSize)
	}
	m.meta = raw

	cfg := b.cfg.mlCfg
	cfg.Name = b.name
	cfg.Delegate = m
	cfg.Events = m
	cfg.LogOutput = nil
	handler := b.cfg.logHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	cfg.Logger = slog.NewLogLogger(handler, slog.LevelDebug)
	if len(b.cfg.metricLabels) > 0 {
		cfg.MetricLabels = armonLabels(b.cfg.metricLabels)
	}

	ml, err := memberlist.Create(cfg)
	if err != nil {
		return nil, err
	}
	m.ml = ml
	return m, nil
}

// advertisedAddr replaces a wildcard bind address with the one memberlist
// would advertise.
func advertisedAddr(b *Bus) string {
	addr := b.Addr()
	ip := addr.IP
	if ip == nil || ip.IsUnspecified() {
		if b.cfg.mlCfg.AdvertiseAddr != "" {
			ip = net.ParseIP(b.cfg.mlCfg.AdvertiseAddr)
		} else if bind := net.ParseIP(b.cfg.mlCfg.BindAddr); bind != nil && !bind.IsUnspecified() {
			ip = bind
		} else {
			ip = net.IPv4(127, 0, 0, 1)
		}
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(addr.Port))
}

func (m *membership) join(neighbours []string) error {
	if len(neighbours) == 0 {
		return nil
	}
	joined, err := m.ml.Join(neighbours)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	m.logger.Info("cluster joined")
	if len(neighbours) != joined {
		m.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(neighbours),
		)
	}
	return nil
}

func (m *membership) list() []PeerInfo {
	nodes := m.ml.Members()
	infos := make([]PeerInfo, 0, len(nodes))
	for _, node := range nodes {
		info, err := peerFromNode(node)
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

func (m *membership) leave(timeout time.Duration) {
	if err := m.ml.Leave(timeout); err != nil {
		m.logger.Warn("failed to leave cluster gracefully", LabelError.L(err))
	}
}

func (m *membership) shutdown() error {
	return m.ml.Shutdown()
}

func peerFromNode(node *memberlist.Node) (PeerInfo, error) {
	var meta nodeMeta
	if err := json.Unmarshal(node.Meta, &meta); err != nil {
		return PeerInfo{Name: node.Name}, fmt.Errorf("invalid node meta: %w", err)
	}
	return PeerInfo{
		Name:      node.Name,
		Addr:      meta.Addr,
		KeyID:     meta.KeyID,
		Algorithm: meta.Algorithm,
		PublicKey: meta.PublicKey,
	}, nil
}

func (m *membership) withNode(node *memberlist.Node) *slog.Logger {
	return m.logger.With(
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}

func (m *membership) NotifyJoin(node *memberlist.Node) {
	if node.Name == m.bus.name {
		return
	}
	logger := m.withNode(node)
	logger.Info("peer joined cluster")
	m.bus.msink.IncrCounterWithLabels(
		MetricMemberJoinCount,
		1.0,
		withLabels(m.bus.cfg.metricLabels, LabelPeerName.M(node.Name)),
	)

	info, err := peerFromNode(node)
	if err != nil {
		logger.Warn("peer advertised unusable meta", LabelError.L(err))
		return
	}
	m.bus.learnPeer(info)
}

func (m *membership) NotifyLeave(node *memberlist.Node) {
	if node.Name == m.bus.name {
		return
	}
	m.withNode(node).Info("peer left cluster")
	m.bus.msink.IncrCounterWithLabels(
		MetricMemberLeaveCount,
		1.0,
		withLabels(m.bus.cfg.metricLabels, LabelPeerName.M(node.Name)),
	)
	m.bus.dir.forget(node.Name)
}

func (m *membership) NotifyUpdate(node *memberlist.Node) {
	if node.Name == m.bus.name {
		return
	}
	logger := m.withNode(node)
	logger.Debug("peer updated")
	info, err := peerFromNode(node)
	if err != nil {
		logger.Warn("peer advertised unusable meta", LabelError.L(err))
		return
	}
	m.bus.learnPeer(info)
}

func (m *membership) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		m.logger.Error("node meta does not fit", "bytes", len(m.meta), "limit", limit)
		return nil
	}
	return m.meta
}

// Gossip payloads travel on QUIC streams, memberlist only carries
// membership.
func (m *membership) NotifyMsg([]byte)                           {}
func (m *membership) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *membership) LocalState(join bool) []byte                { return nil }
func (m *membership) MergeRemoteState(buf []byte, join bool)     {}
