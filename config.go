package synapse

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/raskyld/synapse/pkg/gossip"
	"github.com/raskyld/synapse/pkg/intent"
	"github.com/raskyld/synapse/pkg/priority"
	"github.com/raskyld/synapse/pkg/snapshot"
	"gopkg.in/yaml.v3"
)

var ErrConfigFormat = errors.New("config: unsupported format")

// FileConfig is the on-disk configuration of a [Bus], in TOML or YAML.
// Durations use [time.ParseDuration] syntax.
type FileConfig struct {
	Name       string   `toml:"name" yaml:"name"`
	ListenAddr string   `toml:"listen_addr" yaml:"listen_addr"`
	ListenPort *int     `toml:"listen_port" yaml:"listen_port"`
	Neighbours []string `toml:"neighbours" yaml:"neighbours"`

	TLS        TLSFileConfig         `toml:"tls" yaml:"tls"`
	Membership *MembershipFileConfig `toml:"membership" yaml:"membership"`

	SigningKey    string              `toml:"signing_key" yaml:"signing_key"`
	TrustedKeys   []TrustedKeyConfig  `toml:"trusted_keys" yaml:"trusted_keys"`
	TrustPeerKeys bool                `toml:"trust_peer_keys" yaml:"trust_peer_keys"`
	OpScopes      map[string]string   `toml:"op_scopes" yaml:"op_scopes"`
	Intent        IntentFileConfig    `toml:"intent" yaml:"intent"`
	Queues        QueuesFileConfig    `toml:"queues" yaml:"queues"`
	Snapshot      SnapshotFileConfig  `toml:"snapshot" yaml:"snapshot"`
	Timeouts      TimeoutsFileConfig  `toml:"timeouts" yaml:"timeouts"`
	Telemetry     TelemetryFileConfig `toml:"telemetry" yaml:"telemetry"`

	MaxStreamsPerRole *int `toml:"max_streams_per_role" yaml:"max_streams_per_role"`
	Allow0RTT         bool `toml:"allow_0rtt" yaml:"allow_0rtt"`
}

type TLSFileConfig struct {
	Cert string `toml:"cert" yaml:"cert"`
	Key  string `toml:"key" yaml:"key"`
	CA   string `toml:"ca" yaml:"ca"`
}

type MembershipFileConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
	Port int    `toml:"port" yaml:"port"`
}

// TrustedKeyConfig is a public key, hex encoded as returned by
// [intent.PublicKey.Bytes].
type TrustedKeyConfig struct {
	Algorithm string `toml:"alg" yaml:"alg"`
	PublicKey string `toml:"pub" yaml:"pub"`
}

type IntentFileConfig struct {
	Validity      string  `toml:"validity" yaml:"validity"`
	ClockSkew     string  `toml:"clock_skew" yaml:"clock_skew"`
	NonceCapacity int     `toml:"nonce_capacity" yaml:"nonce_capacity"`
	NonceFill     float64 `toml:"nonce_fill" yaml:"nonce_fill"`
}

type QueuesFileConfig struct {
	High       int     `toml:"high" yaml:"high"`
	Normal     int     `toml:"normal" yaml:"normal"`
	Low        int     `toml:"low" yaml:"low"`
	Gossip     int     `toml:"gossip" yaml:"gossip"`
	GossipFill float64 `toml:"gossip_fill" yaml:"gossip_fill"`
}

type SnapshotFileConfig struct {
	ChunkSize   int    `toml:"chunk_size" yaml:"chunk_size"`
	Compression string `toml:"compression" yaml:"compression"`
	MaxSize     uint64 `toml:"max_size" yaml:"max_size"`
}

type TimeoutsFileConfig struct {
	Dial  string `toml:"dial" yaml:"dial"`
	Idle  string `toml:"idle" yaml:"idle"`
	Grace string `toml:"grace" yaml:"grace"`
	// Linger is how long a drained connection waits before closing.
	Linger string `toml:"linger" yaml:"linger"`
}

type TelemetryFileConfig struct {
	Interval string `toml:"interval" yaml:"interval"`
}

// LoadConfig reads path, choosing the decoder from its extension.
func LoadConfig(path string) (*FileConfig, error) {
	fc := &FileConfig{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, fc); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	case ".yaml", ".yml":
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
		if err := yaml.Unmarshal(content, fc); err != nil {
			return nil, fmt.Errorf("config: load %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrConfigFormat, ext)
	}
	return fc, nil
}

// Options turns the file configuration into [Option]s, loading the
// certificates and keys it points to.
func (fc *FileConfig) Options() ([]Option, error) {
	var opts []Option

	if fc.Name != "" {
		opts = append(opts, WithHostname(fc.Name))
	}
	if fc.ListenAddr != "" || fc.ListenPort != nil {
		port := defaultPort
		if fc.ListenPort != nil {
			port = *fc.ListenPort
		}
		opts = append(opts, WithListenOn(fc.ListenAddr, port))
	}
	if len(fc.Neighbours) > 0 {
		opts = append(opts, WithNeighbours(fc.Neighbours))
	}
	if fc.Membership != nil {
		opts = append(opts, WithMembership(fc.Membership.Addr, fc.Membership.Port))
	}

	if fc.TLS.Cert != "" {
		tlsConf, err := fc.TLS.load()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTlsConfig(tlsConf))
	}

	if fc.SigningKey != "" {
		signer, err := intent.LoadEd25519Signer(fc.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("config: signing key: %w", err)
		}
		opts = append(opts, WithSigner(signer))
	}
	for i, tk := range fc.TrustedKeys {
		raw, err := hex.DecodeString(tk.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("config: trusted key %d: %w", i, err)
		}
		pub, err := intent.ParsePublicKey(tk.Algorithm, raw)
		if err != nil {
			return nil, fmt.Errorf("config: trusted key %d: %w", i, err)
		}
		opts = append(opts, WithTrustedKey(intent.KeyIDFromPublicKey(pub), pub))
	}
	if fc.TrustPeerKeys {
		opts = append(opts, WithTrustPeerKeys(true))
	}
	if len(fc.OpScopes) > 0 {
		scopes := make(map[string]intent.Scope, len(fc.OpScopes))
		for op, v := range fc.OpScopes {
			scope, err := intent.ParseScope(v)
			if err != nil {
				return nil, fmt.Errorf("config: op %q: %w", op, err)
			}
			scopes[op] = scope
		}
		opts = append(opts, WithOpScopes(scopes))
	}

	if fc.Intent.Validity != "" || fc.Intent.ClockSkew != "" {
		validity, err := parseDuration("intent.validity", fc.Intent.Validity, intent.DefaultValidity)
		if err != nil {
			return nil, err
		}
		skew, err := parseDuration("intent.clock_skew", fc.Intent.ClockSkew, intent.DefaultClockSkew)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithIntentValidity(validity, skew))
	}
	if fc.Intent.NonceCapacity > 0 {
		fill := fc.Intent.NonceFill
		if fill == 0 {
			fill = intent.DefaultNonceFillThreshold
		}
		opts = append(opts, WithNonceCache(fc.Intent.NonceCapacity, fill))
	}

	if q := fc.Queues; q.High > 0 || q.Normal > 0 || q.Low > 0 {
		caps := priority.DefaultCapacities()
		if q.High > 0 {
			caps.High = q.High
		}
		if q.Normal > 0 {
			caps.Normal = q.Normal
		}
		if q.Low > 0 {
			caps.Low = q.Low
		}
		opts = append(opts, WithQueueCapacities(caps, caps))
	}
	if fc.Queues.Gossip > 0 {
		fill := fc.Queues.GossipFill
		if fill == 0 {
			fill = gossip.DefaultFillThreshold
		}
		opts = append(opts, WithGossipQueue(fc.Queues.Gossip, fill))
	}

	if s := fc.Snapshot; s.ChunkSize > 0 || s.Compression != "" || s.MaxSize > 0 {
		compression, err := snapshot.ParseCompression(s.Compression)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		opts = append(opts, WithSnapshotOptions(s.ChunkSize, compression, s.MaxSize))
	}

	durations := []struct {
		key string
		raw string
		opt func(time.Duration) Option
	}{
		{"timeouts.dial", fc.Timeouts.Dial, WithDialTimeout},
		{"timeouts.idle", fc.Timeouts.Idle, WithIdleTimeout},
		{"timeouts.grace", fc.Timeouts.Grace, WithGracePeriod},
		{"timeouts.linger", fc.Timeouts.Linger, WithLinger},
		{"telemetry.interval", fc.Telemetry.Interval, WithTelemetryInterval},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := parseDuration(d.key, d.raw, 0)
		if err != nil {
			return nil, err
		}
		opts = append(opts, d.opt(parsed))
	}

	if fc.MaxStreamsPerRole != nil {
		opts = append(opts, WithMaxStreamsPerRole(*fc.MaxStreamsPerRole))
	}
	if fc.Allow0RTT {
		opts = append(opts, WithAllow0RTT(true))
	}

	return opts, nil
}

func parseDuration(key, raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: parse %s: %w", key, err)
	}
	return d, nil
}

// load builds an mTLS configuration: the CA verifies both the peers we
// dial and the peers dialing us.
func (c TLSFileConfig) load() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
	if err != nil {
		return nil, fmt.Errorf("config: tls: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}

	if c.CA != "" {
		pem, err := os.ReadFile(c.CA)
		if err != nil {
			return nil, fmt.Errorf("config: tls: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("config: tls: no certificate in %s", c.CA)
		}
		tlsConf.RootCAs = pool
		tlsConf.ClientCAs = pool
	}
	return tlsConf, nil
}
