package synapse

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/raskyld/synapse/pkg/intent"
	"github.com/raskyld/synapse/pkg/snapshot"
	"github.com/stretchr/testify/require"
)

const tomlConfig = `
name = "planner"
listen_addr = "127.0.0.1"
listen_port = 7100
neighbours = ["10.0.0.2:7946"]
signing_key = "%SIGNING_KEY%"
trust_peer_keys = true

[op_scopes]
rotate_keys = "admin"

[[trusted_keys]]
alg = "ed25519"
pub = "%TRUSTED_KEY%"

[membership]
addr = "127.0.0.1"
port = 7946

[intent]
validity = "2m"
clock_skew = "5s"

[queues]
normal = 128
gossip = 32

[snapshot]
chunk_size = 4096
compression = "lz4"

[timeouts]
dial = "3s"
grace = "20s"
linger = "1s"

[telemetry]
interval = "15s"
`

const yamlConfig = `
name: verifier
listen_port: 0
max_streams_per_role: 4
queues:
  high: 8
  gossip: 16
  gossip_fill: 0.5
snapshot:
  compression: zstd
  max_size: 1048576
timeouts:
  idle: 45s
`

func applyOptions(t *testing.T, opts []Option) config {
	t.Helper()
	cfg := defaultConfig()
	for _, opt := range opts {
		require.NoError(t, opt(&cfg))
	}
	return cfg
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigTOML(t *testing.T) {
	dir := t.TempDir()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keyPath := writeFile(t, dir, "signing.key", hex.EncodeToString(priv.Seed())+"\n")

	trusted, err := intent.GenerateEd25519()
	require.NoError(t, err)

	content := tomlConfig
	content = strings.ReplaceAll(content, "%SIGNING_KEY%", keyPath)
	content = strings.ReplaceAll(content, "%TRUSTED_KEY%", hex.EncodeToString(trusted.PublicKey().Bytes()))

	fc, err := LoadConfig(writeFile(t, dir, "bus.toml", content))
	require.NoError(t, err)
	require.Equal(t, "planner", fc.Name)
	require.NotNil(t, fc.Membership)

	opts, err := fc.Options()
	require.NoError(t, err)
	cfg := applyOptions(t, opts)

	require.Equal(t, "planner", cfg.hostname)
	require.Equal(t, "127.0.0.1", cfg.trCfg.BindAddr)
	require.Equal(t, 7100, cfg.trCfg.BindPort)
	require.Equal(t, []string{"10.0.0.2:7946"}, cfg.neighbours)
	require.NotNil(t, cfg.mlCfg)
	require.Equal(t, 7946, cfg.mlCfg.BindPort)

	require.NotNil(t, cfg.signer)
	require.Equal(t, intent.NewEd25519Signer(priv).KeyID(), cfg.signer.KeyID())
	require.Contains(t, cfg.trustedKeys, trusted.KeyID())
	require.True(t, cfg.trustPeerKeys)
	require.Equal(t, intent.ScopeAdmin, cfg.opScopes["rotate_keys"])

	require.Equal(t, 2*time.Minute, cfg.validity)
	require.Equal(t, 5*time.Second, cfg.clockSkew)

	require.Equal(t, 128, cfg.outboundCaps.Normal)
	require.Equal(t, 128, cfg.inboundCaps.Normal)
	require.Equal(t, 64, cfg.outboundCaps.High, "unset capacities keep their default")
	require.Equal(t, 32, cfg.gossipQueue)

	require.Equal(t, 4096, cfg.snapshot.ChunkSize)
	require.Equal(t, snapshot.CompressionLZ4, cfg.snapshot.Compression)

	require.Equal(t, 3*time.Second, cfg.trCfg.DialTimeout)
	require.Equal(t, 20*time.Second, cfg.gracePeriod)
	require.Equal(t, time.Second, cfg.linger)
	require.Equal(t, 15*time.Second, cfg.telemetryInterval)
}

func TestLoadConfigYAML(t *testing.T) {
	fc, err := LoadConfig(writeFile(t, t.TempDir(), "bus.yml", yamlConfig))
	require.NoError(t, err)

	opts, err := fc.Options()
	require.NoError(t, err)
	cfg := applyOptions(t, opts)

	require.Equal(t, "verifier", cfg.hostname)
	require.Equal(t, 0, cfg.trCfg.BindPort)
	require.Nil(t, cfg.mlCfg)
	require.Nil(t, cfg.signer)
	require.Equal(t, 4, cfg.maxStreamsPerRole)
	require.Equal(t, 8, cfg.outboundCaps.High)
	require.Equal(t, 16, cfg.gossipQueue)
	require.Equal(t, 0.5, cfg.gossipFill)
	require.Equal(t, snapshot.CompressionZstd, cfg.snapshot.Compression)
	require.EqualValues(t, 1<<20, cfg.snapshot.MaxSize)
	require.Equal(t, 45*time.Second, cfg.trCfg.IdleTimeout)
	require.Equal(t, DefaultGracePeriod, cfg.gracePeriod)
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(writeFile(t, dir, "bus.json", "{}"))
	require.ErrorIs(t, err, ErrConfigFormat)

	_, err = LoadConfig(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)

	fc, err := LoadConfig(writeFile(t, dir, "duration.yaml", "timeouts:\n  dial: soon\n"))
	require.NoError(t, err)
	_, err = fc.Options()
	require.ErrorContains(t, err, "timeouts.dial")

	fc, err = LoadConfig(writeFile(t, dir, "scope.yaml", "op_scopes:\n  rotate_keys: root\n"))
	require.NoError(t, err)
	_, err = fc.Options()
	require.ErrorContains(t, err, "rotate_keys")

	fc, err = LoadConfig(writeFile(t, dir, "key.yaml", "trusted_keys:\n  - alg: ed25519\n    pub: zz\n"))
	require.NoError(t, err)
	_, err = fc.Options()
	require.ErrorContains(t, err, "trusted key 0")

	fc, err = LoadConfig(writeFile(t, dir, "tls.yaml", "tls:\n  cert: /nonexistent.pem\n  key: /nonexistent.key\n"))
	require.NoError(t, err)
	_, err = fc.Options()
	require.ErrorContains(t, err, "config: tls")
}
