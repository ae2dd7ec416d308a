package synapse

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/synapse/pkg/intent"
	"github.com/stretchr/testify/require"
)

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate private key: %s", err)
		return nil
	}
	return key
}

func generateCa(t *testing.T, pkey *ecdsa.PrivateKey) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: "self-signed",
		},
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &pkey.PublicKey, pkey)
	if err != nil {
		t.Fatalf("failed to generate CA: %s", err)
		return nil
	}
	return certDER
}

func generateLeaf(t *testing.T, ca *x509.Certificate, caKP, leafKP *ecdsa.PrivateKey, cn string) []byte {
	t.Helper()
	notBefore := time.Now()
	notAfter := time.Now().Add(1 * time.Hour)

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("failed to generate serialNumber: %s", err)
	}
	tmpl := x509.Certificate{
		Subject: pkix.Name{
			CommonName: cn,
		},
		SerialNumber: serialNumber,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		IPAddresses: []net.IP{
			{127, 0, 0, 1},
		},
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		IsCA:                  false,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, ca, &leafKP.PublicKey, caKP)
	if err != nil {
		t.Fatalf("failed to generate leaf: %s", err)
		return nil
	}
	return certDER
}

// testPKI issues mTLS configurations signed by the same CA.
type testPKI struct {
	t     *testing.T
	ca    *x509.Certificate
	caKey *ecdsa.PrivateKey
	pool  *x509.CertPool
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	caKey := generateKeyPair(t)
	ca, err := x509.ParseCertificate(generateCa(t, caKey))
	require.NoError(t, err)

	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &testPKI{t: t, ca: ca, caKey: caKey, pool: pool}
}

func (p *testPKI) tlsConfig(cn string) *tls.Config {
	p.t.Helper()
	key := generateKeyPair(p.t)
	der := generateLeaf(p.t, p.ca, p.caKey, key, cn)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(p.t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{
			{
				Certificate: [][]byte{der},
				Leaf:        leaf,
				PrivateKey:  key,
			},
		},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  p.pool,
		RootCAs:    p.pool,
	}
}

func testLogHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

type testBus struct {
	*Bus
	signer intent.Signer
	sink   *metrics.InmemSink
}

// newTestBus creates a bus on an ephemeral loopback port with its own
// signer. Peers must trust each other explicitly, see trust.
func newTestBus(t *testing.T, pki *testPKI, name string, opts ...Option) *testBus {
	t.Helper()
	signer, err := intent.GenerateEd25519()
	require.NoError(t, err)
	sink := metrics.NewInmemSink(time.Second, 5*time.Minute)

	base := []Option{
		WithTlsConfig(pki.tlsConfig(name)),
		WithListenOn("127.0.0.1", 0),
		WithLog(testLogHandler(name)),
		WithMetricSink(sink),
		WithSigner(signer),
		WithDialTimeout(5 * time.Second),
		WithGracePeriod(5 * time.Second),
		WithLinger(10 * time.Millisecond),
	}
	b, err := Create(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		b.Shutdown()
	})
	return &testBus{Bus: b, signer: signer, sink: sink}
}

func (tb *testBus) trust(other *testBus) {
	tb.RegisterKey(other.signer.KeyID(), other.signer.PublicKey())
}

func (tb *testBus) addr() string {
	return tb.Addr().String()
}

// connect dials b from a and returns both ends of the connection.
func connect(t *testing.T, a, b *testBus) (*Conn, *Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := a.Dial(ctx, b.addr())
	require.NoError(t, err)
	server, err := b.Accept(ctx)
	require.NoError(t, err)
	return client, server
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// counter sums a counter of the sink over all label sets.
func counter(sink *metrics.InmemSink, name []string) int {
	var total int
	for _, interval := range sink.Data() {
		interval.RLock()
		for _, c := range interval.Counters {
			if c.Name == strings.Join(name, ".") {
				total += c.Count
			}
		}
		interval.RUnlock()
	}
	return total
}
