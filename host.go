package synapse

import (
	"crypto/x509"
	"log/slog"
	"unique"
)

type Hostname string

// Host is a peer as identified by its certificate.
type Host struct {
	Name unique.Handle[Hostname]
	Addr string
	Port int
}

// HostnameResolver resolves a peer name from the certificates it
// presented during the handshake.
//
// Implementations MUST NOT block, they run on the connection establishment
// critical path.
//
// On failure, implementations return a non-nil error and, optionally, a
// human-friendly reason which is sent to the remote peer so they can debug
// it. Without a reason, the peer receives a [QErrInternal].
type HostnameResolver func(certs []*x509.Certificate) (Hostname, string, error)

// CommonNameResolver is the default [HostnameResolver], it uses the
// Subject Common Name of the peer leaf certificate.
func CommonNameResolver(certs []*x509.Certificate) (Hostname, string, error) {
	if len(certs) == 0 {
		return "", "it seems like you haven't provided client certificate", ErrHostnameResolve
	}
	if certs[0].Subject.CommonName == "" {
		return "", "your certificate has no common name", ErrHostnameResolve
	}

	return Hostname(certs[0].Subject.CommonName), "", nil
}

func (host Host) String() string {
	return string(host.Hostname())
}

// Hostname is safe to call on the zero Host.
func (host Host) Hostname() Hostname {
	if host.Name == (unique.Handle[Hostname]{}) {
		return ""
	}
	return host.Name.Value()
}

func (host Host) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("name", string(host.Hostname())),
		slog.String("addr", host.Addr),
		slog.Int("port", host.Port),
	)
}
