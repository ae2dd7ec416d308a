package intent

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	AlgEd25519   = "ed25519"
	AlgECDSAP256 = "ecdsa-p256"
)

var ErrKeyFormat = errors.New("intent: malformed key")

// PublicKey verifies signatures produced by the matching [Signer].
type PublicKey interface {
	Algorithm() string
	Bytes() []byte
	Verify(msg, sig []byte) bool
}

// Signer holds a private key and its derived key id.
type Signer interface {
	KeyID() string
	PublicKey() PublicKey
	Sign(msg []byte) ([]byte, error)
}

// KeyIDFromPublicKey derives a stable key id from the algorithm and the
// encoded public key, using the first 16 bytes of a SHA3-256 digest.
func KeyIDFromPublicKey(pub PublicKey) string {
	h := sha3.New256()
	h.Write([]byte(pub.Algorithm()))
	h.Write([]byte{0})
	h.Write(pub.Bytes())
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// ParsePublicKey decodes a key previously obtained with [PublicKey.Bytes].
func ParsePublicKey(alg string, raw []byte) (PublicKey, error) {
	switch alg {
	case AlgEd25519:
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: ed25519 key of %d bytes", ErrKeyFormat, len(raw))
		}
		return Ed25519PublicKey(append([]byte(nil), raw...)), nil
	case AlgECDSAP256:
		parsed, err := x509.ParsePKIXPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrKeyFormat, err)
		}
		pub, ok := parsed.(*ecdsa.PublicKey)
		if !ok || pub.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: not a P-256 key", ErrKeyFormat)
		}
		return ECDSAPublicKey{pub}, nil
	}
	return nil, fmt.Errorf("%w: unknown algorithm %q", ErrKeyFormat, alg)
}

type Ed25519PublicKey ed25519.PublicKey

func (k Ed25519PublicKey) Algorithm() string { return AlgEd25519 }
func (k Ed25519PublicKey) Bytes() []byte     { return []byte(k) }

func (k Ed25519PublicKey) Verify(msg, sig []byte) bool {
	if len(k) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k), msg, sig)
}

type Ed25519Signer struct {
	priv ed25519.PrivateKey
	pub  Ed25519PublicKey
	kid  string
}

func NewEd25519Signer(priv ed25519.PrivateKey) *Ed25519Signer {
	pub := Ed25519PublicKey(priv.Public().(ed25519.PublicKey))
	return &Ed25519Signer{
		priv: priv,
		pub:  pub,
		kid:  KeyIDFromPublicKey(pub),
	}
}

func GenerateEd25519() (*Ed25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return NewEd25519Signer(priv), nil
}

// LoadEd25519Signer reads a hex-encoded Ed25519 seed or full private key
// from path.
func LoadEd25519Signer(path string) (*Ed25519Signer, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(content)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyFormat, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return NewEd25519Signer(ed25519.NewKeyFromSeed(raw)), nil
	case ed25519.PrivateKeySize:
		return NewEd25519Signer(ed25519.PrivateKey(raw)), nil
	}
	return nil, fmt.Errorf("%w: ed25519 private key of %d bytes", ErrKeyFormat, len(raw))
}

func (s *Ed25519Signer) KeyID() string        { return s.kid }
func (s *Ed25519Signer) PublicKey() PublicKey { return s.pub }

func (s *Ed25519Signer) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, msg), nil
}

type ECDSAPublicKey struct {
	*ecdsa.PublicKey
}

func (k ECDSAPublicKey) Algorithm() string { return AlgECDSAP256 }

func (k ECDSAPublicKey) Bytes() []byte {
	der, err := x509.MarshalPKIXPublicKey(k.PublicKey)
	if err != nil {
		return nil
	}
	return der
}

func (k ECDSAPublicKey) Verify(msg, sig []byte) bool {
	digest := sha256.Sum256(msg)
	return ecdsa.VerifyASN1(k.PublicKey, digest[:], sig)
}

type ECDSASigner struct {
	priv *ecdsa.PrivateKey
	pub  ECDSAPublicKey
	kid  string
}

func NewECDSASigner(priv *ecdsa.PrivateKey) (*ECDSASigner, error) {
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: only P-256 is supported", ErrKeyFormat)
	}
	pub := ECDSAPublicKey{&priv.PublicKey}
	return &ECDSASigner{
		priv: priv,
		pub:  pub,
		kid:  KeyIDFromPublicKey(pub),
	}, nil
}

func (s *ECDSASigner) KeyID() string        { return s.kid }
func (s *ECDSASigner) PublicKey() PublicKey { return s.pub }

func (s *ECDSASigner) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return ecdsa.SignASN1(rand.Reader, s.priv, digest[:])
}
