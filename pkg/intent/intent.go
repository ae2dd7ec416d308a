package intent

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const (
	// FormatVersion is the only intent layout this package signs and accepts.
	FormatVersion = 1

	DefaultValidity  = 5 * time.Minute
	DefaultClockSkew = 30 * time.Second

	nonceSize = 16
)

// Intent is a signed, short-lived authorization to perform Op with at most
// Scope permissions and a spend ceiling of Cap.
type Intent struct {
	KeyID     string `json:"kid"`
	Timestamp int64  `json:"ts"`
	Nonce     string `json:"nonce"`
	Scope     Scope  `json:"scope"`
	Cap       int64  `json:"cap"`
	Signature []byte `json:"sig"`
	Op        string `json:"op"`
	Version   int    `json:"version"`
}

// Canonical returns the byte string covered by the signature:
// kid:ts:nonce:scope:cap:op.
func (in *Intent) Canonical() []byte {
	return []byte(fmt.Sprintf(
		"%s:%d:%s:%s:%d:%s",
		in.KeyID, in.Timestamp, in.Nonce, in.Scope, in.Cap, in.Op,
	))
}

func (in *Intent) IssuedAt() time.Time {
	return time.Unix(in.Timestamp, 0)
}

// Create signs a fresh intent for op using the current time.
func Create(signer Signer, scope Scope, spendCap int64, op string) (*Intent, error) {
	return CreateAt(signer, scope, spendCap, op, time.Now())
}

// CreateAt is like [Create] but stamps the intent with now.
func CreateAt(signer Signer, scope Scope, spendCap int64, op string, now time.Time) (*Intent, error) {
	if !scope.Valid() {
		return nil, fmt.Errorf("intent: cannot create with %s", scope)
	}
	if op == "" {
		return nil, fmt.Errorf("intent: empty op")
	}
	if strings.Contains(signer.KeyID(), ":") {
		return nil, fmt.Errorf("intent: key id %q contains a separator", signer.KeyID())
	}

	var raw [nonceSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return nil, fmt.Errorf("intent: nonce: %w", err)
	}

	in := &Intent{
		KeyID:     signer.KeyID(),
		Timestamp: now.Unix(),
		Nonce:     hex.EncodeToString(raw[:]),
		Scope:     scope,
		Cap:       spendCap,
		Op:        op,
		Version:   FormatVersion,
	}

	sig, err := signer.Sign(in.Canonical())
	if err != nil {
		return nil, fmt.Errorf("intent: sign: %w", err)
	}
	in.Signature = sig
	return in, nil
}
