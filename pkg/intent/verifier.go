package intent

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Verifier checks intents against a registry of trusted public keys and a
// shared [NonceCache].
type Verifier struct {
	lk   sync.RWMutex
	keys map[string]PublicKey

	nonces   *NonceCache
	validity time.Duration
	skew     time.Duration
	now      func() time.Time
}

type VerifierOption func(*Verifier)

// WithClock replaces [time.Now], mostly useful in tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithNonceCache shares an existing cache instead of creating a default one.
func WithNonceCache(c *NonceCache) VerifierOption {
	return func(v *Verifier) {
		v.nonces = c
	}
}

func WithValidity(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.validity = d
	}
}

// WithClockSkew sets how far in the future an intent timestamp may be.
func WithClockSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.skew = d
	}
}

func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:     make(map[string]PublicKey),
		validity: DefaultValidity,
		skew:     DefaultClockSkew,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.nonces == nil {
		v.nonces = NewNonceCache(DefaultNonceCapacity, DefaultNonceFillThreshold)
	}
	return v
}

// RegisterKey trusts pub under kid. Registering an existing kid replaces
// the previous key.
func (v *Verifier) RegisterKey(kid string, pub PublicKey) {
	v.lk.Lock()
	defer v.lk.Unlock()
	v.keys[kid] = pub
}

// RevokeKey stops trusting kid. Intents it signed fail with [ErrUnknownKey].
func (v *Verifier) RevokeKey(kid string) {
	v.lk.Lock()
	defer v.lk.Unlock()
	delete(v.keys, kid)
}

func (v *Verifier) Key(kid string) (PublicKey, bool) {
	v.lk.RLock()
	defer v.lk.RUnlock()
	pub, ok := v.keys[kid]
	return pub, ok
}

func (v *Verifier) Nonces() *NonceCache {
	return v.nonces
}

// Verify checks in for the required scope with nothing spent yet.
func (v *Verifier) Verify(in *Intent, required Scope) error {
	return v.VerifyWithSpend(in, required, 0)
}

// VerifyWithSpend checks in for the required scope given the amount already
// spent by the caller against the intent cap.
//
// Checks run in this order: freshness, key, signature, scope, cap, nonce.
// Only an intent passing every check consumes its nonce.
func (v *Verifier) VerifyWithSpend(in *Intent, required Scope, spent int64) error {
	issued, err := v.check(in, required, spent)
	if err != nil {
		return err
	}
	if !v.nonces.CheckAndRecord(in.Nonce, issued.Add(v.validity), v.now()) {
		return ErrReplayed
	}
	return nil
}

// Check runs every verification except the nonce one, which is neither
// consulted nor recorded. Senders use it to validate an intent before
// handing it to a peer that will verify it for real.
func (v *Verifier) Check(in *Intent, required Scope) error {
	_, err := v.check(in, required, 0)
	return err
}

func (v *Verifier) check(in *Intent, required Scope, spent int64) (time.Time, error) {
	if in == nil {
		return time.Time{}, fmt.Errorf("%w: no intent", ErrInsufficientScope)
	}

	now := v.now()
	issued := in.IssuedAt()
	if now.Sub(issued) > v.validity {
		return time.Time{}, fmt.Errorf("%w: issued %s ago", ErrExpired, now.Sub(issued).Truncate(time.Second))
	}
	if issued.Sub(now) > v.skew {
		return time.Time{}, fmt.Errorf("%w: issued %s in the future", ErrExpired, issued.Sub(now).Truncate(time.Second))
	}

	pub, ok := v.Key(in.KeyID)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnknownKey, in.KeyID)
	}

	if in.Version != FormatVersion {
		return time.Time{}, fmt.Errorf("%w: unsupported version %d", ErrBadSignature, in.Version)
	}
	if strings.Contains(in.Nonce, ":") || in.Nonce == "" {
		return time.Time{}, fmt.Errorf("%w: malformed nonce", ErrBadSignature)
	}
	if !pub.Verify(in.Canonical(), in.Signature) {
		return time.Time{}, ErrBadSignature
	}

	if !in.Scope.Allows(required) {
		return time.Time{}, fmt.Errorf("%w: %s below %s", ErrInsufficientScope, in.Scope, required)
	}

	if in.Cap < 0 || spent > in.Cap {
		return time.Time{}, fmt.Errorf("%w: spent %d of %d", ErrCapExceeded, spent, in.Cap)
	}

	return issued, nil
}
