package intent

import (
	"errors"
	"fmt"
)

var (
	ErrIntent = errors.New("intent: rejected")

	ErrBadSignature      = fmt.Errorf("%w: bad signature", ErrIntent)
	ErrExpired           = fmt.Errorf("%w: expired", ErrIntent)
	ErrReplayed          = fmt.Errorf("%w: nonce replayed", ErrIntent)
	ErrInsufficientScope = fmt.Errorf("%w: insufficient scope", ErrIntent)
	ErrUnknownKey        = fmt.Errorf("%w: unknown key", ErrIntent)
	ErrCapExceeded       = fmt.Errorf("%w: spend cap exceeded", ErrIntent)
)

// IsSecurityFailure reports whether err points at a forged, replayed
// or otherwise untrusted intent, as opposed to a stale or under-scoped one.
func IsSecurityFailure(err error) bool {
	return errors.Is(err, ErrBadSignature) ||
		errors.Is(err, ErrReplayed) ||
		errors.Is(err, ErrUnknownKey)
}
