package intent

import (
	"fmt"
)

// Scope is an ordered permission level, read < write < admin.
type Scope uint8

const (
	ScopeRead Scope = iota + 1
	ScopeWrite
	ScopeAdmin
)

func (s Scope) String() string {
	switch s {
	case ScopeRead:
		return "read"
	case ScopeWrite:
		return "write"
	case ScopeAdmin:
		return "admin"
	default:
		return fmt.Sprintf("scope(%d)", uint8(s))
	}
}

func (s Scope) Valid() bool {
	return s >= ScopeRead && s <= ScopeAdmin
}

// Allows reports whether s is at least as permissive as required.
func (s Scope) Allows(required Scope) bool {
	return s.Valid() && s >= required
}

func ParseScope(v string) (Scope, error) {
	switch v {
	case "read":
		return ScopeRead, nil
	case "write":
		return ScopeWrite, nil
	case "admin":
		return ScopeAdmin, nil
	}
	return 0, fmt.Errorf("intent: unknown scope %q", v)
}

func (s Scope) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("intent: cannot marshal %s", s)
	}
	return []byte(s.String()), nil
}

func (s *Scope) UnmarshalText(b []byte) error {
	parsed, err := ParseScope(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
