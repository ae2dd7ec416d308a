package synapse

import (
	"fmt"

	"github.com/raskyld/synapse/pkg/frame"
	"github.com/raskyld/synapse/pkg/intent"
	"github.com/raskyld/synapse/pkg/priority"
)

// Role is the purpose a stream is opened for. It fixes the stream
// direction, the scope required to open it and the frames it carries.
type Role uint8

const (
	RoleControl Role = iota + 1
	RoleReqResp
	RoleGossip
	RoleTelemetry
	RoleReasoningTokens
	RoleReasoningTraces
	RoleReasoningRubrics
	RoleReasoningVerify
	RoleSnapshot
)

// Roles lists every valid role.
var Roles = []Role{
	RoleControl,
	RoleReqResp,
	RoleGossip,
	RoleTelemetry,
	RoleReasoningTokens,
	RoleReasoningTraces,
	RoleReasoningRubrics,
	RoleReasoningVerify,
	RoleSnapshot,
}

type Direction uint8

const (
	// Unidirectional streams only carry frames from the opener.
	Unidirectional Direction = iota
	Bidirectional
)

func (d Direction) String() string {
	if d == Bidirectional {
		return "bidirectional"
	}
	return "unidirectional"
}

func (r Role) Valid() bool {
	return r >= RoleControl && r <= RoleSnapshot
}

func (r Role) String() string {
	switch r {
	case RoleControl:
		return "control"
	case RoleReqResp:
		return "reqresp"
	case RoleGossip:
		return "gossip"
	case RoleTelemetry:
		return "telemetry"
	case RoleReasoningTokens:
		return "reasoning_tokens"
	case RoleReasoningTraces:
		return "reasoning_traces"
	case RoleReasoningRubrics:
		return "reasoning_rubrics"
	case RoleReasoningVerify:
		return "reasoning_verify"
	case RoleSnapshot:
		return "snapshot"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

func ParseRole(v string) (Role, error) {
	for _, r := range Roles {
		if r.String() == v {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown role %q", ErrInvalidCfg, v)
}

func (r Role) Direction() Direction {
	switch r {
	case RoleControl, RoleReqResp:
		return Bidirectional
	}
	return Unidirectional
}

// MinScope is the scope an intent must grant to open a stream of this role.
func (r Role) MinScope() intent.Scope {
	switch r {
	case RoleControl, RoleReqResp, RoleSnapshot:
		return intent.ScopeWrite
	}
	return intent.ScopeRead
}

// FrameType is the type of the frames the opener sends.
func (r Role) FrameType() frame.Type {
	switch r {
	case RoleControl:
		return frame.TypeControl
	case RoleReqResp:
		return frame.TypeRequest
	case RoleGossip:
		return frame.TypeGossip
	case RoleTelemetry:
		return frame.TypeTelemetry
	case RoleReasoningTokens:
		return frame.TypeToken
	case RoleReasoningTraces:
		return frame.TypeTrace
	case RoleReasoningRubrics:
		return frame.TypeRubric
	case RoleReasoningVerify:
		return frame.TypeVerify
	case RoleSnapshot:
		return frame.TypeSnapshot
	}
	return frame.TypeControl
}

// accepts reports whether a frame of type t may travel on a stream of this
// role, in the direction given by fromOpener. Answers travel back on
// bidirectional streams as responses, control streams also carry control
// frames both ways.
func (r Role) accepts(t frame.Type, fromOpener bool) bool {
	if fromOpener {
		return t == r.FrameType()
	}
	switch r {
	case RoleControl:
		return t == frame.TypeControl || t == frame.TypeResponse
	case RoleReqResp:
		return t == frame.TypeResponse
	}
	return false
}

// level is the inbound priority of frames read from this role.
func (r Role) level() priority.Level {
	switch r {
	case RoleControl:
		return priority.High
	case RoleReqResp:
		return priority.Normal
	}
	return priority.Low
}

// streamOp is the operation an intent must be signed for to open a stream
// of this role.
func (r Role) streamOp() string {
	return "stream." + r.String()
}
