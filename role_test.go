package synapse

import (
	"testing"

	"github.com/raskyld/synapse/pkg/frame"
	"github.com/raskyld/synapse/pkg/intent"
	"github.com/raskyld/synapse/pkg/priority"
	"github.com/stretchr/testify/require"
)

func TestRoleProperties(t *testing.T) {
	tests := []struct {
		role      Role
		name      string
		direction Direction
		scope     intent.Scope
		frameType frame.Type
		level     priority.Level
	}{
		{RoleControl, "control", Bidirectional, intent.ScopeWrite, frame.TypeControl, priority.High},
		{RoleReqResp, "reqresp", Bidirectional, intent.ScopeWrite, frame.TypeRequest, priority.Normal},
		{RoleGossip, "gossip", Unidirectional, intent.ScopeRead, frame.TypeGossip, priority.Low},
		{RoleTelemetry, "telemetry", Unidirectional, intent.ScopeRead, frame.TypeTelemetry, priority.Low},
		{RoleReasoningTokens, "reasoning_tokens", Unidirectional, intent.ScopeRead, frame.TypeToken, priority.Low},
		{RoleReasoningTraces, "reasoning_traces", Unidirectional, intent.ScopeRead, frame.TypeTrace, priority.Low},
		{RoleReasoningRubrics, "reasoning_rubrics", Unidirectional, intent.ScopeRead, frame.TypeRubric, priority.Low},
		{RoleReasoningVerify, "reasoning_verify", Unidirectional, intent.ScopeRead, frame.TypeVerify, priority.Low},
		{RoleSnapshot, "snapshot", Unidirectional, intent.ScopeWrite, frame.TypeSnapshot, priority.Low},
	}
	require.Len(t, tests, len(Roles))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.True(t, tt.role.Valid())
			require.Equal(t, tt.name, tt.role.String())
			require.Equal(t, tt.direction, tt.role.Direction())
			require.Equal(t, tt.scope, tt.role.MinScope())
			require.Equal(t, tt.frameType, tt.role.FrameType())
			require.Equal(t, tt.level, tt.role.level())
			require.Equal(t, "stream."+tt.name, tt.role.streamOp())

			parsed, err := ParseRole(tt.name)
			require.NoError(t, err)
			require.Equal(t, tt.role, parsed)

			require.True(t, tt.role.accepts(tt.frameType, true))
		})
	}
}

func TestRoleAccepts(t *testing.T) {
	require.True(t, RoleReqResp.accepts(frame.TypeResponse, false))
	require.False(t, RoleReqResp.accepts(frame.TypeRequest, false), "only the opener sends requests")
	require.False(t, RoleReqResp.accepts(frame.TypeResponse, true))

	require.True(t, RoleControl.accepts(frame.TypeControl, false))
	require.True(t, RoleControl.accepts(frame.TypeResponse, false))

	require.False(t, RoleReasoningTokens.accepts(frame.TypeToken, false), "unidirectional streams carry nothing back")
	require.False(t, RoleReasoningTokens.accepts(frame.TypeTrace, true))
}

func TestInvalidRole(t *testing.T) {
	require.False(t, Role(0).Valid())
	require.False(t, Role(RoleSnapshot+1).Valid())
	require.Equal(t, "role(42)", Role(42).String())

	_, err := ParseRole("telepathy")
	require.ErrorIs(t, err, ErrInvalidCfg)
}
