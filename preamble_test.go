package synapse

import (
	"bytes"
	"io"
	"testing"

	"github.com/raskyld/synapse/pkg/intent"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestPreamble(t *testing.T) {
	signer, err := intent.GenerateEd25519()
	require.NoError(t, err)
	in, err := intent.Create(signer, intent.ScopeWrite, 0, RoleReqResp.streamOp())
	require.NoError(t, err)

	t.Run("with intent", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writePreamble(&buf, preamble{role: RoleReqResp, ordinal: 3, intent: in}))
		buf.WriteString("first frame")

		p, err := readPreamble(&buf)
		require.NoError(t, err)
		require.Equal(t, RoleReqResp, p.role)
		require.EqualValues(t, 3, p.ordinal)
		require.NotNil(t, p.intent)
		require.Equal(t, in.KeyID, p.intent.KeyID)
		require.Equal(t, in.Nonce, p.intent.Nonce)
		require.Equal(t, in.Signature, p.intent.Signature)

		v := intent.NewVerifier()
		v.RegisterKey(signer.KeyID(), signer.PublicKey())
		require.NoError(t, v.Verify(p.intent, intent.ScopeWrite), "signature survives the round trip")

		rest, err := io.ReadAll(&buf)
		require.NoError(t, err)
		require.Equal(t, "first frame", string(rest), "nothing past the preamble is consumed")
	})

	t.Run("without intent", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writePreamble(&buf, preamble{role: RoleReasoningTokens, ordinal: 1}))
		p, err := readPreamble(&buf)
		require.NoError(t, err)
		require.Equal(t, RoleReasoningTokens, p.role)
		require.Nil(t, p.intent)
	})

	t.Run("unknown fields are skipped", func(t *testing.T) {
		var msg []byte
		msg = protowire.AppendTag(msg, 15, protowire.BytesType)
		msg = protowire.AppendBytes(msg, []byte("from the future"))
		msg = protowire.AppendTag(msg, preambleRole, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(RoleGossip))

		var p preamble
		require.NoError(t, p.unmarshal(msg))
		require.Equal(t, RoleGossip, p.role)
	})
}

func TestPreambleErrors(t *testing.T) {
	frameOf := func(msg []byte) *bytes.Reader {
		return bytes.NewReader(append(protowire.AppendVarint(nil, uint64(len(msg))), msg...))
	}

	t.Run("missing role", func(t *testing.T) {
		msg := protowire.AppendTag(nil, preambleOrdinal, protowire.VarintType)
		msg = protowire.AppendVarint(msg, 1)
		_, err := readPreamble(frameOf(msg))
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("unknown role", func(t *testing.T) {
		msg := protowire.AppendTag(nil, preambleRole, protowire.VarintType)
		msg = protowire.AppendVarint(msg, 200)
		_, err := readPreamble(frameOf(msg))
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("oversized", func(t *testing.T) {
		r := bytes.NewReader(protowire.AppendVarint(nil, maxPreambleSize+1))
		_, err := readPreamble(r)
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("truncated", func(t *testing.T) {
		msg := protowire.AppendTag(nil, preambleRole, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(RoleControl))
		raw := append(protowire.AppendVarint(nil, uint64(len(msg))+4), msg...)
		_, err := readPreamble(bytes.NewReader(raw))
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("bad intent", func(t *testing.T) {
		msg := protowire.AppendTag(nil, preambleRole, protowire.VarintType)
		msg = protowire.AppendVarint(msg, uint64(RoleControl))
		msg = protowire.AppendTag(msg, preambleIntent, protowire.BytesType)
		msg = protowire.AppendBytes(msg, []byte("{not json"))
		_, err := readPreamble(frameOf(msg))
		require.ErrorIs(t, err, ErrProtocolViolation)
	})

	t.Run("empty stream", func(t *testing.T) {
		_, err := readPreamble(bytes.NewReader(nil))
		require.ErrorIs(t, err, io.EOF)
	})
}
