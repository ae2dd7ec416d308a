package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/raskyld/synapse/pkg/intent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustNew(t *testing.T, typ Type, h Header, payload []byte) *Frame {
	t.Helper()
	f, err := New(typ, h, payload)
	require.NoError(t, err)
	return f
}

func TestRoundTrip(t *testing.T) {
	idx := uint64(3)
	cases := map[string]*Frame{
		"request": mustNew(t, TypeRequest, Header{Op: "store_pattern", Seq: 7}, []byte(`{"pattern":"x"}`)),
		"empty payload": mustNew(t, TypeGossip, Header{Op: "gossip.health_ping"}, nil),
		"chunk": mustNew(t, TypeSnapshot, Header{
			Op:          "snapshot.chunk",
			ChunkIndex:  &idx,
			Checksum:    "abcd",
			Compression: "zstd",
		}, bytes.Repeat([]byte{0xAB}, 4096)),
		"raw header": {
			Version: Version,
			Type:    TypeTrace,
			// Not what json.Marshal would produce: must survive untouched.
			Header:  []byte(`{ "op" : "trace",  "extra": [1, 2] }`),
			Payload: []byte("step 1"),
		},
	}

	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			encoded, err := Encode(f)
			require.NoError(t, err)
			require.Len(t, encoded, f.Size())

			decoded, err := Decode(encoded)
			require.NoError(t, err)
			require.Equal(t, f, decoded)

			reencoded, err := Encode(decoded)
			require.NoError(t, err)
			require.Equal(t, encoded, reencoded)
		})
	}
}

func TestWireLayout(t *testing.T) {
	f := mustNew(t, TypeResponse, Header{Op: "ok"}, []byte{1, 2, 3})
	b, err := Encode(f)
	require.NoError(t, err)

	require.Equal(t, Version, binary.BigEndian.Uint16(b[0:2]))
	require.Equal(t, byte(TypeResponse), b[2])
	require.EqualValues(t, len(f.Header), binary.BigEndian.Uint32(b[3:7]))
	require.EqualValues(t, 3, binary.BigEndian.Uint32(b[7:11]))
	require.Equal(t, []byte{1, 2, 3}, b[len(b)-3:])
}

func TestDecodeRejects(t *testing.T) {
	valid, err := Encode(mustNew(t, TypeControl, Header{Op: "ping"}, []byte("payload")))
	require.NoError(t, err)

	t.Run("every truncation", func(t *testing.T) {
		for i := 0; i < len(valid); i++ {
			f, err := Decode(valid[:i])
			require.Nil(t, f)
			require.ErrorIs(t, err, ErrTruncated, "prefix of %d bytes", i)
		}
	})

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := Decode(append(bytes.Clone(valid), 0))
		require.ErrorIs(t, err, ErrTrailingBytes)
		require.ErrorIs(t, err, ErrFrame)
	})

	t.Run("unknown version", func(t *testing.T) {
		b := bytes.Clone(valid)
		binary.BigEndian.PutUint16(b[0:2], 2)
		_, err := Decode(b)
		require.ErrorIs(t, err, ErrUnsupportedVersion)
	})

	t.Run("unknown type", func(t *testing.T) {
		b := bytes.Clone(valid)
		b[2] = byte(typeCount)
		_, err := Decode(b)
		require.ErrorIs(t, err, ErrUnknownType)
	})

	for name, header := range map[string]string{
		"array":      `["op"]`,
		"null":       `null`,
		"no op":      `{"kid":"a"}`,
		"empty op":   `{"op":""}`,
		"numeric op": `{"op":1}`,
		"broken":     `{"op":"x"`,
	} {
		t.Run("header "+name, func(t *testing.T) {
			f := &Frame{Version: Version, Type: TypeRequest, Header: []byte(header)}
			_, err := Encode(f)
			require.ErrorIs(t, err, ErrInvalidHeader)

			b := make([]byte, PrefixSize, PrefixSize+len(header))
			binary.BigEndian.PutUint16(b[0:2], Version)
			b[2] = byte(TypeRequest)
			binary.BigEndian.PutUint32(b[3:7], uint32(len(header)))
			b = append(b, header...)
			_, err = Decode(b)
			require.ErrorIs(t, err, ErrInvalidHeader)
		})
	}
}

func TestReadWrite(t *testing.T) {
	var buf bytes.Buffer
	frames := []*Frame{
		mustNew(t, TypeToken, Header{Op: "token"}, []byte("hel")),
		mustNew(t, TypeToken, Header{Op: "token"}, []byte("lo")),
		mustNew(t, TypeVerify, Header{Op: "verify"}, nil),
	}
	for _, f := range frames {
		require.NoError(t, Write(&buf, f))
	}

	for _, want := range frames {
		got, err := Read(&buf, DefaultLimits())
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := Read(&buf, DefaultLimits())
	require.ErrorIs(t, err, io.EOF)
	require.False(t, errors.Is(err, ErrFrame))
}

func TestReadTruncatedAndLimits(t *testing.T) {
	encoded, err := Encode(mustNew(t, TypeRequest, Header{Op: "op"}, bytes.Repeat([]byte{1}, 100)))
	require.NoError(t, err)

	_, err = Read(bytes.NewReader(encoded[:5]), DefaultLimits())
	require.ErrorIs(t, err, ErrTruncated)

	_, err = Read(bytes.NewReader(encoded[:len(encoded)-1]), DefaultLimits())
	require.ErrorIs(t, err, ErrTruncated)

	_, err = Read(bytes.NewReader(encoded), Limits{MaxPayloadSize: 99})
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = Read(bytes.NewReader(encoded), Limits{MaxHeaderSize: 4})
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestMutating(t *testing.T) {
	mutating := map[Type]bool{
		TypeControl:  true,
		TypeRequest:  true,
		TypeSnapshot: true,
	}
	for typ := Type(0); typ < typeCount; typ++ {
		assert.Equal(t, mutating[typ], typ.Mutating(), typ.String())
	}
	assert.Equal(t, "type(42)", Type(42).String())
}

func TestHeaderIntent(t *testing.T) {
	signer, err := intent.GenerateEd25519()
	require.NoError(t, err)
	in, err := intent.Create(signer, intent.ScopeWrite, 0, "store_pattern")
	require.NoError(t, err)

	f := mustNew(t, TypeRequest, Header{Op: "ignored", Seq: 1}.WithIntent(in), []byte("x"))
	b, err := Encode(f)
	require.NoError(t, err)
	decoded, err := Decode(b)
	require.NoError(t, err)

	got, err := decoded.Intent()
	require.NoError(t, err)
	require.Equal(t, in, got)

	v := intent.NewVerifier()
	v.RegisterKey(signer.KeyID(), signer.PublicKey())
	require.NoError(t, v.Verify(got, intent.ScopeWrite))

	plain := mustNew(t, TypeToken, Header{Op: "token"}, nil)
	none, err := plain.Intent()
	require.NoError(t, err)
	require.Nil(t, none)
}
