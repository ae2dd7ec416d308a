package snapshot

import (
	"bytes"
	"context"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/raskyld/synapse/pkg/frame"
	"github.com/stretchr/testify/require"
)

func TestZstdOutputIsBounded(t *testing.T) {
	t.Run("announced content size", func(t *testing.T) {
		bomb := zstdEncoder.EncodeAll(make([]byte, 8<<20), nil)
		require.Less(t, len(bomb), 4096)

		_, err := decompress(CompressionZstd, bomb, 64)
		require.ErrorIs(t, err, errCorrupted)
		require.ErrorContains(t, err, "expected 64")
	})

	t.Run("streamed without content size", func(t *testing.T) {
		var buf bytes.Buffer
		enc, err := zstd.NewWriter(&buf)
		require.NoError(t, err)
		_, err = enc.Write(make([]byte, MaxChunkSize+1<<20))
		require.NoError(t, err)
		require.NoError(t, enc.Close())

		var hdr zstd.Header
		require.NoError(t, hdr.Decode(buf.Bytes()))
		require.False(t, hdr.HasFCS)

		out, err := decompress(CompressionZstd, buf.Bytes(), 64)
		require.ErrorIs(t, err, errCorrupted)
		require.Nil(t, out)
	})

	t.Run("through a transfer", func(t *testing.T) {
		data := bytes.Repeat([]byte("reasoning trace "), 16)
		rec := &recorder{}
		_, err := Send(context.Background(), rec, "snap", data, Options{ChunkSize: 256, Compression: CompressionZstd})
		require.NoError(t, err)

		h, err := rec.frames[1].ParseHeader()
		require.NoError(t, err)
		bomb, err := frame.New(frame.TypeSnapshot, h, zstdEncoder.EncodeAll(make([]byte, 8<<20), nil))
		require.NoError(t, err)
		rec.frames[1] = bomb

		_, err = Receive(context.Background(), rec.replay(t), Options{})
		var checksumErr *ChecksumError
		require.ErrorAs(t, err, &checksumErr)
		require.EqualValues(t, 0, checksumErr.Chunk)
	})
}
