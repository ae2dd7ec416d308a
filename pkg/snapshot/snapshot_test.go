package snapshot

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/raskyld/synapse/pkg/flow"
	"github.com/raskyld/synapse/pkg/frame"
	"github.com/raskyld/synapse/pkg/intent"
	"github.com/stretchr/testify/require"
)

// recorder keeps every frame written so tests can tamper with them.
type recorder struct {
	frames []*frame.Frame
}

func (r *recorder) WriteFrame(_ context.Context, f *frame.Frame) error {
	r.frames = append(r.frames, &frame.Frame{
		Version: f.Version,
		Type:    f.Type,
		Header:  bytes.Clone(f.Header),
		Payload: bytes.Clone(f.Payload),
	})
	return nil
}

func (r *recorder) replay(t *testing.T) *flow.LocalFlow {
	t.Helper()
	fl := flow.NewLocalFlow(uint(len(r.frames)))
	for _, f := range r.frames {
		require.NoError(t, fl.WriteFrame(context.Background(), f))
	}
	require.NoError(t, fl.Close())
	return fl
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func transfer(t *testing.T, data []byte, opts Options) (*Snapshot, *recorder) {
	t.Helper()
	rec := &recorder{}
	meta, err := Send(context.Background(), rec, "snap", data, opts)
	require.NoError(t, err)
	require.EqualValues(t, len(rec.frames)-1, meta.ChunkCount)

	snap, err := Receive(context.Background(), rec.replay(t), opts)
	require.NoError(t, err)
	return snap, rec
}

func TestRoundTripSizes(t *testing.T) {
	const chunk = 64
	for _, size := range []int{0, 1, chunk - 1, chunk, chunk + 1, 3*chunk + chunk/2} {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			data := randomBytes(t, size)
			snap, rec := transfer(t, data, Options{ChunkSize: chunk})

			require.Equal(t, "snap", snap.ID)
			require.EqualValues(t, size, snap.TotalSize)
			require.EqualValues(t, (size+chunk-1)/chunk, snap.ChunkCount)
			require.Len(t, rec.frames, int(snap.ChunkCount)+1)
			require.True(t, bytes.Equal(data, snap.Data))
			require.Equal(t, ObjectChecksum(data), snap.Checksum)
		})
	}
}

func TestOneMegabyteSingleChunk(t *testing.T) {
	data := randomBytes(t, 1<<20)
	snap, rec := transfer(t, data, Options{ChunkSize: 1 << 20})

	require.EqualValues(t, 1, snap.ChunkCount)
	require.Len(t, rec.frames, 2)
	require.Equal(t, data, snap.Data)
}

func TestCorruptedChunk(t *testing.T) {
	const chunk = 256
	data := bytes.Repeat([]byte("reasoning trace "), 5*chunk/16)

	for _, c := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		for corrupted := range 5 {
			t.Run(fmt.Sprintf("%s chunk %d", c, corrupted), func(t *testing.T) {
				rec := &recorder{}
				_, err := Send(context.Background(), rec, "snap", data, Options{ChunkSize: chunk, Compression: c})
				require.NoError(t, err)

				// Frame 0 holds the metadata.
				payload := rec.frames[corrupted+1].Payload
				if c != CompressionNone {
					require.Less(t, len(payload), chunk, "chunk must be sent compressed")
				}
				payload[len(payload)/2] ^= 0x01

				_, err = Receive(context.Background(), rec.replay(t), Options{})
				var checksumErr *ChecksumError
				require.ErrorAs(t, err, &checksumErr)
				require.EqualValues(t, corrupted, checksumErr.Chunk)
				require.ErrorIs(t, err, ErrSnapshot)
			})
		}
	}
}

func TestTruncatedChunk(t *testing.T) {
	data := randomBytes(t, 100)
	rec := &recorder{}
	_, err := Send(context.Background(), rec, "snap", data, Options{ChunkSize: 40})
	require.NoError(t, err)

	rec.frames[2].Payload = rec.frames[2].Payload[:39]
	_, err = Receive(context.Background(), rec.replay(t), Options{})
	var checksumErr *ChecksumError
	require.ErrorAs(t, err, &checksumErr)
	require.EqualValues(t, 1, checksumErr.Chunk)
	require.Error(t, checksumErr.Err)
}

func TestCorruptedObjectChecksum(t *testing.T) {
	data := randomBytes(t, 100)
	rec := &recorder{}
	_, err := Send(context.Background(), rec, "snap", data, Options{ChunkSize: 40})
	require.NoError(t, err)

	meta, err := frame.New(frame.TypeSnapshot, frame.Header{Op: OpMetadata}, []byte(fmt.Sprintf(
		`{"id":"snap","total_size":100,"chunk_count":3,"chunk_size":40,"checksum":%q}`,
		ObjectChecksum([]byte("something else")),
	)))
	require.NoError(t, err)
	rec.frames[0] = meta

	_, err = Receive(context.Background(), rec.replay(t), Options{})
	var checksumErr *ChecksumError
	require.ErrorAs(t, err, &checksumErr)
	require.EqualValues(t, -1, checksumErr.Chunk)
}

func TestCompression(t *testing.T) {
	compressible := bytes.Repeat([]byte("reasoning trace "), 4096)
	incompressible := randomBytes(t, 4096)

	for _, c := range []Compression{CompressionLZ4, CompressionZstd} {
		t.Run(string(c), func(t *testing.T) {
			snap, rec := transfer(t, compressible, Options{ChunkSize: 8192, Compression: c})
			require.Equal(t, compressible, snap.Data)

			h, err := rec.frames[1].ParseHeader()
			require.NoError(t, err)
			require.Equal(t, string(c), h.Compression)
			require.Less(t, len(rec.frames[1].Payload), 8192)

			snap, rec = transfer(t, incompressible, Options{ChunkSize: 1024, Compression: c})
			require.Equal(t, incompressible, snap.Data)
			h, err = rec.frames[1].ParseHeader()
			require.NoError(t, err)
			require.Empty(t, h.Compression)
		})
	}
}

func TestReceiveRejects(t *testing.T) {
	data := randomBytes(t, 100)
	rec := &recorder{}
	_, err := Send(context.Background(), rec, "snap", data, Options{ChunkSize: 10})
	require.NoError(t, err)

	t.Run("out of order", func(t *testing.T) {
		swapped := &recorder{frames: append([]*frame.Frame(nil), rec.frames...)}
		swapped.frames[1], swapped.frames[2] = swapped.frames[2], swapped.frames[1]
		_, err := Receive(context.Background(), swapped.replay(t), Options{})
		require.ErrorIs(t, err, ErrOutOfOrder)
	})

	t.Run("too large", func(t *testing.T) {
		_, err := Receive(context.Background(), rec.replay(t), Options{MaxSize: 99})
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("truncated", func(t *testing.T) {
		short := &recorder{frames: rec.frames[:5]}
		_, err := Receive(context.Background(), short.replay(t), Options{})
		require.ErrorIs(t, err, ErrIncomplete)
	})

	t.Run("chunk first", func(t *testing.T) {
		short := &recorder{frames: rec.frames[1:]}
		_, err := Receive(context.Background(), short.replay(t), Options{})
		require.ErrorIs(t, err, ErrUnexpectedFrame)
	})
}

func TestAuthorizeAndVerify(t *testing.T) {
	signer, err := intent.GenerateEd25519()
	require.NoError(t, err)
	verifier := intent.NewVerifier()
	verifier.RegisterKey(signer.KeyID(), signer.PublicKey())

	var ops []string
	opts := Options{
		ChunkSize: 16,
		Authorize: func(op string) (*intent.Intent, error) {
			ops = append(ops, op)
			return intent.Create(signer, intent.ScopeWrite, 0, op)
		},
		Verify: func(f *frame.Frame) error {
			in, err := f.Intent()
			if err != nil {
				return err
			}
			return verifier.Verify(in, intent.ScopeWrite)
		},
	}

	data := randomBytes(t, 40)
	snap, rec := transfer(t, data, opts)
	require.Equal(t, data, snap.Data)
	require.Equal(t, []string{OpMetadata, OpChunk, OpChunk, OpChunk}, ops)

	// The same frames again are replays.
	_, err = Receive(context.Background(), rec.replay(t), opts)
	require.ErrorIs(t, err, intent.ErrReplayed)

	failing := opts
	failing.Authorize = func(string) (*intent.Intent, error) { return nil, errors.New("no key") }
	_, err = Send(context.Background(), &recorder{}, "snap", data, failing)
	require.ErrorContains(t, err, "no key")
}
