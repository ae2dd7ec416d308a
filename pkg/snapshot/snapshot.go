// Package snapshot transfers large payloads as a metadata frame followed by
// integrity-checked chunks.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/raskyld/synapse/pkg/flow"
	"github.com/raskyld/synapse/pkg/frame"
	"github.com/raskyld/synapse/pkg/intent"
)

const (
	DefaultChunkSize = 1 << 20
	// MaxChunkSize keeps a compressed-as-none chunk within a frame payload.
	MaxChunkSize = frame.DefaultMaxPayloadSize

	DefaultMaxSize = 1 << 30

	OpMetadata = "snapshot.metadata"
	OpChunk    = "snapshot.chunk"
)

var (
	ErrSnapshot = errors.New("snapshot: transfer failed")

	ErrUnexpectedFrame = fmt.Errorf("%w: unexpected frame", ErrSnapshot)
	ErrOutOfOrder      = fmt.Errorf("%w: chunk out of order", ErrSnapshot)
	ErrTooLarge        = fmt.Errorf("%w: too large", ErrSnapshot)
	ErrIncomplete      = fmt.Errorf("%w: stream ended early", ErrSnapshot)
)

// Metadata announces a snapshot before its chunks.
type Metadata struct {
	ID         string `json:"id"`
	TotalSize  uint64 `json:"total_size"`
	ChunkCount uint64 `json:"chunk_count"`
	Checksum   string `json:"checksum"`
	ChunkSize  uint64 `json:"chunk_size"`
}

type Chunk struct {
	Index    uint64
	Data     []byte
	Checksum string
}

// Snapshot is a fully received and verified payload.
type Snapshot struct {
	Metadata
	Data []byte
}

type Options struct {
	// ChunkSize defaults to [DefaultChunkSize].
	ChunkSize int
	// Compression is applied per chunk by the sender. Receivers follow
	// whatever each chunk header says.
	Compression Compression
	// MaxSize bounds what a receiver accepts, defaults to [DefaultMaxSize].
	MaxSize uint64

	// Authorize, if set, is called for every frame sent and the intent it
	// returns is attached to that frame.
	Authorize func(op string) (*intent.Intent, error)
	// Verify, if set, is called for every frame received before it is
	// processed.
	Verify func(f *frame.Frame) error
}

func (o Options) chunkSize() int {
	if o.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	if o.ChunkSize > MaxChunkSize {
		return MaxChunkSize
	}
	return o.ChunkSize
}

func (o Options) maxSize() uint64 {
	if o.MaxSize == 0 {
		return DefaultMaxSize
	}
	return o.MaxSize
}

// Split cuts data in chunks of chunkSize bytes, the last one possibly
// shorter. An empty payload has no chunk.
func Split(id string, data []byte, chunkSize int) (Metadata, []Chunk) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	chunks := make([]Chunk, 0, (len(data)+chunkSize-1)/chunkSize)
	for offset := 0; offset < len(data); offset += chunkSize {
		end := min(offset+chunkSize, len(data))
		chunks = append(chunks, Chunk{
			Index:    uint64(len(chunks)),
			Data:     data[offset:end],
			Checksum: ChunkChecksum(data[offset:end]),
		})
	}

	return Metadata{
		ID:         id,
		TotalSize:  uint64(len(data)),
		ChunkCount: uint64(len(chunks)),
		Checksum:   ObjectChecksum(data),
		ChunkSize:  uint64(chunkSize),
	}, chunks
}

// Send writes the metadata frame then every chunk, in order.
func Send(ctx context.Context, w flow.FrameWriter, id string, data []byte, opts Options) (Metadata, error) {
	meta, chunks := Split(id, data, opts.chunkSize())

	payload, err := json.Marshal(meta)
	if err != nil {
		return meta, err
	}
	f, err := newFrame(frame.Header{Op: OpMetadata}, payload, opts)
	if err != nil {
		return meta, err
	}
	if err := w.WriteFrame(ctx, f); err != nil {
		return meta, err
	}

	for _, chunk := range chunks {
		encoded, used, err := compress(opts.Compression, chunk.Data)
		if err != nil {
			return meta, err
		}

		index := chunk.Index
		h := frame.Header{
			Op:         OpChunk,
			ChunkIndex: &index,
			Checksum:   chunk.Checksum,
		}
		if used != CompressionNone {
			h.Compression = string(used)
		}

		f, err := newFrame(h, encoded, opts)
		if err != nil {
			return meta, err
		}
		if err := w.WriteFrame(ctx, f); err != nil {
			return meta, fmt.Errorf("snapshot: chunk %d: %w", index, err)
		}
	}

	return meta, nil
}

func newFrame(h frame.Header, payload []byte, opts Options) (*frame.Frame, error) {
	if opts.Authorize != nil {
		in, err := opts.Authorize(h.Op)
		if err != nil {
			return nil, fmt.Errorf("snapshot: authorize %s: %w", h.Op, err)
		}
		h = h.WithIntent(in)
	}
	return frame.New(frame.TypeSnapshot, h, payload)
}

// Receive reads one snapshot from r. Each chunk is checked as soon as it
// arrives so that corruption fails the transfer without reading further.
func Receive(ctx context.Context, r flow.FrameReader, opts Options) (*Snapshot, error) {
	f, h, err := readFrame(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	if h.Op != OpMetadata {
		return nil, fmt.Errorf("%w: %q before metadata", ErrUnexpectedFrame, h.Op)
	}

	var meta Metadata
	if err := json.Unmarshal(f.Payload, &meta); err != nil {
		return nil, fmt.Errorf("%w: metadata: %w", ErrSnapshot, err)
	}
	if err := checkMetadata(meta, opts.maxSize()); err != nil {
		return nil, err
	}

	data := make([]byte, 0, meta.TotalSize)
	for index := uint64(0); index < meta.ChunkCount; index++ {
		f, h, err := readFrame(ctx, r, opts)
		if err != nil {
			return nil, err
		}
		if h.Op != OpChunk || h.ChunkIndex == nil {
			return nil, fmt.Errorf("%w: %q while expecting chunk %d", ErrUnexpectedFrame, h.Op, index)
		}
		if *h.ChunkIndex != index {
			return nil, fmt.Errorf("%w: got %d, expected %d", ErrOutOfOrder, *h.ChunkIndex, index)
		}

		size := min(meta.ChunkSize, meta.TotalSize-uint64(len(data)))
		chunk, err := decompress(Compression(h.Compression), f.Payload, int(size))
		if errors.Is(err, errCorrupted) {
			return nil, &ChecksumError{Chunk: int64(index), Want: h.Checksum, Err: err}
		}
		if err != nil {
			return nil, fmt.Errorf("snapshot: chunk %d: %w", index, err)
		}
		if got := ChunkChecksum(chunk); got != h.Checksum {
			return nil, &ChecksumError{Chunk: int64(index), Want: h.Checksum, Got: got}
		}
		data = append(data, chunk...)
	}

	if got := ObjectChecksum(data); got != meta.Checksum {
		return nil, &ChecksumError{Chunk: -1, Want: meta.Checksum, Got: got}
	}

	return &Snapshot{Metadata: meta, Data: data}, nil
}

func checkMetadata(meta Metadata, maxSize uint64) error {
	if meta.TotalSize > maxSize {
		return fmt.Errorf("%w: %d bytes announced, %d allowed", ErrTooLarge, meta.TotalSize, maxSize)
	}
	if meta.TotalSize == 0 {
		if meta.ChunkCount != 0 {
			return fmt.Errorf("%w: %d chunks for an empty payload", ErrSnapshot, meta.ChunkCount)
		}
		return nil
	}
	if meta.ChunkSize == 0 || meta.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d", ErrSnapshot, meta.ChunkSize)
	}
	if want := (meta.TotalSize + meta.ChunkSize - 1) / meta.ChunkSize; meta.ChunkCount != want {
		return fmt.Errorf("%w: %d chunks announced, %d expected", ErrSnapshot, meta.ChunkCount, want)
	}
	return nil
}

func readFrame(ctx context.Context, r flow.FrameReader, opts Options) (*frame.Frame, frame.Header, error) {
	f, err := r.ReadFrame(ctx)
	if err != nil {
		if flow.IsEOF(err) {
			return nil, frame.Header{}, ErrIncomplete
		}
		return nil, frame.Header{}, err
	}
	if f.Type != frame.TypeSnapshot {
		return nil, frame.Header{}, fmt.Errorf("%w: %s frame", ErrUnexpectedFrame, f.Type)
	}
	if opts.Verify != nil {
		if err := opts.Verify(f); err != nil {
			return nil, frame.Header{}, err
		}
	}
	h, err := f.ParseHeader()
	if err != nil {
		return nil, h, err
	}
	return f, h, nil
}
