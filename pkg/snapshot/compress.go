package snapshot

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression applies to chunk bytes on the wire only. Checksums always
// cover uncompressed bytes.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

func ParseCompression(v string) (Compression, error) {
	switch c := Compression(v); c {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionLZ4, CompressionZstd:
		return c, nil
	}
	return "", fmt.Errorf("%w: unknown compression %q", ErrSnapshot, v)
}

var (
	errIncompressible = errors.New("incompressible")
	// errCorrupted marks chunk bytes which cannot be decoded to the
	// announced size.
	errCorrupted = errors.New("corrupted chunk")
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("snapshot: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxChunkSize),
		zstd.WithDecodeAllCapLimit(true),
	)
	if err != nil {
		panic("snapshot: zstd decoder initialization failed: " + err.Error())
	}
}

// compress returns the encoded chunk and the compression actually used,
// which falls back to none when it would not save space.
func compress(c Compression, data []byte) ([]byte, Compression, error) {
	var (
		out []byte
		err error
	)
	switch c {
	case "", CompressionNone:
		return data, CompressionNone, nil
	case CompressionLZ4:
		out, err = compressLZ4(data)
	case CompressionZstd:
		out, err = compressZstd(data)
	default:
		return nil, "", fmt.Errorf("%w: unknown compression %q", ErrSnapshot, c)
	}
	if errors.Is(err, errIncompressible) {
		return data, CompressionNone, nil
	}
	if err != nil {
		return nil, "", err
	}
	return out, c, nil
}

func decompress(c Compression, data []byte, size int) ([]byte, error) {
	switch c {
	case "", CompressionNone:
		if len(data) != size {
			return nil, fmt.Errorf("%w: got %d bytes, expected %d", errCorrupted, len(data), size)
		}
		return data, nil
	case CompressionLZ4:
		return decompressLZ4(data, size)
	case CompressionZstd:
		return decompressZstd(data, size)
	}
	return nil, fmt.Errorf("%w: unknown compression %q", ErrSnapshot, c)
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, size int) ([]byte, error) {
	destination := make([]byte, size)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("%w: lz4 decompress: %w", errCorrupted, err)
	}
	if read != size {
		return nil, fmt.Errorf("%w: lz4 decompress: got %d bytes, expected %d", errCorrupted, read, size)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

// decompressZstd refuses frames announcing more than size bytes before
// decoding them. Frames without a content size stop decoding once the
// capacity of the output, which is size, is exceeded.
func decompressZstd(compressed []byte, size int) ([]byte, error) {
	var hdr zstd.Header
	if err := hdr.Decode(compressed); err != nil {
		return nil, fmt.Errorf("%w: zstd header: %w", errCorrupted, err)
	}
	if hdr.HasFCS && hdr.FrameContentSize > uint64(size) {
		return nil, fmt.Errorf("%w: zstd frame of %d bytes, expected %d", errCorrupted, hdr.FrameContentSize, size)
	}

	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, size))
	if err != nil {
		return nil, fmt.Errorf("%w: zstd decompress: %w", errCorrupted, err)
	}
	if len(result) != size {
		return nil, fmt.Errorf("%w: zstd decompress: got %d bytes, expected %d", errCorrupted, len(result), size)
	}
	return result, nil
}
