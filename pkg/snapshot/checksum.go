package snapshot

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// domainKey keys BLAKE3 so that a chunk and an object with the same bytes
// never share a checksum. Values are zero-padded ASCII.
type domainKey [32]byte

var (
	chunkDomainKey = domainKey{
		's', 'y', 'n', 'a', 'p', 's', 'e', '.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't',
		'.', 'c', 'h', 'u', 'n', 'k', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}

	objectDomainKey = domainKey{
		's', 'y', 'n', 'a', 'p', 's', 'e', '.', 's', 'n', 'a', 'p', 's', 'h', 'o', 't',
		'.', 'o', 'b', 'j', 'e', 'c', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0,
	}
)

// ChunkChecksum is the hex checksum of one uncompressed chunk.
func ChunkChecksum(data []byte) string {
	return keyedHash(chunkDomainKey, data)
}

// ObjectChecksum is the hex checksum of a whole snapshot payload.
func ObjectChecksum(data []byte) string {
	return keyedHash(objectDomainKey, data)
}

func keyedHash(key domainKey, data []byte) string {
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("snapshot: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hex.EncodeToString(hasher.Sum(nil))
}

// ChecksumError reports corrupted snapshot data. Chunk is the index of the
// offending chunk, or -1 when the reassembled object does not match.
// Err is set instead of Got when the chunk could not even be decompressed.
type ChecksumError struct {
	Chunk int64
	Want  string
	Got   string
	Err   error
}

func (e *ChecksumError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("snapshot: chunk %d is corrupted: %s", e.Chunk, e.Err)
	}
	if e.Chunk < 0 {
		return fmt.Sprintf("snapshot: object checksum mismatch: want %s, got %s", e.Want, e.Got)
	}
	return fmt.Sprintf("snapshot: chunk %d checksum mismatch: want %s, got %s", e.Chunk, e.Want, e.Got)
}

func (e *ChecksumError) Unwrap() error {
	return ErrSnapshot
}
