// Package frame implements the binary wire unit exchanged on every bus stream.
//
// A frame is laid out in big endian as
//
//	u16 version | u8 type | u32 header_len | u32 payload_len | header | payload
//
// where header is a JSON object carrying at least an "op" field.
package frame

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// Version is the only wire version this package speaks.
	Version uint16 = 1

	// PrefixSize is the size of the fixed part preceding the header.
	PrefixSize = 2 + 1 + 4 + 4

	DefaultMaxHeaderSize  = 64 << 10
	DefaultMaxPayloadSize = 16 << 20
)

var (
	ErrFrame = errors.New("frame: malformed")

	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", ErrFrame)
	ErrTruncated          = fmt.Errorf("%w: truncated", ErrFrame)
	ErrUnknownType        = fmt.Errorf("%w: unknown type", ErrFrame)
	ErrInvalidHeader      = fmt.Errorf("%w: invalid header", ErrFrame)
	ErrTooLarge           = fmt.Errorf("%w: too large", ErrFrame)
	ErrTrailingBytes      = fmt.Errorf("%w: trailing bytes", ErrFrame)
)

// Limits bounds what [Read] accepts from a peer.
type Limits struct {
	MaxHeaderSize  uint32
	MaxPayloadSize uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxHeaderSize:  DefaultMaxHeaderSize,
		MaxPayloadSize: DefaultMaxPayloadSize,
	}
}

// Frame is a decoded wire frame.
//
// Header holds the raw JSON bytes exactly as received so that encoding a
// decoded frame reproduces the original bytes. The length fields of the
// wire format are derived from Header and Payload.
type Frame struct {
	Version uint16
	Type    Type
	Header  []byte
	Payload []byte
}

// New builds a frame of type t, marshalling h as its header.
func New(t Type, h Header, payload []byte) (*Frame, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	raw, err := h.Marshal()
	if err != nil {
		return nil, err
	}
	return &Frame{
		Version: Version,
		Type:    t,
		Header:  raw,
		Payload: payload,
	}, nil
}

// ParseHeader decodes the JSON header.
func (f *Frame) ParseHeader() (Header, error) {
	var h Header
	if err := json.Unmarshal(f.Header, &h); err != nil {
		return h, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if h.Op == "" {
		return h, fmt.Errorf("%w: missing op", ErrInvalidHeader)
	}
	return h, nil
}

// Size is the encoded size of f.
func (f *Frame) Size() int {
	return PrefixSize + len(f.Header) + len(f.Payload)
}

// Encode serializes f. It fails on frames that [Decode] would reject.
func Encode(f *Frame) ([]byte, error) {
	if f.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}
	if !f.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, f.Type)
	}
	if uint64(len(f.Header)) > math.MaxUint32 || uint64(len(f.Payload)) > math.MaxUint32 {
		return nil, ErrTooLarge
	}
	if err := validateHeader(f.Header); err != nil {
		return nil, err
	}

	buf := make([]byte, PrefixSize, f.Size())
	binary.BigEndian.PutUint16(buf[0:2], f.Version)
	buf[2] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[3:7], uint32(len(f.Header)))
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(f.Payload)))
	buf = append(buf, f.Header...)
	buf = append(buf, f.Payload...)
	return buf, nil
}

// Decode parses exactly one frame from b. It never returns a partially
// decoded frame.
func Decode(b []byte) (*Frame, error) {
	if len(b) < PrefixSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrTruncated, len(b), PrefixSize)
	}

	p, err := parsePrefix(b[:PrefixSize])
	if err != nil {
		return nil, err
	}

	total := uint64(PrefixSize) + uint64(p.headerLen) + uint64(p.payloadLen)
	if uint64(len(b)) < total {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrTruncated, len(b), total)
	}
	if uint64(len(b)) > total {
		return nil, fmt.Errorf("%w: %d after frame end", ErrTrailingBytes, uint64(len(b))-total)
	}

	headerEnd := PrefixSize + int(p.headerLen)
	f := &Frame{
		Version: p.version,
		Type:    p.typ,
		Header:  bytes.Clone(b[PrefixSize:headerEnd]),
	}
	if p.payloadLen > 0 {
		f.Payload = bytes.Clone(b[headerEnd:])
	}

	if err := validateHeader(f.Header); err != nil {
		return nil, err
	}
	return f, nil
}

// Write encodes f and writes it with a single call to w.
func Write(w io.Writer, f *Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Read reads one frame from r. It returns [io.EOF] if r ends cleanly before
// the first byte of a frame and [ErrTruncated] if it ends in the middle.
func Read(r io.Reader, limits Limits) (*Frame, error) {
	var head [PrefixSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: in prefix", ErrTruncated)
		}
		return nil, err
	}

	p, err := parsePrefix(head[:])
	if err != nil {
		return nil, err
	}
	if limits.MaxHeaderSize > 0 && p.headerLen > limits.MaxHeaderSize {
		return nil, fmt.Errorf("%w: header of %d bytes", ErrTooLarge, p.headerLen)
	}
	if limits.MaxPayloadSize > 0 && p.payloadLen > limits.MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrTooLarge, p.payloadLen)
	}

	f := &Frame{
		Version: p.version,
		Type:    p.typ,
		Header:  make([]byte, p.headerLen),
	}
	if err := readBody(r, f.Header); err != nil {
		return nil, err
	}
	if p.payloadLen > 0 {
		f.Payload = make([]byte, p.payloadLen)
		if err := readBody(r, f.Payload); err != nil {
			return nil, err
		}
	}

	if err := validateHeader(f.Header); err != nil {
		return nil, err
	}
	return f, nil
}

func readBody(r io.Reader, dst []byte) error {
	_, err := io.ReadFull(r, dst)
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: in body", ErrTruncated)
	}
	return err
}

type prefix struct {
	version    uint16
	typ        Type
	headerLen  uint32
	payloadLen uint32
}

func parsePrefix(b []byte) (prefix, error) {
	p := prefix{
		version:    binary.BigEndian.Uint16(b[0:2]),
		typ:        Type(b[2]),
		headerLen:  binary.BigEndian.Uint32(b[3:7]),
		payloadLen: binary.BigEndian.Uint32(b[7:11]),
	}
	if p.version != Version {
		return p, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.version)
	}
	if !p.typ.Valid() {
		return p, fmt.Errorf("%w: %d", ErrUnknownType, p.typ)
	}
	return p, nil
}

// validateHeader only checks the shape: a JSON object with a non-empty
// string "op".
func validateHeader(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: not a JSON object", ErrInvalidHeader)
	}
	var probe struct {
		Op *string `json:"op"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	if probe.Op == nil || *probe.Op == "" {
		return fmt.Errorf("%w: missing op", ErrInvalidHeader)
	}
	return nil
}
