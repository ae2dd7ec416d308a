package frame

import (
	"encoding/json"
	"fmt"

	"github.com/raskyld/synapse/pkg/intent"
)

// Header is the typed view of a frame JSON header.
//
// The intent fields, when present, describe the authorization attached to
// the frame. Op doubles as the operation the intent was signed for.
type Header struct {
	Op string `json:"op"`

	KeyID     string       `json:"kid,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
	Nonce     string       `json:"nonce,omitempty"`
	Scope     intent.Scope `json:"scope,omitempty"`
	Cap       *int64       `json:"cap,omitempty"`
	Signature []byte       `json:"sig,omitempty"`
	Version   int          `json:"version,omitempty"`

	ChunkIndex  *uint64 `json:"chunk_index,omitempty"`
	Checksum    string  `json:"checksum,omitempty"`
	Compression string  `json:"compression,omitempty"`

	Seq uint64 `json:"seq,omitempty"`
}

func (h Header) Marshal() ([]byte, error) {
	if h.Op == "" {
		return nil, fmt.Errorf("%w: missing op", ErrInvalidHeader)
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	return raw, nil
}

// WithIntent copies in into the header, overwriting Op.
func (h Header) WithIntent(in *intent.Intent) Header {
	spendCap := in.Cap
	h.Op = in.Op
	h.KeyID = in.KeyID
	h.Timestamp = in.Timestamp
	h.Nonce = in.Nonce
	h.Scope = in.Scope
	h.Cap = &spendCap
	h.Signature = in.Signature
	h.Version = in.Version
	return h
}

// Intent returns the attached intent, or nil if the header carries none.
func (h Header) Intent() *intent.Intent {
	if h.KeyID == "" {
		return nil
	}
	in := &intent.Intent{
		KeyID:     h.KeyID,
		Timestamp: h.Timestamp,
		Nonce:     h.Nonce,
		Scope:     h.Scope,
		Signature: h.Signature,
		Op:        h.Op,
		Version:   h.Version,
	}
	if h.Cap != nil {
		in.Cap = *h.Cap
	}
	return in
}

// Intent parses the header of f and returns its attached intent, if any.
func (f *Frame) Intent() (*intent.Intent, error) {
	h, err := f.ParseHeader()
	if err != nil {
		return nil, err
	}
	return h.Intent(), nil
}
