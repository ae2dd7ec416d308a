package synapse

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/raskyld/synapse/pkg/frame"
	"github.com/raskyld/synapse/pkg/intent"
	"google.golang.org/protobuf/encoding/protowire"
)

// maxPreambleSize bounds what we buffer before knowing who opened a stream.
const maxPreambleSize = 64 << 10

const (
	preambleRole    protowire.Number = 1
	preambleOrdinal protowire.Number = 2
	preambleIntent  protowire.Number = 3
)

// preamble is the first thing written on every stream. It is a protobuf
// message prefixed by its varint encoded length.
type preamble struct {
	role    Role
	ordinal uint64
	intent  *intent.Intent
}

func (p preamble) marshal() ([]byte, error) {
	var msg []byte
	msg = protowire.AppendTag(msg, preambleRole, protowire.VarintType)
	msg = protowire.AppendVarint(msg, uint64(p.role))
	msg = protowire.AppendTag(msg, preambleOrdinal, protowire.VarintType)
	msg = protowire.AppendVarint(msg, p.ordinal)

	if p.intent != nil {
		raw, err := frame.Header{}.WithIntent(p.intent).Marshal()
		if err != nil {
			return nil, err
		}
		msg = protowire.AppendTag(msg, preambleIntent, protowire.BytesType)
		msg = protowire.AppendBytes(msg, raw)
	}

	if len(msg) > maxPreambleSize {
		return nil, fmt.Errorf("%w: preamble of %d bytes", ErrProtocolViolation, len(msg))
	}

	buf := protowire.AppendVarint(make([]byte, 0, len(msg)+protowire.SizeVarint(uint64(len(msg)))), uint64(len(msg)))
	return append(buf, msg...), nil
}

func (p *preamble) unmarshal(msg []byte) error {
	var seenRole bool
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
		}
		msg = msg[n:]

		switch {
		case num == preambleRole && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
			}
			if v > 0xFF {
				return fmt.Errorf("%w: role %d", ErrProtocolViolation, v)
			}
			p.role = Role(v)
			seenRole = true
			msg = msg[n:]
		case num == preambleOrdinal && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(msg)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
			}
			p.ordinal = v
			msg = msg[n:]
		case num == preambleIntent && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(msg)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
			}
			var h frame.Header
			if err := json.Unmarshal(raw, &h); err != nil {
				return fmt.Errorf("%w: intent: %w", ErrProtocolViolation, err)
			}
			p.intent = h.Intent()
			msg = msg[n:]
		default:
			// Unknown fields are skipped so newer peers can extend it.
			n := protowire.ConsumeFieldValue(num, typ, msg)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
			}
			msg = msg[n:]
		}
	}

	if !seenRole || !p.role.Valid() {
		return fmt.Errorf("%w: unknown role %d", ErrProtocolViolation, p.role)
	}
	return nil
}

func writePreamble(w io.Writer, p preamble) error {
	buf, err := p.marshal()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

func readPreamble(r io.Reader) (preamble, error) {
	var p preamble

	// The length is read byte per byte so nothing past the preamble is
	// consumed.
	var (
		lenBuf [binary.MaxVarintLen64]byte
		one    = make([]byte, 1)
		i      int
	)
	for {
		if i == len(lenBuf) {
			return p, fmt.Errorf("%w: preamble length overflows", ErrProtocolViolation)
		}
		if _, err := io.ReadFull(r, one); err != nil {
			return p, err
		}
		lenBuf[i] = one[0]
		i++
		if one[0] < 0x80 {
			break
		}
	}

	size, n := protowire.ConsumeVarint(lenBuf[:i])
	if n < 0 {
		return p, fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
	}
	if size > maxPreambleSize {
		return p, fmt.Errorf("%w: preamble of %d bytes", ErrProtocolViolation, size)
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(r, msg); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return p, err
	}

	return p, p.unmarshal(msg)
}
