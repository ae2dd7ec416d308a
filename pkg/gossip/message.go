// Package gossip carries small best-effort coordination messages between
// peers: pattern and learning updates, peer announcements and health
// checks.
package gossip

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/raskyld/synapse/pkg/frame"
)

var (
	ErrUnknownMessage = errors.New("gossip: unknown message type")
	ErrNotGossip      = errors.New("gossip: not a gossip frame")
)

const opPrefix = "gossip."

// Kind names a message variant on the wire.
type Kind string

const (
	KindPatternUpdate  Kind = "pattern_update"
	KindLearningUpdate Kind = "learning_update"
	KindPeerAnnounce   Kind = "peer_announce"
	KindHealthPing     Kind = "health_ping"
	KindHealthPong     Kind = "health_pong"
)

// Message is implemented by every gossip variant.
type Message interface {
	Kind() Kind
}

type PatternUpdate struct {
	PatternID string            `json:"pattern_id"`
	Version   uint64            `json:"version"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type LearningUpdate struct {
	ModelID string             `json:"model_id"`
	Epoch   uint64             `json:"epoch"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
	Delta   []byte             `json:"delta,omitempty"`
}

// PeerAnnounce advertises how to reach a peer and which key signs its
// intents.
type PeerAnnounce struct {
	PeerID       string   `json:"peer_id"`
	Addr         string   `json:"addr"`
	KeyID        string   `json:"key_id,omitempty"`
	Algorithm    string   `json:"algorithm,omitempty"`
	PublicKey    []byte   `json:"public_key,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type HealthPing struct {
	Sent int64 `json:"sent,omitempty"`
}

type HealthPong struct {
	// Echo is the Sent value of the ping being answered.
	Echo int64 `json:"echo,omitempty"`
}

func (PatternUpdate) Kind() Kind  { return KindPatternUpdate }
func (LearningUpdate) Kind() Kind { return KindLearningUpdate }
func (PeerAnnounce) Kind() Kind   { return KindPeerAnnounce }
func (HealthPing) Kind() Kind     { return KindHealthPing }
func (HealthPong) Kind() Kind     { return KindHealthPong }

type envelope struct {
	Type Kind            `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Marshal encodes msg in its tagged envelope.
func Marshal(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: msg.Kind(), Body: body})
}

// Unmarshal decodes a tagged envelope into the matching variant.
func Unmarshal(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("gossip: envelope: %w", err)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case KindPatternUpdate:
		msg = decodeBody[PatternUpdate](env.Body, &err)
	case KindLearningUpdate:
		msg = decodeBody[LearningUpdate](env.Body, &err)
	case KindPeerAnnounce:
		msg = decodeBody[PeerAnnounce](env.Body, &err)
	case KindHealthPing:
		msg = decodeBody[HealthPing](env.Body, &err)
	case KindHealthPong:
		msg = decodeBody[HealthPong](env.Body, &err)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("gossip: %s body: %w", env.Type, err)
	}
	return msg, nil
}

func decodeBody[M Message](body json.RawMessage, errp *error) Message {
	var msg M
	if len(body) > 0 && string(body) != "null" {
		*errp = json.Unmarshal(body, &msg)
	}
	return msg
}

// EncodeFrame wraps msg in a gossip frame.
func EncodeFrame(msg Message) (*frame.Frame, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	return frame.New(frame.TypeGossip, frame.Header{Op: opPrefix + string(msg.Kind())}, payload)
}

// DecodeFrame extracts the message carried by a gossip frame.
func DecodeFrame(f *frame.Frame) (Message, error) {
	if f.Type != frame.TypeGossip {
		return nil, fmt.Errorf("%w: %s", ErrNotGossip, f.Type)
	}
	h, err := f.ParseHeader()
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(h.Op, opPrefix) {
		return nil, fmt.Errorf("%w: op %q", ErrNotGossip, h.Op)
	}

	msg, err := Unmarshal(f.Payload)
	if err != nil {
		return nil, err
	}
	if opPrefix+string(msg.Kind()) != h.Op {
		return nil, fmt.Errorf("gossip: op %q does not match %s body", h.Op, msg.Kind())
	}
	return msg, nil
}
