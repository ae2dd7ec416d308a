package frame

import "fmt"

type Type uint8

const (
	TypeControl Type = iota
	TypeRequest
	TypeResponse
	TypeGossip
	TypeSnapshot
	TypeTelemetry
	TypeToken
	TypeTrace
	TypeRubric
	TypeVerify

	typeCount
)

var typeNames = [typeCount]string{
	TypeControl:   "control",
	TypeRequest:   "request",
	TypeResponse:  "response",
	TypeGossip:    "gossip",
	TypeSnapshot:  "snapshot",
	TypeTelemetry: "telemetry",
	TypeToken:     "token",
	TypeTrace:     "trace",
	TypeRubric:    "rubric",
	TypeVerify:    "verify",
}

func (t Type) Valid() bool {
	return t < typeCount
}

func (t Type) String() string {
	if !t.Valid() {
		return fmt.Sprintf("type(%d)", uint8(t))
	}
	return typeNames[t]
}

// Mutating reports whether frames of this type change peer state and must
// therefore carry a verified intent.
func (t Type) Mutating() bool {
	switch t {
	case TypeControl, TypeRequest, TypeSnapshot:
		return true
	}
	return false
}
