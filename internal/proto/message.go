// Package proto implements the tunnel wire protocol: a line-delimited,
// externally-tagged JSON codec shared by the control channel and the
// first frame of every data connection.
package proto

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the tagged Message variants on the wire.
type Kind string

const (
	KindHello        Kind = "Hello"
	KindChallenge    Kind = "Challenge"
	KindAuthenticate Kind = "Authenticate"
	KindConnection   Kind = "Connection"
	KindAccept       Kind = "Accept"
	KindHeartbeat    Kind = "Heartbeat"
	KindError        Kind = "Error"
)

// MaxFrameSize is the largest single frame, in bytes, either peer will
// accept; the terminating newline is not counted.
const MaxFrameSize = 256

// Message is the tagged-variant union described in spec §3. Only the
// fields relevant to Kind are meaningful.
type Message struct {
	Kind    Kind
	Port    uint16
	UUID    uuid.UUID
	HexHMAC string
	Text    string
}

func Hello(port uint16) Message           { return Message{Kind: KindHello, Port: port} }
func Challenge(id uuid.UUID) Message      { return Message{Kind: KindChallenge, UUID: id} }
func Authenticate(hexHMAC string) Message { return Message{Kind: KindAuthenticate, HexHMAC: hexHMAC} }
func Connection(id uuid.UUID) Message     { return Message{Kind: KindConnection, UUID: id} }
func Accept(id uuid.UUID) Message         { return Message{Kind: KindAccept, UUID: id} }
func Heartbeat() Message                  { return Message{Kind: KindHeartbeat} }
func Error(text string) Message           { return Message{Kind: KindError, Text: text} }

type helloBody struct {
	Port uint16 `json:"port"`
}

type uuidBody struct {
	UUID uuid.UUID `json:"uuid"`
}

type authBody struct {
	HexHMAC string `json:"hex_hmac"`
}

type errorBody struct {
	Text string `json:"text"`
}

// MarshalJSON writes the externally-tagged nested-object form, e.g.
// {"Hello":{"port":8000}} or {"Heartbeat":null}.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Kind {
	case KindHello:
		return json.Marshal(map[string]helloBody{"Hello": {Port: m.Port}})
	case KindChallenge:
		return json.Marshal(map[string]uuidBody{"Challenge": {UUID: m.UUID}})
	case KindAuthenticate:
		return json.Marshal(map[string]authBody{"Authenticate": {HexHMAC: m.HexHMAC}})
	case KindConnection:
		return json.Marshal(map[string]uuidBody{"Connection": {UUID: m.UUID}})
	case KindAccept:
		return json.Marshal(map[string]uuidBody{"Accept": {UUID: m.UUID}})
	case KindHeartbeat:
		return []byte(`{"Heartbeat":null}`), nil
	case KindError:
		return json.Marshal(map[string]errorBody{"Error": {Text: m.Text}})
	default:
		return nil, fmt.Errorf("proto: cannot marshal unknown kind %q", m.Kind)
	}
}

// UnmarshalJSON accepts the externally-tagged form MarshalJSON produces.
// A value that is not an object with exactly one tag, a tag not in the
// closed variant set, or a body that does not decode into the variant's
// fields is rejected so the caller can turn it into a ProtocolError.
// Unknown fields inside a body are ignored, as is any Heartbeat body.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("proto: not a JSON object: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("proto: expected exactly one tag, got %d", len(raw))
	}
	for tag, body := range raw {
		switch Kind(tag) {
		case KindHello:
			var b helloBody
			if err := json.Unmarshal(body, &b); err != nil {
				return fmt.Errorf("proto: bad Hello body: %w", err)
			}
			*m = Hello(b.Port)
		case KindChallenge:
			var b uuidBody
			if err := json.Unmarshal(body, &b); err != nil {
				return fmt.Errorf("proto: bad Challenge body: %w", err)
			}
			*m = Challenge(b.UUID)
		case KindAuthenticate:
			var b authBody
			if err := json.Unmarshal(body, &b); err != nil {
				return fmt.Errorf("proto: bad Authenticate body: %w", err)
			}
			*m = Authenticate(b.HexHMAC)
		case KindConnection:
			var b uuidBody
			if err := json.Unmarshal(body, &b); err != nil {
				return fmt.Errorf("proto: bad Connection body: %w", err)
			}
			*m = Connection(b.UUID)
		case KindAccept:
			var b uuidBody
			if err := json.Unmarshal(body, &b); err != nil {
				return fmt.Errorf("proto: bad Accept body: %w", err)
			}
			*m = Accept(b.UUID)
		case KindHeartbeat:
			*m = Heartbeat()
		case KindError:
			var b errorBody
			if err := json.Unmarshal(body, &b); err != nil {
				return fmt.Errorf("proto: bad Error body: %w", err)
			}
			*m = Error(b.Text)
		default:
			return fmt.Errorf("proto: unknown tag %q", tag)
		}
		return nil
	}
	return nil // unreachable, len(raw) == 1
}
