package wire

import (
	"encoding/json"
	"sync/atomic"
)

// MessageKind tags the shape of a Message's payload so a Mux can dispatch
// on it without decoding the payload twice.
type MessageKind string

// Message is the envelope carried inside every frame. Payload carries the
// JSON-encoded body matching Kind; CorrelationID, when non-zero, ties a
// response back to the request that produced it.
type Message struct {
	ID            uint64          `json:"id"`
	Kind          MessageKind     `json:"kind"`
	CorrelationID uint64          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Encode marshals a typed body into a Message of the given kind.
func Encode(kind MessageKind, id uint64, correlationID uint64, body any) (Message, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Kind: kind, CorrelationID: correlationID, Payload: raw}, nil
}

// Decode unmarshals m's payload into out.
func Decode(m Message, out any) error {
	return json.Unmarshal(m.Payload, out)
}

// Marshal/Unmarshal convert a Message to/from the bytes a FramedSocket
// sends and receives.
func Marshal(m Message) ([]byte, error) { return json.Marshal(m) }

func Unmarshal(b []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(b, &m)
	return m, err
}

// IDGenerator hands out a monotonically increasing stream of message ids,
// one per FramedSocket pair, unique enough to correlate a response with
// its request within that connection's lifetime.
type IDGenerator struct {
	counter atomic.Uint64
}

func (g *IDGenerator) Next() uint64 {
	return g.counter.Add(1)
}

// mustJSON marshals v, returning an empty object on failure rather than
// panicking or reporting an error; the caller sends that placeholder as
// is.
func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
