// Package hub fans messages out to websocket presenters. One goroutine owns
// the client set; clients that fall behind are dropped.
package hub

import "encoding/json"

// MessageType indicates the websocket message format.
type MessageType int

const (
	// JSONMessage is a JSON-encoded text message.
	JSONMessage MessageType = iota
	// BinaryMessage is raw binary data, e.g. JPEG preview frames.
	BinaryMessage
)

// Message is one broadcast payload.
type Message struct {
	Type MessageType
	Data []byte
}

// NewJSONMessage wraps pre-encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Type: JSONMessage, Data: data}
}

// NewBinaryMessage wraps binary data.
func NewBinaryMessage(data []byte) Message {
	return Message{Type: BinaryMessage, Data: data}
}

// Envelope is the JSON shape of typed text messages.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EncodeEnvelope marshals a typed message.
func EncodeEnvelope(typ string, data any) (Message, error) {
	b, err := json.Marshal(Envelope{Type: typ, Data: data})
	if err != nil {
		return Message{}, err
	}
	return NewJSONMessage(b), nil
}
