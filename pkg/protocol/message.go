// Package protocol defines the websocket messages exchanged with frame
// producers: browser tabs or remote cameras pushing stills to the server.
//
// Producers may also send raw JPEG bytes as binary websocket messages; the
// JSON envelope below carries everything else.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of websocket message.
type MessageType string

const (
	// Producer → server
	TypeFrame MessageType = "frame" // JPEG still, base64 in JSON

	// Server → producer
	TypeConfig MessageType = "config" // Requested capture settings
	TypeAck    MessageType = "ack"    // Frame accepted or rejected

	// Bidirectional
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Message is the wrapper for all JSON websocket messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a message with the current timestamp.
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into v.
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// FrameData is one captured still.
type FrameData struct {
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Format  string `json:"format"` // "jpeg"
	Data    string `json:"data"`   // base64 encoded
	FrameID uint64 `json:"frame_id,omitempty"`
}

// CameraConfig asks the producer to capture at these settings.
type CameraConfig struct {
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
	Framerate int    `json:"framerate,omitempty"`
	Quality   int    `json:"quality,omitempty"`
	Mirror    bool   `json:"mirror,omitempty"`
	Preset    string `json:"preset,omitempty"`
}

// AckData reports what happened to a pushed frame.
type AckData struct {
	FrameID uint64 `json:"frame_id,omitempty"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// PingData contains ping information.
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData answers a ping.
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}

// NewFrameMessage wraps JPEG bytes.
func NewFrameMessage(width, height int, jpegData []byte, frameID uint64) (*Message, error) {
	return NewMessage(TypeFrame, FrameData{
		Width:   width,
		Height:  height,
		Format:  "jpeg",
		Data:    base64.StdEncoding.EncodeToString(jpegData),
		FrameID: frameID,
	})
}

// NewConfigMessage creates a capture settings message.
func NewConfigMessage(cfg CameraConfig) (*Message, error) {
	return NewMessage(TypeConfig, cfg)
}

// NewAckMessage acknowledges a frame. A nil err means accepted.
func NewAckMessage(frameID uint64, err error) (*Message, error) {
	ack := AckData{FrameID: frameID, OK: err == nil}
	if err != nil {
		ack.Error = err.Error()
	}
	return NewMessage(TypeAck, ack)
}

// NewPingMessage creates a ping.
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{ID: id, Timestamp: time.Now().UnixMilli()})
}

// NewPongMessage answers a ping sent at pingTS.
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// GetFrameData extracts frame data.
func (m *Message) GetFrameData() (*FrameData, error) {
	var data FrameData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// Decode returns the raw image bytes.
func (f *FrameData) Decode() ([]byte, error) {
	if f.Format != "" && f.Format != "jpeg" {
		return nil, fmt.Errorf("unsupported frame format %q", f.Format)
	}
	return base64.StdEncoding.DecodeString(f.Data)
}

// GetConfig extracts capture settings.
func (m *Message) GetConfig() (*CameraConfig, error) {
	var data CameraConfig
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetAck extracts an acknowledgement.
func (m *Message) GetAck() (*AckData, error) {
	var data AckData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data.
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
