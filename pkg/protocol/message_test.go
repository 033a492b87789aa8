package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewMessage(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		data    interface{}
	}{
		{"frame", TypeFrame, FrameData{Width: 640, Height: 480, Format: "jpeg"}},
		{"config", TypeConfig, CameraConfig{Width: 320, Height: 240}},
		{"nil data", TypePing, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.data)
			if err != nil {
				t.Fatalf("NewMessage() error = %v", err)
			}
			if msg.Type != tt.msgType {
				t.Errorf("type = %v, want %v", msg.Type, tt.msgType)
			}
			if msg.Timestamp == 0 {
				t.Error("timestamp should be set")
			}
		})
	}
}

func TestFrameMessage(t *testing.T) {
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0xFF, 0xD9}

	msg, err := NewFrameMessage(640, 480, jpeg, 7)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := msg.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseMessage(raw)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Type != TypeFrame {
		t.Fatalf("type = %s", parsed.Type)
	}
	frame, err := parsed.GetFrameData()
	if err != nil {
		t.Fatal(err)
	}
	if frame.FrameID != 7 || frame.Width != 640 {
		t.Errorf("unexpected frame %+v", frame)
	}
	data, err := frame.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, jpeg) {
		t.Error("decoded bytes differ")
	}
}

func TestFrameDecodeRejectsOtherFormats(t *testing.T) {
	f := FrameData{Format: "h264", Data: "AAAA"}
	if _, err := f.Decode(); err == nil {
		t.Error("h264 frames should be rejected")
	}
}

func TestParseMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", "{not json"},
		{"missing type", `{"ts":1}`},
		{"empty", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseMessage([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestAckMessage(t *testing.T) {
	ok, _ := NewAckMessage(3, nil)
	ack, err := ok.GetAck()
	if err != nil || !ack.OK || ack.FrameID != 3 {
		t.Errorf("ack = %+v, err = %v", ack, err)
	}

	bad, _ := NewAckMessage(4, errors.New("not a jpeg"))
	ack, _ = bad.GetAck()
	if ack.OK || ack.Error != "not a jpeg" {
		t.Errorf("ack = %+v", ack)
	}
}

func TestPong(t *testing.T) {
	msg, err := NewPongMessage("abc", 1000, 1042)
	if err != nil {
		t.Fatal(err)
	}
	var pong PongData
	if err := msg.ParseData(&pong); err != nil {
		t.Fatal(err)
	}
	if pong.LatencyMs != 42 || pong.ID != "abc" {
		t.Errorf("pong = %+v", pong)
	}
}

func TestConfigMessage(t *testing.T) {
	msg, _ := NewConfigMessage(CameraConfig{Width: 1280, Height: 720, Quality: 80})
	cfg, err := msg.GetConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 1280 || cfg.Quality != 80 {
		t.Errorf("cfg = %+v", cfg)
	}
}
