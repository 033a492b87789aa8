package camera

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ErrNotImage is returned when uploaded bytes are not an image.
var ErrNotImage = errors.New("camera: not an image")

// Frame is one captured still image, encoded for network transport.
type Frame struct {
	Data        []byte
	ContentType string
	Seq         uint64
	CapturedAt  time.Time
}

// DataURL returns the frame as a data: URL suitable for an <img> src.
func (f Frame) DataURL() string {
	if len(f.Data) == 0 {
		return ""
	}
	ct := f.ContentType
	if ct == "" {
		ct = http.DetectContentType(f.Data)
	}
	return "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// Static is a capture source over a single uploaded image.
// It emits exactly one frame and then becomes inert.
type Static struct {
	frame  Frame
	width  int
	height int

	mu      sync.Mutex
	emitted bool
}

// LoadStatic wraps uploaded image bytes. The bytes are sent as-is; only the
// header is decoded to reject non-images.
func LoadStatic(data []byte) (*Static, error) {
	if len(data) == 0 {
		return nil, ErrNotImage
	}

	ct := http.DetectContentType(data)
	if !strings.HasPrefix(ct, "image/") {
		return nil, ErrNotImage
	}

	s := &Static{
		frame: Frame{
			Data:        data,
			ContentType: ct,
			Seq:         1,
			CapturedAt:  time.Now(),
		},
	}

	// Formats without a registered decoder (webp, bmp) are forwarded untouched.
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		s.width, s.height = cfg.Width, cfg.Height
	} else if !errors.Is(err, image.ErrFormat) {
		return nil, ErrNotImage
	}

	return s, nil
}

// Next returns the frame on the first call and false afterwards.
func (s *Static) Next() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emitted {
		return Frame{}, false
	}
	s.emitted = true
	return s.frame, true
}

// Peek returns the frame without consuming it.
func (s *Static) Peek() Frame {
	return s.frame
}

// Size returns the decoded dimensions, or zeros when the format is unknown.
func (s *Static) Size() (width, height int) {
	return s.width, s.height
}
