package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"strings"
	"sync/atomic"

	"github.com/nfnt/resize"
)

// Errors returned by devices and streams.
var (
	// ErrDeviceUnavailable wraps every failure to acquire a device:
	// permission denied, no such device, or device busy.
	ErrDeviceUnavailable = errors.New("camera: device unavailable")

	// ErrNotReady means the device has not produced displayable data yet.
	// The capture is skipped, never queued.
	ErrNotReady = errors.New("camera: no frame available")

	// ErrStopped is returned by Capture after Stop.
	ErrStopped = errors.New("camera: stream stopped")
)

// Device is an exclusively owned video source.
type Device interface {
	// Grab renders the current video image into an off-screen buffer and
	// returns it JPEG-encoded. It returns ErrNotReady until the device has data.
	Grab(cfg Config) ([]byte, error)

	// Close releases the hardware handle.
	Close() error
}

// Opener acquires devices by name.
type Opener interface {
	Open(ctx context.Context, name string, cfg Config) (Device, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, name string, cfg Config) (Device, error)

// Open implements Opener.
func (f OpenerFunc) Open(ctx context.Context, name string, cfg Config) (Device, error) {
	return f(ctx, name, cfg)
}

// Router picks an Opener from the device name:
//
//	ws://... or wss://...   remote WebRTC camera
//	push:<name>             frames pushed over websocket
//	anything else           local webcam index or path
type Router struct {
	Local  Opener
	WebRTC Opener
	Push   Opener
}

// Open implements Opener.
func (r Router) Open(ctx context.Context, name string, cfg Config) (Device, error) {
	var o Opener
	switch {
	case strings.HasPrefix(name, "ws://"), strings.HasPrefix(name, "wss://"):
		o = r.WebRTC
	case strings.HasPrefix(name, PushPrefix):
		o = r.Push
	default:
		o = r.Local
	}
	if o == nil {
		return nil, fmt.Errorf("%w: no backend for %q", ErrDeviceUnavailable, name)
	}
	return o.Open(ctx, name, cfg)
}

// ImageDevice adapts an image producer to Device.
// Source returning a nil image means "not ready". Images larger than the
// configured resolution are scaled down, keeping their aspect ratio.
type ImageDevice struct {
	Source func() (image.Image, error)

	closed atomic.Bool
}

// Grab implements Device.
func (d *ImageDevice) Grab(cfg Config) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrStopped
	}
	img, err := d.Source()
	if err != nil {
		return nil, err
	}
	if img == nil {
		return nil, ErrNotReady
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		img = resize.Thumbnail(uint(cfg.Width), uint(cfg.Height), img, resize.Lanczos3)
	}
	if cfg.Mirror {
		img = mirror(img)
	}
	return EncodeJPEG(img, cfg.Quality)
}

// Close implements Device.
func (d *ImageDevice) Close() error {
	d.closed.Store(true)
	return nil
}

// Closed reports whether Close has been called.
func (d *ImageDevice) Closed() bool {
	return d.closed.Load()
}

// EncodeJPEG encodes img at the given quality (default 85).
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = 85
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("camera: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func mirror(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for l, r := b.Min.X, b.Max.X-1; l < r; l, r = l+1, r-1 {
			cl, cr := dst.At(l, y), dst.At(r, y)
			dst.Set(l, y, cr)
			dst.Set(r, y, cl)
		}
	}
	return dst
}
