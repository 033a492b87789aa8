package camera

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"sync"

	"gocv.io/x/gocv"
)

// OpenCVOpener opens local webcams through OpenCV's VideoCapture.
// Names are either a numeric device index ("0") or a path/URL understood by
// OpenCV ("/dev/video2", "rtsp://...").
type OpenCVOpener struct{}

// Open implements Opener.
func (OpenCVOpener) Open(ctx context.Context, name string, cfg Config) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var src interface{} = name
	if idx, err := strconv.Atoi(name); err == nil {
		src = idx
	}

	vc, err := gocv.OpenVideoCapture(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, name, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s: not opened", ErrDeviceUnavailable, name)
	}

	if cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}
	if cfg.Framerate > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(cfg.Framerate))
	}

	return &opencvDevice{vc: vc, mat: gocv.NewMat()}, nil
}

// opencvDevice renders into a reusable Mat and encodes from it.
type opencvDevice struct {
	mu  sync.Mutex
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

// Grab implements Device.
func (d *opencvDevice) Grab(cfg Config) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vc == nil {
		return nil, ErrStopped
	}

	// Read fails or yields an empty Mat until the sensor delivers its first frame.
	if ok := d.vc.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, ErrNotReady
	}

	if cfg.Mirror {
		gocv.Flip(d.mat, &d.mat, 1)
	}

	quality := cfg.Quality
	if quality < 1 || quality > 100 {
		quality = 85
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, d.mat, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, fmt.Errorf("camera: encode frame: %w", err)
	}
	defer buf.Close()

	return bytes.Clone(buf.GetBytes()), nil
}

// Close implements Device.
func (d *opencvDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.mat.Close()
	d.vc = nil
	return err
}
