package camera

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"os/exec"
	"sync"
	"time"
)

// h264Decoder turns buffered Annex-B H264 into JPEG stills with ffmpeg over
// stdin/stdout pipes. Decodes are rate limited; between decodes the last good
// frame is served.
type h264Decoder struct {
	minInterval time.Duration
	timeout     time.Duration

	mu         sync.Mutex
	lastDecode time.Time

	frameMu sync.RWMutex
	latest  []byte
}

func newH264Decoder(minInterval time.Duration) *h264Decoder {
	return &h264Decoder{
		minInterval: minInterval,
		timeout:     500 * time.Millisecond,
	}
}

// Decode decodes a group of pictures and keeps its last frame.
func (d *h264Decoder) Decode(ctx context.Context, annexB []byte) error {
	if len(annexB) < 100 {
		return nil
	}

	d.mu.Lock()
	if time.Since(d.lastDecode) < d.minInterval {
		d.mu.Unlock()
		return nil
	}
	d.lastDecode = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-loglevel", "error",
		"-f", "h264",
		"-i", "pipe:0",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(annexB)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil && stdout.Len() == 0 {
		// Not enough data for a full picture is normal right after connect.
		return fmt.Errorf("camera: ffmpeg: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}

	frame := lastJPEG(stdout.Bytes())
	if frame == nil || isGrayJPEG(frame) {
		return nil
	}

	d.frameMu.Lock()
	d.latest = frame
	d.frameMu.Unlock()
	return nil
}

// Latest returns a copy of the most recent good frame, or nil.
func (d *h264Decoder) Latest() []byte {
	d.frameMu.RLock()
	defer d.frameMu.RUnlock()
	if d.latest == nil {
		return nil
	}
	return bytes.Clone(d.latest)
}

// lastJPEG returns the last complete JPEG in a concatenated MJPEG stream.
func lastJPEG(stream []byte) []byte {
	soi := []byte{0xFF, 0xD8, 0xFF}
	eoi := []byte{0xFF, 0xD9}

	start := bytes.LastIndex(stream, soi)
	for start >= 0 {
		end := bytes.Index(stream[start:], eoi)
		if end >= 0 {
			return bytes.Clone(stream[start : start+end+len(eoi)])
		}
		// Truncated trailing frame: fall back to the previous one.
		start = bytes.LastIndex(stream[:start], soi)
	}
	return nil
}

// isGrayJPEG checks if a JPEG is likely gray/corrupt, as produced by a
// decoder that started without a keyframe.
func isGrayJPEG(jpegData []byte) bool {
	img, err := jpeg.Decode(bytes.NewReader(jpegData))
	if err != nil {
		return true
	}

	bounds := img.Bounds()
	if bounds.Dx() < 16 || bounds.Dy() < 16 {
		return true
	}

	var rSum, gSum, bSum, samples int
	var lumas []int
	stepY := max(bounds.Dy()/10, 1)
	stepX := max(bounds.Dx()/10, 1)
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			r8, g8, b8 := int(r>>8), int(g>>8), int(b>>8)
			rSum += r8
			gSum += g8
			bSum += b8
			lumas = append(lumas, (r8*299+g8*587+b8*114)/1000)
			samples++
		}
	}

	avgR := rSum / samples
	avgG := gSum / samples
	avgB := bSum / samples

	// Black frames
	if avgR < 30 && avgG < 30 && avgB < 30 {
		return true
	}

	// Flat mid gray: R = G = B with almost no spatial variation
	colorDiff := abs(avgR-avgG) + abs(avgG-avgB) + abs(avgR-avgB)
	if colorDiff < 15 && avgR > 100 && avgR < 150 {
		return spread(lumas) < 10
	}
	return false
}

// spread returns max-min of values.
func spread(values []int) int {
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	return hi - lo
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
