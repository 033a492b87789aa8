package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream is a live capture session. It owns its device exclusively from
// StartStream until Stop; the frame sequence is lazy, infinite and cannot be
// restarted once stopped.
type Stream struct {
	id   string
	name string
	cfg  Config

	mu      sync.Mutex
	dev     Device
	stopped bool
	seq     uint64
	started time.Time
}

// StartStream acquires the named device. Any acquisition failure is
// reported as ErrDeviceUnavailable.
func StartStream(ctx context.Context, opener Opener, name string, cfg Config) (*Stream, error) {
	if opener == nil {
		return nil, fmt.Errorf("%w: no opener", ErrDeviceUnavailable)
	}

	dev, err := opener.Open(ctx, name, cfg)
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, name, err)
	}
	if dev == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceUnavailable, name)
	}

	return &Stream{
		id:      uuid.New().String(),
		name:    name,
		cfg:     cfg,
		dev:     dev,
		started: time.Now(),
	}, nil
}

// ID returns the unique session id.
func (s *Stream) ID() string { return s.id }

// Name returns the device name the stream was opened with.
func (s *Stream) Name() string { return s.name }

// Capture returns the current video image as one JPEG frame.
// Before the device is ready it returns ErrNotReady; after Stop, ErrStopped.
func (s *Stream) Capture(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Frame{}, ErrStopped
	}

	data, err := s.dev.Grab(s.cfg)
	if err != nil {
		return Frame{}, err
	}
	if len(data) == 0 {
		return Frame{}, ErrNotReady
	}

	s.seq++
	return Frame{
		Data:        data,
		ContentType: "image/jpeg",
		Seq:         s.seq,
		CapturedAt:  time.Now(),
	}, nil
}

// Stop releases the device. It is idempotent and safe on a nil Stream.
func (s *Stream) Stop() error {
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true
	return s.dev.Close()
}

// Stopped reports whether Stop has been called.
func (s *Stream) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Frames returns the number of frames captured so far.
func (s *Stream) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}
