package camera

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PushPrefix selects a pushed feed in a device name, e.g. "push:browser".
const PushPrefix = "push:"

// PushHub holds frames pushed by remote producers (a browser tab streaming
// its getUserMedia video, a robot). Each feed keeps only its latest frame:
// a new frame overwrites one that was never grabbed.
type PushHub struct {
	mu    sync.Mutex
	feeds map[string]*pushFeed
}

type pushFeed struct {
	mu       sync.Mutex
	latest   []byte
	fresh    bool
	open     bool
	updated  time.Time
	received atomic.Uint64
	dropped  atomic.Uint64
}

// FeedStats describes one feed.
type FeedStats struct {
	Name     string    `json:"name"`
	Open     bool      `json:"open"`
	Received uint64    `json:"received"`
	Dropped  uint64    `json:"dropped"`
	Updated  time.Time `json:"updated"`
}

// NewPushHub creates an empty hub.
func NewPushHub() *PushHub {
	return &PushHub{feeds: make(map[string]*pushFeed)}
}

func (h *PushHub) feed(name string) *pushFeed {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.feeds[name]
	if !ok {
		f = &pushFeed{}
		h.feeds[name] = f
	}
	return f
}

// Publish stores data as the latest frame of feed name. Frames published
// while no session has the feed open are kept so the next session starts
// with an image.
func (h *PushHub) Publish(name string, data []byte) error {
	if ct := http.DetectContentType(data); !strings.HasPrefix(ct, "image/jpeg") {
		return fmt.Errorf("%w: pushed frame is %s", ErrNotImage, ct)
	}

	f := h.feed(name)
	f.mu.Lock()
	if f.fresh {
		f.dropped.Add(1)
	}
	f.latest = bytes.Clone(data)
	f.fresh = true
	f.updated = time.Now()
	f.mu.Unlock()
	f.received.Add(1)
	return nil
}

// Stats returns per-feed counters.
func (h *PushHub) Stats() []FeedStats {
	h.mu.Lock()
	names := make([]string, 0, len(h.feeds))
	feeds := make([]*pushFeed, 0, len(h.feeds))
	for n, f := range h.feeds {
		names = append(names, n)
		feeds = append(feeds, f)
	}
	h.mu.Unlock()

	out := make([]FeedStats, len(feeds))
	for i, f := range feeds {
		f.mu.Lock()
		out[i] = FeedStats{
			Name:     names[i],
			Open:     f.open,
			Received: f.received.Load(),
			Dropped:  f.dropped.Load(),
			Updated:  f.updated,
		}
		f.mu.Unlock()
	}
	return out
}

// Open implements Opener. A feed can be held by one session at a time.
func (h *PushHub) Open(ctx context.Context, name string, cfg Config) (Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	feedName := strings.TrimPrefix(name, PushPrefix)
	if feedName == "" {
		return nil, fmt.Errorf("%w: empty push feed name", ErrDeviceUnavailable)
	}

	f := h.feed(feedName)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		return nil, fmt.Errorf("%w: %s is busy", ErrDeviceUnavailable, name)
	}
	f.open = true
	return &pushDevice{feed: f}, nil
}

type pushDevice struct {
	feed   *pushFeed
	closed atomic.Bool
}

// Grab implements Device. Pushed frames are already JPEG; cfg is not applied.
// Each pushed frame is handed out once; until the producer sends another one
// Grab reports ErrNotReady, so a silent producer stops inference.
func (d *pushDevice) Grab(cfg Config) ([]byte, error) {
	if d.closed.Load() {
		return nil, ErrStopped
	}
	f := d.feed
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil || !f.fresh {
		return nil, ErrNotReady
	}
	f.fresh = false
	return bytes.Clone(f.latest), nil
}

// Close implements Device.
func (d *pushDevice) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	f := d.feed
	f.mu.Lock()
	f.open = false
	f.mu.Unlock()
	return nil
}
