// Package ingest accepts frames pushed over websocket by remote producers,
// typically a browser tab streaming its getUserMedia camera, and feeds them
// into a camera.PushHub so a "push:<feed>" session can classify them.
package ingest

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/teslashibe/image-insight/pkg/camera"
	"github.com/teslashibe/image-insight/pkg/protocol"
)

// DefaultFeed is used when a producer connects without naming a feed.
const DefaultFeed = "browser"

// Producer is one connected frame source.
type Producer struct {
	ID        string
	Feed      string
	Conn      *websocket.Conn
	Connected time.Time
	LastSeen  time.Time

	frames atomic.Uint64
	mu     sync.Mutex
}

// Send writes a message to the producer.
func (p *Producer) Send(msg *protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	return p.Conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks producers and publishes their frames.
type Hub struct {
	mu        sync.RWMutex
	producers map[string]*Producer
	frames    *camera.PushHub
	logger    *slog.Logger
	config    func() camera.Config

	onFrame func(feed string, size int)

	messagesReceived atomic.Uint64
	framesReceived   atomic.Uint64
	framesRejected   atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithCameraConfig sets the capture settings sent to producers on connect.
func WithCameraConfig(fn func() camera.Config) Option {
	return func(h *Hub) { h.config = fn }
}

// NewHub creates a hub publishing into frames.
func NewHub(frames *camera.PushHub, opts ...Option) *Hub {
	h := &Hub{
		producers: make(map[string]*Producer),
		frames:    frames,
		config:    camera.DefaultConfig,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "ingest")
	return h
}

// OnFrame sets a callback for every accepted frame.
func (h *Hub) OnFrame(callback func(feed string, size int)) {
	h.mu.Lock()
	h.onFrame = callback
	h.mu.Unlock()
}

// RegisterRoutes registers the producer websocket routes.
func (h *Hub) RegisterRoutes(app *fiber.App) {
	app.Use("/ws/ingest", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/ingest", websocket.New(h.handleProducer))
	app.Get("/ws/ingest/:feed", websocket.New(h.handleProducer))
}

func (h *Hub) handleProducer(c *websocket.Conn) {
	feed := c.Params("feed")
	if feed == "" {
		feed = DefaultFeed
	}

	p := &Producer{
		ID:        uuid.New().String(),
		Feed:      feed,
		Conn:      c,
		Connected: time.Now(),
		LastSeen:  time.Now(),
	}

	h.mu.Lock()
	h.producers[p.ID] = p
	count := len(h.producers)
	h.mu.Unlock()
	h.logger.Info("producer connected", "producer", p.ID, "feed", feed, "total", count)

	defer func() {
		h.mu.Lock()
		delete(h.producers, p.ID)
		count := len(h.producers)
		h.mu.Unlock()
		h.logger.Info("producer disconnected", "producer", p.ID, "feed", feed, "frames", p.frames.Load(), "total", count)
	}()

	if msg, err := protocol.NewConfigMessage(wireConfig(h.config())); err == nil {
		p.Send(msg)
	}

	for {
		mt, data, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("producer read error", "producer", p.ID, "error", err)
			}
			return
		}

		p.mu.Lock()
		p.LastSeen = time.Now()
		p.mu.Unlock()
		h.messagesReceived.Add(1)

		switch mt {
		case websocket.BinaryMessage:
			h.publish(p, data)
		case websocket.TextMessage:
			h.handleMessage(p, data)
		}
	}
}

func (h *Hub) handleMessage(p *Producer, data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		h.logger.Debug("parse error", "producer", p.ID, "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeFrame:
		frame, err := msg.GetFrameData()
		if err != nil {
			h.reject(p, 0, err)
			return
		}
		jpeg, err := frame.Decode()
		if err != nil {
			h.reject(p, frame.FrameID, err)
			return
		}
		if err := h.publish(p, jpeg); err != nil {
			h.reject(p, frame.FrameID, err)
		}

	case protocol.TypePing:
		ping, _ := msg.GetPingData()
		id := ""
		if ping != nil {
			id = ping.ID
		}
		if pong, err := protocol.NewPongMessage(id, msg.Timestamp, time.Now().UnixMilli()); err == nil {
			p.Send(pong)
		}
	}
}

func (h *Hub) publish(p *Producer, jpeg []byte) error {
	if err := h.frames.Publish(p.Feed, jpeg); err != nil {
		h.framesRejected.Add(1)
		h.logger.Debug("frame rejected", "producer", p.ID, "error", err)
		return err
	}
	p.frames.Add(1)
	h.framesReceived.Add(1)

	h.mu.RLock()
	cb := h.onFrame
	h.mu.RUnlock()
	if cb != nil {
		cb(p.Feed, len(jpeg))
	}
	return nil
}

func (h *Hub) reject(p *Producer, frameID uint64, err error) {
	if !errors.Is(err, camera.ErrNotImage) {
		h.framesRejected.Add(1)
	}
	if ack, aerr := protocol.NewAckMessage(frameID, err); aerr == nil {
		p.Send(ack)
	}
}

// SendConfig pushes new capture settings to every producer.
func (h *Hub) SendConfig(cfg camera.Config) error {
	msg, err := protocol.NewConfigMessage(wireConfig(cfg))
	if err != nil {
		return err
	}
	for _, p := range h.Producers() {
		if err := p.Send(msg); err != nil {
			h.logger.Debug("config send failed", "producer", p.ID, "error", err)
		}
	}
	return nil
}

func wireConfig(cfg camera.Config) protocol.CameraConfig {
	return protocol.CameraConfig{
		Width:     cfg.Width,
		Height:    cfg.Height,
		Framerate: cfg.Framerate,
		Quality:   cfg.Quality,
		Mirror:    cfg.Mirror,
	}
}

// Producers returns the connected producers.
func (h *Hub) Producers() []*Producer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Producer, 0, len(h.producers))
	for _, p := range h.producers {
		out = append(out, p)
	}
	return out
}

// ProducerCount returns the number of connected producers.
func (h *Hub) ProducerCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.producers)
}

// Stats contains ingest statistics.
type Stats struct {
	ProducerCount    int                `json:"producer_count"`
	MessagesReceived uint64             `json:"messages_received"`
	FramesReceived   uint64             `json:"frames_received"`
	FramesRejected   uint64             `json:"frames_rejected"`
	Feeds            []camera.FeedStats `json:"feeds"`
}

// GetStats returns ingest statistics.
func (h *Hub) GetStats() Stats {
	return Stats{
		ProducerCount:    h.ProducerCount(),
		MessagesReceived: h.messagesReceived.Load(),
		FramesReceived:   h.framesReceived.Load(),
		FramesRejected:   h.framesRejected.Load(),
		Feeds:            h.frames.Stats(),
	}
}

// ProducerInfo describes a connected producer.
type ProducerInfo struct {
	ID        string    `json:"id"`
	Feed      string    `json:"feed"`
	Device    string    `json:"device"`
	Frames    uint64    `json:"frames"`
	Connected time.Time `json:"connected"`
	LastSeen  time.Time `json:"last_seen"`
}

// GetProducerInfos returns info about all connected producers.
func (h *Hub) GetProducerInfos() []ProducerInfo {
	producers := h.Producers()
	infos := make([]ProducerInfo, 0, len(producers))
	for _, p := range producers {
		p.mu.Lock()
		infos = append(infos, ProducerInfo{
			ID:        p.ID,
			Feed:      p.Feed,
			Device:    camera.PushPrefix + p.Feed,
			Frames:    p.frames.Load(),
			Connected: p.Connected,
			LastSeen:  p.LastSeen,
		})
		p.mu.Unlock()
	}
	return infos
}

// RegisterAPIRoutes registers producer listing routes.
func (h *Hub) RegisterAPIRoutes(api fiber.Router) {
	g := api.Group("/ingest")

	g.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"producers": h.GetProducerInfos(),
			"count":     h.ProducerCount(),
		})
	})

	g.Get("/stats", func(c *fiber.Ctx) error {
		return c.JSON(h.GetStats())
	})
}
