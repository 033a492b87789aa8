// Package web serves the classification session over HTTP: a JSON API that
// drives the loop and websocket feeds that keep presenters in sync.
package web

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/teslashibe/image-insight/pkg/camera"
	"github.com/teslashibe/image-insight/pkg/hub"
	"github.com/teslashibe/image-insight/pkg/ingest"
	"github.com/teslashibe/image-insight/pkg/loop"
	"github.com/teslashibe/image-insight/pkg/notify"
	"github.com/teslashibe/image-insight/pkg/settings"
)

// HealthFunc probes the inference server behind endpoint.
type HealthFunc func(ctx context.Context, endpoint string) error

// Config holds server dependencies.
type Config struct {
	Addr      string
	StaticDir string // optional front-end build

	Endpoints *settings.Endpoints
	Camera    *camera.Manager
	Ingest    *ingest.Hub // optional
	Health    HealthFunc  // optional
	Logger    *slog.Logger

	// HealthTimeout bounds /api/settings/health.
	HealthTimeout time.Duration
}

// Server is the web API server.
type Server struct {
	app    *fiber.App
	addr   string
	cfg    Config
	logger *slog.Logger

	loop *loop.Loop

	stateHub  *hub.Hub
	cameraHub *hub.Hub
	notifyHub *hub.Hub
}

// NewServer creates the server and registers routes. Bind must be called
// before the loop routes are usable.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Camera == nil {
		cfg.Camera = camera.NewManager()
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 10 * time.Second
	}

	s := &Server{
		addr:      cfg.Addr,
		cfg:       cfg,
		logger:    logger.With("component", "web"),
		stateHub:  hub.New("state", hub.WithLogger(logger), hub.WithRetainLast()),
		cameraHub: hub.New("camera", hub.WithLogger(logger)),
		notifyHub: hub.New("notifications", hub.WithLogger(logger)),
	}

	app := fiber.New(fiber.Config{
		AppName:               "Image Insight",
		DisableStartupMessage: true,
		BodyLimit:             16 << 20,
	})
	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/health", s.handleHealth)
	api.Get("/state", s.handleState)
	api.Get("/stats", s.handleStats)
	api.Post("/upload", s.handleUpload)
	api.Post("/webcam/start", s.handleStartWebcam)
	api.Post("/webcam/stop", s.handleStopWebcam)
	api.Post("/clear", s.handleClear)
	api.Post("/mode", s.handleMode)

	api.Get("/settings", s.handleGetSettings)
	api.Put("/settings", s.handleSaveSettings)
	api.Delete("/settings", s.handleResetSettings)
	api.Get("/settings/health", s.handleServerHealth)

	api.Get("/camera", s.handleGetCamera)
	api.Put("/camera", s.handleUpdateCamera)
	api.Get("/camera/presets", s.handleListPresets)
	api.Post("/camera/preset/:name", s.handleApplyPreset)

	if cfg.Ingest != nil {
		cfg.Ingest.RegisterAPIRoutes(api)
	}

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/state", websocket.New(s.serveHub(s.stateHub)))
	app.Get("/ws/camera", websocket.New(s.serveHub(s.cameraHub)))
	app.Get("/ws/notifications", websocket.New(s.serveHub(s.notifyHub)))
	if cfg.Ingest != nil {
		cfg.Ingest.RegisterRoutes(app)
	}

	if cfg.StaticDir != "" {
		app.Static("/", cfg.StaticDir)
	}

	s.app = app
	return s
}

// Bind attaches the loop: state changes go to /ws/state and preview frames
// to /ws/camera.
func (s *Server) Bind(l *loop.Loop) {
	s.loop = l
	l.OnChange(func(snap loop.Snapshot) {
		msg, err := hub.EncodeEnvelope("state", snap)
		if err != nil {
			s.logger.Error("encode state", "error", err)
			return
		}
		s.stateHub.Broadcast(msg)
	})
	l.OnFrame(func(f camera.Frame) {
		s.cameraHub.BroadcastBinary(f.Data)
	})
}

// Notify implements notify.Notifier by broadcasting on /ws/notifications.
func (s *Server) Notify(n notify.Notification) {
	msg, err := hub.EncodeEnvelope("notification", n)
	if err != nil {
		return
	}
	s.notifyHub.Broadcast(msg)
}

func (s *Server) serveHub(h *hub.Hub) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		hub.NewClient(h, c).Run()
	}
}

// Start runs the hubs and listens until the app is shut down.
func (s *Server) Start(ctx context.Context) error {
	go s.stateHub.Run(ctx)
	go s.cameraHub.Run(ctx)
	go s.notifyHub.Run(ctx)

	s.logger.Info("listening", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App {
	return s.app
}

// Shutdown gracefully stops the web server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
