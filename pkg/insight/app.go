// Package insight wires the classification loop, camera devices, settings
// and web surface into one process.
package insight

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teslashibe/image-insight/internal/config"
	"github.com/teslashibe/image-insight/internal/log"
	"github.com/teslashibe/image-insight/pkg/camera"
	"github.com/teslashibe/image-insight/pkg/classify"
	"github.com/teslashibe/image-insight/pkg/ingest"
	"github.com/teslashibe/image-insight/pkg/loop"
	"github.com/teslashibe/image-insight/pkg/notify"
	"github.com/teslashibe/image-insight/pkg/settings"
	"github.com/teslashibe/image-insight/pkg/web"
)

// App owns every long-lived component.
type App struct {
	config config.Config
	logger *slog.Logger

	endpoints *settings.Endpoints
	client    *classify.Client

	cameraManager *camera.Manager
	pushHub       *camera.PushHub
	ingestHub     *ingest.Hub

	loop      *loop.Loop
	webServer *web.Server
}

// New validates cfg and returns an uninitialised App.
func New(cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &App{
		config: cfg,
		logger: log.Component("app"),
	}, nil
}

// Init builds the components. Call it after New and before Run.
func (a *App) Init() error {
	if err := a.initSettings(); err != nil {
		return fmt.Errorf("settings init: %w", err)
	}
	if err := a.initCamera(); err != nil {
		return fmt.Errorf("camera init: %w", err)
	}

	a.client = classify.NewClient(
		classify.WithTimeout(a.config.RequestTimeout),
		classify.WithLogger(log.Component("classify")),
	)

	a.webServer = web.NewServer(web.Config{
		Addr:      ":" + a.config.Port,
		StaticDir: a.config.StaticDir,
		Endpoints: a.endpoints,
		Camera:    a.cameraManager,
		Ingest:    a.ingestHub,
		Health:    a.client.Health,
		Logger:    log.Component("web"),
	})

	a.loop = loop.New(a.client, a.endpoints, a.opener(),
		loop.WithInterval(a.config.Interval),
		loop.WithLogger(log.Component("loop")),
		loop.WithNotifier(notify.Multi{notify.Log{Logger: log.Component("notify")}, a.webServer}),
		loop.WithDefaultDevice(a.config.Device),
		loop.WithCameraManager(a.cameraManager),
	)
	a.webServer.Bind(a.loop)

	ep := a.endpoints.Endpoint()
	a.logger.Info("initialised",
		"endpoint", ep.URL,
		"default_endpoint", ep.IsDefault,
		"device", a.config.Device,
		"interval", a.config.Interval,
	)
	return nil
}

func (a *App) initSettings() error {
	store, err := settings.NewJSONFileStore(a.config.SettingsPath)
	if err != nil {
		return err
	}
	a.endpoints = settings.NewEndpoints(store, a.config.ServerURL)
	a.logger.Debug("settings loaded", "path", store.Path())
	return nil
}

func (a *App) initCamera() error {
	a.cameraManager = camera.NewManager()
	if err := a.cameraManager.ApplyPreset(a.config.CameraPreset); err != nil {
		return err
	}

	a.pushHub = camera.NewPushHub()
	a.ingestHub = ingest.NewHub(a.pushHub,
		ingest.WithLogger(log.Component("ingest")),
		ingest.WithCameraConfig(a.cameraManager.GetConfig),
	)
	a.ingestHub.OnFrame(func(feed string, size int) {
		a.logger.Debug("frame pushed", "feed", feed, "bytes", size)
	})
	a.cameraManager.OnConfigChange = a.ingestHub.SendConfig
	return nil
}

// opener routes device names to local, WebRTC or pushed feeds.
func (a *App) opener() camera.Opener {
	return camera.Router{
		Local:  camera.OpenCVOpener{},
		WebRTC: camera.WebRTCOpener{Logger: log.Component("webrtc")},
		Push:   a.pushHub,
	}
}

// Loop returns the classification loop. Nil before Init.
func (a *App) Loop() *loop.Loop {
	return a.loop
}

// Server returns the web server. Nil before Init.
func (a *App) Server() *web.Server {
	return a.webServer
}

// Run serves the web surface and blocks until ctx is cancelled or the
// listener fails.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.webServer.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err == nil {
			return nil
		}
		return fmt.Errorf("web server: %w", err)
	}
}

// Shutdown stops the loop, releasing any camera, then the web server.
func (a *App) Shutdown() {
	if a.loop != nil {
		a.loop.Close()
	}
	if a.webServer != nil {
		if err := a.webServer.Shutdown(); err != nil {
			a.logger.Warn("web shutdown", "error", err)
		}
	}
	a.logger.Info("stopped")
}
