package web

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/image-insight/pkg/camera"
	"github.com/teslashibe/image-insight/pkg/classify"
	"github.com/teslashibe/image-insight/pkg/loop"
	"github.com/teslashibe/image-insight/pkg/notify"
)

// StateResponse wraps the loop state with the outcome of a request.
type StateResponse struct {
	State loop.Snapshot `json:"state"`
	Error string        `json:"error,omitempty"`
	Kind  string        `json:"kind,omitempty"`
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) requireLoop(c *fiber.Ctx) error {
	if s.loop == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "classification loop not ready"})
	}
	return nil
}

func (s *Server) handleState(c *fiber.Ctx) error {
	if s.loop == nil {
		return s.requireLoop(c)
	}
	return c.JSON(s.loop.Snapshot())
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	if s.loop == nil {
		return s.requireLoop(c)
	}
	return c.JSON(fiber.Map{
		"loop": s.loop.Stats(),
		"presenters": fiber.Map{
			"state":         s.stateHub.ClientCount(),
			"camera":        s.cameraHub.ClientCount(),
			"notifications": s.notifyHub.ClientCount(),
		},
		"dropped": fiber.Map{
			"state":         s.stateHub.Dropped(),
			"camera":        s.cameraHub.Dropped(),
			"notifications": s.notifyHub.Dropped(),
		},
	})
}

// respond maps a loop error to a status code and returns the current state.
func (s *Server) respond(c *fiber.Ctx, err error) error {
	resp := StateResponse{State: s.loop.Snapshot()}
	if err == nil {
		return c.JSON(resp)
	}

	resp.Error = err.Error()
	kind := classify.KindOf(err)
	status := fiber.StatusBadGateway

	switch {
	case errors.Is(err, camera.ErrNotImage):
		status = fiber.StatusUnsupportedMediaType
		resp.Kind = "invalid_file"
	case errors.Is(err, camera.ErrDeviceUnavailable):
		status = fiber.StatusServiceUnavailable
		resp.Kind = "device_unavailable"
	case errors.Is(err, loop.ErrSuperseded):
		status = fiber.StatusConflict
		resp.Kind = "superseded"
	case errors.Is(err, loop.ErrClosed):
		status = fiber.StatusServiceUnavailable
		resp.Kind = "closed"
	case kind == classify.KindConfig:
		status = fiber.StatusPreconditionFailed
		resp.Kind = kind.String()
	case kind.Detection():
		// The failure is the displayed result.
		status = fiber.StatusOK
		resp.Kind = kind.String()
		resp.Error = classify.UserMessage(kind)
	default:
		resp.Kind = kind.String()
	}
	return c.Status(status).JSON(resp)
}

// handleUpload accepts a multipart "file" field or a raw image body.
func (s *Server) handleUpload(c *fiber.Ctx) error {
	if s.loop == nil {
		return s.requireLoop(c)
	}

	var data []byte
	if fh, err := c.FormFile("file"); err == nil {
		f, err := fh.Open()
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
		data, err = io.ReadAll(f)
		f.Close()
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	} else {
		data = append([]byte(nil), c.Body()...)
	}

	if len(data) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "no file uploaded"})
	}

	err := s.loop.Upload(c.UserContext(), data)
	return s.respond(c, err)
}

// WebcamRequest selects a capture device.
type WebcamRequest struct {
	Device string `json:"device"`
}

func (s *Server) handleStartWebcam(c *fiber.Ctx) error {
	if s.loop == nil {
		return s.requireLoop(c)
	}
	var req WebcamRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}
	}
	err := s.loop.StartWebcam(c.UserContext(), req.Device)
	return s.respond(c, err)
}

func (s *Server) handleStopWebcam(c *fiber.Ctx) error {
	if s.loop == nil {
		return s.requireLoop(c)
	}
	s.loop.StopWebcam()
	return s.respond(c, nil)
}

func (s *Server) handleClear(c *fiber.Ctx) error {
	if s.loop == nil {
		return s.requireLoop(c)
	}
	s.loop.Clear()
	return s.respond(c, nil)
}

// ModeRequest switches between upload and webcam.
type ModeRequest struct {
	Mode   string `json:"mode"`
	Device string `json:"device"`
}

func (s *Server) handleMode(c *fiber.Ctx) error {
	if s.loop == nil {
		return s.requireLoop(c)
	}
	var req ModeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	mode, ok := loop.ParseMode(req.Mode)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "mode must be upload, webcam or idle"})
	}
	err := s.loop.SwitchMode(c.UserContext(), mode, req.Device)
	return s.respond(c, err)
}

// SettingsResponse describes the configured endpoint.
type SettingsResponse struct {
	URL        string `json:"url"`
	IsDefault  bool   `json:"is_default"`
	DefaultURL string `json:"default_url"`
	Configured bool   `json:"configured"`
}

func (s *Server) settingsResponse() SettingsResponse {
	ep := s.cfg.Endpoints.Endpoint()
	return SettingsResponse{
		URL:        ep.URL,
		IsDefault:  ep.IsDefault,
		DefaultURL: s.cfg.Endpoints.Default(),
		Configured: ep.Configured(),
	}
}

func (s *Server) handleGetSettings(c *fiber.Ctx) error {
	return c.JSON(s.settingsResponse())
}

// SettingsRequest saves a new endpoint.
type SettingsRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleSaveSettings(c *fiber.Ctx) error {
	var req SettingsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	if _, err := s.cfg.Endpoints.Save(req.URL); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	s.logger.Info("inference server URL saved", "url", req.URL)
	s.Notify(notify.Info("Settings Saved", "Inference server URL has been updated."))
	return c.JSON(s.settingsResponse())
}

func (s *Server) handleResetSettings(c *fiber.Ctx) error {
	if _, err := s.cfg.Endpoints.Reset(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	s.logger.Info("inference server URL reset")
	s.Notify(notify.Info("Settings Reset", "Inference server URL has been reset to default."))
	return c.JSON(s.settingsResponse())
}

func (s *Server) handleServerHealth(c *fiber.Ctx) error {
	if s.cfg.Health == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "health check not configured"})
	}

	ep := s.cfg.Endpoints.Endpoint()
	ctx, cancel := context.WithTimeout(c.UserContext(), s.cfg.HealthTimeout)
	defer cancel()

	start := time.Now()
	err := s.cfg.Health(ctx, ep.URL)
	resp := fiber.Map{
		"url":        ep.URL,
		"ok":         err == nil,
		"latency_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		resp["error"] = err.Error()
		return c.Status(fiber.StatusBadGateway).JSON(resp)
	}
	return c.JSON(resp)
}

func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"config":       s.cfg.Camera.GetConfig(),
		"capabilities": camera.Capabilities(),
	})
}

func (s *Server) handleUpdateCamera(c *fiber.Ctx) error {
	var u camera.Update
	if err := c.BodyParser(&u); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	cfg, err := s.cfg.Camera.Apply(u)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"config": cfg})
}

func (s *Server) handleListPresets(c *fiber.Ctx) error {
	return c.JSON(camera.Presets())
}

func (s *Server) handleApplyPreset(c *fiber.Ctx) error {
	if err := s.cfg.Camera.ApplyPreset(c.Params("name")); err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"config": s.cfg.Camera.GetConfig()})
}
