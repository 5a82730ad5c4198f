// Package server exposes the orchestrator over HTTP: build submission,
// job status, cancellation, a server-sent progress stream and the device
// registry.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	recoveryagent "github.com/httprunner/RecoveryAgent"
	"github.com/httprunner/RecoveryAgent/pkg/device"
	"github.com/httprunner/RecoveryAgent/pkg/history"
)

// Config wires a Server. History is optional.
type Config struct {
	Orchestrator *recoveryagent.Orchestrator
	Registry     *device.Registry
	History      *history.Store
	// BaseContext outlives requests; builds are submitted under it.
	BaseContext context.Context
}

type Server struct {
	app      *fiber.App
	orch     *recoveryagent.Orchestrator
	registry *device.Registry
	history  *history.Store
	baseCtx  context.Context
}

func New(cfg Config) (*Server, error) {
	if cfg.Orchestrator == nil || cfg.Registry == nil {
		return nil, errors.New("server requires an orchestrator and a device registry")
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	s := &Server{
		orch:     cfg.Orchestrator,
		registry: cfg.Registry,
		history:  cfg.History,
		baseCtx:  cfg.BaseContext,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "RecoveryAgent",
		ServerHeader:          "RecoveryAgent",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s.routes()
	return s, nil
}

// App is the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	log.Info().Str("addr", addr).Msg("http api listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) routes() {
	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true, "time": time.Now()})
	})

	api := s.app.Group("/api")
	api.Get("/devices", s.listDevices)
	api.Post("/devices", s.registerDevice)

	api.Get("/builds", s.listBuilds)
	api.Post("/builds", s.submitBuild)
	api.Post("/builds/batch", s.submitBatch)
	api.Get("/builds/:id", s.getBuild)
	api.Post("/builds/:id/cancel", s.cancelBuild)
	api.Post("/builds/:id/report", s.retryReport)
	api.Get("/builds/:id/events", s.streamEvents)
	api.Get("/events", s.streamEvents)

	api.Get("/history", s.listHistory)
}

func (s *Server) listDevices(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"devices": s.registry.List()})
}

func (s *Server) registerDevice(c *fiber.Ctx) error {
	var rec device.Record
	if err := c.BodyParser(&rec); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid device body")
	}
	if err := s.registry.Register(rec); err != nil {
		return err
	}
	stored, err := s.registry.Lookup(rec.Codename)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(stored)
}

func (s *Server) listBuilds(c *fiber.Ctx) error {
	jobs := s.orch.Jobs()
	if c.QueryBool("active") {
		jobs = s.orch.Active()
	}
	out := make([]recoveryagent.JobSnapshot, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Snapshot())
	}
	return c.JSON(fiber.Map{"builds": out})
}

func (s *Server) submitBuild(c *fiber.Ctx) error {
	var req recoveryagent.BuildRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid build body")
	}
	cfg, err := req.Config(s.registry)
	if err != nil {
		return err
	}
	job, err := s.orch.Submit(s.baseCtx, cfg)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusAccepted).JSON(job.Snapshot())
}

func (s *Server) submitBatch(c *fiber.Ctx) error {
	var body struct {
		Builds []recoveryagent.BuildRequest `json:"builds"`
	}
	if err := c.BodyParser(&body); err != nil || len(body.Builds) == 0 {
		return fiber.NewError(fiber.StatusBadRequest, "batch needs a non-empty builds array")
	}
	configs, err := recoveryagent.BuildConfigs(s.registry, body.Builds)
	if err != nil {
		return err
	}
	out := make([]recoveryagent.JobSnapshot, 0, len(configs))
	for _, cfg := range configs {
		job, err := s.orch.Submit(s.baseCtx, cfg)
		if err != nil {
			return err
		}
		out = append(out, job.Snapshot())
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"builds": out})
}

func (s *Server) getBuild(c *fiber.Ctx) error {
	job, err := s.orch.Job(c.Params("id"))
	if errors.Is(err, recoveryagent.ErrJobNotFound) && s.history != nil {
		// evicted from memory; the history row is all that is left
		b, herr := s.history.Get(c.UserContext(), c.Params("id"))
		if herr != nil {
			return herr
		}
		return c.JSON(fiber.Map{"build": b, "archived": true})
	}
	if err != nil {
		return err
	}
	resp := fiber.Map{"build": job.Snapshot()}
	if c.QueryBool("log") {
		lines := job.Log()
		if n := c.QueryInt("tail", 0); n > 0 && n < len(lines) {
			lines = lines[len(lines)-n:]
		}
		text := make([]string, 0, len(lines))
		for _, l := range lines {
			text = append(text, fmt.Sprintf("[%s] %s", l.Stage, l.Text))
		}
		resp["log"] = text
	}
	return c.JSON(resp)
}

func (s *Server) cancelBuild(c *fiber.Ctx) error {
	accepted, err := s.orch.Cancel(c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"accepted": accepted})
}

func (s *Server) retryReport(c *fiber.Ctx) error {
	path, err := s.orch.RetryReport(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"report": path})
}

// streamEvents writes progress events as server-sent events until the
// job finishes or the client goes away.
func (s *Server) streamEvents(c *fiber.Ctx) error {
	events, stop, err := s.orch.Subscribe(c.Params("id"))
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer stop()
		keepAlive := time.NewTicker(15 * time.Second)
		defer keepAlive.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					log.Warn().Err(err).Msg("encode progress event failed")
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
			}
			if err := w.Flush(); err != nil {
				// client disconnected
				return
			}
		}
	})
	return nil
}

func (s *Server) listHistory(c *fiber.Ctx) error {
	if s.history == nil {
		return fiber.NewError(fiber.StatusNotFound, "build history is disabled")
	}
	builds, err := s.history.Recent(c.UserContext(), history.Filter{
		Device:  c.Query("device"),
		Outcome: c.Query("outcome"),
		Limit:   c.QueryInt("limit", 50),
	})
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"builds": builds})
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	if code >= fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("api request failed")
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error(), "status": code})
}

func statusFor(err error) int {
	var fe *fiber.Error
	var cfgErr *recoveryagent.ConfigurationError
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.As(err, &cfgErr), errors.Is(err, device.ErrInvalidSource):
		return fiber.StatusBadRequest
	case errors.Is(err, recoveryagent.ErrJobNotFound), errors.Is(err, history.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, device.ErrDuplicateCodename), errors.Is(err, recoveryagent.ErrJobNotDone):
		return fiber.StatusConflict
	case errors.Is(err, recoveryagent.ErrClosed):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}
