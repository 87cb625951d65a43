// Package mgmt is the agent's local management API: collections, mutations,
// emergency control and offline queue inspection for operators and accessctl.
package mgmt

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/access-agent/internal/accesscontrol"
	"github.com/p-blackswan/access-agent/internal/health"
	"github.com/p-blackswan/access-agent/internal/metrics"
	"github.com/p-blackswan/access-agent/internal/notify"
	"github.com/p-blackswan/access-agent/internal/requestid"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
	TLSCert     string
	TLSKey      string
}

// Server is the management API Fiber application.
type Server struct {
	app         *fiber.App
	logger      zerolog.Logger
	config      ServerConfig
	stopLimiter func()
}

// NewServer creates and configures a new management API server. m and
// recent may be nil.
func NewServer(
	cfg ServerConfig,
	svc *accesscontrol.Service,
	checker *health.Checker,
	m *metrics.Metrics,
	recent *notify.Recorder,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "mgmt_server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(newHandlers(svc, checker, recent, logger), checker, m)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID: honour the caller's, otherwise mint one. The id rides the
	// user context into backend calls.
	s.app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get(requestid.Header)
		if reqID == "" {
			_, reqID = requestid.New(c.UserContext())
		}
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		c.SetUserContext(requestid.WithRequestID(c.UserContext(), reqID))
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID, X-Actor",
			AllowMethods: "GET, POST, PATCH, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		limiter, stop := NewRateLimitMiddleware(cfg.RateLimit)
		s.stopLimiter = stop
		s.app.Use(limiter)
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	// Actor for audit entries.
	s.app.Use(func(c *fiber.Ctx) error {
		if p := principalOf(c); p.Name != "" {
			c.SetUserContext(accesscontrol.WithActor(c.UserContext(), p.Name))
		}
		return c.Next()
	})

	s.app.Use(func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("actor", principalOf(c).Name).
			Str("request_id", requestid.FromContext(c.UserContext())).
			Msg("mgmt api request")

		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, checker *health.Checker, m *metrics.Metrics) {
	s.app.Get("/healthz", adaptor.HTTPHandlerFunc(health.LivenessHandler()))
	s.app.Get("/readyz", adaptor.HTTPHandlerFunc(checker.ReadinessHandler()))

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")
	read := requireRole(RoleReadOnly)
	operate := requireRole(RoleOperator)
	admin := requireRole(RoleAdmin)

	v1.Get("/health", read, h.HealthDetail)
	v1.Get("/whoami", read, h.WhoAmI)
	v1.Get("/state", read, h.GetState)
	v1.Post("/refresh", operate, h.Refresh)
	v1.Get("/notifications", read, h.Notifications)

	v1.Get("/points", read, h.ListPoints)
	v1.Post("/points", operate, h.CreatePoint)
	v1.Patch("/points/:id", operate, h.UpdatePoint)
	v1.Post("/points/:id/toggle", operate, h.TogglePoint)
	v1.Post("/points/:id/sync-events", operate, h.SyncPointEvents)
	v1.Delete("/points/:id", admin, h.DeletePoint)

	v1.Get("/users", read, h.ListUsers)
	v1.Post("/users", operate, h.CreateUser)
	v1.Patch("/users/:id", operate, h.UpdateUser)
	v1.Delete("/users/:id", admin, h.DeleteUser)

	v1.Get("/events", read, h.ListEvents)
	v1.Get("/events/export", read, h.ExportEvents)
	v1.Post("/events/:id/review", operate, h.ReviewEvent)
	v1.Get("/reports/export", read, h.ExportReport)
	v1.Get("/backend-metrics", read, h.BackendMetrics)

	v1.Get("/emergency", read, h.GetEmergency)
	v1.Post("/emergency/lockdown", operate, h.Lockdown)
	v1.Post("/emergency/unlock", operate, h.Unlock)
	v1.Post("/emergency/restore", operate, h.Restore)

	v1.Get("/queue", read, h.ListQueue)
	v1.Post("/queue/flush", operate, h.FlushQueue)
	v1.Post("/queue/retry", operate, h.RetryQueue)
	v1.Delete("/queue/:id", admin, h.DiscardQueued)

	v1.Get("/audit", read, h.ListAudit)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("management API server starting")

	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		return s.app.ListenTLS(addr, s.config.TLSCert, s.config.TLSKey)
	}
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	if s.stopLimiter != nil {
		s.stopLimiter()
	}
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     strings.ReplaceAll(strings.ToLower(fiberStatusText(code)), " ", "_"),
			Title:    fiberStatusText(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}

func fiberStatusText(code int) string {
	if t := utils.StatusMessage(code); t != "" {
		return t
	}
	return "Error"
}
