// Package server exposes the moderation core over an authenticated admin HTTP API
// and owns the lifecycle of the scheduler and reconciliation loops.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "warden/docs" // swagger docs
	"warden/internal/bootstrap"
	"warden/internal/config"
	"warden/internal/middleware"
	"warden/internal/models"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	workers        sync.WaitGroup
	moderation     *bootstrap.Moderation
}

// NewServer connects to the database and Redis and builds the moderation graph.
func NewServer(cfg *config.Config) (*Server, error) {
	db, rdb, err := bootstrap.InitRuntime(cfg, bootstrap.Options{})
	if err != nil {
		return nil, err
	}

	mod, err := bootstrap.NewModeration(cfg, bootstrap.Deps{DB: db, Redis: rdb})
	if err != nil {
		return nil, fmt.Errorf("moderation wiring failed: %w", err)
	}

	server := NewServerWithDeps(cfg, db, rdb, mod)
	server.promMiddleware = fiberprometheus.New("warden")
	return server, nil
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Use this in tests or when a bootstrap layer establishes DB/Redis itself.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client, mod *bootstrap.Moderation) *Server {
	middleware.InitMiddleware(cfg)
	return &Server{
		config:     cfg,
		db:         db,
		redis:      redisClient,
		moderation: mod,
	}
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	// Panic recovery
	app.Use(recover.New())

	// Request ID for tracing
	app.Use(requestid.New())

	app.Use(middleware.TracingMiddleware())

	// Context Middleware to propagate Request ID and trace ID
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(s.promMiddleware.Middleware)
	}

	// Security headers
	app.Use(helmet.New())

	// Structured Logging middleware (after requestid and context middleware)
	app.Use(middleware.StructuredLogger())

	// CORS must run before the limiter so error responses still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Global rate limiting (300 requests per minute per IP)
	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Too many requests, please try again later.",
			})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	// Swagger documentation
	app.Get("/swagger/*", swagger.HandlerDefault)

	v1 := app.Group("/api/v1", middleware.AuthRequired)

	infractions := v1.Group("/infractions")
	infractions.Post("/", middleware.RateLimit(
		s.redis, 30, time.Minute, "issue_sanction"), s.IssueSanction)
	// Define specific /:id/:action routes BEFORE generic /:id route
	infractions.Post("/:id/reverse", s.ReverseInfraction)
	infractions.Post("/:id/extend", s.ExtendInfraction)
	infractions.Get("/:id", s.GetInfraction)

	communities := v1.Group("/communities/:communityId")
	communities.Get("/members/:subjectId/infractions", s.GetMemberInfractions)
	communities.Get("/flags", s.GetFeatureFlags)
	communities.Get("/modlog/ws", s.ModLogStream)

	v1.Post("/reconcile", middleware.RateLimit(
		s.redis, 2, time.Minute, "reconcile"), s.RunReconcile)
}

// LivenessCheck reports that the process is up.
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports whether the database and Redis are reachable. Redis only gates readiness
// when it backs the member locks.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	sqlDB, err := s.db.DB()
	if err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "healthy"
	if s.redis != nil {
		if err := s.redis.Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	} else {
		redisStatus = "unavailable"
	}
	redisRequired := s.config.LockBackend == "redis"

	status := fiber.StatusOK
	overallStatus := "healthy"
	if dbStatus != "healthy" || (redisRequired && redisStatus != "healthy") {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	checks := fiber.Map{
		"database": dbStatus,
		"redis":    redisStatus,
	}
	if s.moderation != nil && s.moderation.Scheduler != nil {
		checks["scheduled_reversals"] = s.moderation.Scheduler.Len()
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": checks,
		"time":   time.Now(),
	})
}

// startWorkers rebuilds the scheduler from the store and starts the expiry and
// reconciliation loops. Rehydrate must finish before the API accepts writes.
func (s *Server) startWorkers(ctx context.Context) error {
	n, err := s.moderation.Service.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate scheduler: %w", err)
	}
	middleware.Logger.Info("scheduler rehydrated", slog.Int("entries", n))

	s.workers.Add(2)
	go func() {
		defer s.workers.Done()
		s.moderation.Scheduler.Run(ctx)
	}()
	go func() {
		defer s.workers.Done()
		s.moderation.Reconcile.Run(ctx)
	}()
	return nil
}

// Start starts the background workers and then serves the API. It blocks until
// the listener stops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	if err := s.startWorkers(ctx); err != nil {
		cancel()
		return err
	}

	app := fiber.New(fiber.Config{
		AppName:   "warden",
		BodyLimit: 64 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return c.Status(fe.Code).JSON(models.ErrorResponse{Error: fe.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError,
				models.NewInternalError(err))
		},
	})
	s.app = app

	s.SetupMiddleware(app)
	s.SetupRoutes(app)

	middleware.Logger.Info("server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	// Stop accepting requests before the workers go away.
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Warn("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		middleware.Logger.Warn("timed out waiting for background workers")
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Warn("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}

	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Warn("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}
