package middleware

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gofiber/fiber/v2"
)

// Logger is the global structured logger instance used throughout the application.
var Logger *slog.Logger

type contextKey string

const (
	RequestIDKey    contextKey = "request_id"
	ModeratorIDKey  contextKey = "moderator_id"
	TraceIDKey      contextKey = "trace_id"
	CommunityIDKey  contextKey = "community_id"
	SubjectIDKey    contextKey = "subject_id"
	InfractionIDKey contextKey = "infraction_id"
)

// ctxHandler is a slog.Handler that adds context values to the log record.
type ctxHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing it to the underlying handler.
func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	if rid, ok := ctx.Value(RequestIDKey).(string); ok {
		r.AddAttrs(slog.String("request_id", rid))
	}
	if tid, ok := ctx.Value(TraceIDKey).(string); ok {
		r.AddAttrs(slog.String("trace_id", tid))
	}
	for _, key := range []contextKey{ModeratorIDKey, CommunityIDKey, SubjectIDKey} {
		if id, ok := ctx.Value(key).(snowflake.ID); ok {
			r.AddAttrs(slog.String(string(key), id.String()))
		}
	}
	if iid, ok := ctx.Value(InfractionIDKey).(uint); ok {
		r.AddAttrs(slog.Uint64("infraction_id", uint64(iid)))
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs keeps the context-aware wrapper around derived handlers.
func (h *ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ctxHandler{h.Handler.WithAttrs(attrs)}
}

func (h *ctxHandler) WithGroup(name string) slog.Handler {
	return &ctxHandler{h.Handler.WithGroup(name)}
}

func init() {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("LOG_LEVEL"), "debug") {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if os.Getenv("APP_ENV") == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	Logger = slog.New(&ctxHandler{handler})
}

// WithSubject tags ctx with the community and member a moderation operation targets.
func WithSubject(ctx context.Context, communityID, subjectID snowflake.ID) context.Context {
	ctx = context.WithValue(ctx, CommunityIDKey, communityID)
	return context.WithValue(ctx, SubjectIDKey, subjectID)
}

// WithInfraction tags ctx with an infraction id.
func WithInfraction(ctx context.Context, id uint) context.Context {
	return context.WithValue(ctx, InfractionIDKey, id)
}

// ContextMiddleware injects request ID and moderator ID from Fiber locals into the request context.
// This allows these values to be picked up by the context-aware logger even in deep service layers.
func ContextMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx := c.UserContext()

		if rid, ok := c.Locals("requestid").(string); ok {
			ctx = context.WithValue(ctx, RequestIDKey, rid)
		}
		if mid, ok := c.Locals("moderatorID").(snowflake.ID); ok {
			ctx = context.WithValue(ctx, ModeratorIDKey, mid)
		}
		if tid, ok := c.Locals("traceID").(string); ok {
			ctx = context.WithValue(ctx, TraceIDKey, tid)
		}

		c.SetUserContext(ctx)
		return c.Next()
	}
}

// StructuredLogger returns a Fiber middleware for logging requests using slog
func StructuredLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		fields := []any{
			slog.Int("status", c.Response().StatusCode()),
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("ip", c.IP()),
			slog.Duration("latency", time.Since(start)),
			slog.String("user_agent", c.Get("User-Agent")),
		}

		if err != nil {
			fields = append(fields, slog.String("error", err.Error()))
			Logger.ErrorContext(c.UserContext(), "request failed", fields...)
		} else {
			Logger.InfoContext(c.UserContext(), "request processed", fields...)
		}

		return err
	}
}
