package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"warden/internal/middleware"
	"warden/internal/models"
	"warden/internal/notifications"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// ModLogStream handles GET /api/v1/communities/:communityId/modlog/ws.
// @Summary Stream a community's mod-log
// @Description Upgrades to a websocket. The first frame is {"type":"subscribed"}; every later frame is one infraction lifecycle event.
// @Tags infractions
// @Param communityId path string true "Community ID"
// @Success 101 {object} notifications.InfractionEvent
// @Failure 400 {object} models.ErrorResponse
// @Failure 426 {object} models.ErrorResponse
// @Failure 503 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /communities/{communityId}/modlog/ws [get]
func (s *Server) ModLogStream(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(models.ErrorResponse{
			Error: "websocket upgrade required",
		})
	}
	communityID, err := parseSnowflake(c, "communityId")
	if err != nil {
		return nil
	}
	if s.moderation.Notifier == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
			Error: "mod-log stream requires redis",
		})
	}

	c.Locals("communityID", communityID)
	return s.modLogSocket(c)
}

// modLogSocket forwards events until the client disconnects or the server shuts down.
func (s *Server) modLogSocket(c *fiber.Ctx) error {
	return websocket.New(func(conn *websocket.Conn) {
		communityID, _ := conn.Locals("communityID").(snowflake.ID)
		moderator, _ := conn.Locals("moderatorID").(snowflake.ID)

		parent := s.shutdownCtx
		if parent == nil {
			parent = context.Background()
		}
		ctx, cancel := context.WithCancel(parent)
		defer cancel()

		// closed stops late subscriber writes once the handler has returned.
		var (
			mu     sync.Mutex
			closed bool
		)
		write := func(v any) error {
			payload, err := json.Marshal(v)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return nil
			}
			return conn.WriteMessage(websocket.TextMessage, payload)
		}
		defer func() {
			mu.Lock()
			closed = true
			mu.Unlock()
		}()

		err := s.moderation.Notifier.StartInfractionSubscriber(ctx, communityID,
			func(_ string, ev notifications.InfractionEvent) {
				if err := write(ev); err != nil {
					middleware.Logger.Warn("mod-log stream write failed",
						slog.String("community_id", communityID.String()),
						slog.String("error", err.Error()),
					)
					cancel()
				}
			})
		if err != nil {
			middleware.Logger.Error("mod-log stream subscribe failed",
				slog.String("community_id", communityID.String()),
				slog.String("error", err.Error()),
			)
			_ = write(fiber.Map{"type": "error", "error": "subscribe failed"})
			return
		}

		if err := write(fiber.Map{"type": "subscribed", "community_id": communityID}); err != nil {
			return
		}
		middleware.Logger.Info("mod-log stream opened",
			slog.String("community_id", communityID.String()),
			slog.String("moderator_id", moderator.String()),
		)

		// Close the socket on shutdown so the read loop below unblocks.
		done := make(chan struct{})
		var watcher sync.WaitGroup
		watcher.Add(1)
		go func() {
			defer watcher.Done()
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-done:
			}
		}()
		defer watcher.Wait()
		defer close(done)

		// Clients only listen; reads detect the disconnect.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	})(c)
}
