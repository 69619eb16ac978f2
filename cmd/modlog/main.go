// Command modlog tails infraction lifecycle events from Redis, or from a
// running server's websocket stream when -ws is given.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"warden/internal/cache"
	"warden/internal/config"
	"warden/internal/notifications"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gorilla/websocket"
)

func main() {
	communityFlag := flag.String("community", "", "Only show events for this community id (default: all)")
	asJSON := flag.Bool("json", false, "Print raw JSON events")
	wsBase := flag.String("ws", "", "Server websocket base URL, e.g. ws://localhost:8375 (requires -community)")
	token := flag.String("token", os.Getenv("WARDEN_TOKEN"), "Moderator JWT for -ws (default $WARDEN_TOKEN)")
	flag.Parse()

	var communityID snowflake.ID
	if *communityFlag != "" {
		id, err := snowflake.Parse(*communityFlag)
		if err != nil {
			log.Fatalf("invalid community id %q: %v", *communityFlag, err)
		}
		communityID = id
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(os.Stdout)
	emit := func(_ string, ev notifications.InfractionEvent) {
		if *asJSON {
			_ = enc.Encode(ev)
			return
		}
		fmt.Println(formatEvent(ev))
	}

	if *wsBase != "" {
		if communityID == 0 {
			log.Fatal("-ws requires -community")
		}
		if err := streamWebsocket(ctx, *wsBase, *token, communityID, emit); err != nil {
			log.Fatalf("Stream failed: %v", err)
		}
		return
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	cache.InitRedis(cfg.RedisURL)
	rdb := cache.GetClient()
	if rdb == nil {
		log.Fatal("redis is unavailable")
	}
	defer func() { _ = rdb.Close() }()

	err = notifications.NewNotifier(rdb).StartInfractionSubscriber(ctx, communityID, emit)
	if err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}

	<-ctx.Done()
}

// streamWebsocket reads one community's mod-log from the server until ctx is
// done or the server closes the stream.
func streamWebsocket(
	ctx context.Context, base, token string, communityID snowflake.ID,
	onEvent func(channel string, ev notifications.InfractionEvent),
) error {
	url := strings.TrimRight(base, "/") + "/api/v1/communities/" + communityID.String() + "/modlog/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	channel := notifications.CommunityChannel(communityID)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		var frame struct {
			Type  string `json:"type"`
			Error string `json:"error"`
		}
		if err := json.Unmarshal(payload, &frame); err != nil {
			log.Printf("skipping malformed frame: %v", err)
			continue
		}
		switch frame.Type {
		case "subscribed":
			continue
		case "error":
			return errors.New(frame.Error)
		}

		var ev notifications.InfractionEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			log.Printf("skipping malformed event: %v", err)
			continue
		}
		onEvent(channel, ev)
	}
}

func formatEvent(ev notifications.InfractionEvent) string {
	line := fmt.Sprintf("%s %-26s #%d %s community=%s subject=%s status=%s",
		ev.At.Format("2006-01-02T15:04:05Z07:00"), ev.Type, ev.InfractionID, ev.Kind,
		ev.CommunityID, ev.SubjectID, ev.Status)
	if ev.ActorID != nil {
		line += " by=" + ev.ActorID.String()
	}
	if ev.ExpiresAt != nil {
		line += " expires=" + ev.ExpiresAt.Format("2006-01-02T15:04:05Z07:00")
	}
	if ev.Reason != "" {
		line += fmt.Sprintf(" reason=%q", ev.Reason)
	}
	if ev.Error != "" {
		line += fmt.Sprintf(" error=%q", ev.Error)
	}
	return line
}
