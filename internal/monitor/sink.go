package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"crisis-chat/internal/services"
	"crisis-chat/pkg/logger"
)

// Sink forwards crisis alerts to the external monitoring collaborator over
// a Redis channel. Fire-and-forget: the engine never waits on delivery and
// a down Redis never blocks a conversation.
type Sink struct {
	client  *redis.Client
	channel string
}

// NewSink connects to Redis. An empty URL yields a log-only sink, which
// keeps local development free of infrastructure.
func NewSink(ctx context.Context, redisURL, channel string) (*Sink, error) {
	if redisURL == "" {
		return &Sink{channel: channel}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &Sink{client: client, channel: channel}, nil
}

func (s *Sink) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// PublishAlert implements services.AlertSink.
func (s *Sink) PublishAlert(ctx context.Context, alert services.Alert) {
	if s.client == nil {
		logger.Info("crisis_alert room=%s trigger=%s reason=%s", alert.RoomID, alert.Trigger, alert.Reason)
		return
	}

	payload, err := json.Marshal(alert)
	if err != nil {
		logger.Error("Error marshaling crisis alert: %v", err)
		return
	}

	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.Publish(pubCtx, s.channel, payload).Err(); err != nil {
			logger.Error("Error publishing crisis alert for room %s: %v", alert.RoomID, err)
		}
	}()
}
