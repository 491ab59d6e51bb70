package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"loopcast/internal/models"
)

// RedisSinkConfig configures the Redis event sink.
type RedisSinkConfig struct {
	Addr     string
	Username string
	Password string
	Channel  string
	Logger   *slog.Logger
}

// RedisSink republishes session events onto a Redis pub/sub channel so
// external dashboards can follow stream lifecycles without a direct
// subscription to the in-process hub.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

// NewRedisSink connects a sink to the configured Redis instance.
func NewRedisSink(cfg RedisSinkConfig) (*RedisSink, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = "loopcast:events"
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{cfg.Addr},
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisSink{client: client, channel: channel, logger: logger}, nil
}

// Run consumes events from the channel until it is closed or the context is
// cancelled, publishing each as JSON. Publish failures are logged and
// skipped; the sink must never stall the hub.
func (s *RedisSink) Run(ctx context.Context, events <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn("event encode failed", "error", err)
				continue
			}
			if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
				s.logger.Warn("event publish failed", "error", err)
			}
		}
	}
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
