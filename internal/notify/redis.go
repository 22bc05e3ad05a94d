package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/protocol"
	"github.com/redis/go-redis/v9"
)

// Redis keeps a snapshot hash of each session's latest transcript under
// prefix+sessionID and publishes every event on prefix+"events".
type Redis struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	log    *slog.Logger
}

// NewRedisClient builds a client from config; it does not dial until first use.
func NewRedisClient(cfg config.NotifyConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func NewRedis(client redis.Cmdable, cfg config.NotifyConfig, log *slog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: cfg.RedisPrefix,
		ttl:    time.Duration(cfg.RedisTTLSec) * time.Second,
		log:    log.With(slog.String("component", "notify-redis")),
	}
}

// Key is the snapshot hash key for a session.
func (r *Redis) Key(sessionID string) string {
	return r.prefix + sessionID
}

// Channel is the pub/sub channel all events are published on.
func (r *Redis) Channel() string {
	return r.prefix + "events"
}

// snapshotFields are the hash fields written for evt.
func snapshotFields(evt Event) map[string]any {
	fields := map[string]any{
		"updated_at": evt.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	switch evt.Name {
	case protocol.EventStarted:
		fields["state"] = "active"
		fields["text"] = ""
		fields["final"] = "false"
	case protocol.EventReceived:
		fields["text"] = evt.Text
		fields["final"] = strconv.FormatBool(evt.Final)
	case protocol.EventStopped:
		fields["state"] = "stopped"
		fields["error"] = evt.Error
	}
	return fields
}

func (r *Redis) Emit(ctx context.Context, evt Event) {
	if evt.SessionID == "" {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		r.log.Warn("failed to encode dictation event", slog.String("error", err.Error()))
		return
	}
	key := r.Key(evt.SessionID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, snapshotFields(evt))
		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}
		pipe.Publish(ctx, r.Channel(), payload)
		return nil
	})
	if err != nil {
		r.log.Warn("failed to write dictation snapshot", slog.String("key", key), slog.String("error", err.Error()))
	}
}
