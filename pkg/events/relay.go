package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"trackup/pkg/logger"
	"trackup/pkg/upload"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisRelay forwards outcomes to a redis pub/sub channel as JSON, so
// observers outside the daemon process can follow uploads.
type RedisRelay struct {
	client  redisPublisher
	channel string
	logger  *logger.Logger
}

func NewRedisRelay(client redisPublisher, channel string) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		logger:  logger.NewDefault().With(map[string]any{"component": "relay", "channel": channel}),
	}
}

func (r *RedisRelay) Forward(ctx context.Context, outcome upload.Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publish outcome: %w", err)
	}
	return nil
}

// Run relays everything from outcomes until the channel closes or ctx ends.
func (r *RedisRelay) Run(ctx context.Context, outcomes <-chan upload.Outcome) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case outcome, ok := <-outcomes:
			if !ok {
				return nil
			}
			if err := r.Forward(ctx, outcome); err != nil {
				r.logger.Error("failed to relay outcome", err, map[string]any{"tag": outcome.Tag})
			}
		}
	}
}

// LogOutcomes writes one record per outcome until the channel closes or ctx ends.
func LogOutcomes(ctx context.Context, outcomes <-chan upload.Outcome, l *logger.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case o, ok := <-outcomes:
			if !ok {
				return
			}
			fields := map[string]any{
				"tag":        o.Tag,
				"kind":       o.Kind,
				"attempt":    o.Attempt,
				"attempt_id": o.AttemptID,
			}
			if o.Success {
				l.Info("upload succeeded", fields)
				continue
			}
			fields["message"] = o.Message
			if o.HostKeyMismatch() {
				fields["host_key_fingerprint"] = o.HostKeyFingerprint
			}
			if len(o.ServerReplies) > 0 {
				fields["server_replies"] = len(o.ServerReplies)
			}
			l.Error("upload failed", o.Cause, fields)
		}
	}
}
