package engine

import (
	"context"
	"encoding/json"
	"time"

	rediscommon "github.com/lyzr/bpmn-engine/common/redis"
)

// LifecyclePublisher broadcasts instance state transitions for external
// observers. Publishing is best-effort and never blocks the scheduler on
// failure.
type LifecyclePublisher interface {
	PublishState(ctx context.Context, instanceID string, state State)
}

// RedisLifecyclePublisher publishes transitions on a Redis channel and
// caches the latest state for cross-service reads.
type RedisLifecyclePublisher struct {
	redis   *rediscommon.Client
	channel string
	ttl     time.Duration
	logger  rediscommon.Logger
}

// NewRedisLifecyclePublisher creates a publisher on the
// bpmn.instance.state channel.
func NewRedisLifecyclePublisher(client *rediscommon.Client, ttl time.Duration, logger rediscommon.Logger) *RedisLifecyclePublisher {
	return &RedisLifecyclePublisher{
		redis:   client,
		channel: "bpmn.instance.state",
		ttl:     ttl,
		logger:  logger,
	}
}

// PublishState caches and broadcasts one state transition.
func (p *RedisLifecyclePublisher) PublishState(ctx context.Context, instanceID string, state State) {
	if err := p.redis.SetWithExpiry(ctx, "bpmn:instance:"+instanceID+":state", string(state), p.ttl); err != nil {
		p.logger.Warn("failed to cache instance state", "instance_id", instanceID, "error", err)
	}

	msg, err := json.Marshal(map[string]any{
		"instance_id": instanceID,
		"state":       string(state),
		"ts":          time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	if err := p.redis.PublishEvent(ctx, p.channel, string(msg)); err != nil {
		p.logger.Warn("failed to publish instance state", "instance_id", instanceID, "error", err)
	}
}

// NopLifecyclePublisher discards transitions. Used when Redis is not
// configured and in tests.
type NopLifecyclePublisher struct{}

// PublishState implements LifecyclePublisher.
func (NopLifecyclePublisher) PublishState(context.Context, string, State) {}
