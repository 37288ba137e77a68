package notify

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel job submissions are announced on.
const Channel = "vidpipe:jobs:submitted"

// Redis fans submission signals out across processes, so an API-only
// process can wake workers running elsewhere.
type Redis struct {
	rdb    *redis.Client
	sub    *redis.PubSub
	local  *Local
	logger *slog.Logger
	done   chan struct{}
}

// NewRedis subscribes to Channel and forwards every message to the
// returned notifier's channel.
func NewRedis(ctx context.Context, rdb *redis.Client, size int, logger *slog.Logger) (*Redis, error) {
	sub := rdb.Subscribe(ctx, Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}

	r := &Redis{
		rdb:    rdb,
		sub:    sub,
		local:  NewLocal(size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go r.forward()
	return r, nil
}

func (r *Redis) forward() {
	defer close(r.done)
	for range r.sub.Channel() {
		r.local.signal()
	}
}

// Notify publishes on Channel. The local channel is also signalled so
// workers in this process wake even if the publish is lost.
func (r *Redis) Notify(ctx context.Context) error {
	r.local.signal()
	if err := r.rdb.Publish(ctx, Channel, "1").Err(); err != nil {
		if r.logger != nil {
			r.logger.Warn("notify_publish_failed", "error", err)
		}
		return err
	}
	return nil
}

func (r *Redis) C() <-chan struct{} { return r.local.C() }

func (r *Redis) Close() error {
	err := r.sub.Close()
	<-r.done
	return err
}
