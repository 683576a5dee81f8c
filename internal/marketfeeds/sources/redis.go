package sources

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Aidin1998/streamcore/internal/marketfeeds/metrics"
	"github.com/Aidin1998/streamcore/pkg/models"
	"github.com/Aidin1998/streamcore/pkg/stream/reactive"
)

// RedisSource pushes ticks from a Redis pub/sub channel straight into a
// subscriber. Redis offers no consumer pacing, so this source is meant for
// a shared (multi-producer) processor that absorbs bursts in the ring.
type RedisSource struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisSource builds a client for addr; Run subscribes to channel.
func NewRedisSource(addr, channel string, logger *zap.Logger) *RedisSource {
	return &RedisSource{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		logger:  logger.Named("redis-source"),
	}
}

// Run decodes and forwards messages until ctx is done. The downstream is
// completed on shutdown or when the pub/sub channel closes; it is never
// sent OnError.
func (s *RedisSource) Run(ctx context.Context, downstream reactive.Subscriber[models.Tick]) {
	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			downstream.OnComplete()
			return
		case msg, ok := <-ch:
			if !ok {
				s.logger.Warn("pubsub channel closed")
				downstream.OnComplete()
				return
			}
			tick, err := models.DecodeTick([]byte(msg.Payload))
			if err != nil {
				s.logger.Warn("skipping malformed tick", zap.Error(err))
				continue
			}
			metrics.TicksPublished.WithLabelValues("redis").Inc()
			downstream.OnNext(tick)
		}
	}
}

// Close releases the Redis connection.
func (s *RedisSource) Close() error {
	return s.client.Close()
}
