// Package sources bridges external feeds into the broadcast core. Kafka is
// consumed as a pull-based publisher paced by the processor's request
// replenishment; Redis pub/sub pushes straight into the ring.
package sources

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/streamcore/internal/marketfeeds/metrics"
	"github.com/Aidin1998/streamcore/pkg/models"
	"github.com/Aidin1998/streamcore/pkg/stream/reactive"
	"github.com/Aidin1998/streamcore/pkg/stream/sequence"
)

const demandPollInterval = 5 * time.Millisecond

// KafkaSource reads ticks from a Kafka topic on demand. Subscribing the
// broadcast processor to it engages the processor's request task, so reads
// never outrun the ring.
type KafkaSource struct {
	reader *kafka.Reader
	logger *zap.Logger
	ctx    context.Context
}

// NewKafkaSource builds a pull-based tick publisher over a topic.
func NewKafkaSource(ctx context.Context, brokers []string, topic, groupID string, logger *zap.Logger) *KafkaSource {
	return &KafkaSource{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		logger: logger.Named("kafka-source"),
		ctx:    ctx,
	}
}

// Subscribe starts a reader goroutine delivering one decoded tick per unit
// of requested demand.
func (s *KafkaSource) Subscribe(sub reactive.Subscriber[models.Tick]) {
	ks := &kafkaSubscription{
		source:    s,
		sub:       sub,
		requested: sequence.New(0),
	}
	sub.OnSubscribe(ks)
	go ks.pump()
}

// Close releases the underlying reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

type kafkaSubscription struct {
	source    *KafkaSource
	sub       reactive.Subscriber[models.Tick]
	requested *sequence.Sequence
	cancelled atomic.Bool
}

func (k *kafkaSubscription) Request(n int64) {
	if err := reactive.ValidateRequest(n); err != nil {
		k.source.logger.Warn("invalid request amount", zap.Int64("n", n))
		return
	}
	reactive.AddCap(k.requested, n)
}

func (k *kafkaSubscription) Cancel() {
	k.cancelled.Store(true)
}

func (k *kafkaSubscription) pump() {
	log := k.source.logger
	for {
		if k.cancelled.Load() {
			log.Debug("subscription cancelled, stopping reader")
			return
		}
		if k.requested.Get() == 0 {
			select {
			case <-k.source.ctx.Done():
				k.sub.OnComplete()
				return
			case <-time.After(demandPollInterval):
			}
			continue
		}

		msg, err := k.source.reader.ReadMessage(k.source.ctx)
		if err != nil {
			switch {
			case k.cancelled.Load():
				return
			case errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
				k.sub.OnComplete()
			default:
				log.Error("kafka read failed", zap.Error(err))
				k.sub.OnError(err)
			}
			return
		}
		tick, err := models.DecodeTick(msg.Value)
		if err != nil {
			log.Warn("skipping malformed tick",
				zap.Int64("offset", msg.Offset), zap.Error(err))
			continue
		}
		reactive.GetAndSub(k.requested, 1)
		metrics.TicksPublished.WithLabelValues("kafka").Inc()
		k.sub.OnNext(tick)
	}
}
