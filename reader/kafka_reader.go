package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"

	appconfig "walletwatch/config"
	"walletwatch/internal/metrics"
	"walletwatch/logger"
	"walletwatch/models"
)

// KafkaReader consumes JSON encoded Events from a topic through a consumer
// group. Producers key messages by wallet so per-wallet order is kept within
// a partition.
type KafkaReader struct {
	cfg   appconfig.KafkaFeedConfig
	group sarama.ConsumerGroup
	norm  *Normalizer
	out   EventSink

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log

	messages atomic.Int64
	events   atomic.Int64
	dropped  atomic.Int64
}

func newSaramaConfig(oldest bool) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	if oldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	cfg.Consumer.Return.Errors = true
	return cfg
}

func NewKafkaReader(cfg appconfig.KafkaFeedConfig, norm *Normalizer, out EventSink) (*KafkaReader, error) {
	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, newSaramaConfig(cfg.Oldest))
	if err != nil {
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return &KafkaReader{cfg: cfg, group: group, norm: norm, out: out, log: logger.GetLogger()}, nil
}

func (r *KafkaReader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("kafka reader already running")
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("kafka_reader")
	log.WithFields(logger.Fields{
		"brokers":  r.cfg.Brokers,
		"topic":    r.cfg.Topic,
		"group_id": r.cfg.GroupID,
	}).Info("starting kafka reader")

	r.wg.Add(2)
	go r.consume(ctx, log)
	go func() {
		defer r.wg.Done()
		for err := range r.group.Errors() {
			log.WithError(err).Warn("consumer group error")
		}
	}()
	return nil
}

// consume re-joins the group after every rebalance until ctx is done.
func (r *KafkaReader) consume(ctx context.Context, log *logger.Entry) {
	defer r.wg.Done()
	handler := &groupHandler{reader: r, ctx: ctx, log: log}
	for {
		if err := r.group.Consume(ctx, []string{r.cfg.Topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return
			}
			log.WithError(err).Warn("consume failed")
			if waitForReconnect(ctx, 300*time.Millisecond) {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (r *KafkaReader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	r.log.WithComponent("kafka_reader").Info("stopping kafka reader")
	cancel()
	if err := r.group.Close(); err != nil {
		r.log.WithComponent("kafka_reader").WithError(err).Warn("failed to close consumer group")
	}
	r.wg.Wait()
	r.log.WithComponent("kafka_reader").WithFields(logger.Fields{"stats": r.Stats()}).Info("kafka reader stopped")
}

// handleMessage decodes one record and forwards it. Returns false only when
// the reader is shutting down and the record was not queued.
func (r *KafkaReader) handleMessage(ctx context.Context, log *logger.Entry, value []byte) bool {
	r.messages.Add(1)
	logger.IncrementFeedRead("kafka", len(value))

	var ev models.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		r.dropped.Add(1)
		metrics.EmitDropMetric(r.log, metrics.DropMetricFeedDecode, "", "", "decode")
		log.WithError(err).Debug("failed to decode kafka event")
		return true
	}
	ev, ok := r.norm.Normalize(ev)
	if !ok {
		return true
	}
	if !r.out.SendEvent(ctx, ev) {
		return false
	}
	r.events.Add(1)
	return true
}

func (r *KafkaReader) Stats() map[string]int64 {
	return map[string]int64{
		"messages": r.messages.Load(),
		"events":   r.events.Load(),
		"dropped":  r.dropped.Load(),
	}
}

type groupHandler struct {
	reader *KafkaReader
	ctx    context.Context
	log    *logger.Entry
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.reader.handleMessage(h.ctx, h.log, msg.Value) {
				return nil
			}
			sess.MarkMessage(msg, "")
		case <-sess.Context().Done():
			return nil
		}
	}
}
