package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "walletwatch/config"
	"walletwatch/internal/notifier"
	"walletwatch/logger"
	"walletwatch/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes alert notifications to a topic as webhook envelopes,
// keyed by wallet so one wallet's alerts land on the same partition.
type KafkaWriter struct {
	cfg      appconfig.KafkaAlertConfig
	minTier  models.Tier
	writer   messageWriter
	now      func() time.Time
	log      *logger.Log
	written  atomic.Int64
	failures atomic.Int64
}

func NewKafkaWriter(cfg appconfig.KafkaAlertConfig, timeout time.Duration) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, &models.ConfigurationError{Field: "notifications.kafka.brokers", Reason: "is required"}
	}
	if cfg.Topic == "" {
		return nil, &models.ConfigurationError{Field: "notifications.kafka.topic", Reason: "is required"}
	}
	tier, err := models.ParseTier(cfg.MinTier)
	if err != nil {
		return nil, &models.ConfigurationError{Field: "notifications.kafka.min_tier", Reason: err.Error()}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	kw := &KafkaWriter{
		cfg:     cfg,
		minTier: tier,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			WriteTimeout: timeout,
			MaxAttempts:  1,
		},
		now: time.Now,
		log: logger.GetLogger(),
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka writer initialized")
	return kw, nil
}

func (kw *KafkaWriter) Name() string            { return "kafka" }
func (kw *KafkaWriter) MinTier() models.Tier    { return kw.minTier }
func (kw *KafkaWriter) Cooldown() time.Duration { return kw.cfg.Cooldown }

// Send writes one message per notification. Retries are left to the
// dispatcher, so the writer itself makes a single attempt.
func (kw *KafkaWriter) Send(ctx context.Context, n notifier.Notification) error {
	latest := n.Latest()
	data, err := json.Marshal(notifier.NewWebhookEnvelope(n, kw.now()))
	if err != nil {
		return &models.DispatchError{Channel: kw.Name(), Err: fmt.Errorf("marshal envelope: %w", err)}
	}
	msg := kafka.Message{
		Key:   []byte(latest.Group.Key.Wallet),
		Value: data,
		Headers: []kafka.Header{
			{Key: "alert_id", Value: []byte(latest.ID)},
			{Key: "tier", Value: []byte(n.Tier().String())},
		},
	}
	if err := kw.writer.WriteMessages(ctx, msg); err != nil {
		kw.failures.Add(1)
		return &models.DispatchError{Channel: kw.Name(), Retryable: retryableKafka(ctx, err), Err: err}
	}
	kw.written.Add(1)
	kw.log.WithComponent("kafka_writer").WithWallet(latest.Group.Key.Wallet).
		WithAlert(latest.ID, n.Tier().String()).
		WithField("batch_size", len(n.Alerts)).
		Debug("alert written to kafka")
	return nil
}

func retryableKafka(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && retryableKafka(ctx, e) {
				return true
			}
		}
		return false
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary()
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, kafka.LeaderNotAvailable)
}

func (kw *KafkaWriter) Stats() map[string]int64 {
	return map[string]int64{
		"written":  kw.written.Load(),
		"failures": kw.failures.Load(),
	}
}

// Close flushes and closes the underlying writer. Call it after the
// dispatcher has returned.
func (kw *KafkaWriter) Close() error {
	kw.log.WithComponent("kafka_writer").Debug("stopping kafka writer")
	if err := kw.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	kw.log.WithComponent("kafka_writer").WithFields(logger.Fields{"stats": kw.Stats()}).Debug("kafka writer stopped")
	return nil
}
