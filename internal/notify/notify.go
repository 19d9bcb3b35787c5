// Package notify dispatches custody notifications (withdrawal confirmation
// codes, security events) to a Kafka broker for downstream delivery by
// mail/SMS/push workers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/cryptanex/custodyguard/pkg/metrics"
)

// Topic is a Kafka topic the custody layer publishes to.
type Topic string

const (
	// TopicConfirmationCodes carries withdrawal confirmation codes to the
	// delivery workers.
	TopicConfirmationCodes Topic = "custody.confirmation-codes"
	// TopicSecurityEvents mirrors the websocket feed for broker consumers.
	TopicSecurityEvents Topic = "custody.security-events"
)

// ConfirmationCodeMessage carries one withdrawal confirmation code. The
// anti-phishing code lets the recipient authenticate the message.
type ConfirmationCodeMessage struct {
	WithdrawalID     uuid.UUID       `json:"withdrawal_id"`
	WalletAddress    string          `json:"wallet_address"`
	ToAddress        string          `json:"to_address"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	Code             string          `json:"code"`
	AntiPhishingCode string          `json:"anti_phishing_code,omitempty"`
	LockUntil        time.Time       `json:"lock_until"`
	SentAt           time.Time       `json:"sent_at"`
}

// SecurityEventMessage is a broker-side copy of a security feed event.
type SecurityEventMessage struct {
	EventType string                 `json:"event_type"`
	Severity  string                 `json:"severity,omitempty"`
	Wallet    string                 `json:"wallet,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	At        time.Time              `json:"at"`
}

// Publisher publishes custody notifications to a message broker.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, key string, message interface{}) error
	Close() error
}

// KafkaPublisher implements Publisher over one kafka writer per topic.
type KafkaPublisher struct {
	brokers []string
	logger  *zap.Logger

	mu      sync.RWMutex
	writers map[Topic]*kafka.Writer
}

// NewKafkaPublisher creates a publisher for the given broker list. Writers
// are created lazily per topic.
func NewKafkaPublisher(brokers []string, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		brokers: brokers,
		logger:  logger,
		writers: make(map[Topic]*kafka.Writer),
	}
}

func (p *KafkaPublisher) getWriter(topic Topic) *kafka.Writer {
	p.mu.RLock()
	writer, ok := p.writers[topic]
	p.mu.RUnlock()
	if ok {
		return writer
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if writer, ok := p.writers[topic]; ok {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(p.brokers...),
		Topic:        string(topic),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
		MaxAttempts:  3,
	}
	p.writers[topic] = writer
	return writer
}

// Publish marshals the message to JSON and writes it to the topic. Keying
// by wallet address keeps one wallet's notifications ordered.
func (p *KafkaPublisher) Publish(ctx context.Context, topic Topic, key string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		metrics.NotificationsSent.WithLabelValues(string(topic), "error").Inc()
		return fmt.Errorf("marshal notification: %w", err)
	}

	err = p.getWriter(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	})
	if err != nil {
		metrics.NotificationsSent.WithLabelValues(string(topic), "error").Inc()
		p.logger.Error("notification publish failed",
			zap.Error(err),
			zap.String("topic", string(topic)),
			zap.String("key", key))
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	metrics.NotificationsSent.WithLabelValues(string(topic), "ok").Inc()
	p.logger.Debug("notification published",
		zap.String("topic", string(topic)),
		zap.String("key", key))
	return nil
}

// Close flushes and closes every writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for topic, writer := range p.writers {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close writer for %s: %w", topic, err)
		}
		delete(p.writers, topic)
	}
	return firstErr
}

// Nop discards notifications. Used when no broker is configured and in
// tests.
type Nop struct{}

func (Nop) Publish(context.Context, Topic, string, interface{}) error { return nil }
func (Nop) Close() error                                              { return nil }
