// Package kafka publishes pipeline stage events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"github.com/turbolytics/tabulator/internal/pipeline"
)

type Option func(*Notifier)

func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// Notifier produces one message per stage event, keyed by dataset id so a
// dataset's events stay ordered within a partition.
type Notifier struct {
	config   kafka.ConfigMap
	producer *kafka.Producer
	topic    string
	brokers  string
	logger   *zap.Logger

	mu        sync.Mutex
	delivered int64
	failed    int64
}

// NewNotifier parses kafka://broker:9092/<topic>?<librdkafka settings>.
func NewNotifier(uri *url.URL, opts ...Option) (*Notifier, error) {
	topic := strings.TrimPrefix(uri.Path, "/")
	if topic == "" {
		return nil, fmt.Errorf("topic must be specified in URL path")
	}
	brokers := uri.Host
	if brokers == "" {
		return nil, fmt.Errorf("broker must be specified in URL host")
	}

	config := kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"client.id":         "tabulator",

		"acks":                "all",
		"retries":             "3",
		"linger.ms":           "5",
		"compression.type":    "snappy",
		"request.timeout.ms":  "5000",
		"delivery.timeout.ms": "10000",
	}
	for key, values := range uri.Query() {
		if len(values) > 0 {
			config[key] = values[0]
		}
	}

	n := &Notifier{
		config:  config,
		topic:   topic,
		brokers: brokers,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

func (n *Notifier) Topic() string {
	return n.topic
}

func (n *Notifier) Connect(ctx context.Context) error {
	producer, err := kafka.NewProducer(&n.config)
	if err != nil {
		return err
	}
	n.producer = producer

	go func() {
		defer n.logger.Debug("producer event loop closed")

		for e := range producer.Events() {
			switch ev := e.(type) {
			case *kafka.Message:
				n.mu.Lock()
				if ev.TopicPartition.Error != nil {
					n.failed++
					n.logger.Error("event delivery failed", zap.Error(ev.TopicPartition.Error))
				} else {
					n.delivered++
				}
				n.mu.Unlock()
			case kafka.Error:
				n.logger.Error("producer error", zap.Error(ev))
			}
		}
	}()

	n.logger.Info("kafka notifier connected",
		zap.String("topic", n.topic),
		zap.String("brokers", n.brokers))
	return nil
}

func (n *Notifier) Notify(ctx context.Context, e pipeline.Event) error {
	if n.producer == nil {
		return fmt.Errorf("kafka notifier is not connected")
	}
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return n.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &n.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(e.DatasetID),
		Value: value,
	}, nil)
}

// Close flushes outstanding messages for up to five seconds.
func (n *Notifier) Close(ctx context.Context) error {
	if n.producer == nil {
		return nil
	}
	if remaining := n.producer.Flush(5000); remaining > 0 {
		n.logger.Warn("unflushed events dropped", zap.Int("count", remaining))
	}
	n.producer.Close()

	n.mu.Lock()
	defer n.mu.Unlock()
	n.logger.Info("kafka notifier closed",
		zap.Int64("delivered", n.delivered),
		zap.Int64("failed", n.failed))
	return nil
}
