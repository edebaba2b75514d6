// Package feed publishes appended telemetry batches to Kafka for downstream
// consumers. The feed is best-effort: the warehouse append is the source of
// truth and a publish failure never fails the fetch.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	telemetry "rea-telemetry/internal/telemetry/domain"
)

// Config configures the Kafka feed.
type Config struct {
	Brokers     []string `yaml:"brokers"`
	PointsTopic string   `yaml:"points_topic"`
	AlertsTopic string   `yaml:"alerts_topic"`
}

// Kafka publishes payload batches to the configured topics.
type Kafka struct {
	points *kafka.Writer
	alerts *kafka.Writer
	logger *log.Logger
}

// NewKafka constructs a feed. Messages are keyed by provider and site so one
// device's stream stays ordered within a partition.
func NewKafka(cfg Config, logger *log.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("feed: no brokers")
	}
	if cfg.PointsTopic == "" || cfg.AlertsTopic == "" {
		return nil, errors.New("feed: missing topic")
	}
	if logger == nil {
		logger = log.Default()
	}
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 100 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		}
	}
	return &Kafka{
		points: newWriter(cfg.PointsTopic),
		alerts: newWriter(cfg.AlertsTopic),
		logger: logger,
	}, nil
}

// PublishPoints writes one point batch.
func (k *Kafka) PublishPoints(ctx context.Context, points []telemetry.PointPayload) error {
	if len(points) == 0 {
		return nil
	}
	messages := make([]kafka.Message, 0, len(points))
	for _, p := range points {
		value, err := json.Marshal(p)
		if err != nil {
			return err
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(string(p.Provider) + ":" + p.SiteID),
			Value: value,
		})
	}
	return k.points.WriteMessages(ctx, messages...)
}

// PublishAlerts writes one alert batch.
func (k *Kafka) PublishAlerts(ctx context.Context, alerts []telemetry.AlertPayload) error {
	if len(alerts) == 0 {
		return nil
	}
	messages := make([]kafka.Message, 0, len(alerts))
	for _, a := range alerts {
		value, err := json.Marshal(a)
		if err != nil {
			return err
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(string(a.Provider) + ":" + a.SiteID),
			Value: value,
		})
	}
	return k.alerts.WriteMessages(ctx, messages...)
}

// Close flushes and closes both writers.
func (k *Kafka) Close() error {
	return errors.Join(k.points.Close(), k.alerts.Close())
}
