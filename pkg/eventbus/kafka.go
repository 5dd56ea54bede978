// Package eventbus connects the governance engine to Kafka: verdict events
// flow out for downstream consumers, and an optional incident feed flows in
// to keep the incident store current.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/psc0des/sentinellayer/pkg/incidents"
	"github.com/psc0des/sentinellayer/pkg/models"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// VerdictPublisher emits one event per recorded verdict.
type VerdictPublisher struct {
	writer kafkaWriter
}

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

func (c Config) validate(needGroup bool) ([]string, error) {
	brokers := make([]string, 0, len(c.Brokers))
	for _, b := range c.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if needGroup && strings.TrimSpace(c.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	return brokers, nil
}

func NewVerdictPublisher(cfg Config) (*VerdictPublisher, error) {
	brokers, err := cfg.validate(false)
	if err != nil {
		return nil, err
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &VerdictPublisher{writer: w}, nil
}

// Publish writes the verdict keyed by resource id so per-resource ordering
// is preserved. Failures are the caller's to log; verdict flow never blocks
// on the bus.
func (p *VerdictPublisher) Publish(ctx context.Context, v *models.GovernanceVerdict) error {
	if p == nil || p.writer == nil {
		return fmt.Errorf("verdict publisher not initialized")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(v.ResourceID),
		Value: raw,
	})
}

func (p *VerdictPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// IncidentConsumer appends incident records from a Kafka topic into the
// file-backed incident store.
type IncidentConsumer struct {
	reader kafkaReader
	store  *incidents.FileStore
}

func NewIncidentConsumer(cfg Config, store *incidents.FileStore) (*IncidentConsumer, error) {
	brokers, err := cfg.validate(true)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("incident store required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &IncidentConsumer{reader: r, store: store}, nil
}

// Run consumes until the context ends. Malformed records are logged and
// skipped.
func (c *IncidentConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("incident feed read: %w", err)
		}
		var inc models.Incident
		if err := json.Unmarshal(msg.Value, &inc); err != nil {
			log.Printf("eventbus: skipping malformed incident record: %v", err)
			continue
		}
		if inc.IncidentID == "" {
			log.Printf("eventbus: skipping incident record without incident_id")
			continue
		}
		c.store.Append(inc)
	}
}

func (c *IncidentConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
