package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/weiawesome/wes-io-canvas/internal/config"
	pkglog "github.com/weiawesome/wes-io-canvas/pkg/log"
)

// PeerEvent is a peer lifecycle change published for analytics.
type PeerEvent struct {
	Type   string    `json:"type"`
	PeerID string    `json:"peer_id"`
	NodeID string    `json:"node_id"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

const (
	EventPeerRegistered = "peer_registered"
	EventPeerLeft       = "peer_left"
)

// Leave reasons
const (
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
)

// PeerEventProducer publishes peer lifecycle events. The broker logs
// failures and carries on relaying.
type PeerEventProducer interface {
	Produce(ctx context.Context, ev PeerEvent) error
	Close() error
}

// ConfluentProducer writes PeerEvents to a Kafka topic keyed by peer id, so
// one peer's events stay ordered within a partition.
type ConfluentProducer struct {
	producer *kafka.Producer
	topic    string
	doneCh   chan struct{}
}

func NewConfluentProducer(cfg config.KafkaConfig) (*ConfluentProducer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"acks":              "1",
		"linger.ms":         5,
		"compression.type":  "snappy",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	cp := &ConfluentProducer{
		producer: p,
		topic:    cfg.Topic,
		doneCh:   make(chan struct{}),
	}
	go cp.deliveryReports()

	if err := cp.ensureTopic(cfg.Partitions); err != nil {
		l := pkglog.L()
		l.Warn().Err(err).Str("topic", cfg.Topic).Msg("failed to ensure topic, may already exist")
	}
	return cp, nil
}

func (cp *ConfluentProducer) ensureTopic(partitions int) error {
	admin, err := kafka.NewAdminClientFromProducer(cp.producer)
	if err != nil {
		return fmt.Errorf("failed to create admin client: %w", err)
	}
	defer admin.Close()

	if partitions <= 0 {
		partitions = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	results, err := admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             cp.topic,
		NumPartitions:     partitions,
		ReplicationFactor: 1,
	}})
	if err != nil {
		return err
	}
	for _, r := range results {
		if code := r.Error.Code(); code != kafka.ErrNoError && code != kafka.ErrTopicAlreadyExists {
			return fmt.Errorf("failed to create topic %s: %v", r.Topic, r.Error)
		}
	}
	return nil
}

func (cp *ConfluentProducer) deliveryReports() {
	defer close(cp.doneCh)
	l := pkglog.L()
	for e := range cp.producer.Events() {
		m, ok := e.(*kafka.Message)
		if !ok || m.TopicPartition.Error == nil {
			continue
		}
		l.Error().Err(m.TopicPartition.Error).Str(pkglog.FieldPeerID, string(m.Key)).Msg("peer event delivery failed")
	}
}

// Produce queues ev. Delivery errors are reported asynchronously in the log.
func (cp *ConfluentProducer) Produce(_ context.Context, ev PeerEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal peer event: %w", err)
	}

	err = cp.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &cp.topic, Partition: kafka.PartitionAny},
		Key:            []byte(ev.PeerID),
		Value:          value,
		Timestamp:      ev.At,
		Headers:        []kafka.Header{{Key: "event-type", Value: []byte(ev.Type)}},
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce %s: %w", ev.Type, err)
	}
	return nil
}

// Close flushes pending messages and closes the producer.
func (cp *ConfluentProducer) Close() error {
	if n := cp.producer.Flush(5000); n > 0 {
		l := pkglog.L()
		l.Warn().Int("pending", n).Msg("peer event producer closed with undelivered events")
	}
	cp.producer.Close()
	<-cp.doneCh
	return nil
}
