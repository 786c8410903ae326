// Package kafka publishes care events to a Kafka topic, one record per event
// keyed by event id.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/SLL-RTP/sll-rtjp.gvradapter-sub000/internal/enrich"
)

var _ enrich.Sink = (*Sink)(nil)

// Header keys set on every record.
const (
	HeaderSourceFile = "source_file"
	HeaderFacilityID = "facility_id"
)

// Config selects the cluster and topic.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Sink produces synchronously so a cycle only commits after the broker
// acknowledged every record.
type Sink struct {
	client producer
	admin  *kgo.Client
	topic  string
	logger *zap.Logger
}

// New connects a producer for cfg.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka: no topic configured")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.NoCompression()),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	s := newSink(cl, cfg.Topic, logger)
	s.admin = cl
	return s, nil
}

func newSink(p producer, topic string, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{client: p, topic: topic, logger: logger}
}

// EnsureTopic creates the topic when it does not exist yet.
func (s *Sink) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	if s.admin == nil {
		return errors.New("kafka: admin client unavailable")
	}
	resps, err := kadm.NewClient(s.admin).CreateTopics(ctx, partitions, replication, nil, s.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", s.topic, err)
	}
	for _, r := range resps {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	s.logger.Info("kafka topic ready", zap.String("topic", s.topic))
	return nil
}

// Emit produces one record per event and waits for all acknowledgements.
func (s *Sink) Emit(ctx context.Context, fileName string, events []enrich.CareEvent) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode care event %s: %w", ev.EventID, err)
		}
		records = append(records, &kgo.Record{
			Topic: s.topic,
			Key:   []byte(ev.EventID),
			Value: value,
			Headers: []kgo.RecordHeader{
				{Key: HeaderSourceFile, Value: []byte(fileName)},
				{Key: HeaderFacilityID, Value: []byte(ev.FacilityID)},
			},
		})
	}
	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", s.topic, err)
	}
	s.logger.Debug("care events produced", zap.String("topic", s.topic), zap.Int("records", len(records)))
	return nil
}

// Close flushes and closes the client.
func (s *Sink) Close() { s.client.Close() }
