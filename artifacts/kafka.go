package artifacts

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/brunobiangulo/poalegal/retrieval"
)

// KafkaConfig names the brokers and topic artifact events go to.
type KafkaConfig struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

// KafkaSink publishes each artifact as one message keyed by case id so that
// a case's runs land on the same partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("artifacts: kafka brokers and topic are required")
	}
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_6_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3

	p, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("creating kafka producer: %w", err)
	}
	return newKafkaSink(p, cfg.Topic), nil
}

func newKafkaSink(p sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: p, topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Save(ctx context.Context, a *retrieval.StorableArtifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Encode(a)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(a.CaseID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("artifact_id"), Value: []byte(a.ArtifactID)},
			{Key: []byte("stop_reason"), Value: []byte(a.StopReason)},
		},
	}
	if _, _, err := s.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publishing artifact %s: %w", a.ArtifactID, err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
