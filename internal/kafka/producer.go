package kafka

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kzap"
	"go.uber.org/zap"

	"safeconsume/internal/validator"
)

// Producer publishes records synchronously. It is used to seed topics in
// end-to-end runs.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
}

func NewProducer(config Config, logger *zap.Logger) (*Producer, error) {
	p := Producer{logger: logger}

	if err := validator.Validate("kafka producer", config.Brokers, p.logger); err != nil {
		return nil, fmt.Errorf("failed to validate kafka producer deps: %w", err)
	}

	p.logger = p.logger.Named("producer")

	opts := []kgo.Opt{
		kgo.SeedBrokers(config.Brokers...),
		kgo.WithLogger(kzap.New(p.logger)),
		kgo.AllowAutoTopicCreation(),
	}
	if config.ClientID != "" {
		opts = append(opts, kgo.ClientID(config.ClientID+"-producer"))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.client = client

	return &p, nil
}

// Produce writes one record and waits for the broker to acknowledge it.
func (p *Producer) Produce(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		const errMsg = "failed to produce record"
		p.logger.Error(errMsg, zap.String("topic", topic), zap.String("key", key), zap.Error(err))
		return fmt.Errorf(errMsg+": %w", err)
	}

	return nil
}

func (p *Producer) Close() {
	p.client.Close()
}
