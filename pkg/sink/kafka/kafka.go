// Package kafka publishes change records to a Kafka topic through a
// sarama synchronous producer. One transport attempt per Publish call;
// the relay loop owns retries.
package kafka

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/walrelay/walrelay/pkg/relay"
)

// Config represents Kafka sink configuration.
type Config struct {
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	Version     string   `mapstructure:"version"`
	Partitions  int32    `mapstructure:"partitions"`
	Replicas    int16    `mapstructure:"replicas"`
	RetentionMS int64    `mapstructure:"retentionMs"`
	SASL        *SASL    `mapstructure:"sasl"`
	TLS         TLS      `mapstructure:"tls"`
}

// SASL represents SASL authentication configuration.
type SASL struct {
	Enable    bool   `mapstructure:"enable"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Algorithm string `mapstructure:"algorithm"`
}

// TLS represents TLS configuration.
type TLS struct {
	Enable     bool   `mapstructure:"enable"`
	CertFile   string `mapstructure:"certFile"`
	KeyFile    string `mapstructure:"keyFile"`
	CAFile     string `mapstructure:"caFile"`
	SkipVerify bool   `mapstructure:"skipVerify"`
}

func (c *Config) withDefaults() *Config {
	out := *c
	if len(out.Brokers) == 0 {
		out.Brokers = []string{"localhost:9092"}
	}
	out.Topic = cmp.Or(out.Topic, "walrelay.changes")
	out.Version = cmp.Or(out.Version, "2.1.1")
	out.Partitions = cmp.Or(out.Partitions, 1)
	out.Replicas = cmp.Or(out.Replicas, 1)
	if out.RetentionMS == 0 {
		out.RetentionMS = 7 * 24 * 60 * 60 * 1000 // 7 days
	}
	return &out
}

func (c *Config) saramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid Kafka version: %w", err)
	}
	conf.Version = version

	// The relay loop owns retry policy; the producer makes one attempt.
	conf.Producer.Retry.Max = 0
	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Return.Successes = true
	conf.Producer.Return.Errors = true
	conf.Metadata.Full = true

	if c.SASL != nil && c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch c.SASL.Algorithm {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "", "plain":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	if c.TLS.Enable {
		conf.Net.TLS.Enable = true
		tlsConfig, err := c.TLS.config()
		if err != nil {
			return nil, err
		}
		conf.Net.TLS.Config = tlsConfig
	}

	return conf, nil
}

// Publisher implements relay.Publisher on top of a Kafka topic. The
// partition key maps to the Kafka message key, so records sharing a key
// land on one partition in publish order.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *zap.Logger
}

// New connects a synchronous producer and ensures the target topic
// exists.
func New(cfg *Config, logger *zap.Logger) (*Publisher, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	saramaConfig, err := cfg.saramaConfig()
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create Kafka producer: %w", err)
	}

	if err := ensureTopic(cfg, saramaConfig); err != nil {
		producer.Close()
		return nil, err
	}

	return &Publisher{producer: producer, topic: cfg.Topic, logger: logger}, nil
}

// Publish sends one record and returns "partition/offset" as the
// sequence token. Failures are classified for the relay's retry policy.
func (p *Publisher) Publish(_ context.Context, partitionKey string, payload []byte) (string, error) {
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(partitionKey),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return "", classify(err)
	}
	return fmt.Sprintf("%d/%d", partition, offset), nil
}

// Close shuts down the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}

// classify maps sarama errors onto the relay taxonomy. Broker and
// network conditions heal on retry; message-shape errors never do.
func classify(err error) error {
	switch {
	case errors.Is(err, sarama.ErrMessageSizeTooLarge),
		errors.Is(err, sarama.ErrInvalidMessage),
		errors.Is(err, sarama.ErrInvalidMessageSize):
		return relay.Permanent(err)
	}

	var confErr sarama.ConfigurationError
	if errors.As(err, &confErr) {
		return relay.Permanent(err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return relay.Transient(err)
	}

	// Leader elections, throttling, out-of-brokers and the like.
	return relay.Transient(err)
}

func ensureTopic(cfg *Config, saramaConfig *sarama.Config) error {
	admin, err := sarama.NewClusterAdmin(cfg.Brokers, saramaConfig)
	if err != nil {
		return fmt.Errorf("create cluster admin: %w", err)
	}
	defer admin.Close()

	topics, err := admin.ListTopics()
	if err != nil {
		return fmt.Errorf("list topics: %w", err)
	}
	if _, exists := topics[cfg.Topic]; exists {
		return nil
	}

	retention := fmt.Sprintf("%d", cfg.RetentionMS)
	detail := &sarama.TopicDetail{
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.Replicas,
		ConfigEntries: map[string]*string{
			"retention.ms": &retention,
		},
	}

	if err := admin.CreateTopic(cfg.Topic, detail, false); err != nil {
		if errors.Is(err, sarama.ErrTopicAlreadyExists) {
			return nil
		}
		return fmt.Errorf("create topic %s: %w", cfg.Topic, err)
	}
	return nil
}
