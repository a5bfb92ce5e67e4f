// Package nats publishes change records to a NATS JetStream stream.
// The partition key becomes the subject suffix, so records sharing a
// key share one ordered subject.
package nats

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/walrelay/walrelay/pkg/relay"
)

// Config represents NATS sink configuration.
type Config struct {
	Servers       []string `mapstructure:"servers"`
	Stream        string   `mapstructure:"stream"`
	SubjectPrefix string   `mapstructure:"subjectPrefix"`
	Username      string   `mapstructure:"username"`
	Password      string   `mapstructure:"password"`
	TLS           struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"certFile"`
		KeyFile  string `mapstructure:"keyFile"`
		CAFile   string `mapstructure:"caFile"`
	} `mapstructure:"tls"`
}

func (c *Config) withDefaults() *Config {
	out := *c
	if len(out.Servers) == 0 {
		out.Servers = []string{nats.DefaultURL}
	}
	out.SubjectPrefix = cmp.Or(out.SubjectPrefix, "walrelay")
	out.Stream = cmp.Or(out.Stream, fmt.Sprintf("%s-stream", out.SubjectPrefix))
	return &out
}

// Publisher implements relay.Publisher on top of JetStream.
type Publisher struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	cfg    *Config
	logger *zap.Logger
}

// New connects to the first reachable server and ensures the stream
// exists.
func New(cfg *Config, logger *zap.Logger) (*Publisher, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := connectOptions(cfg)
	var nc *nats.Conn
	var err error
	for _, server := range cfg.Servers {
		nc, err = nats.Connect(server, opts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js, cfg: cfg, logger: logger}
	if err := p.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("ensure stream: %w", err)
	}
	return p, nil
}

// Publish sends one record on <prefix>.<partitionKey> and returns the
// JetStream sequence as the token.
func (p *Publisher) Publish(ctx context.Context, partitionKey string, payload []byte) (string, error) {
	msg := nats.NewMsg(fmt.Sprintf("%s.%s", p.cfg.SubjectPrefix, partitionKey))
	msg.Data = payload
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())

	ack, err := p.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return "", classify(err)
	}
	return fmt.Sprintf("%d", ack.Sequence), nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// classify maps nats errors onto the relay taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrInvalidMsg):
		return relay.Permanent(err)
	case errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionReconnecting):
		return relay.Transient(err)
	}
	return relay.Transient(err)
}

func (p *Publisher) ensureStream() error {
	config := &nats.StreamConfig{
		Name:     p.cfg.Stream,
		Subjects: []string{fmt.Sprintf("%s.>", p.cfg.SubjectPrefix)},
		Storage:  nats.FileStorage,
		Replicas: 1,
	}

	_, err := p.js.StreamInfo(p.cfg.Stream)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := p.js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	p.logger.Info("created stream", zap.String("stream", p.cfg.Stream))
	return nil
}

func connectOptions(c *Config) []nats.Option {
	opts := []nats.Option{
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		var tlsOpt nats.Option
		if c.TLS.CAFile != "" {
			tlsOpt = nats.RootCAs(c.TLS.CAFile)
		} else if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			tlsOpt = nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile)
		}
		if tlsOpt != nil {
			opts = append(opts, tlsOpt)
		}
	}

	return opts
}
