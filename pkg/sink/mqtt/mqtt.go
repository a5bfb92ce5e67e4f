// Package mqtt publishes change records to an MQTT broker at QoS 1.
// MQTT assigns no broker-side sequence; the client packet ID stands in
// as the token.
package mqtt

import (
	"cmp"
	"context"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/walrelay/walrelay/pkg/relay"
)

// Config represents MQTT sink configuration.
type Config struct {
	Servers     []string `mapstructure:"servers"`
	TopicPrefix string   `mapstructure:"topicPrefix"`
	ClientID    string   `mapstructure:"clientID"`
	Username    string   `mapstructure:"username"`
	Password    string   `mapstructure:"password"`
	// QoS 0 is not supported: fire-and-forget publishes carry no broker
	// acknowledgment, so values below 1 are raised to 1.
	QoS byte `mapstructure:"qos"`
}

func (c *Config) withDefaults() *Config {
	out := *c
	if len(out.Servers) == 0 {
		out.Servers = []string{"tcp://localhost:1883"}
	}
	out.TopicPrefix = cmp.Or(out.TopicPrefix, "walrelay")
	out.ClientID = cmp.Or(out.ClientID, fmt.Sprintf("walrelay-%s", uuid.NewString()[:8]))
	if out.QoS == 0 {
		out.QoS = 1
	}
	return &out
}

// Publisher implements relay.Publisher on top of an MQTT broker.
type Publisher struct {
	client mqtt.Client
	cfg    *Config
	logger *zap.Logger
}

// New connects to the broker.
func New(cfg *Config, logger *zap.Logger) (*Publisher, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := mqtt.NewClientOptions().
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(true)
	for _, server := range cfg.Servers {
		opts.AddBroker(server)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker: %w", token.Error())
	}

	return &Publisher{client: client, cfg: cfg, logger: logger}, nil
}

// Publish sends one record on <prefix>/<partitionKey>.
func (p *Publisher) Publish(ctx context.Context, partitionKey string, payload []byte) (string, error) {
	if !p.client.IsConnected() {
		return "", relay.Transient(fmt.Errorf("MQTT client not connected"))
	}

	topic := fmt.Sprintf("%s/%s", p.cfg.TopicPrefix, partitionKey)
	token := p.client.Publish(topic, p.cfg.QoS, false, payload)

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-token.Done():
	}
	if err := token.Error(); err != nil {
		// paho publish failures are connection-scoped; retrying helps.
		return "", relay.Transient(err)
	}

	if pt, ok := token.(*mqtt.PublishToken); ok {
		return fmt.Sprintf("%d", pt.MessageID()), nil
	}
	return "", nil
}

// Close disconnects from the broker.
func (p *Publisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
