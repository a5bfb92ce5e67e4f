// Package config loads walrelay configuration from file and
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/walrelay/walrelay/pkg/pgrepl"
	"github.com/walrelay/walrelay/pkg/relay"
	"github.com/walrelay/walrelay/pkg/sink/kafka"
	"github.com/walrelay/walrelay/pkg/sink/mqtt"
	"github.com/walrelay/walrelay/pkg/sink/nats"
)

// Version is set at build time.
var Version = "dev"

// Sink kinds.
const (
	SinkKafka = "kafka"
	SinkNATS  = "nats"
	SinkMQTT  = "mqtt"
)

// Config holds application-wide configuration.
type Config struct {
	Postgres pgrepl.Config `mapstructure:"postgres"`
	Relay    relay.Config  `mapstructure:"relay"`
	Sink     SinkConfig    `mapstructure:"sink"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

// SinkConfig selects and configures the streaming transport.
type SinkConfig struct {
	Kind  string       `mapstructure:"kind"`
	Kafka kafka.Config `mapstructure:"kafka"`
	NATS  nats.Config  `mapstructure:"nats"`
	MQTT  mqtt.Config  `mapstructure:"mqtt"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads config from file or environment. Environment variables use
// the WALRELAY_ prefix with underscores for nesting, eg
// WALRELAY_POSTGRES_CONNSTRING, WALRELAY_SINK_KIND.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("walrelay")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("WALRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Register leaf keys so environment-only values survive Unmarshal.
	v.SetDefault("postgres.connstring", "")
	v.SetDefault("postgres.slot", "")
	v.SetDefault("postgres.plugin", "")
	v.SetDefault("relay.stream", "")
	v.SetDefault("relay.partitionkeymode", "")
	v.SetDefault("relay.partitionkey", "")
	// zero is meaningful for maxRetries (no retries), so the default
	// lives here rather than in the relay package
	v.SetDefault("relay.maxretries", 3)
	v.SetDefault("relay.initialbackoff", "0s")
	v.SetDefault("relay.maxbackoff", "0s")
	v.SetDefault("sink.kind", SinkKafka)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	switch cfg.Sink.Kind {
	case SinkKafka, SinkNATS, SinkMQTT:
	default:
		return nil, fmt.Errorf("unknown sink kind: %q", cfg.Sink.Kind)
	}

	return &cfg, nil
}
