package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.Error(t, err) // explicit file must exist

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, SinkKafka, cfg.Sink.Kind)
	require.EqualValues(t, 3, cfg.Relay.MaxRetries)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadZeroRetriesExpressible(t *testing.T) {
	t.Setenv("WALRELAY_RELAY_MAXRETRIES", "0")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Zero(t, cfg.Relay.MaxRetries)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "walrelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
postgres:
  connString: postgres://repl:secret@db:5432/app
  slot: app_slot
relay:
  stream: app-changes
  partitionKeyMode: table
  maxRetries: 5
  initialBackoff: 100ms
sink:
  kind: nats
  nats:
    servers: ["nats://localhost:4222"]
    stream: app-changes
metrics:
  enabled: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://repl:secret@db:5432/app", cfg.Postgres.ConnString)
	require.Equal(t, "app_slot", cfg.Postgres.Slot)
	require.Equal(t, "app-changes", cfg.Relay.Stream)
	require.Equal(t, "table", cfg.Relay.PartitionKeyMode)
	require.EqualValues(t, 5, cfg.Relay.MaxRetries)
	require.Equal(t, 100*time.Millisecond, cfg.Relay.InitialBackoff)
	require.Equal(t, SinkNATS, cfg.Sink.Kind)
	require.Equal(t, []string{"nats://localhost:4222"}, cfg.Sink.NATS.Servers)
	require.False(t, cfg.Metrics.Enabled)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WALRELAY_POSTGRES_CONNSTRING", "postgres://repl@envhost:5432/envdb")
	t.Setenv("WALRELAY_POSTGRES_SLOT", "env_slot")
	t.Setenv("WALRELAY_RELAY_STREAM", "env-stream")
	t.Setenv("WALRELAY_SINK_KIND", "mqtt")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://repl@envhost:5432/envdb", cfg.Postgres.ConnString)
	require.Equal(t, "env_slot", cfg.Postgres.Slot)
	require.Equal(t, "env-stream", cfg.Relay.Stream)
	require.Equal(t, SinkMQTT, cfg.Sink.Kind)
}

func TestLoadRejectsUnknownSink(t *testing.T) {
	t.Setenv("WALRELAY_SINK_KIND", "kinesis")
	_, err := Load("")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown sink kind")
}
