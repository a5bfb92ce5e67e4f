package kafka

import (
	"errors"
	"fmt"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/require"

	"github.com/walrelay/walrelay/pkg/relay"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"message too large", sarama.ErrMessageSizeTooLarge, true},
		{"invalid message", sarama.ErrInvalidMessage, true},
		{"invalid message size", sarama.ErrInvalidMessageSize, true},
		{"configuration error", sarama.ConfigurationError("bad config"), true},
		{"out of brokers", sarama.ErrOutOfBrokers, false},
		{"not leader", sarama.ErrNotLeaderForPartition, false},
		{"request timed out", sarama.ErrRequestTimedOut, false},
		{"wrapped broker error", fmt.Errorf("send: %w", sarama.ErrLeaderNotAvailable), false},
		{"unknown error", errors.New("something odd"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			classified := classify(tc.err)
			if tc.permanent {
				require.True(t, relay.IsPermanent(classified))
				require.False(t, relay.IsTransient(classified))
			} else {
				require.True(t, relay.IsTransient(classified))
				require.False(t, relay.IsPermanent(classified))
			}
			require.ErrorIs(t, classified, tc.err)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	require.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
	require.Equal(t, "walrelay.changes", cfg.Topic)
	require.EqualValues(t, 1, cfg.Partitions)
	require.EqualValues(t, 1, cfg.Replicas)
	require.Positive(t, cfg.RetentionMS)
}

func TestSaramaConfigSingleAttempt(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	sc, err := cfg.saramaConfig()
	require.NoError(t, err)
	// the relay loop owns retry policy
	require.Zero(t, sc.Producer.Retry.Max)
	require.Equal(t, sarama.WaitForAll, sc.Producer.RequiredAcks)
}

func TestSaramaConfigInvalidSASL(t *testing.T) {
	cfg := (&Config{SASL: &SASL{Enable: true, Algorithm: "md5"}}).withDefaults()
	_, err := cfg.saramaConfig()
	require.Error(t, err)
}

func TestSaramaConfigSCRAM(t *testing.T) {
	cfg := (&Config{SASL: &SASL{Enable: true, Algorithm: "sha512", Username: "u", Password: "p"}}).withDefaults()
	sc, err := cfg.saramaConfig()
	require.NoError(t, err)
	require.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA512), sc.Net.SASL.Mechanism)
	require.NotNil(t, sc.Net.SASL.SCRAMClientGeneratorFunc)
}
