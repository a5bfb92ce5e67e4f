package mqtt

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := (&Config{}).withDefaults()
	require.Equal(t, []string{"tcp://localhost:1883"}, cfg.Servers)
	require.Equal(t, "walrelay", cfg.TopicPrefix)
	require.True(t, strings.HasPrefix(cfg.ClientID, "walrelay-"))
	require.EqualValues(t, 1, cfg.QoS)
}

func TestConfigQoSFloor(t *testing.T) {
	// fire-and-forget cannot honor at-least-once delivery
	require.EqualValues(t, 1, (&Config{QoS: 0}).withDefaults().QoS)
	require.EqualValues(t, 2, (&Config{QoS: 2}).withDefaults().QoS)
}
