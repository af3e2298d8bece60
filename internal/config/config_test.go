package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akriventsev/shopflow/framework/adapters/messagebus"
	"github.com/akriventsev/shopflow/framework/core"
	"github.com/akriventsev/shopflow/framework/events"
	"github.com/akriventsev/shopflow/framework/transport"
)

func envOf(vars map[string]string) func(string) string {
	return func(key string) string { return vars[key] }
}

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom("payment-service", envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, "payment-service", cfg.Consumer.Queue)
	assert.Equal(t, "nats", cfg.Bus.Type)
	retry, ok := cfg.Consumer.RetryPolicy.(*transport.ExponentialBackoffRetryPolicy)
	require.True(t, ok)
	assert.Equal(t, 5, retry.MaxAttempts)
	assert.Equal(t, time.Second, retry.InitialDelay)
	assert.Equal(t, time.Minute, retry.MaxDelay)
	assert.Equal(t, 30*time.Minute, cfg.Consumer.TimeoutOverrides[events.TypeProductsReindex])
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, StorePostgres, cfg.PaymentStore)
	assert.True(t, cfg.NeedsPostgres())
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom("search-service", envOf(map[string]string{
		"BUS_TYPE":                "kafka",
		"BUS_URL":                 "k1:9092, k2:9092",
		"CONSUMER_CONCURRENCY":    "8",
		"HANDLER_TIMEOUT":         "5s",
		"REINDEX_TIMEOUT":         "1h",
		"RETRY_MAX_ATTEMPTS":      "3",
		"HTTP_PORT":               "9090",
		"LOG_LEVEL":               "debug",
		"SEARCH_INDEX_STORE":      "memory",
		"SEARCH_CHECKPOINT_STORE": "memory",
		"PAYMENT_STORE":           "memory",
		"TRACING_ENABLED":         "true",
		"TRACING_SAMPLING_RATE":   "0.25",
	}))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Consumer.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Consumer.HandlerTimeout)
	assert.Equal(t, time.Hour, cfg.Consumer.TimeoutOverrides[events.TypeProductsReindex])
	assert.Equal(t, 3, cfg.Consumer.RetryPolicy.GetMaxAttempts())
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.NeedsPostgres())
	assert.True(t, cfg.Tracing.Enabled)
	assert.InDelta(t, 0.25, cfg.Tracing.SamplingRate, 1e-9)

	adapterCfg, err := cfg.Bus.AdapterConfig()
	require.NoError(t, err)
	kafkaCfg, ok := adapterCfg.(messagebus.KafkaConfig)
	require.True(t, ok)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, kafkaCfg.Brokers)
}

func TestLoadFrom_ParseErrors(t *testing.T) {
	_, err := LoadFrom("cart-service", envOf(map[string]string{
		"CONSUMER_CONCURRENCY": "many",
		"HANDLER_TIMEOUT":      "soon",
	}))
	require.Error(t, err)
	assert.True(t, core.HasCode(err, core.ErrInvalidConfig))
	assert.Contains(t, err.Error(), "CONSUMER_CONCURRENCY")
	assert.Contains(t, err.Error(), "HANDLER_TIMEOUT")
}

func TestLoadFrom_ValidationErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown bus":      {"BUS_TYPE": "carrier-pigeon"},
		"bad store":        {"CART_STORE": "postgres"},
		"bad sampling":     {"TRACING_SAMPLING_RATE": "2"},
		"zero chunk":       {"SEARCH_CHUNK_SIZE": "0"},
		"bad log level":    {"LOG_LEVEL": "loud"},
		"zero concurrency": {"CONSUMER_CONCURRENCY": "0"},
		"heartbeat too slow for ack wait": {
			"BUS_ACK_WAIT":       "1m",
			"HEARTBEAT_INTERVAL": "45s",
		},
		"redis retry delay outlives claim": {
			"BUS_TYPE":            "redis",
			"BUS_ACK_WAIT":        "30s",
			"HEARTBEAT_INTERVAL":  "5s",
			"RETRY_INITIAL_DELAY": "40s",
		},
	}
	for name, vars := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom("svc", envOf(vars))
			require.Error(t, err)
			assert.True(t, core.HasCode(err, core.ErrInvalidConfig))
		})
	}
}

func TestBusConfig_NewBusInMemory(t *testing.T) {
	bus, err := BusConfig{Type: "inmemory"}.NewBus()
	require.NoError(t, err)
	assert.Equal(t, "inmemory-adapter", bus.Name())

	_, err = BusConfig{Type: "smoke"}.NewBus()
	assert.True(t, core.HasCode(err, core.ErrInvalidConfig))
}

func TestLoadFrom_AckWindow(t *testing.T) {
	cfg, err := LoadFrom("search-service", envOf(map[string]string{
		"BUS_ACK_WAIT":       "2m",
		"HEARTBEAT_INTERVAL": "20s",
	}))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, cfg.Consumer.HeartbeatInterval)

	adapterConfig, err := cfg.Bus.AdapterConfig()
	require.NoError(t, err)
	natsConfig, ok := adapterConfig.(messagebus.NATSConfig)
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, natsConfig.AckWait)

	// реиндекс дольше срока подтверждения допустим: его продлевает heartbeat
	assert.Greater(t, cfg.Consumer.TimeoutOverrides[events.TypeProductsReindex], natsConfig.AckWait)

	cfg, err = LoadFrom("cart-service", envOf(map[string]string{
		"BUS_TYPE":     "redis",
		"BUS_ACK_WAIT": "90s",
	}))
	require.NoError(t, err)
	adapterConfig, err = cfg.Bus.AdapterConfig()
	require.NoError(t, err)
	redisConfig, ok := adapterConfig.(messagebus.RedisConfig)
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, redisConfig.ClaimMinIdle)
}
