package config

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_Load_Defaults tests the built in defaults
func Test_Load_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9001", cfg.Server.Addr)
	assert.Equal(t, ":9002", cfg.Server.GRPCAddr)
	assert.Equal(t, "db", cfg.Store.Folder)
	assert.True(t, cfg.Store.Autoflush)
	assert.Equal(t, uint32(1000), cfg.Store.FlushInterval)
	assert.Equal(t, []string{"BTC-USDT", "ETH-USDT"}, cfg.Feed.Pairs)
	assert.Equal(t, "binance", cfg.Feed.Exchange)
	assert.Empty(t, cfg.Feed.Endpoint)
	assert.Equal(t, ":9003", cfg.Feed.Listen)
	assert.Equal(t, "info", cfg.Log.Level)
}

// Test_Load_Environment tests overrides and validation
func Test_Load_Environment(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		expectError bool
		check       func(t *testing.T, cfg *Config)
		description string
	}{
		{
			name: "Overrides",
			env: map[string]string{
				"DTF_SERVER_ADDR":          "127.0.0.1:7000",
				"DTF_STORE_FOLDER":         "/var/lib/dtf",
				"DTF_STORE_AUTOFLUSH":      "false",
				"DTF_STORE_FLUSH_INTERVAL": "50",
				"DTF_FEED_PAIRS":           "SOL-USDT",
				"DTF_FEED_EXCHANGE":        "okx",
				"DTF_LOG_LEVEL":            "debug",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
				s := cfg.Store.Settings()
				assert.Equal(t, "/var/lib/dtf", s.Folder)
				assert.False(t, s.Autoflush)
				assert.Equal(t, uint32(50), s.FlushInterval)
				assert.Equal(t, []string{"SOL-USDT"}, cfg.Feed.Pairs)
				assert.Equal(t, "okx", cfg.Feed.Exchange)
				assert.Equal(t, "debug", cfg.Log.Level)
			},
			description: "Prefixed variables override defaults",
		},
		{
			name:        "Zero flush interval",
			env:         map[string]string{"DTF_STORE_FLUSH_INTERVAL": "0"},
			expectError: true,
			description: "A zero interval is rejected",
		},
		{
			name:        "Malformed interval",
			env:         map[string]string{"DTF_STORE_FLUSH_INTERVAL": "often"},
			expectError: true,
			description: "Non numeric values fail to parse",
		},
		{
			name:        "Unknown exchange",
			env:         map[string]string{"DTF_FEED_EXCHANGE": "kraken"},
			expectError: true,
			description: "Only exchanges with a connector are accepted",
		},
		{
			name:        "Unknown level",
			env:         map[string]string{"DTF_LOG_LEVEL": "loud"},
			expectError: true,
			description: "Levels must be known to zerolog",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tt.expectError {
				assert.Error(t, err, tt.description)
				return
			}
			require.NoError(t, err, tt.description)
			tt.check(t, cfg)
		})
	}
}

// Test_ParseLevel tests level name mapping
func Test_ParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" WARN "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}
