package http

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name: "valid",
			cfg:  Config{Enabled: true, Address: "http://vector:8080/results"},
		},
		{
			name: "disabled skips validation",
			cfg:  Config{Address: "not a url", Compression: "lzma"},
		},
		{
			name:    "missing address",
			cfg:     Config{Enabled: true},
			wantErr: "address is required",
		},
		{
			name:    "address without scheme",
			cfg:     Config{Enabled: true, Address: "vector:8080"},
			wantErr: "http or https URL",
		},
		{
			name:    "unknown compression",
			cfg:     Config{Enabled: true, Address: "https://collector", Compression: "lzma"},
			wantErr: "lzma",
		},
		{
			name: "snappy",
			cfg:  Config{Enabled: true, Address: "https://collector", Compression: "snappy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.ApplyDefaults()

			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{BatchSize: 10}

	cfg.ApplyDefaults()

	assert.Equal(t, "zstd", cfg.Compression)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 200*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, 30*time.Second, cfg.Timeout)
}

func TestConfig_DeliveryTimeout(t *testing.T) {
	cfg := Config{BatchSize: 100, FlushInterval: time.Second, Timeout: 4 * time.Second}

	assert.Equal(t, 5*time.Second, cfg.deliveryTimeout(1))
	assert.Equal(t, 5*time.Second, cfg.deliveryTimeout(100))
	assert.Equal(t, 10*time.Second, cfg.deliveryTimeout(101))
}
