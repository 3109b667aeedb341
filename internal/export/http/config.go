package http

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ethpandaops/armory/internal/codec"
)

// Config configures result streaming to an HTTP collector.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Address is the collector endpoint, e.g. a Vector http_server source.
	Address string `yaml:"address"`

	// Headers are added to every request, e.g. authorization.
	Headers map[string]string `yaml:"headers"`

	// Compression of request bodies: none, gzip, zstd, zlib, snappy.
	// Defaults to zstd; per-sample value arrays compress well.
	Compression string `yaml:"compression"`

	// BatchSize is the number of result events per request.
	// Defaults to 500, enough for the results of a typical run in one
	// request.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval bounds how long a partial batch waits before it is
	// posted. Results of a run arrive in one burst when it closes, so this
	// is added once to every run. Defaults to 200ms.
	FlushInterval time.Duration `yaml:"flush_interval"`

	// Timeout bounds a single request. Defaults to 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the defaults for result streaming.
func DefaultConfig() Config {
	return Config{
		Compression:   string(codec.Zstd),
		BatchSize:     500,
		FlushInterval: 200 * time.Millisecond,
		Timeout:       30 * time.Second,
	}
}

// Validate checks an enabled configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Address == "" {
		return errors.New("address is required when enabled")
	}

	u, err := url.Parse(c.Address)
	if err != nil {
		return fmt.Errorf("parsing address: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("address %q must be an http or https URL", c.Address)
	}

	if c.BatchSize < 0 {
		return errors.New("batch_size must not be negative")
	}

	if _, err := codec.ParseAlgorithm(c.Compression); err != nil {
		return err
	}

	return nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.Compression == "" {
		c.Compression = defaults.Compression
	}

	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.FlushInterval
	}

	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
}

// deliveryTimeout bounds one synchronous delivery of a run's results: every
// batch may wait for the flush interval and then for its request.
func (c *Config) deliveryTimeout(events int) time.Duration {
	batches := max(1, (events+c.BatchSize-1)/c.BatchSize)

	return time.Duration(batches) * (c.FlushInterval + c.Timeout)
}
