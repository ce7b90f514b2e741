package telemetry

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/crewd/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	// Enabled turns telemetry export on. When false, New returns a
	// no-op instance.
	Enabled bool `koanf:"enabled"`

	// ServiceName identifies this service in traces.
	ServiceName string `koanf:"service_name"`

	// ServiceVersion is attached to the resource.
	ServiceVersion string `koanf:"service_version"`

	// Endpoint is the OTLP gRPC collector endpoint (host:port).
	Endpoint string `koanf:"endpoint"`

	// Insecure disables TLS on the exporter connection.
	Insecure bool `koanf:"insecure"`

	// SampleRate is the trace sampling ratio in [0, 1].
	SampleRate float64 `koanf:"sample_rate"`

	// ShutdownTimeout bounds provider shutdown.
	ShutdownTimeout config.Duration `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns telemetry defaults for local development.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		ServiceName:     "crewd",
		ServiceVersion:  "dev",
		Endpoint:        "localhost:4317",
		Insecure:        true,
		SampleRate:      1.0,
		ShutdownTimeout: config.Duration(5 * time.Second),
	}
}

// Validate checks config for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service name is required when telemetry is enabled")
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample rate must be in [0, 1], got %f", c.SampleRate)
	}
	if c.ShutdownTimeout.Duration() <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}
	return nil
}
