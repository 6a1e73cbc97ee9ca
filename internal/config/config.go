// Package config loads the bridge configuration from the environment, with
// an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the full runtime configuration. Every knob has a production
// default; deployments override through the environment.
type Config struct {
	// HTTP / WebSocket surface
	WSAddr string `env:"WS_ADDR" envDefault:":8000"`

	// MQTT broker
	MQTTHost     string `env:"MQTT_BROKER_HOST" envDefault:"localhost"`
	MQTTPort     int    `env:"MQTT_BROKER_PORT" envDefault:"1883"`
	MQTTClientID string `env:"MQTT_CLIENT_ID" envDefault:"barytech-bridge"`
	MQTTUsername string `env:"MQTT_USERNAME"`
	MQTTPassword string `env:"MQTT_PASSWORD"`

	// Persistence. An empty DATABASE_URL disables the store entirely.
	DatabaseURL string `env:"DATABASE_URL"`
	SaveDefault bool   `env:"SAVE_DEFAULT" envDefault:"false"`

	// Device to client identity routes, "device1=1,device2=2". Devices
	// without a route broadcast to the default identity.
	DeviceRoutes string `env:"DEVICE_ROUTES"`

	// Ingress
	IngressQueueSize     int           `env:"INGRESS_QUEUE_SIZE" envDefault:"50000"`
	DispatchMaxBatch     int           `env:"DISPATCH_MAX_BATCH" envDefault:"2000"`
	DispatchBatchTimeout time.Duration `env:"DISPATCH_BATCH_TIMEOUT" envDefault:"10ms"`

	// Per-device broadcast pipeline
	EgressBatch          int           `env:"EGRESS_BATCH" envDefault:"2000"`
	EgressTimeout        time.Duration `env:"EGRESS_TIMEOUT" envDefault:"50ms"`
	RecordWait           time.Duration `env:"RECORD_WAIT" envDefault:"5ms"`
	CompressionThreshold int           `env:"COMPRESSION_THRESHOLD" envDefault:"1000"`
	BroadcastQueueSize   int           `env:"BROADCAST_QUEUE_SIZE" envDefault:"10000"`

	// Per-device persistence pipeline
	DBBatch       int           `env:"DB_BATCH" envDefault:"500"`
	DBInterval    time.Duration `env:"DB_INTERVAL" envDefault:"1s"`
	SaveQueueSize int           `env:"SAVE_QUEUE_SIZE" envDefault:"10000"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	// Missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the data plane cannot run with.
func (c *Config) Validate() error {
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("invalid MQTT_BROKER_PORT %d", c.MQTTPort)
	}
	if c.IngressQueueSize <= 0 {
		return fmt.Errorf("INGRESS_QUEUE_SIZE must be positive, got %d", c.IngressQueueSize)
	}
	if c.DispatchMaxBatch <= 0 {
		return fmt.Errorf("DISPATCH_MAX_BATCH must be positive, got %d", c.DispatchMaxBatch)
	}
	if c.EgressBatch <= 0 {
		return fmt.Errorf("EGRESS_BATCH must be positive, got %d", c.EgressBatch)
	}
	if c.BroadcastQueueSize <= 0 || c.SaveQueueSize <= 0 {
		return fmt.Errorf("queue sizes must be positive")
	}
	if c.DBBatch <= 0 {
		return fmt.Errorf("DB_BATCH must be positive, got %d", c.DBBatch)
	}
	if c.SaveDefault && c.DatabaseURL == "" {
		return fmt.Errorf("SAVE_DEFAULT requires DATABASE_URL")
	}
	return nil
}

// LogConfig writes the effective configuration at startup, secrets elided.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("ws_addr", c.WSAddr).
		Str("mqtt_host", c.MQTTHost).
		Int("mqtt_port", c.MQTTPort).
		Str("mqtt_client_id", c.MQTTClientID).
		Bool("store_enabled", c.DatabaseURL != "").
		Bool("save_default", c.SaveDefault).
		Int("ingress_queue", c.IngressQueueSize).
		Int("dispatch_max_batch", c.DispatchMaxBatch).
		Int("egress_batch", c.EgressBatch).
		Dur("egress_timeout", c.EgressTimeout).
		Int("compression_threshold", c.CompressionThreshold).
		Int("db_batch", c.DBBatch).
		Dur("db_interval", c.DBInterval).
		Msg("Configuration loaded")
}
