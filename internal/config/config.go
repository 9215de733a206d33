package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Tier declares one admission-control tier as {points, duration,
// blockDuration}: points requests allowed per duration window, after
// which the key is blocked for blockDuration.
type Tier struct {
	Points        int      `json:"points" env:"POINTS"`
	Duration      Duration `json:"duration" env:"DURATION"`
	BlockDuration Duration `json:"blockDuration" env:"BLOCK_DURATION"`
}

// Admission groups the two rate-limit tiers. General fronts all traffic;
// Sensitive is the stricter tier for sensitive operations.
type Admission struct {
	General   Tier `json:"general" envPrefix:"GENERAL_"`
	Sensitive Tier `json:"sensitive" envPrefix:"SENSITIVE_"`
}

// Heartbeat tunes connection liveness probing.
type Heartbeat struct {
	Interval Duration `json:"interval" env:"INTERVAL"`
	Timeout  Duration `json:"timeout" env:"TIMEOUT"`
}

// Ingest tunes the durable ingest pipeline.
type Ingest struct {
	Topic         string   `json:"topic" env:"TOPIC"`
	Partitions    int      `json:"partitions" env:"PARTITIONS"`
	ConsumerGroup string   `json:"consumerGroup" env:"CONSUMER_GROUP"`
	MaxAttempts   int      `json:"maxAttempts" env:"MAX_ATTEMPTS"`
	RetryBackoff  Duration `json:"retryBackoff" env:"RETRY_BACKOFF"`
	Retention     Duration `json:"retention" env:"RETENTION"`
}

// Config is the top-level configuration loaded from file and env.
type Config struct {
	HTTPAddr     string   `json:"httpAddr" env:"HTTP_ADDR"`
	DataDir      string   `json:"dataDir" env:"DATA_DIR"`
	InstanceID   string   `json:"instanceId" env:"INSTANCE_ID"`
	BackplaneURL string   `json:"backplaneUrl" env:"BACKPLANE_URL"`
	LogLevel     string   `json:"logLevel" env:"LOG_LEVEL"`
	LogFormat    string   `json:"logFormat" env:"LOG_FORMAT"`
	AckTimeout   Duration `json:"ackTimeout" env:"ACK_TIMEOUT"`
	Heartbeat    Heartbeat `json:"heartbeat" envPrefix:"HEARTBEAT_"`
	Ingest       Ingest    `json:"ingest" envPrefix:"INGEST_"`
	Admission    Admission `json:"admission" envPrefix:"ADMISSION_"`
}

// Default returns built-in defaults, matching the production tuning:
// general tier 100 requests per 30s with a 15m block, sensitive tier 10
// requests per 15m with a 15m block, heartbeat ping every 5s with a 20s
// timeout.
func Default() Config {
	return Config{
		HTTPAddr:   ":8080",
		LogLevel:   "info",
		LogFormat:  "text",
		AckTimeout: Duration(2 * time.Second),
		Heartbeat: Heartbeat{
			Interval: Duration(5 * time.Second),
			Timeout:  Duration(20 * time.Second),
		},
		Ingest: Ingest{
			Topic:         "chat-messages",
			Partitions:    16,
			ConsumerGroup: "chat-messages",
			MaxAttempts:   4,
			RetryBackoff:  Duration(200 * time.Millisecond),
			Retention:     Duration(7 * 24 * time.Hour),
		},
		Admission: Admission{
			General: Tier{
				Points:        100,
				Duration:      Duration(30 * time.Second),
				BlockDuration: Duration(15 * time.Minute),
			},
			Sensitive: Tier{
				Points:        10,
				Duration:      Duration(15 * time.Minute),
				BlockDuration: Duration(15 * time.Minute),
			},
		},
	}
}

// Load reads configuration from a JSON file. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings no deployment can run with.
func (c Config) Validate() error {
	if c.Ingest.Partitions <= 0 {
		return fmt.Errorf("config: ingest partitions must be positive")
	}
	if c.Ingest.Topic == "" {
		return fmt.Errorf("config: ingest topic is required")
	}
	if c.Heartbeat.Timeout.D() <= c.Heartbeat.Interval.D() {
		return fmt.Errorf("config: heartbeat timeout must exceed interval")
	}
	for _, t := range []Tier{c.Admission.General, c.Admission.Sensitive} {
		if t.Points <= 0 || t.Duration.D() <= 0 {
			return fmt.Errorf("config: admission tiers need positive points and duration")
		}
	}
	return nil
}
