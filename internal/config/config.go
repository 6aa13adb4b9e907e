package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// Store
	// ----------------------------
	StoreDriver         string        `envconfig:"STORE_DRIVER" default:"postgres"`
	DatabaseURL         string        `envconfig:"DATABASE_URL" default:""`
	SQLitePath          string        `envconfig:"SQLITE_PATH" default:"mailqueue.db"`
	StoreConnectTimeout time.Duration `envconfig:"STORE_CONNECT_TIMEOUT" default:"30s"`

	// ----------------------------
	// Sender
	// ----------------------------
	SenderBackend string `envconfig:"SENDER_BACKEND" default:"smtp"`
	TemplateDir   string `envconfig:"TEMPLATE_DIR" default:"templates"`

	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string `envconfig:"SMTP_USER" default:""`
	SMTPPassword string `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"noreply@localhost"`

	SQSQueueURL string `envconfig:"SQS_QUEUE_URL" default:""`

	KafkaBrokers []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic   string   `envconfig:"KAFKA_TOPIC" default:"outbound-email"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount       int           `envconfig:"WORKER_COUNT" default:"3"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	RateLimit         int           `envconfig:"RATE_LIMIT" default:"10"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
	RetryBaseDelay    time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1m"`
	RetryMaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1h"`
	SendTimeout       time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`
	PermanentFailFast bool          `envconfig:"PERMANENT_FAIL_FAST" default:"true"`
	ShutdownGrace     time.Duration `envconfig:"SHUTDOWN_GRACE" default:"10s"`

	// ----------------------------
	// Maintenance
	// ----------------------------
	StuckAfter      time.Duration `envconfig:"STUCK_AFTER" default:"10m"`
	Retention       time.Duration `envconfig:"RETENTION" default:"0"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort     string `envconfig:"API_PORT" default:"8080"`
	MaxBulkRows int    `envconfig:"MAX_BULK_ROWS" default:"1000"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort     string        `envconfig:"METRICS_PORT" default:"9090"`
	MetricsInterval time.Duration `envconfig:"METRICS_INTERVAL" default:"10s"`

	// ----------------------------
	// Logging
	// ----------------------------
	LogDevelopment bool `envconfig:"LOG_DEVELOPMENT" default:"false"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return &cfg, err
	}
	return &cfg, cfg.Validate()
}

// Validate rejects a RETRY_MAX_DELAY that would shorten the wait before the
// last retry below RETRY_BASE_DELAY * 2^(MAX_ATTEMPTS-1). Zero disables the cap.
func (c *Config) Validate() error {
	if c.RetryMaxDelay <= 0 || c.RetryBaseDelay <= 0 {
		return nil
	}

	longest := c.RetryBaseDelay
	for i := 1; i < c.MaxAttempts && longest <= c.RetryMaxDelay; i++ {
		longest *= 2
	}
	if longest > c.RetryMaxDelay {
		return fmt.Errorf(
			"RETRY_MAX_DELAY %s is shorter than the retry backoff for MAX_ATTEMPTS %d (RETRY_BASE_DELAY %s doubled per attempt); raise it or set it to 0",
			c.RetryMaxDelay, c.MaxAttempts, c.RetryBaseDelay,
		)
	}
	return nil
}
