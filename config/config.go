package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" envDefault:"dispatch" validate:"required"`
	Port                          int      `env:"PORT" envDefault:"3000" validate:"min=1,max=65535"`
	LogLevel                      string   `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" envDefault:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" envDefault:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" envDefault:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" envDefault:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" envDefault:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" envDefault:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" envDefault:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" envDefault:"GET,POST"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" envDefault:"5" validate:"min=1"`

	// Database
	DatabaseHost                  string        `env:"DB_HOST" envDefault:"localhost" validate:"required"`
	DatabasePort                  string        `env:"DB_PORT" envDefault:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" envDefault:""`
	DatabasePassword              string        `env:"DB_PASSWORD" envDefault:""`
	DatabaseName                  string        `env:"DB_NAME" envDefault:"dispatch" validate:"required"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" envDefault:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	DatabasePublicMigrationPath   string        `env:"DB_PUBLIC_MIGRATION_PATH" envDefault:"db/public"`
	DatabaseTenantMigrationPath   string        `env:"DB_TENANT_MIGRATION_PATH" envDefault:"db/tenant"`
	DatabaseMigrationVersion      uint          `env:"DB_MIGRATION_VERSION" envDefault:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" envDefault:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" envDefault:"true"`

	// Redis
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Kafka
	KafkaBrokers           []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092"`
	KafkaCaseEventsTopic   string   `env:"KAFKA_CASE_EVENTS_TOPIC" envDefault:"dispatch.case-events"`
	KafkaWorkflowRunsTopic string   `env:"KAFKA_WORKFLOW_RUNS_TOPIC" envDefault:"dispatch.workflow-runs"`
	KafkaBatchSize         int      `env:"KAFKA_BATCH_SIZE" envDefault:"100"`
	KafkaBatchTimeout      int      `env:"KAFKA_BATCH_TIMEOUT_MS" envDefault:"100"`
	KafkaRequiredAcks      int      `env:"KAFKA_REQUIRED_ACKS" envDefault:"1"`
	KafkaCompression       string   `env:"KAFKA_COMPRESSION" envDefault:"snappy" validate:"oneof=snappy gzip lz4 zstd none"`

	// Transport consumer. Queues are "organization:project=queue_name" entries.
	TransportDriver            string        `env:"TRANSPORT_DRIVER" envDefault:"kafka" validate:"oneof=kafka redis"`
	TransportQueues            []string      `env:"TRANSPORT_QUEUES" envDefault:""`
	TransportQueueOwner        string        `env:"TRANSPORT_QUEUE_OWNER" envDefault:"dispatch-signals"`
	TransportRegion            string        `env:"TRANSPORT_REGION" envDefault:"local"`
	TransportBatchSize         int           `env:"TRANSPORT_BATCH_SIZE" envDefault:"10" validate:"min=1"`
	TransportWait              time.Duration `env:"TRANSPORT_WAIT" envDefault:"20s"`
	TransportVisibilityTimeout time.Duration `env:"TRANSPORT_VISIBILITY_TIMEOUT" envDefault:"40s"`
	TransportMaxPending        int           `env:"TRANSPORT_MAX_PENDING" envDefault:"1000" validate:"min=1"`

	// Scheduler
	SchedulerEnabled           bool          `env:"SCHEDULER_ENABLED" envDefault:"true"`
	SchedulerBatchSize         int           `env:"SCHEDULER_BATCH_SIZE" envDefault:"50" validate:"min=1"`
	SchedulerLoopDelay         time.Duration `env:"SCHEDULER_LOOP_DELAY" envDefault:"60s"`
	SchedulerMaxProcessingTime time.Duration `env:"SCHEDULER_MAX_PROCESSING_TIME" envDefault:"300s"`
	SchedulerFetchLimit        int           `env:"SCHEDULER_FETCH_LIMIT" envDefault:"500" validate:"min=1"`
	SchedulerLockTTL           time.Duration `env:"SCHEDULER_LOCK_TTL" envDefault:"10m"`

	// Dedup conversation notifications
	DedupNotifyTTL    time.Duration `env:"DEDUP_NOTIFY_TTL" envDefault:"60s"`
	DedupNotifySize   int           `env:"DEDUP_NOTIFY_SIZE" envDefault:"4" validate:"min=1"`
	DedupNotifyMinGap time.Duration `env:"DEDUP_NOTIFY_MIN_GAP" envDefault:"5s"`

	// Conversation
	SlackToken          string `env:"SLACK_TOKEN" envDefault:""`
	SlackDefaultChannel string `env:"SLACK_DEFAULT_CHANNEL" envDefault:""`

	// MFA
	MFASecret       string        `env:"MFA_SECRET" envDefault:"" validate:"required,min=32"`
	MFABaseURL      string        `env:"MFA_BASE_URL" envDefault:"http://localhost:3000/api/v1/mfa"`
	MFATimeout      time.Duration `env:"MFA_TIMEOUT" envDefault:"60s"`
	MFAPollInterval time.Duration `env:"MFA_POLL_INTERVAL" envDefault:"1s"`

	// Oncall services as "service_id=email" entries
	OncallServices []string `env:"ONCALL_SERVICES" envDefault:""`

	// Auth
	AuthEnabled   bool   `env:"AUTH_ENABLED" envDefault:"false"`
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" envDefault:"" validate:"required_if=AuthEnabled true"`
	AuthClientID  string `env:"AUTH_CLIENT_ID" envDefault:""`

	// Tracing
	OTLPEnabled  bool   `env:"OTLP_ENABLED" envDefault:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTLPProtocol string `env:"OTLP_PROTOCOL" envDefault:"grpc" validate:"oneof=grpc http"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" envDefault:"true"`
}

// QueueConfig describes one tenant-project queue the transport consumer drains
type QueueConfig struct {
	Organization string
	Project      string
	Name         string
	Owner        string
	Region       string
	BatchSize    int
}

// Load reads an optional .env file and parses the environment
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return cfg, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Validate checks the struct tags and the list-valued settings
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Queues(); err != nil {
		return err
	}
	if _, err := c.OncallServiceEmails(); err != nil {
		return err
	}
	return nil
}

// DatabaseDSN returns the lib/pq connection string
func (c Config) DatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DatabaseHost, c.DatabasePort, c.DatabaseUserName, c.DatabasePassword, c.DatabaseName, c.DatabaseSSLMode)
}

// Queues parses TransportQueues
func (c Config) Queues() ([]QueueConfig, error) {
	queues := make([]QueueConfig, 0, len(c.TransportQueues))
	for _, raw := range c.TransportQueues {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		scope, name, ok := strings.Cut(raw, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid transport queue %q: expected organization:project=queue", raw)
		}
		org, project, ok := strings.Cut(scope, ":")
		if !ok || org == "" || project == "" {
			return nil, fmt.Errorf("invalid transport queue %q: expected organization:project=queue", raw)
		}
		queues = append(queues, QueueConfig{
			Organization: org,
			Project:      project,
			Name:         name,
			Owner:        c.TransportQueueOwner,
			Region:       c.TransportRegion,
			BatchSize:    c.TransportBatchSize,
		})
	}
	return queues, nil
}

// OncallServiceEmails parses OncallServices into service id -> email
func (c Config) OncallServiceEmails() (map[int]string, error) {
	services := make(map[int]string, len(c.OncallServices))
	for _, raw := range c.OncallServices {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		idStr, email, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("invalid oncall service %q: expected id=email", raw)
		}
		id, err := strconv.Atoi(idStr)
		if err != nil {
			return nil, fmt.Errorf("invalid oncall service id %q: %w", idStr, err)
		}
		services[id] = email
	}
	return services, nil
}
