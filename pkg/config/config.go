// Package config loads the objectflow service configuration from an optional
// YAML file, an optional .env file and the environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendFirestore = "firestore"
	BackendRedis     = "redis"
	BackendPostgres  = "postgres"
)

// Notification sinks.
const (
	SinkLog      = "log"
	SinkPubsub   = "pubsub"
	SinkBigQuery = "bigquery"
)

// Config is the full service configuration.
type Config struct {
	LogLevel        string `yaml:"log_level"`
	LogPretty       bool   `yaml:"log_pretty"`
	HTTPPort        string `yaml:"http_port"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	// PubsubEmulatorHost, when set, points every Pub/Sub client at an emulator.
	PubsubEmulatorHost string `yaml:"pubsub_emulator_host"`

	Ingress   IngressConfig   `yaml:"ingress"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Store     StoreConfig     `yaml:"store"`
	Inspector InspectorConfig `yaml:"inspector"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// IngressConfig configures the notification subscription and HTTP endpoint.
type IngressConfig struct {
	SubscriptionID string `yaml:"subscription_id"`
	NumWorkers     int    `yaml:"num_workers"`
	MaxPayloadSize int    `yaml:"max_payload_size"`
	// ForwardTopicID mirrors objects-changed events to a Pub/Sub topic when set.
	ForwardTopicID string `yaml:"forward_topic_id"`
}

// PipelineConfig configures queues and consumers.
type PipelineConfig struct {
	BatchSize           int           `yaml:"batch_size"`
	FlushInterval       time.Duration `yaml:"flush_interval"`
	ReceiveWait         time.Duration `yaml:"receive_wait"`
	VisibilityTimeout   time.Duration `yaml:"visibility_timeout"`
	MaxReceiveCount     int           `yaml:"max_receive_count"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	DeadLetterRetention time.Duration `yaml:"dead_letter_retention"`
	StoreDeadline       time.Duration `yaml:"store_deadline"`
	NotifyDeadline      time.Duration `yaml:"notify_deadline"`
	MaxLeaseExtension   time.Duration `yaml:"max_lease_extension"`
	SupportedTypes      []string      `yaml:"supported_types"`
}

// StoreConfig selects and configures the metadata store.
type StoreConfig struct {
	Backend             string `yaml:"backend"`
	FirestoreCollection string `yaml:"firestore_collection"`
	RedisAddr           string `yaml:"redis_addr"`
	RedisPassword       string `yaml:"redis_password"`
	RedisDB             int    `yaml:"redis_db"`
	RedisKeyPrefix      string `yaml:"redis_key_prefix"`
	PostgresDSN         string `yaml:"postgres_dsn"`
	PostgresTable       string `yaml:"postgres_table"`
}

// InspectorConfig enables GCS attribute lookups on ingest.
type InspectorConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DefaultBucket string `yaml:"default_bucket"`
}

// NotifyConfig configures the notifier and its sinks.
type NotifyConfig struct {
	Recipient       string   `yaml:"recipient"`
	Sinks           []string `yaml:"sinks"`
	MailTopicID     string   `yaml:"mail_topic_id"`
	BigQueryDataset string   `yaml:"bigquery_dataset"`
	BigQueryTable   string   `yaml:"bigquery_table"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTPPort: ":8080",
		Ingress: IngressConfig{
			SubscriptionID: "object-notifications-sub",
			NumWorkers:     5,
			MaxPayloadSize: 256 << 10,
		},
		Pipeline: PipelineConfig{
			BatchSize:           5,
			FlushInterval:       10 * time.Second,
			ReceiveWait:         10 * time.Second,
			VisibilityTimeout:   30 * time.Second,
			MaxReceiveCount:     3,
			DeadLetterRetention: 30 * time.Minute,
			StoreDeadline:       15 * time.Second,
			NotifyDeadline:      3 * time.Second,
			MaxLeaseExtension:   10 * time.Minute,
			SupportedTypes:      []string{"jpeg", "png"},
		},
		Store: StoreConfig{
			Backend:             BackendMemory,
			FirestoreCollection: "object-metadata",
			RedisKeyPrefix:      "metadata:",
			PostgresTable:       "object_metadata",
		},
		Notify: NotifyConfig{
			Sinks: []string{SinkLog},
		},
	}
}

// Load builds the configuration. path names an optional YAML file; envFile an
// optional .env file whose variables do not override ones already set.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	str("OBJECTFLOW_LOG_LEVEL", &c.LogLevel)
	str("OBJECTFLOW_HTTP_PORT", &c.HTTPPort)
	str("GCP_PROJECT_ID", &c.ProjectID)
	str("GCP_CREDENTIALS_FILE", &c.CredentialsFile)
	str("PUBSUB_EMULATOR_HOST", &c.PubsubEmulatorHost)
	str("OBJECTFLOW_SUBSCRIPTION_ID", &c.Ingress.SubscriptionID)
	str("OBJECTFLOW_FORWARD_TOPIC_ID", &c.Ingress.ForwardTopicID)
	str("OBJECTFLOW_STORE_BACKEND", &c.Store.Backend)
	str("FIRESTORE_COLLECTION", &c.Store.FirestoreCollection)
	str("REDIS_ADDR", &c.Store.RedisAddr)
	str("REDIS_PASSWORD", &c.Store.RedisPassword)
	str("POSTGRES_DSN", &c.Store.PostgresDSN)
	str("GCS_BUCKET", &c.Inspector.DefaultBucket)
	str("OBJECTFLOW_NOTIFY_RECIPIENT", &c.Notify.Recipient)
	str("OBJECTFLOW_MAIL_TOPIC_ID", &c.Notify.MailTopicID)
	str("BQ_DATASET_ID", &c.Notify.BigQueryDataset)
	str("BQ_TABLE_ID", &c.Notify.BigQueryTable)

	if v, ok := os.LookupEnv("OBJECTFLOW_LOG_PRETTY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("OBJECTFLOW_LOG_PRETTY: %w", err)
		}
		c.LogPretty = b
	}
	if v, ok := os.LookupEnv("OBJECTFLOW_NOTIFY_SINKS"); ok {
		c.Notify.Sinks = splitList(v)
	}
	if v, ok := os.LookupEnv("OBJECTFLOW_SUPPORTED_TYPES"); ok {
		c.Pipeline.SupportedTypes = splitList(v)
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"OBJECTFLOW_BATCH_SIZE", &c.Pipeline.BatchSize},
		{"OBJECTFLOW_MAX_RECEIVE_COUNT", &c.Pipeline.MaxReceiveCount},
		{"OBJECTFLOW_INGRESS_WORKERS", &c.Ingress.NumWorkers},
		{"REDIS_DB", &c.Store.RedisDB},
	}
	for _, e := range ints {
		if v, ok := os.LookupEnv(e.name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.name, err)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"OBJECTFLOW_FLUSH_INTERVAL", &c.Pipeline.FlushInterval},
		{"OBJECTFLOW_VISIBILITY_TIMEOUT", &c.Pipeline.VisibilityTimeout},
		{"OBJECTFLOW_RETRY_DELAY", &c.Pipeline.RetryDelay},
		{"OBJECTFLOW_DEAD_LETTER_RETENTION", &c.Pipeline.DeadLetterRetention},
		{"OBJECTFLOW_STORE_DEADLINE", &c.Pipeline.StoreDeadline},
		{"OBJECTFLOW_NOTIFY_DEADLINE", &c.Pipeline.NotifyDeadline},
		{"OBJECTFLOW_MAX_LEASE_EXTENSION", &c.Pipeline.MaxLeaseExtension},
	}
	for _, e := range durations {
		if v, ok := os.LookupEnv(e.name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", e.name, err)
			}
			*e.dst = d
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects incomplete or contradictory settings.
func (c *Config) Validate() error {
	var errs []error
	p := c.Pipeline

	if p.BatchSize <= 0 {
		errs = append(errs, errors.New("pipeline.batch_size must be positive"))
	}
	if p.MaxReceiveCount <= 0 {
		errs = append(errs, errors.New("pipeline.max_receive_count must be positive"))
	}
	if p.FlushInterval <= 0 || p.ReceiveWait <= 0 || p.VisibilityTimeout <= 0 || p.DeadLetterRetention <= 0 {
		errs = append(errs, errors.New("pipeline intervals must be positive"))
	}
	if p.StoreDeadline <= 0 || p.NotifyDeadline <= 0 {
		errs = append(errs, errors.New("pipeline deadlines must be positive"))
	}
	if p.StoreDeadline >= p.VisibilityTimeout || p.NotifyDeadline >= p.VisibilityTimeout {
		errs = append(errs, fmt.Errorf("handler deadlines must be shorter than the visibility timeout %s", p.VisibilityTimeout))
	}
	// A message may wait a full flush interval before its batch starts.
	if p.MaxLeaseExtension <= p.FlushInterval+max(p.StoreDeadline, p.NotifyDeadline) {
		errs = append(errs, fmt.Errorf("pipeline.max_lease_extension %s must exceed the flush interval plus the longest handler deadline", p.MaxLeaseExtension))
	}
	if p.RetryDelay < 0 {
		errs = append(errs, errors.New("pipeline.retry_delay cannot be negative"))
	}
	if len(p.SupportedTypes) == 0 {
		errs = append(errs, errors.New("pipeline.supported_types cannot be empty"))
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFirestore:
		if c.ProjectID == "" || c.Store.FirestoreCollection == "" {
			errs = append(errs, errors.New("firestore store needs project_id and store.firestore_collection"))
		}
	case BackendRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("redis store needs store.redis_addr"))
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres store needs store.postgres_dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	if c.Notify.Recipient == "" {
		errs = append(errs, errors.New("notify.recipient is required"))
	}
	if len(c.Notify.Sinks) == 0 {
		errs = append(errs, errors.New("notify.sinks cannot be empty"))
	}
	for _, s := range c.Notify.Sinks {
		switch s {
		case SinkLog:
		case SinkPubsub:
			if c.Notify.MailTopicID == "" {
				errs = append(errs, errors.New("pubsub sink needs notify.mail_topic_id"))
			}
		case SinkBigQuery:
			if c.Notify.BigQueryDataset == "" || c.Notify.BigQueryTable == "" {
				errs = append(errs, errors.New("bigquery sink needs notify.bigquery_dataset and notify.bigquery_table"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown notification sink %q", s))
		}
	}

	if c.NeedsGCP() && c.ProjectID == "" {
		errs = append(errs, errors.New("project_id is required for Google Cloud clients"))
	}
	return errors.Join(errs...)
}

// NeedsGCP reports whether any configured component uses a Google Cloud client.
func (c *Config) NeedsGCP() bool {
	if c.Ingress.SubscriptionID != "" || c.Ingress.ForwardTopicID != "" || c.Inspector.Enabled {
		return true
	}
	if c.Store.Backend == BackendFirestore {
		return true
	}
	for _, s := range c.Notify.Sinks {
		if s == SinkPubsub || s == SinkBigQuery {
			return true
		}
	}
	return false
}
