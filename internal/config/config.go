package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	defaultServiceName         = "nodewatch"
	defaultReconcileSec        = 30
	defaultHTTPListen          = ":8080"
	defaultHealthPath          = "/healthz"
	defaultReadyPath           = "/readyz"
	defaultIngestPath          = "/ingest/metrics"
	defaultMaxBodyBytes        = 1 << 20
	defaultNATSURL             = "nats://127.0.0.1:4222"
	defaultNATSSubject         = "nodewatch.samples"
	defaultNATSStream          = "NODEWATCH_SAMPLES"
	defaultNATSConsumer        = "nodewatch-ingest"
	defaultNATSGroup           = "nodewatch-workers"
	defaultNATSAckWaitSec      = 30
	defaultNATSNackDelayMS     = 1000
	defaultNATSMaxDeliver      = -1
	defaultNATSMaxAckPending   = 2048
	defaultSMTPPort            = 587
	defaultWebhookTimeoutSec   = 10
	defaultRetryInitialMS      = 500
	defaultRetryMaxMS          = 30000
	defaultRetryMaxAttempts    = 5
	defaultReportWeekday       = 1
	defaultReportHour          = 8
	defaultRetentionDays       = 90

	// StoreBackendMemory keeps all monitoring state in process memory.
	StoreBackendMemory = "memory"
	// StoreBackendSQLite persists state in a local sqlite file.
	StoreBackendSQLite = "sqlite"
	// StoreBackendMySQL persists state in a shared mysql database.
	StoreBackendMySQL = "mysql"
)

// Config holds the full service runtime configuration.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig   `toml:"service"`
	Log       LogConfig       `toml:"log"`
	Store     StoreConfig     `toml:"store"`
	SMTP      SMTPConfig      `toml:"smtp"`
	Notify    NotifyConfig    `toml:"notify"`
	Ingest    IngestConfig    `toml:"ingest"`
	Report    ReportConfig    `toml:"report"`
	Retention RetentionConfig `toml:"retention"`
}

// ServiceConfig holds top-level service identity and cadence.
// Params: service name and reconciliation interval.
// Returns: service runtime options.
type ServiceConfig struct {
	Name                 string `toml:"name"`
	ReconcileIntervalSec int    `toml:"reconcile_interval_sec"`
}

// LogConfig groups console and file logging sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// StoreConfig selects and configures the persistence backend.
// Params: backend name plus sqlite path or mysql DSN.
// Returns: store runtime options.
type StoreConfig struct {
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
	DSN     string `toml:"dsn"`
}

// SMTPConfig configures the email delivery path.
// Params: relay address, credentials, and sender identity.
// Returns: mail transport options; disabled turns the email path off.
type SMTPConfig struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	From     string `toml:"from"`
}

// NotifyConfig holds shared outbound delivery settings.
// Params: webhook timeout and retry policy.
// Returns: notify runtime options.
type NotifyConfig struct {
	WebhookTimeoutSec int         `toml:"webhook_timeout_sec"`
	Retry             NotifyRetry `toml:"retry"`
}

// NotifyRetry defines the delivery retry policy.
// Params: attempt cap, backoff shape, and delay bounds.
// Returns: retry behavior shared by email and webhook sends.
type NotifyRetry struct {
	Enabled        bool   `toml:"enabled"`
	MaxAttempts    int    `toml:"max_attempts"`
	InitialMS      int    `toml:"initial_ms"`
	MaxMS          int    `toml:"max_ms"`
	Backoff        string `toml:"backoff"`
	LogEachAttempt bool   `toml:"log_each_attempt"`
}

// IngestConfig defines inbound metric sample interfaces.
// Params: embedded HTTP and NATS subscription controls.
// Returns: ingestion runtime options.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures the HTTP sample ingestion endpoint.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled      bool   `toml:"enabled"`
	Listen       string `toml:"listen"`
	HealthPath   string `toml:"health_path"`
	ReadyPath    string `toml:"ready_path"`
	IngestPath   string `toml:"ingest_path"`
	MaxBodyBytes int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer sample ingestion.
// Params: connection + ack/redelivery policy; routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// ReportConfig schedules the weekly uptime report.
// Params: weekday (0=Sunday) and hour of day in the service timezone.
// Returns: weekly report slot.
type ReportConfig struct {
	Weekday int `toml:"weekday"`
	Hour    int `toml:"hour"`
}

// RetentionConfig bounds how long check history is kept.
// Params: retention window in days; zero disables cleanup.
// Returns: retention runtime options.
type RetentionConfig struct {
	Days int `toml:"days"`
}

// ConfigSource describes file or directory config source.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		err = loadFile(src.File, &cfg)
	} else {
		err = loadDir(src.Dir, &cfg)
	}
	if err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes one TOML file over the current snapshot.
// Params: file path and mutable config target.
// Returns: read or decode error.
func loadFile(path string, cfg *Config) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := toml.Unmarshal(body, cfg); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return nil
}

// loadDir reads and merges TOML fragments from one directory in name order.
// Params: directory containing .toml fragments and mutable config target.
// Returns: load or decode error; later fragments override earlier keys.
func loadDir(dir string, cfg *Config) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read config dir %q: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	if len(files) == 0 {
		return fmt.Errorf("config dir %q contains no .toml files", dir)
	}
	sort.Strings(files)
	for _, file := range files {
		if err := loadFile(file, cfg); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills unset fields with service defaults.
// Params: mutable config snapshot.
// Returns: none.
func applyDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = defaultServiceName
	}
	if cfg.Service.ReconcileIntervalSec <= 0 {
		cfg.Service.ReconcileIntervalSec = defaultReconcileSec
	}

	// Without any configured sink the service still logs to the console.
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}
	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreBackendMemory
	}

	if cfg.SMTP.Port <= 0 {
		cfg.SMTP.Port = defaultSMTPPort
	}

	if cfg.Notify.WebhookTimeoutSec <= 0 {
		cfg.Notify.WebhookTimeoutSec = defaultWebhookTimeoutSec
	}
	if cfg.Notify.Retry.InitialMS <= 0 {
		cfg.Notify.Retry.InitialMS = defaultRetryInitialMS
	}
	if cfg.Notify.Retry.MaxMS <= 0 {
		cfg.Notify.Retry.MaxMS = defaultRetryMaxMS
	}
	if cfg.Notify.Retry.MaxAttempts <= 0 {
		cfg.Notify.Retry.MaxAttempts = defaultRetryMaxAttempts
	}
	if cfg.Notify.Retry.Backoff == "" {
		cfg.Notify.Retry.Backoff = "exponential"
	}

	if cfg.Ingest.HTTP.Listen == "" {
		cfg.Ingest.HTTP.Listen = defaultHTTPListen
	}
	if cfg.Ingest.HTTP.HealthPath == "" {
		cfg.Ingest.HTTP.HealthPath = defaultHealthPath
	}
	if cfg.Ingest.HTTP.ReadyPath == "" {
		cfg.Ingest.HTTP.ReadyPath = defaultReadyPath
	}
	if cfg.Ingest.HTTP.IngestPath == "" {
		cfg.Ingest.HTTP.IngestPath = defaultIngestPath
	}
	if cfg.Ingest.HTTP.MaxBodyBytes <= 0 {
		cfg.Ingest.HTTP.MaxBodyBytes = defaultMaxBodyBytes
	}

	if len(cfg.Ingest.NATS.URL) == 0 {
		cfg.Ingest.NATS.URL = []string{defaultNATSURL}
	}
	cfg.Ingest.NATS.Subject = defaultNATSSubject
	cfg.Ingest.NATS.Stream = defaultNATSStream
	cfg.Ingest.NATS.ConsumerName = defaultNATSConsumer
	cfg.Ingest.NATS.DeliverGroup = defaultNATSGroup
	if cfg.Ingest.NATS.AckWaitSec <= 0 {
		cfg.Ingest.NATS.AckWaitSec = defaultNATSAckWaitSec
	}
	if cfg.Ingest.NATS.NackDelayMS <= 0 {
		cfg.Ingest.NATS.NackDelayMS = defaultNATSNackDelayMS
	}
	if cfg.Ingest.NATS.MaxDeliver == 0 {
		cfg.Ingest.NATS.MaxDeliver = defaultNATSMaxDeliver
	}
	if cfg.Ingest.NATS.MaxAckPending <= 0 {
		cfg.Ingest.NATS.MaxAckPending = defaultNATSMaxAckPending
	}

	if cfg.Report.Weekday == 0 && cfg.Report.Hour == 0 {
		cfg.Report.Weekday = defaultReportWeekday
		cfg.Report.Hour = defaultReportHour
	}

	if cfg.Retention.Days <= 0 {
		cfg.Retention.Days = defaultRetentionDays
	}
}

// validateConfig rejects unusable snapshots before startup.
// Params: config snapshot with defaults applied.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	switch cfg.Store.Backend {
	case StoreBackendMemory:
	case StoreBackendSQLite:
		if strings.TrimSpace(cfg.Store.Path) == "" {
			return errors.New("store.path is required for the sqlite backend")
		}
	case StoreBackendMySQL:
		if strings.TrimSpace(cfg.Store.DSN) == "" {
			return errors.New("store.dsn is required for the mysql backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", cfg.Store.Backend)
	}

	if cfg.SMTP.Enabled {
		if strings.TrimSpace(cfg.SMTP.Host) == "" {
			return errors.New("smtp.host is required when smtp is enabled")
		}
		if strings.TrimSpace(cfg.SMTP.From) == "" {
			return errors.New("smtp.from is required when smtp is enabled")
		}
	}

	if cfg.Report.Weekday < 0 || cfg.Report.Weekday > 6 {
		return fmt.Errorf("report.weekday %d must be within [0,6]", cfg.Report.Weekday)
	}
	if cfg.Report.Hour < 0 || cfg.Report.Hour > 23 {
		return fmt.Errorf("report.hour %d must be within [0,23]", cfg.Report.Hour)
	}

	if cfg.Log.File.Enabled && strings.TrimSpace(cfg.Log.File.Path) == "" {
		return errors.New("log.file.path is required when the file sink is enabled")
	}
	return nil
}
