// Package config loads the deskflow YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/luminara-labs/deskflow/escalation"
	"github.com/luminara-labs/deskflow/responder"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root deskflow configuration.
type Config struct {
	Server       ServerConfig              `yaml:"server"`
	Storage      StorageConfig             `yaml:"storage"`
	Orchestrator OrchestratorConfig        `yaml:"orchestrator"`
	Retrieval    RetrievalConfig           `yaml:"retrieval"`
	Attachments  AttachmentsConfig         `yaml:"attachments"`
	Escalation   EscalationConfig          `yaml:"escalation"`
	Responder    responder.AnthropicConfig `yaml:"responder"`
	Logging      LoggingConfig             `yaml:"logging"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig configures persistence paths.
type StorageConfig struct {
	// DBPath is the SQLite database for sessions, turns, and memory facts.
	DBPath string `yaml:"db_path"`

	// VectorDir persists the knowledge-base index; empty keeps it in memory.
	VectorDir string `yaml:"vector_dir"`
}

// OrchestratorConfig configures per-turn behavior.
type OrchestratorConfig struct {
	// HistoryWindow is how many recent turns feed the responder.
	HistoryWindow int `yaml:"history_window"`

	// Per-subsystem deadlines for the context-assembly stage.
	AttachmentTimeout Duration `yaml:"attachment_timeout"`
	MemoryTimeout     Duration `yaml:"memory_timeout"`
	RetrievalTimeout  Duration `yaml:"retrieval_timeout"`
	ResponderTimeout  Duration `yaml:"responder_timeout"`
	SinkTimeout       Duration `yaml:"sink_timeout"`
}

// RetrievalConfig configures knowledge-base search.
type RetrievalConfig struct {
	TopK     int      `yaml:"top_k"`
	CacheTTL Duration `yaml:"cache_ttl"`

	// CacheMaxEntries bounds the response cache.
	CacheMaxEntries int64 `yaml:"cache_max_entries"`
}

// AttachmentsConfig configures upload processing.
type AttachmentsConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// EscalationConfig configures the escalation policy triggers.
type EscalationConfig struct {
	RequestPhrases   []string `yaml:"request_phrases"`
	SentimentMarkers []string `yaml:"sentiment_markers"`
	MissThreshold    int      `yaml:"miss_threshold"`
	EstimatedWait    Duration `yaml:"estimated_wait"`
}

// Policy converts the section to the domain policy configuration.
func (c EscalationConfig) Policy() escalation.Config {
	return escalation.Config{
		RequestPhrases:   c.RequestPhrases,
		SentimentMarkers: c.SentimentMarkers,
		MissThreshold:    c.MissThreshold,
		EstimatedWait:    c.EstimatedWait.Std(),
	}
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Default returns the stock configuration.
func Default() *Config {
	policy := escalation.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			DBPath: "data/deskflow.db",
		},
		Orchestrator: OrchestratorConfig{
			HistoryWindow:     20,
			AttachmentTimeout: Duration(10 * time.Second),
			MemoryTimeout:     Duration(5 * time.Second),
			RetrievalTimeout:  Duration(10 * time.Second),
			ResponderTimeout:  Duration(60 * time.Second),
			SinkTimeout:       Duration(10 * time.Second),
		},
		Retrieval: RetrievalConfig{
			TopK:            5,
			CacheTTL:        Duration(30 * time.Minute),
			CacheMaxEntries: 10_000,
		},
		Attachments: AttachmentsConfig{
			MaxBytes: 5 << 20,
		},
		Escalation: EscalationConfig{
			RequestPhrases:   policy.RequestPhrases,
			SentimentMarkers: policy.SentimentMarkers,
			MissThreshold:    policy.MissThreshold,
			EstimatedWait:    Duration(policy.EstimatedWait),
		},
		Responder: responder.DefaultAnthropicConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if c.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path is required")
	}
	if c.Orchestrator.HistoryWindow < 1 {
		errs = append(errs, "orchestrator.history_window must be >= 1")
	}
	if c.Retrieval.TopK < 1 {
		errs = append(errs, "retrieval.top_k must be >= 1")
	}
	if c.Retrieval.CacheTTL <= 0 {
		errs = append(errs, "retrieval.cache_ttl must be positive")
	}
	if c.Attachments.MaxBytes < 1 {
		errs = append(errs, "attachments.max_bytes must be >= 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, "logging.format must be one of: json, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
