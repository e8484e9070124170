// Package config loads the order-email processor's configuration from a
// YAML file with environment-variable overrides, mirroring the teacher's
// internal/config.Load(path) pattern: parse the file into defaults, then
// let a fixed set of recognized env vars win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MailboxConfig carries IMAP-like connection settings (spec §6).
type MailboxConfig struct {
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     int    `yaml:"port"`
}

// ERPConfig carries ERP RPC connection settings (spec §6).
type ERPConfig struct {
	URL      string `yaml:"url"`
	DB       string `yaml:"db"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// LLMConfig carries the LLM/embedding provider settings.
type LLMConfig struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// Thresholds carries the matching cutoffs named in spec §4.5/§4.6/§9.
type Thresholds struct {
	SemanticFloor   float64 `yaml:"semantic_floor"`
	AutoThreshold   float64 `yaml:"auto_threshold"`
	ReviewThreshold float64 `yaml:"review_threshold"`
}

// Supervisor carries the poll/backoff/heartbeat tunables from spec §4.12.
type Supervisor struct {
	PollIntervalSeconds      int `yaml:"poll_interval_seconds"`
	MaxConsecutiveFailures   int `yaml:"max_consecutive_failures"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	PoolSize                 int `yaml:"pool_size"`
	RetrievalConcurrency     int `yaml:"retrieval_concurrency"`
}

// Feature flags from spec §6.
type Features struct {
	EnableOrderCreation bool `yaml:"enable_order_creation"`
	EnableNotifications bool `yaml:"enable_notifications"`
	ImmediateRetrain    bool `yaml:"immediate_retrain"`
}

// Chat carries the chat-gateway adapter's connection settings (spec §6).
type Chat struct {
	BotToken  string `yaml:"bot_token"`
	ChannelID string `yaml:"channel_id"`
}

// Feedback carries the Feedback Processor's tunables (spec §4.11).
type Feedback struct {
	ConfidenceFloor          float64 `yaml:"confidence_floor"`
	ResolutionWindowMinutes  int     `yaml:"resolution_window_minutes"`
}

// Paths holds the on-disk layout roots from spec §6.
type Paths struct {
	CatalogDir    string `yaml:"catalog_dir"`
	AuditDir      string `yaml:"audit_dir"`
	FeedbackDir   string `yaml:"feedback_dir"`
	HealthDir     string `yaml:"health_dir"`
	EmbeddingsDir string `yaml:"embeddings_dir"`
}

// Config is the root configuration document.
type Config struct {
	Mailbox            MailboxConfig `yaml:"mailbox"`
	ERP                ERPConfig     `yaml:"erp"`
	LLM                LLMConfig     `yaml:"llm"`
	Thresholds         Thresholds    `yaml:"thresholds"`
	Supervisor         Supervisor    `yaml:"supervisor"`
	Features           Features      `yaml:"features"`
	Paths              Paths         `yaml:"paths"`
	Chat               Chat          `yaml:"chat"`
	Feedback           Feedback      `yaml:"feedback"`
	AdminAlertAddress  string        `yaml:"admin_alert_address"`
	OwnCompanyAliases  []string      `yaml:"own_company_aliases"`
	OwnCompanyDomains  []string      `yaml:"own_company_domains"`
	GenericsList       []string      `yaml:"generics_list"`
}

func defaults() *Config {
	return &Config{
		Thresholds: Thresholds{
			SemanticFloor:   0.60,
			AutoThreshold:   0.95,
			ReviewThreshold: 0.75,
		},
		Supervisor: Supervisor{
			PollIntervalSeconds:      60,
			MaxConsecutiveFailures:   3,
			HeartbeatIntervalSeconds: 300,
			PoolSize:                 1,
			RetrievalConcurrency:     4,
		},
		Paths: Paths{
			CatalogDir:    "catalog",
			AuditDir:      "audit",
			FeedbackDir:   "feedback",
			HealthDir:     "health",
			EmbeddingsDir: "embeddings",
		},
		LLM: LLMConfig{Timeout: 30 * time.Second},
		Feedback: Feedback{
			ConfidenceFloor:         0.60,
			ResolutionWindowMinutes: 10,
		},
	}
}

// Load reads path (if it exists) into a Config pre-populated with defaults,
// then applies environment-variable overrides for every key spec §6 names.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	flt := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("MAILBOX_HOST", &cfg.Mailbox.Host)
	str("MAILBOX_USER", &cfg.Mailbox.User)
	str("MAILBOX_PASSWORD", &cfg.Mailbox.Password)
	integer("MAILBOX_PORT", &cfg.Mailbox.Port)

	str("ERP_URL", &cfg.ERP.URL)
	str("ERP_DB", &cfg.ERP.DB)
	str("ERP_USER", &cfg.ERP.User)
	str("ERP_PASSWORD", &cfg.ERP.Password)

	str("LLM_API_KEY", &cfg.LLM.APIKey)

	integer("POLL_INTERVAL_SECONDS", &cfg.Supervisor.PollIntervalSeconds)
	integer("MAX_CONSECUTIVE_FAILURES", &cfg.Supervisor.MaxConsecutiveFailures)
	integer("HEARTBEAT_INTERVAL_SECONDS", &cfg.Supervisor.HeartbeatIntervalSeconds)

	flt("SEMANTIC_FLOOR", &cfg.Thresholds.SemanticFloor)
	flt("AUTO_THRESHOLD", &cfg.Thresholds.AutoThreshold)
	flt("REVIEW_THRESHOLD", &cfg.Thresholds.ReviewThreshold)

	boolean("ENABLE_ORDER_CREATION", &cfg.Features.EnableOrderCreation)
	boolean("ENABLE_NOTIFICATIONS", &cfg.Features.EnableNotifications)
	boolean("IMMEDIATE_RETRAIN", &cfg.Features.ImmediateRetrain)

	str("ADMIN_ALERT_ADDRESS", &cfg.AdminAlertAddress)

	str("CHAT_BOT_TOKEN", &cfg.Chat.BotToken)
	str("CHAT_CHANNEL_ID", &cfg.Chat.ChannelID)

	flt("FEEDBACK_CONFIDENCE_FLOOR", &cfg.Feedback.ConfidenceFloor)
	integer("FEEDBACK_RESOLUTION_WINDOW_MINUTES", &cfg.Feedback.ResolutionWindowMinutes)
}
