package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestration engine.
type Config struct {
	General     GeneralConfig     `mapstructure:"general"`
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	ToolService ToolServiceConfig `mapstructure:"tool_service"`
	Household   HouseholdConfig   `mapstructure:"household"`
	Media       MediaConfig       `mapstructure:"media"`
	Reminder    ReminderConfig    `mapstructure:"reminder"`
	Prompt      PromptConfig      `mapstructure:"prompt"`
	Experiment  ExperimentConfig  `mapstructure:"experiment"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// GeneralConfig contains process-wide settings.
type GeneralConfig struct {
	Debug           bool          `mapstructure:"debug"`
	LogLevel        string        `mapstructure:"log_level"`
	MessageDeadline time.Duration `mapstructure:"message_deadline"`
	StrictMode      bool          `mapstructure:"strict_mode"`
	SigningSecret   string        `mapstructure:"signing_secret"`
}

func (g GeneralConfig) Normalize() GeneralConfig {
	if g.MessageDeadline <= 0 {
		g.MessageDeadline = 20 * time.Second
	}
	if strings.TrimSpace(g.LogLevel) == "" {
		g.LogLevel = "info"
	}
	return g
}

func (g GeneralConfig) Validate() error {
	if strings.TrimSpace(g.SigningSecret) == "" {
		return fmt.Errorf("general.signing_secret is required")
	}
	return nil
}

// ServerConfig contains ingress HTTP server settings.
type ServerConfig struct {
	Address      string `mapstructure:"address"`
	JWTSecret    string `mapstructure:"jwt_secret"`
	RequireJWT   bool   `mapstructure:"require_jwt"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

func (s ServerConfig) Normalize() ServerConfig {
	if strings.TrimSpace(s.Address) == "" {
		s.Address = ":8080"
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = 1 << 20 // 1 MiB, matches the over-long-content boundary behavior
	}
	return s
}

func (s ServerConfig) Validate() error {
	if s.RequireJWT && strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret required when server.require_jwt is true")
	}
	return nil
}

// StorageConfig contains persistence backends.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings for the Persistent Store.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) DSN() (string, error) {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("storage.postgres.host/dbname or storage.postgres.url required")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

func (p PostgresConfig) Validate() error {
	_, err := p.DSN()
	return err
}

// RedisConfig contains Redis connection settings used by the reminder dispatcher's
// distributed lock (cmd/reminderd).
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", r.Host, port)
}

// LLMConfig configures the per-provider LLM Client (§2, §4.5, §4.6).
type LLMConfig struct {
	ProviderName      string        `mapstructure:"provider_name"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxConcurrency    int           `mapstructure:"max_concurrency"`
	ResponseCacheTTL  time.Duration `mapstructure:"response_cache_ttl"`
}

func (l LLMConfig) Normalize() LLMConfig {
	if l.Timeout <= 0 {
		l.Timeout = 30 * time.Second
	}
	if l.MaxRetries <= 0 {
		l.MaxRetries = 1
	}
	if l.RequestsPerMinute <= 0 {
		l.RequestsPerMinute = 60
	}
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = 8
	}
	if l.ResponseCacheTTL <= 0 {
		l.ResponseCacheTTL = 30 * time.Second
	}
	return l
}

func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.ProviderName) == "" {
		return fmt.Errorf("llm.provider_name is required")
	}
	return nil
}

// EmbeddingConfig configures the Embedding Provider and the process-wide cache (§4.9).
type EmbeddingConfig struct {
	ProviderName  string        `mapstructure:"provider_name"`
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Model         string        `mapstructure:"model"`
	Dimensions    int           `mapstructure:"dimensions"`
	CacheMaxItems int           `mapstructure:"cache_max_items"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
}

func (e EmbeddingConfig) Normalize() EmbeddingConfig {
	if e.Dimensions <= 0 {
		e.Dimensions = 1536
	}
	if e.CacheMaxItems <= 0 {
		e.CacheMaxItems = 1000
	}
	if e.CacheTTL <= 0 {
		e.CacheTTL = 3600 * time.Second
	}
	return e
}

// ToolServiceConfig configures the Tool Service's own network surface (§4.4, §6).
type ToolServiceConfig struct {
	Address       string        `mapstructure:"address"`
	URL           string        `mapstructure:"url"`
	SigningSecret string        `mapstructure:"signing_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// APIKeyHash is the bcrypt hash of the service-to-service API key ingress
	// processes must present (§10/§11): the tool service is a second
	// network-addressable process with its own access control, distinct
	// from end-user auth. Empty disables the check.
	APIKeyHash string `mapstructure:"api_key_hash"`
	// APIKey is the plaintext counterpart ingress processes present as
	// X-Tool-Service-Key; only APIKeyHash is ever stored by the tool
	// service itself.
	APIKey string `mapstructure:"api_key"`
}

func (t ToolServiceConfig) Normalize() ToolServiceConfig {
	if strings.TrimSpace(t.Address) == "" {
		t.Address = ":8081"
	}
	if t.Timeout <= 0 {
		t.Timeout = 10 * time.Second
	}
	return t
}

func (t ToolServiceConfig) Validate() error {
	if strings.TrimSpace(t.URL) == "" {
		return fmt.Errorf("tool_service.url is required")
	}
	return nil
}

// HouseholdConfig configures the family-scope principal set (§3, §4.8).
type HouseholdConfig struct {
	FamilyDefaultPrincipal string        `mapstructure:"family_default_principal"`
	FamilySharedUserIDs    []string      `mapstructure:"family_shared_user_ids"`
	ViewCacheTTL           time.Duration `mapstructure:"view_cache_ttl"`
}

func (h HouseholdConfig) Normalize() HouseholdConfig {
	if strings.TrimSpace(h.FamilyDefaultPrincipal) == "" {
		h.FamilyDefaultPrincipal = "family_default"
	}
	if h.ViewCacheTTL <= 0 {
		h.ViewCacheTTL = 60 * time.Second
	}
	return h
}

// MediaConfig configures chart rendering output and signed media URLs.
type MediaConfig struct {
	Root          string        `mapstructure:"root"`
	PublicPrefix  string        `mapstructure:"public_prefix"`
	SigningSecret string        `mapstructure:"signing_secret"`
	LinkTTL       time.Duration `mapstructure:"link_ttl"`
}

func (m MediaConfig) Normalize() MediaConfig {
	if strings.TrimSpace(m.Root) == "" {
		m.Root = "./media"
	}
	if strings.TrimSpace(m.PublicPrefix) == "" {
		m.PublicPrefix = "/media"
	}
	if m.LinkTTL <= 0 {
		m.LinkTTL = 24 * time.Hour
	}
	return m
}

// ReminderConfig configures the background dispatcher (§4.10).
type ReminderConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	LockTTL            time.Duration `mapstructure:"lock_ttl"`
	BatchSize          int           `mapstructure:"batch_size"`
	OutboundWebhookURL string        `mapstructure:"outbound_webhook_url"`
	OutboundTimeout    time.Duration `mapstructure:"outbound_timeout"`
}

func (r ReminderConfig) Normalize() ReminderConfig {
	if r.PollInterval <= 0 {
		r.PollInterval = 30 * time.Second
	}
	if r.LockTTL <= 0 {
		r.LockTTL = 2 * time.Minute
	}
	if r.BatchSize <= 0 {
		r.BatchSize = 50
	}
	if r.OutboundTimeout <= 0 {
		r.OutboundTimeout = 10 * time.Second
	}
	return r
}

// PromptConfig points at the on-disk prompt catalog (§4.7, §6) and the parameters
// left open by the Design Notes (§9).
type PromptConfig struct {
	CatalogPath         string        `mapstructure:"catalog_path"`
	AssembledCacheTTL   time.Duration `mapstructure:"assembled_cache_ttl"`
	ThreadSummaryEveryN int           `mapstructure:"thread_summary_every_n_turns"`
	ContextMaxKeys      int           `mapstructure:"context_max_keys"`
	ContextMaxBytes     int           `mapstructure:"context_max_bytes"`
	VerifyMinResults    int           `mapstructure:"verify_min_results"`
	VerifyMaxRounds     int           `mapstructure:"verify_max_rounds"`
	MaxPlanSteps        int           `mapstructure:"max_plan_steps"`
}

func (p PromptConfig) Normalize() PromptConfig {
	if strings.TrimSpace(p.CatalogPath) == "" {
		p.CatalogPath = "./prompts/catalog.yaml"
	}
	if p.AssembledCacheTTL <= 0 {
		p.AssembledCacheTTL = 60 * time.Second
	}
	if p.ThreadSummaryEveryN <= 0 {
		p.ThreadSummaryEveryN = 12
	}
	if p.ContextMaxKeys <= 0 {
		p.ContextMaxKeys = 8
	}
	if p.ContextMaxBytes <= 0 {
		p.ContextMaxBytes = 16 * 1024
	}
	if p.VerifyMinResults <= 0 {
		p.VerifyMinResults = 1
	}
	if p.VerifyMaxRounds <= 0 {
		p.VerifyMaxRounds = 2
	}
	if p.MaxPlanSteps <= 0 {
		p.MaxPlanSteps = 10
	}
	return p
}

// ExperimentConfig configures the A/B error-rate pause guard (§4.7, §9).
type ExperimentConfig struct {
	ErrorWindow    int     `mapstructure:"error_window"`
	ErrorRatePause float64 `mapstructure:"error_rate_pause"`
}

func (e ExperimentConfig) Normalize() ExperimentConfig {
	if e.ErrorWindow <= 0 {
		e.ErrorWindow = 200
	}
	if e.ErrorRatePause <= 0 {
		e.ErrorRatePause = 0.2
	}
	return e
}

// TelemetryConfig controls tracing/metrics wiring (§10).
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

func (t TelemetryConfig) Normalize() TelemetryConfig {
	if strings.TrimSpace(t.ServiceName) == "" {
		t.ServiceName = "family-assistant-engine"
	}
	return t
}

// LoadConfig loads configuration from environment variables and, optionally, a
// config file, following the search-path / env-prefix convention this engine is
// modeled on. Failures are fatal at process start.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("general.message_deadline", "20s")
	viper.SetDefault("general.strict_mode", true)
	viper.SetDefault("reminder.poll_interval", "30s")
	viper.SetDefault("experiment.error_window", 200)
	viper.SetDefault("experiment.error_rate_pause", 0.2)

	if path == "" {
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("FAMILYASSIST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		panic(fmt.Errorf("fatal error unmarshaling config: %w", err))
	}

	cfg.General = cfg.General.Normalize()
	// SIGNING_SECRET (§6) is one operator-configured value backing both the
	// bearer-token middleware and signed media URLs; section-specific
	// overrides win when set, otherwise both fall back to it.
	if strings.TrimSpace(cfg.Server.JWTSecret) == "" {
		cfg.Server.JWTSecret = cfg.General.SigningSecret
	}
	if strings.TrimSpace(cfg.Media.SigningSecret) == "" {
		cfg.Media.SigningSecret = cfg.General.SigningSecret
	}
	cfg.Server = cfg.Server.Normalize()
	cfg.LLM = cfg.LLM.Normalize()
	cfg.Embedding = cfg.Embedding.Normalize()
	cfg.ToolService = cfg.ToolService.Normalize()
	cfg.Household = cfg.Household.Normalize()
	cfg.Media = cfg.Media.Normalize()
	cfg.Reminder = cfg.Reminder.Normalize()
	cfg.Prompt = cfg.Prompt.Normalize()
	cfg.Experiment = cfg.Experiment.Normalize()
	cfg.Telemetry = cfg.Telemetry.Normalize()

	if err := cfg.General.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.Server.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.LLM.Validate(); err != nil {
		panic(err)
	}
	if err := cfg.ToolService.Validate(); err != nil {
		panic(err)
	}
	return &cfg
}
