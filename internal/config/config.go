// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.kragentic/config.yaml)
//  3. Default values
//
// Security: sensitive values (passwords, API keys) are masked in MarshalJSON
// and String; the config directory uses 0750 permissions.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

// Sentinel validation errors, checked with errors.Is.
var (
	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is empty.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidMaxIterations indicates the planning budget is out of range.
	ErrInvalidMaxIterations = errors.New("invalid max iterations")

	// ErrInvalidChunking indicates the chunk size/overlap pair is unusable.
	ErrInvalidChunking = errors.New("invalid chunking parameters")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is empty.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is empty.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is unknown.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")
)

// Defaults referenced outside Load.
const (
	// DefaultEmbedderModel outputs 3072 dimensions by default but supports
	// truncation to 768 via OutputDimensionality. The pgvector schema uses
	// 768 dimensions.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultEmbedDim must match the vector(768) column in migrations.
	DefaultEmbedDim = 768
)

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON. When
// adding new sensitive fields, update MarshalJSON.
type Config struct {
	// Model configuration
	GeminiAPIKey  string `mapstructure:"gemini_api_key" json:"gemini_api_key"` // SENSITIVE: masked in MarshalJSON
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	EmbedDim      int    `mapstructure:"embed_dim" json:"embed_dim"`

	// Agent loop configuration
	MaxIterations int    `mapstructure:"max_iterations" json:"max_iterations"`
	SystemPrompt  string `mapstructure:"system_prompt" json:"system_prompt"`

	// Conversation retention
	ConversationTTLHours int `mapstructure:"conversation_ttl_hours" json:"conversation_ttl_hours"`
	MaxHistoryMessages   int `mapstructure:"max_history_messages" json:"max_history_messages"`

	// Knowledge pipeline
	ChunkSize      int `mapstructure:"chunk_size" json:"chunk_size"`
	ChunkOverlap   int `mapstructure:"chunk_overlap" json:"chunk_overlap"`
	SearchTTLMins  int `mapstructure:"search_ttl_minutes" json:"search_ttl_minutes"`
	AudioTTLMins   int `mapstructure:"audio_ttl_minutes" json:"audio_ttl_minutes"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Speech synthesis providers
	ResembleAPIKey    string  `mapstructure:"resemble_api_key" json:"resemble_api_key"` // SENSITIVE: masked in MarshalJSON
	ResembleProject   string  `mapstructure:"resemble_project" json:"resemble_project"`
	ResembleVoice     string  `mapstructure:"resemble_voice" json:"resemble_voice"`
	OpenAIAPIKey      string  `mapstructure:"openai_api_key" json:"openai_api_key"` // SENSITIVE: masked in MarshalJSON
	SynthesisProvider string  `mapstructure:"synthesis_provider" json:"synthesis_provider"`
	SynthesisLanguage string  `mapstructure:"synthesis_language" json:"synthesis_language"`
	SynthesisRate     float64 `mapstructure:"synthesis_rate" json:"synthesis_rate"` // calls per second, 0 disables

	// Customer-record API
	CRMBaseURL string `mapstructure:"crm_base_url" json:"crm_base_url"`
	CRMAPIKey  string `mapstructure:"crm_api_key" json:"crm_api_key"` // SENSITIVE: masked in MarshalJSON

	// HTTP server
	ServeAddr  string `mapstructure:"serve_addr" json:"serve_addr"`
	RateBurst  int    `mapstructure:"rate_burst" json:"rate_burst"`
	TrustProxy bool   `mapstructure:"trust_proxy" json:"trust_proxy"`

	// Observability
	TracingEnabled bool   `mapstructure:"tracing_enabled" json:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name" json:"service_name"`
	Environment    string `mapstructure:"environment" json:"environment"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".kragentic")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("embed_dim", DefaultEmbedDim)

	viper.SetDefault("max_iterations", 3)
	viper.SetDefault("system_prompt",
		"You are a helpful assistant for a customer service line. "+
			"Use the available tools when a customer's records are needed, "+
			"and answer from the provided knowledge when possible.")

	viper.SetDefault("conversation_ttl_hours", 24)
	viper.SetDefault("max_history_messages", 100)

	viper.SetDefault("chunk_size", 1000)
	viper.SetDefault("chunk_overlap", 200)
	viper.SetDefault("search_ttl_minutes", 60)
	viper.SetDefault("audio_ttl_minutes", 60)

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "orchestrator")
	viper.SetDefault("postgres_password", "orchestrator_dev_password")
	viper.SetDefault("postgres_db_name", "orchestrator")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("synthesis_provider", "resemble")
	viper.SetDefault("synthesis_language", "en")
	viper.SetDefault("synthesis_rate", 2.0)

	viper.SetDefault("serve_addr", "localhost:8080")
	viper.SetDefault("rate_burst", 0)
	viper.SetDefault("trust_proxy", false)

	viper.SetDefault("tracing_enabled", false)
	viper.SetDefault("otlp_endpoint", "localhost:4318")
	viper.SetDefault("service_name", "orchestrator")
	viper.SetDefault("environment", "dev")
}

// bindEnvVariables binds secrets and common overrides explicitly rather than
// enabling automatic env lookup for every key.
func bindEnvVariables() {
	// Hardcoded strings cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("gemini_api_key", "GEMINI_API_KEY")
	mustBind("openai_api_key", "OPENAI_API_KEY")
	mustBind("resemble_api_key", "RESEMBLE_API_KEY")
	mustBind("resemble_project", "RESEMBLE_PROJECT_UUID")
	mustBind("resemble_voice", "RESEMBLE_VOICE_UUID")
	mustBind("crm_base_url", "CRM_BASE_URL")
	mustBind("crm_api_key", "CRM_API_KEY")

	mustBind("model_name", "ORCHESTRATOR_MODEL_NAME")
	mustBind("synthesis_provider", "ORCHESTRATOR_SYNTHESIS_PROVIDER")
	mustBind("serve_addr", "ORCHESTRATOR_SERVE_ADDR")
	mustBind("rate_burst", "ORCHESTRATOR_RATE_BURST")
	mustBind("trust_proxy", "ORCHESTRATOR_TRUST_PROXY")
	mustBind("tracing_enabled", "ORCHESTRATOR_TRACING")
	mustBind("otlp_endpoint", "OTLP_ENDPOINT")
}

// parseDatabaseURL overrides the PostgreSQL fields from DATABASE_URL when it
// is set. The URL takes priority over file and default values.
func (c *Config) parseDatabaseURL() error {
	raw := os.Getenv("DATABASE_URL")
	if raw == "" {
		return nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing URL: %w", err)
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	c.PostgresHost = u.Hostname()
	if port := u.Port(); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("parsing port: %w", err)
		}
		c.PostgresPort = p
	}
	if u.User != nil {
		c.PostgresUser = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			c.PostgresPassword = pw
		}
	}
	if name := filepath.Base(u.Path); name != "." && name != "/" {
		c.PostgresDBName = name
	}
	if mode := u.Query().Get("sslmode"); mode != "" {
		c.PostgresSSLMode = mode
	}
	return nil
}

// Validate checks the fields every mode needs.
func (c *Config) Validate() error {
	if c.ModelName == "" {
		return ErrInvalidModelName
	}
	if c.MaxIterations < 1 || c.MaxIterations > 20 {
		return fmt.Errorf("%w: %d (want 1-20)", ErrInvalidMaxIterations, c.MaxIterations)
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: size=%d overlap=%d", ErrInvalidChunking, c.ChunkSize, c.ChunkOverlap)
	}
	if c.PostgresHost == "" {
		return ErrInvalidPostgresHost
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return ErrInvalidPostgresDBName
	}
	switch c.PostgresSSLMode {
	case "disable", "allow", "prefer", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}
	return nil
}

// ValidateServe checks the additional fields serve mode needs.
func (c *Config) ValidateServe() error {
	if c.GeminiAPIKey == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY", ErrMissingAPIKey)
	}
	return nil
}

// DatabaseURL renders the PostgreSQL fields as a postgres:// URL.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:     fmt.Sprintf("%s:%d", c.PostgresHost, c.PostgresPort),
		Path:     "/" + c.PostgresDBName,
		RawQuery: "sslmode=" + c.PostgresSSLMode,
	}
	return u.String()
}

// maskedValue uses full-width blocks so masked output can never be a
// substring of the real secret.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Short secrets are fully
// masked; longer ones keep the first and last two characters for debugging.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field
// masking. When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.GeminiAPIKey = maskSecret(a.GeminiAPIKey)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.ResembleAPIKey = maskSecret(a.ResembleAPIKey)
	a.OpenAIAPIKey = maskSecret(a.OpenAIAPIKey)
	a.CRMAPIKey = maskSecret(a.CRMAPIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
