package config

// Config is the root configuration for the smsflow server.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Batching  BatchingConfig  `json:"batching"`
	Responder ResponderConfig `json:"responder"`
	Relay     RelayConfig     `json:"relay"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host  string `json:"host"`
	Port  int    `json:"port"`
	Token string `json:"-"` // from env SMSFLOW_ADMIN_TOKEN only (guards /v1 endpoints)
}

// BatchingConfig configures the per-contact message batching core.
type BatchingConfig struct {
	WaitSeconds          int `json:"wait_seconds"`           // quiet period from first message to processing
	MaxConcurrentBatches int `json:"max_concurrent_batches"` // admission cap on live batches
	ReaperIntervalSec    int `json:"reaper_interval_seconds"`
	StaleAgeSeconds      int `json:"stale_age_seconds"`       // reaper drops batches older than this
	ProcessingBudgetSec  int `json:"processing_budget_seconds"` // soft wall-clock bound per drain
	HistoryLimit         int `json:"history_limit"`            // prior turns fetched for context
}

// ResponderConfig configures the LLM used for reply generation.
// APIKey is NEVER read from the config file — only from env SMSFLOW_RESPONDER_API_KEY.
type ResponderConfig struct {
	APIKey      string  `json:"-"`
	APIBase     string  `json:"api_base,omitempty"` // default: https://api.openai.com/v1
	Model       string  `json:"model,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// RelayConfig configures the outbound SMS conversations API.
// APIKey comes from env SMSFLOW_RELAY_API_KEY only.
type RelayConfig struct {
	APIKey     string `json:"-"`
	APIBase    string `json:"api_base,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
}

// DatabaseConfig selects the persistence backend.
// PostgresDSN is NEVER read from the config file (secret) — only from env SMSFLOW_POSTGRES_DSN.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"` // "standalone" (default, in-memory) or "postgres"
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled      bool   `json:"enabled,omitempty"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"` // host:port, plain HTTP
}

// IsPostgresMode returns true when the server persists to Postgres.
func (c *Config) IsPostgresMode() bool {
	return c.Database.Mode == "postgres" && c.Database.PostgresDSN != ""
}

// HasResponder returns true if an LLM API key is configured.
func (c *Config) HasResponder() bool { return c.Responder.APIKey != "" }

// HasRelay returns true if the outbound SMS gateway is configured.
func (c *Config) HasRelay() bool { return c.Relay.APIKey != "" }
