package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the main application configuration structure
// containing all configuration sections
type Config struct {
	Server    ServerConfig    `toml:"server"`    // HTTP server settings
	Logging   LoggingConfig   `toml:"logging"`   // Application logging settings
	Realtime  RealtimeConfig  `toml:"realtime"`  // Realtime transcription relay settings
	Agents    AgentsConfig    `toml:"agents"`    // Agent/workflow/MFA routing settings
	Telemetry TelemetryConfig `toml:"telemetry"` // Telemetry sink settings
}

// ServerConfig contains HTTP server configuration settings
type ServerConfig struct {
	Port               int      `toml:"port"`                  // HTTP port for the server
	Host               string   `toml:"host"`                  // Host address to bind to
	CORSAllowedOrigins []string `toml:"cors_allowed_origins"`  // Origins allowed for CORS requests (["*"] for all)
	ReadTimeoutSecs    int      `toml:"read_timeout_seconds"`  // Maximum duration for reading the entire request (0 = no timeout)
	WriteTimeoutSecs   int      `toml:"write_timeout_seconds"` // Maximum duration for writing the response (0 = no timeout, required for MFA calls)
	IdleTimeoutSecs    int      `toml:"idle_timeout_seconds"`  // Keep-alive idle timeout
}

// LoggingConfig contains application logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", or "error"
	Format string `toml:"format"` // Log format: "json" (structured) or "console" (human-readable)
}

// RealtimeConfig contains settings for the realtime transcription relay
type RealtimeConfig struct {
	// OpenAI credentials come from the environment only
	OpenAIAPIKey  string `toml:"-"`
	OpenAIBaseURL string `toml:"openai_base_url"` // Defaults to https://api.openai.com

	// Azure OpenAI realtime settings
	AzureEndpoint   string `toml:"azure_endpoint"`    // Host (or URL) of the Azure OpenAI resource
	AzureAPIKey     string `toml:"-"`                 // Environment only
	AzureAPIVersion string `toml:"azure_api_version"` // e.g. "2025-04-01-preview"
	AzureDeployment string `toml:"azure_deployment"`  // Default deployment when the client does not pass ?model=

	// Transcription model candidates, tried in order on model rejection
	Model          string   `toml:"model"`           // Primary transcription model
	FallbackModels []string `toml:"fallback_models"` // Ordered fallbacks

	HandshakeTimeoutSecs int `toml:"handshake_timeout_seconds"` // Upstream WebSocket handshake timeout
}

// AgentsConfig contains settings for the agent/workflow/MFA router
type AgentsConfig struct {
	APIVersion           string `toml:"api_version"`            // api-version for /openai/responses and /openai/conversations
	AssistantsAPIVersion string `toml:"assistants_api_version"` // api-version for the legacy /openai/assistants listing
	DefaultBackendID     *int   `toml:"default_backend_id"`     // Initially selected backend (nil = first MFA slot, then legacy)

	// MFA call policy
	MFATimeoutMs        int   `toml:"mfa_timeout_ms"`         // Hard timeout for one MFA attempt (default 200000)
	MFARetryMaxAttempts int   `toml:"mfa_retry_max_attempts"` // Total attempts including the first (shipped as 1)
	MFARetryBackoffMs   []int `toml:"mfa_retry_backoff_ms"`   // Delay before attempt n+1; last entry repeats

	// Managed identity
	ManagedIdentityScope    string `toml:"managed_identity_scope"`     // Token audience for keyless backends
	ManagedIdentityClientID string `toml:"managed_identity_client_id"` // Optional user-assigned identity

	// Legacy single-agent backend (id 0), environment only
	LegacyEndpoint string `toml:"-"`
	LegacyName     string `toml:"-"`
	LegacyAPIKey   string `toml:"-"`

	RequestTimeoutSecs int `toml:"request_timeout_seconds"` // HTTP client timeout for agent/workflow calls (0 = none)
}

// TelemetryConfig contains settings for the telemetry event sink
type TelemetryConfig struct {
	Sink       string `toml:"sink"`        // "log", "sqlite" or "none"
	SQLitePath string `toml:"sqlite_path"` // Database file when sink = "sqlite"
	BufferSize int    `toml:"buffer_size"` // Async queue length; events beyond it are dropped
}

// Default returns a configuration populated with built-in defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			Host:               "0.0.0.0",
			CORSAllowedOrigins: []string{"*"},
			ReadTimeoutSecs:    30,
			IdleTimeoutSecs:    120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Realtime: RealtimeConfig{
			OpenAIBaseURL:        "https://api.openai.com",
			AzureAPIVersion:      "2025-04-01-preview",
			AzureDeployment:      "gpt-4o-transcribe",
			Model:                "gpt-4o-transcribe",
			FallbackModels:       []string{"gpt-4o-mini-transcribe", "whisper-1"},
			HandshakeTimeoutSecs: 30,
		},
		Agents: AgentsConfig{
			APIVersion:           "2025-11-15-preview",
			AssistantsAPIVersion: "2025-05-01",
			MFATimeoutMs:         200000,
			MFARetryMaxAttempts:  1,
			ManagedIdentityScope: "https://ai.azure.com/.default",
		},
		Telemetry: TelemetryConfig{
			Sink:       "log",
			SQLitePath: "data/telemetry.db",
			BufferSize: 512,
		},
	}
}

// Load loads the configuration from the specified file path on top of the defaults
func Load(path string) (*Config, error) {
	config := Default()

	// Check if the file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	// Read the config file
	if _, err := toml.DecodeFile(path, config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	return config, nil
}

// LoadWithFallback loads the configuration by checking multiple locations in order of preference.
// When no file exists anywhere the built-in defaults are returned; the environment carries
// everything that is required.
func LoadWithFallback(preferredPath string) (*Config, string, error) {
	// List of paths to check in order of preference
	searchPaths := []string{
		preferredPath,
		"configs/config.toml",
		"config.toml",
	}

	// Remove duplicates while preserving order
	uniquePaths := make([]string, 0, len(searchPaths))
	seen := make(map[string]bool)
	for _, path := range searchPaths {
		if path != "" && !seen[path] {
			uniquePaths = append(uniquePaths, path)
			seen[path] = true
		}
	}

	for _, path := range uniquePaths {
		if _, err := os.Stat(path); err == nil {
			config, err := Load(path)
			if err != nil {
				return nil, "", fmt.Errorf("failed to load config from %s: %w", path, err)
			}
			return config, path, nil
		}
	}

	// An explicitly requested file that does not exist is an error
	if preferredPath != "" {
		return nil, "", fmt.Errorf("config file not found: %s", preferredPath)
	}

	return Default(), "", nil
}

// LoadEnvFiles loads .env.local and .env into the process environment.
// Variables that are already set are never overridden.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env.local", ".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// LookupFunc resolves one environment key
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment values on the configuration
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	get := func(keys ...string) (string, bool) {
		for _, k := range keys {
			if v, ok := lookup(k); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v), true
			}
		}
		return "", false
	}

	if v, ok := get("OPENAI_API_KEY", "VITE_OPENAI_API_KEY"); ok {
		c.Realtime.OpenAIAPIKey = v
	}
	if v, ok := get("OPENAI_API_BASE"); ok {
		c.Realtime.OpenAIBaseURL = v
	}
	if v, ok := get("AZURE_OPENAI_ENDPOINT"); ok {
		c.Realtime.AzureEndpoint = v
	}
	if v, ok := get("AZURE_OPENAI_API_KEY"); ok {
		c.Realtime.AzureAPIKey = v
	}
	if v, ok := get("AZURE_OPENAI_API_VERSION"); ok {
		c.Realtime.AzureAPIVersion = v
	}
	if v, ok := get("AZURE_OPENAI_DEPLOYMENT"); ok {
		c.Realtime.AzureDeployment = v
	}
	if v, ok := get("TRANSCRIPTION_MODEL"); ok {
		c.Realtime.Model = v
	}
	if v, ok := get("TRANSCRIPTION_MODEL_FALLBACKS"); ok {
		c.Realtime.FallbackModels = splitList(v)
	}

	if v, ok := get("AGENT_API_VERSION"); ok {
		c.Agents.APIVersion = v
	}
	if v, ok := get("DEFAULT_AGENT_ID"); ok {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DEFAULT_AGENT_ID %q: %w", v, err)
		}
		c.Agents.DefaultBackendID = &id
	}
	if v, ok := get("MFA_TIMEOUT_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MFA_TIMEOUT_MS %q: %w", v, err)
		}
		c.Agents.MFATimeoutMs = ms
	}
	if v, ok := get("MANAGED_IDENTITY_CLIENT_ID", "AZURE_CLIENT_ID"); ok {
		c.Agents.ManagedIdentityClientID = v
	}
	if v, ok := get("LEGACY_AGENT_ENDPOINT"); ok {
		c.Agents.LegacyEndpoint = v
	}
	if v, ok := get("LEGACY_AGENT_NAME"); ok {
		c.Agents.LegacyName = v
	}
	if v, ok := get("LEGACY_AGENT_API_KEY"); ok {
		c.Agents.LegacyAPIKey = v
	}

	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := get("TELEMETRY_SINK"); ok {
		c.Telemetry.Sink = v
	}

	return nil
}

// Validate validates the configuration and fills defaults for zero values
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if len(c.Server.CORSAllowedOrigins) == 0 {
		c.Server.CORSAllowedOrigins = []string{"*"}
	}

	// Validate logging config
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if err := c.ValidateRealtime(); err != nil {
		return err
	}
	if err := c.ValidateAgents(); err != nil {
		return err
	}

	switch c.Telemetry.Sink {
	case "log", "none":
	case "sqlite":
		if c.Telemetry.SQLitePath == "" {
			return fmt.Errorf("telemetry sqlite_path is required when sink is sqlite")
		}
	default:
		return fmt.Errorf("invalid telemetry sink: %s (must be 'log', 'sqlite' or 'none')", c.Telemetry.Sink)
	}
	if c.Telemetry.BufferSize <= 0 {
		c.Telemetry.BufferSize = 512
	}

	return nil
}

// ValidateRealtime validates the realtime relay configuration.
// At least one speech provider credential is required; without one the
// process must not start.
func (c *Config) ValidateRealtime() error {
	hasOpenAI := c.Realtime.OpenAIAPIKey != ""
	hasAzure := c.Realtime.AzureEndpoint != "" && c.Realtime.AzureAPIKey != ""
	if !hasOpenAI && !hasAzure {
		return fmt.Errorf("no speech provider credential configured: set OPENAI_API_KEY or AZURE_OPENAI_ENDPOINT and AZURE_OPENAI_API_KEY")
	}

	if c.Realtime.OpenAIBaseURL == "" {
		c.Realtime.OpenAIBaseURL = "https://api.openai.com"
	}
	c.Realtime.OpenAIBaseURL = strings.TrimRight(c.Realtime.OpenAIBaseURL, "/")
	if c.Realtime.AzureAPIVersion == "" {
		c.Realtime.AzureAPIVersion = "2025-04-01-preview"
	}
	if c.Realtime.AzureDeployment == "" {
		c.Realtime.AzureDeployment = "gpt-4o-transcribe"
	}
	if c.Realtime.Model == "" {
		c.Realtime.Model = "gpt-4o-transcribe"
	}
	if c.Realtime.HandshakeTimeoutSecs <= 0 {
		c.Realtime.HandshakeTimeoutSecs = 30
	}
	return nil
}

// ValidateAgents validates the router configuration
func (c *Config) ValidateAgents() error {
	if c.Agents.APIVersion == "" {
		c.Agents.APIVersion = "2025-11-15-preview"
	}
	if c.Agents.AssistantsAPIVersion == "" {
		c.Agents.AssistantsAPIVersion = "2025-05-01"
	}
	if c.Agents.MFATimeoutMs <= 0 {
		c.Agents.MFATimeoutMs = 200000
	}
	if c.Agents.MFARetryMaxAttempts < 0 {
		return fmt.Errorf("invalid mfa_retry_max_attempts: %d (must be >= 0)", c.Agents.MFARetryMaxAttempts)
	}
	if c.Agents.MFARetryMaxAttempts == 0 {
		c.Agents.MFARetryMaxAttempts = 1
	}
	for i, ms := range c.Agents.MFARetryBackoffMs {
		if ms < 0 {
			return fmt.Errorf("mfa_retry_backoff_ms[%d] must be >= 0: %d", i, ms)
		}
	}
	if c.Agents.ManagedIdentityScope == "" {
		c.Agents.ManagedIdentityScope = "https://ai.azure.com/.default"
	}
	if c.Agents.RequestTimeoutSecs < 0 {
		return fmt.Errorf("invalid request_timeout_seconds: %d", c.Agents.RequestTimeoutSecs)
	}
	return nil
}

// ModelCandidates returns the ordered, de-duplicated transcription model list
func (c *Config) ModelCandidates() []string {
	out := make([]string, 0, 1+len(c.Realtime.FallbackModels))
	seen := make(map[string]bool)
	for _, m := range append([]string{c.Realtime.Model}, c.Realtime.FallbackModels...) {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
