// Package config provides configuration loading for the session broker.
//
// Values come from environment variables. An optional YAML file (CONFIG_FILE)
// supplies values for the same keys; environment variables override it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Generator backends.
const (
	GeneratorAnthropic = "anthropic"
	GeneratorACP       = "acp"
)

// Config holds all configuration values for the session broker.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Storage
	DatabasePath string

	// Session settings
	ContextWindow            int
	MaxConnectionsPerSession int
	SendTimeout              time.Duration
	RelayTimeout             time.Duration
	RelayDrainTimeout        time.Duration

	// Idle settings
	IdleTimeout       time.Duration
	IdleCheckInterval time.Duration

	// Environment provisioning
	EnvironmentImage        string
	VNCPassword             string
	EnvironmentReadyTimeout time.Duration
	DockerBinary            string
	DockerBindHost          string
	PublicHost              string

	// Generator settings
	Generator          string
	AnthropicAPIKey    string
	AnthropicBaseURL   string
	AnthropicModel     string
	AnthropicMaxTokens int
	SystemPrompt       string
	ACPCommand         string
	ACPArgs            []string
	ACPInitTimeout     time.Duration

	// JWT settings; auth is disabled when JWKSEndpoint is empty.
	JWKSEndpoint string
	JWTAudience  string
	JWTIssuer    string

	// HTTP server timeouts
	HTTPReadTimeout time.Duration
	HTTPIdleTimeout time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSPingInterval    time.Duration
	WSPongTimeout     time.Duration
	VNCPingInterval   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// ConfigFile is the YAML file the values were overlaid from, if any.
	ConfigFile string
}

// Load reads configuration from environment variables, overlaying the file
// named by CONFIG_FILE when set.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile reads configuration from the YAML file at path (optional) and
// environment variables.
func LoadFile(path string) (*Config, error) {
	src := source{}
	if path != "" {
		file, err := readFile(path)
		if err != nil {
			return nil, err
		}
		src.file = file
	}

	cfg := &Config{
		Port:           src.integer("BROKER_PORT", 8000),
		Host:           src.str("BROKER_HOST", "0.0.0.0"),
		AllowedOrigins: src.list("ALLOWED_ORIGINS", []string{"*"}),

		DatabasePath: src.str("DATABASE_PATH", "./data/broker.db"),

		ContextWindow:            src.integer("CONTEXT_WINDOW", 10),
		MaxConnectionsPerSession: src.integer("MAX_CONNECTIONS_PER_SESSION", 0),
		SendTimeout:              src.duration("SEND_TIMEOUT", 5*time.Second),
		RelayTimeout:             src.duration("RELAY_TIMEOUT", 10*time.Minute),
		RelayDrainTimeout:        src.duration("RELAY_DRAIN_TIMEOUT", 5*time.Second),

		IdleTimeout:       src.duration("IDLE_TIMEOUT", 0),
		IdleCheckInterval: src.duration("IDLE_CHECK_INTERVAL", time.Minute),

		EnvironmentImage:        src.str("ENVIRONMENT_IMAGE", "ghcr.io/anthropics/anthropic-quickstarts:computer-use-demo"),
		VNCPassword:             src.str("VNC_PASSWORD", ""),
		EnvironmentReadyTimeout: src.duration("ENVIRONMENT_READY_TIMEOUT", 30*time.Second),
		DockerBinary:            src.str("DOCKER_BINARY", "docker"),
		DockerBindHost:          src.str("DOCKER_BIND_HOST", "127.0.0.1"),
		PublicHost:              src.str("PUBLIC_HOST", "localhost"),

		Generator:          strings.ToLower(src.str("GENERATOR", GeneratorAnthropic)),
		AnthropicAPIKey:    src.str("ANTHROPIC_API_KEY", ""),
		AnthropicBaseURL:   src.str("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		AnthropicModel:     src.str("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		AnthropicMaxTokens: src.integer("ANTHROPIC_MAX_TOKENS", 1024),
		SystemPrompt:       src.str("SYSTEM_PROMPT", ""),
		ACPCommand:         src.str("ACP_COMMAND", ""),
		ACPArgs:            src.fields("ACP_ARGS"),
		ACPInitTimeout:     src.duration("ACP_INIT_TIMEOUT", 30*time.Second),

		JWKSEndpoint: src.str("JWKS_ENDPOINT", ""),
		JWTAudience:  src.str("JWT_AUDIENCE", "session-broker"),
		JWTIssuer:    src.str("JWT_ISSUER", ""),

		HTTPReadTimeout: src.duration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: src.duration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  src.integer("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: src.integer("WS_WRITE_BUFFER_SIZE", 1024),
		WSPingInterval:    src.duration("WS_PING_INTERVAL", 30*time.Second),
		WSPongTimeout:     src.duration("WS_PONG_TIMEOUT", 90*time.Second),
		VNCPingInterval:   src.duration("VNC_PING_INTERVAL", 30*time.Second),

		LogLevel:  src.str("LOG_LEVEL", "info"),
		LogFormat: src.str("LOG_FORMAT", "json"),

		ConfigFile: path,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("BROKER_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}
	if c.ContextWindow <= 0 {
		return fmt.Errorf("CONTEXT_WINDOW must be positive, got %d", c.ContextWindow)
	}
	if c.MaxConnectionsPerSession < 0 {
		return fmt.Errorf("MAX_CONNECTIONS_PER_SESSION must not be negative")
	}
	if c.WSPongTimeout <= c.WSPingInterval {
		return fmt.Errorf("WS_PONG_TIMEOUT (%s) must exceed WS_PING_INTERVAL (%s)", c.WSPongTimeout, c.WSPingInterval)
	}
	switch c.Generator {
	case GeneratorAnthropic:
		if c.AnthropicAPIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when GENERATOR=%s", GeneratorAnthropic)
		}
	case GeneratorACP:
		if c.ACPCommand == "" {
			return fmt.Errorf("ACP_COMMAND is required when GENERATOR=%s", GeneratorACP)
		}
	default:
		return fmt.Errorf("unknown GENERATOR %q (want %s or %s)", c.Generator, GeneratorAnthropic, GeneratorACP)
	}
	return nil
}

// AuthEnabled reports whether API requests require a bearer token.
func (c *Config) AuthEnabled() bool {
	return c.JWKSEndpoint != ""
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// readFile loads a flat YAML mapping of configuration keys. Keys are matched
// case-insensitively against the environment variable names; sequences are
// joined with commas.
func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		key := strings.ToUpper(strings.ReplaceAll(k, "-", "_"))
		switch val := v.(type) {
		case nil:
		case []any:
			parts := make([]string, 0, len(val))
			for _, p := range val {
				parts = append(parts, fmt.Sprint(p))
			}
			out[key] = strings.Join(parts, ",")
		case map[string]any:
			return nil, fmt.Errorf("config file %s: key %q must be a scalar or list", path, k)
		default:
			out[key] = fmt.Sprint(val)
		}
	}
	return out, nil
}

// source resolves a key from the environment, then the config file.
type source struct {
	file map[string]string
}

func (s source) lookup(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return s.file[key]
}

// str returns the value of a key or a default.
func (s source) str(key, defaultValue string) string {
	if value := s.lookup(key); value != "" {
		return value
	}
	return defaultValue
}

// integer returns an integer value or a default.
func (s source) integer(key string, defaultValue int) int {
	if value := s.lookup(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// duration returns a duration value or a default. Bare integers are seconds.
func (s source) duration(key string, defaultValue time.Duration) time.Duration {
	value := s.lookup(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// list returns a slice from a comma-separated value.
func (s source) list(key string, defaultValue []string) []string {
	if value := s.lookup(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}

// fields splits a value on whitespace, or on commas when it contains any.
func (s source) fields(key string) []string {
	value := s.lookup(key)
	if strings.Contains(value, ",") {
		return s.list(key, nil)
	}
	return strings.Fields(value)
}
