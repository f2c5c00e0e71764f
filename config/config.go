package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/igniterealtime/openfire-xmldebugger-plugin/internal/host"
	"github.com/joho/godotenv"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	XMPP          XMPPConfig
	Debugger      DebuggerConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds the operator HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	TLS             struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// XMPPConfig holds the protocol listeners. An empty address disables a listener.
type XMPPConfig struct {
	Domain          string
	ClientAddr      string
	LegacyTLSAddr   string
	ServerAddr      string
	ComponentAddr   string
	MultiplexerAddr string
	KeepAlive       time.Duration
	TLSCertFile     string // used by the direct TLS client listener
	TLSKeyFile      string
}

// Listener is one enabled protocol listener.
type Listener struct {
	Type      host.ConnectionType
	Addr      string
	DirectTLS bool
}

// DebuggerConfig holds the debugger's startup settings. Runtime toggles live
// in the properties file and the operator API, not here.
type DebuggerConfig struct {
	PropertiesFile     string
	TraceLogFile       string
	ReplyTimeout       time.Duration
	LiveTailBuffer     int
	LiveTailMaxClients int
}

// AuthConfig holds operator API authentication. With no secret the API is open.
type AuthConfig struct {
	JWTSecret    string
	Issuer       string
	Audience     string
	OperatorRole string // required to change toggles or submit stanzas; empty admits any token
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string // json or console
	MetricsEnabled bool
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSOrigins:     getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:9090"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		XMPP: XMPPConfig{
			Domain:          getEnv("XMPP_DOMAIN", "localhost"),
			ClientAddr:      getEnv("XMPP_CLIENT_ADDR", ":5222"),
			LegacyTLSAddr:   getEnv("XMPP_CLIENT_TLS_ADDR", ":5223"),
			ServerAddr:      getEnv("XMPP_SERVER_ADDR", ":5269"),
			ComponentAddr:   getEnv("XMPP_COMPONENT_ADDR", ":5275"),
			MultiplexerAddr: getEnv("XMPP_MULTIPLEXER_ADDR", ":5262"),
			KeepAlive:       getEnvAsDuration("XMPP_KEEPALIVE", 60*time.Second),
			TLSCertFile:     getEnv("XMPP_TLS_CERT_FILE", ""),
			TLSKeyFile:      getEnv("XMPP_TLS_KEY_FILE", ""),
		},
		Debugger: DebuggerConfig{
			PropertiesFile:     getEnv("XMLDEBUGGER_PROPERTIES_FILE", ""),
			TraceLogFile:       getEnv("TRACE_LOG_FILE", "logs/xmldebugger.log"),
			ReplyTimeout:       getEnvAsDuration("XMLDEBUGGER_REPLY_TIMEOUT", 15*time.Second),
			LiveTailBuffer:     getEnvAsInt("LIVETAIL_BUFFER", 1024),
			LiveTailMaxClients: getEnvAsInt("LIVETAIL_MAX_CLIENTS", 16),
		},
		Auth: AuthConfig{
			JWTSecret:    getEnv("AUTH_JWT_SECRET", ""),
			Issuer:       getEnv("AUTH_JWT_ISSUER", ""),
			Audience:     getEnv("AUTH_JWT_AUDIENCE", ""),
			OperatorRole: getEnv("AUTH_OPERATOR_ROLE", ""),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			MetricsEnabled: getEnvAsBool("METRICS_ENABLED", true),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	if c.XMPP.Domain == "" {
		return fmt.Errorf("xmpp domain is required")
	}
	if (c.XMPP.TLSCertFile == "") != (c.XMPP.TLSKeyFile == "") {
		return fmt.Errorf("xmpp TLS certificate and key must be set together")
	}
	if c.Debugger.ReplyTimeout <= 0 {
		return fmt.Errorf("reply timeout must be positive")
	}
	if c.Debugger.LiveTailMaxClients < 0 {
		return fmt.Errorf("live tail client limit cannot be negative")
	}

	// Operator API must be protected in production
	if c.IsProduction() && !c.Auth.Enabled() {
		return fmt.Errorf("AUTH_JWT_SECRET is required in production")
	}

	// Observability validation
	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether bearer tokens are required.
func (c *AuthConfig) Enabled() bool {
	return c.JWTSecret != ""
}

// HasTLS reports whether a certificate for the direct TLS listener is set.
func (c *XMPPConfig) HasTLS() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// Listeners returns the enabled listeners in category order. The direct TLS
// client listener needs a certificate and is skipped without one.
func (c *XMPPConfig) Listeners() []Listener {
	candidates := []Listener{
		{Type: host.ConnectionClient, Addr: c.ClientAddr},
		{Type: host.ConnectionClientLegacyTLS, Addr: c.LegacyTLSAddr, DirectTLS: true},
		{Type: host.ConnectionServer, Addr: c.ServerAddr},
		{Type: host.ConnectionComponent, Addr: c.ComponentAddr},
		{Type: host.ConnectionMultiplexer, Addr: c.MultiplexerAddr},
	}

	out := make([]Listener, 0, len(candidates))
	for _, l := range candidates {
		if l.Addr == "" || (l.DirectTLS && !c.HasTLS()) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 9090)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	if value := os.Getenv("SERVER_PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return 9090
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
