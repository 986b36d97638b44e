package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"roomrelay/pkg/database"
)

var validate = validator.New()

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `validate:"required"`
	HTTP      *HTTPConfig      `validate:"required"`
	WebSocket *WebSocketConfig `validate:"required"`
	Relay     *RelayConfig     `validate:"required"`
	Log       *LogConfig       `validate:"required"`
}

// DatabaseConfig locates the SQLite membership database
type DatabaseConfig struct {
	Path           string `validate:"required"`
	MaxConnections int    `validate:"gt=0"`
}

// FUNCTIONAL DISCOVERY: HTTP configuration balances performance and reliability
type HTTPConfig struct {
	Host            string        `validate:"required"`
	Port            int           `validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// WebSocketConfig covers the relay endpoint and its heartbeat
type WebSocketConfig struct {
	Path           string        `validate:"required,startswith=/,endswith=/"`
	PingInterval   time.Duration `validate:"gt=0"`
	ReadTimeout    time.Duration `validate:"gtfield=PingInterval"`
	WriteTimeout   time.Duration `validate:"gt=0"`
	BufferSize     int           `validate:"gt=0"`
	MaxMessageSize int64         `validate:"gt=0"`
	AllowedOrigins []string
}

// RelayConfig tunes broadcast delivery
type RelayConfig struct {
	OracleTimeout     time.Duration `validate:"gt=0"`
	SendTimeout       time.Duration `validate:"gt=0"`
	FanoutConcurrency int           `validate:"min=0"`
	RateLimit         float64       `validate:"min=0"` // messages per second per session; 0 disables
	RateBurst         int           `validate:"min=0"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=text json"`
}

// FUNCTIONAL DISCOVERY: Production-ready defaults; the WebSocket heartbeat pings every
// 30s and gives up after 60s of silence
func DefaultConfig() *Config {
	dbDefaults := database.DefaultConfig()
	return &Config{
		Database: &DatabaseConfig{
			Path:           dbDefaults.DatabasePath,
			MaxConnections: dbDefaults.MaxConnections,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			Path:           "/message/",
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			BufferSize:     100,
			MaxMessageSize: 64 * 1024,
			AllowedOrigins: []string{"*"},
		},
		Relay: &RelayConfig{
			OracleTimeout:     2 * time.Second,
			SendTimeout:       5 * time.Second,
			FanoutConcurrency: 64,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks every section against its struct tags
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// DatabaseSettings converts the database section into pool settings
func (c *Config) DatabaseSettings() *database.Config {
	settings := database.DefaultConfig()
	settings.DatabasePath = c.Database.Path
	settings.MaxConnections = c.Database.MaxConnections
	return settings
}

// Addr is the listen address of the HTTP server
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}

// envOverrides lists every ROOMRELAY_* variable; nil fields were not set
type envOverrides struct {
	DatabasePath           *string `env:"ROOMRELAY_DATABASE_PATH"`
	DatabaseMaxConnections *int    `env:"ROOMRELAY_DATABASE_MAX_CONNECTIONS"`

	HTTPHost            *string        `env:"ROOMRELAY_HTTP_HOST"`
	HTTPPort            *int           `env:"ROOMRELAY_HTTP_PORT"`
	HTTPReadTimeout     *time.Duration `env:"ROOMRELAY_HTTP_READ_TIMEOUT"`
	HTTPWriteTimeout    *time.Duration `env:"ROOMRELAY_HTTP_WRITE_TIMEOUT"`
	HTTPShutdownTimeout *time.Duration `env:"ROOMRELAY_HTTP_SHUTDOWN_TIMEOUT"`

	WebSocketPath           *string        `env:"ROOMRELAY_WEBSOCKET_PATH"`
	WebSocketPingInterval   *time.Duration `env:"ROOMRELAY_WEBSOCKET_PING_INTERVAL"`
	WebSocketReadTimeout    *time.Duration `env:"ROOMRELAY_WEBSOCKET_READ_TIMEOUT"`
	WebSocketWriteTimeout   *time.Duration `env:"ROOMRELAY_WEBSOCKET_WRITE_TIMEOUT"`
	WebSocketBufferSize     *int           `env:"ROOMRELAY_WEBSOCKET_BUFFER_SIZE"`
	WebSocketMaxMessageSize *int64         `env:"ROOMRELAY_WEBSOCKET_MAX_MESSAGE_SIZE"`
	WebSocketAllowedOrigins *string        `env:"ROOMRELAY_WEBSOCKET_ALLOWED_ORIGINS"` // comma separated

	RelayOracleTimeout     *time.Duration `env:"ROOMRELAY_RELAY_ORACLE_TIMEOUT"`
	RelaySendTimeout       *time.Duration `env:"ROOMRELAY_RELAY_SEND_TIMEOUT"`
	RelayFanoutConcurrency *int           `env:"ROOMRELAY_RELAY_FANOUT_CONCURRENCY"`
	RelayRateLimit         *float64       `env:"ROOMRELAY_RELAY_RATE_LIMIT"`
	RelayRateBurst         *int           `env:"ROOMRELAY_RELAY_RATE_BURST"`

	LogLevel  *string `env:"ROOMRELAY_LOG_LEVEL"`
	LogFormat *string `env:"ROOMRELAY_LOG_FORMAT"`
}

// LoadFromEnv applies ROOMRELAY_* variables from the process environment to defaults
// FUNCTIONAL DISCOVERY: Environment variable configuration enables deployment flexibility
func LoadFromEnv() (*Config, error) {
	return LoadFromEnviron(os.Environ())
}

// LoadFromEnviron is LoadFromEnv over an explicit KEY=VALUE list
func LoadFromEnviron(environ []string) (*Config, error) {
	config := DefaultConfig()
	if err := applyEnviron(config, environ); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnviron(config *Config, environ []string) error {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	var o envOverrides
	if err := env.Unmarshal(es, &o); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	setIf(&config.Database.Path, o.DatabasePath)
	setIf(&config.Database.MaxConnections, o.DatabaseMaxConnections)

	setIf(&config.HTTP.Host, o.HTTPHost)
	setIf(&config.HTTP.Port, o.HTTPPort)
	setIf(&config.HTTP.ReadTimeout, o.HTTPReadTimeout)
	setIf(&config.HTTP.WriteTimeout, o.HTTPWriteTimeout)
	setIf(&config.HTTP.ShutdownTimeout, o.HTTPShutdownTimeout)

	setIf(&config.WebSocket.Path, o.WebSocketPath)
	setIf(&config.WebSocket.PingInterval, o.WebSocketPingInterval)
	setIf(&config.WebSocket.ReadTimeout, o.WebSocketReadTimeout)
	setIf(&config.WebSocket.WriteTimeout, o.WebSocketWriteTimeout)
	setIf(&config.WebSocket.BufferSize, o.WebSocketBufferSize)
	setIf(&config.WebSocket.MaxMessageSize, o.WebSocketMaxMessageSize)
	if o.WebSocketAllowedOrigins != nil {
		config.WebSocket.AllowedOrigins = splitList(*o.WebSocketAllowedOrigins)
	}

	setIf(&config.Relay.OracleTimeout, o.RelayOracleTimeout)
	setIf(&config.Relay.SendTimeout, o.RelaySendTimeout)
	setIf(&config.Relay.FanoutConcurrency, o.RelayFanoutConcurrency)
	setIf(&config.Relay.RateLimit, o.RelayRateLimit)
	setIf(&config.Relay.RateBurst, o.RelayRateBurst)

	setIf(&config.Log.Level, o.LogLevel)
	setIf(&config.Log.Format, o.LogFormat)
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// ConfigFile represents the on-disk configuration layout
// FUNCTIONAL DISCOVERY: Separate struct for file parsing to handle duration strings;
// pointer fields distinguish "absent" from an explicit zero
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database" yaml:"database"`
	HTTP      *HTTPConfigFile      `json:"http" yaml:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket" yaml:"websocket"`
	Relay     *RelayConfigFile     `json:"relay" yaml:"relay"`
	Log       *LogConfigFile       `json:"log" yaml:"log"`
}

type DatabaseConfigFile struct {
	Path           *string `json:"path" yaml:"path"`
	MaxConnections *int    `json:"max_connections" yaml:"max_connections"`
}

type HTTPConfigFile struct {
	Host            *string `json:"host" yaml:"host"`
	Port            *int    `json:"port" yaml:"port"`
	ReadTimeout     *string `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    *string `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout *string `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type WebSocketConfigFile struct {
	Path           *string  `json:"path" yaml:"path"`
	PingInterval   *string  `json:"ping_interval" yaml:"ping_interval"`
	ReadTimeout    *string  `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout   *string  `json:"write_timeout" yaml:"write_timeout"`
	BufferSize     *int     `json:"buffer_size" yaml:"buffer_size"`
	MaxMessageSize *int64   `json:"max_message_size" yaml:"max_message_size"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type RelayConfigFile struct {
	OracleTimeout     *string  `json:"oracle_timeout" yaml:"oracle_timeout"`
	SendTimeout       *string  `json:"send_timeout" yaml:"send_timeout"`
	FanoutConcurrency *int     `json:"fanout_concurrency" yaml:"fanout_concurrency"`
	RateLimit         *float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst         *int     `json:"rate_burst" yaml:"rate_burst"`
}

type LogConfigFile struct {
	Level  *string `json:"level" yaml:"level"`
	Format *string `json:"format" yaml:"format"`
}

// LoadFromFile reads a configuration file over the defaults and validates the result
// TECHNICAL DISCOVERY: .yaml/.yml files are parsed as YAML; anything else as JSON
// with comments and trailing commas allowed
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, path); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return config, nil
}

func applyFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var file ConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &file)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := file.apply(config); err != nil {
		return fmt.Errorf("invalid value in config file %s: %w", path, err)
	}
	return nil
}

func (f *ConfigFile) apply(config *Config) error {
	var errs durationErrors

	if d := f.Database; d != nil {
		setIf(&config.Database.Path, d.Path)
		setIf(&config.Database.MaxConnections, d.MaxConnections)
	}

	if h := f.HTTP; h != nil {
		setIf(&config.HTTP.Host, h.Host)
		setIf(&config.HTTP.Port, h.Port)
		errs.set(&config.HTTP.ReadTimeout, "http.read_timeout", h.ReadTimeout)
		errs.set(&config.HTTP.WriteTimeout, "http.write_timeout", h.WriteTimeout)
		errs.set(&config.HTTP.ShutdownTimeout, "http.shutdown_timeout", h.ShutdownTimeout)
	}

	if w := f.WebSocket; w != nil {
		setIf(&config.WebSocket.Path, w.Path)
		errs.set(&config.WebSocket.PingInterval, "websocket.ping_interval", w.PingInterval)
		errs.set(&config.WebSocket.ReadTimeout, "websocket.read_timeout", w.ReadTimeout)
		errs.set(&config.WebSocket.WriteTimeout, "websocket.write_timeout", w.WriteTimeout)
		setIf(&config.WebSocket.BufferSize, w.BufferSize)
		setIf(&config.WebSocket.MaxMessageSize, w.MaxMessageSize)
		if w.AllowedOrigins != nil {
			config.WebSocket.AllowedOrigins = w.AllowedOrigins
		}
	}

	if r := f.Relay; r != nil {
		errs.set(&config.Relay.OracleTimeout, "relay.oracle_timeout", r.OracleTimeout)
		errs.set(&config.Relay.SendTimeout, "relay.send_timeout", r.SendTimeout)
		setIf(&config.Relay.FanoutConcurrency, r.FanoutConcurrency)
		setIf(&config.Relay.RateLimit, r.RateLimit)
		setIf(&config.Relay.RateBurst, r.RateBurst)
	}

	if l := f.Log; l != nil {
		setIf(&config.Log.Level, l.Level)
		setIf(&config.Log.Format, l.Format)
	}

	return errs.err()
}

// durationErrors collects the first duration parse failure
type durationErrors struct {
	first error
}

func (e *durationErrors) set(dst *time.Duration, key string, raw *string) {
	if raw == nil || e.first != nil {
		return
	}
	d, err := time.ParseDuration(*raw)
	if err != nil {
		e.first = fmt.Errorf("%s: %w", key, err)
		return
	}
	*dst = d
}

func (e *durationErrors) err() error { return e.first }

// LoadConfigWithPrecedence builds the configuration as defaults < environment < file
// FUNCTIONAL DISCOVERY: Unlike a silent fallback, an unreadable or invalid file is an
// error so a typo in a deployment never starts the relay with unintended settings
func LoadConfigWithPrecedence(path string) (*Config, error) {
	return loadWithPrecedence(path, os.Environ())
}

func loadWithPrecedence(path string, environ []string) (*Config, error) {
	config, err := LoadFromEnviron(environ)
	if err != nil {
		return nil, err
	}

	if path != "" {
		if err := applyFile(config, path); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}
