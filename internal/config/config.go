// Package config loads and validates relay configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Relay modes accepted by relay.mode.
const (
	ModeStream = "stream"
	ModeProxy  = "proxy"
)

// Storage backends accepted by storage.backend.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Home      HomeConfig      `mapstructure:"home"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
	// RequestTimeoutSeconds bounds every non-streaming request.
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CORSConfig lists the browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// RelayConfig selects how fetches are served.
type RelayConfig struct {
	Mode             string `mapstructure:"mode"`
	KeepaliveSeconds int    `mapstructure:"keepalive_seconds"`
}

// PipelineConfig describes the local job-search pipeline process.
//
// The pipeline is not part of this module. It is any executable that writes
// one JSON record per line to stdout: node_start and node_end records as each
// stage runs, then a single complete record carrying the fetch result. The
// defaults run the Python package radar.stream from a python/ checkout next
// to the relay's working directory; point Command, Args and Dir elsewhere
// when the pipeline lives somewhere else. A missing command or directory
// fails the fetch with a spawn error naming both. Dir is resolved against
// the relay's working directory.
type PipelineConfig struct {
	Command        string   `mapstructure:"command"`
	Args           []string `mapstructure:"args"`
	Dir            string   `mapstructure:"dir"`
	Env            []string `mapstructure:"env"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	KillGraceMs    int      `mapstructure:"kill_grace_ms"`
	MaxLineBytes   int      `mapstructure:"max_line_bytes"`
}

// ProxyConfig points at a deployment serving the non-streaming endpoint.
type ProxyConfig struct {
	UpstreamURL    string `mapstructure:"upstream_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// RateLimitConfig bounds fetch starts per client host.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// ProgressConfig controls the progress hub and its sinks.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	LogEnabled     bool `mapstructure:"log_enabled"`
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	Batch          int  `mapstructure:"batch"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
}

// StorageConfig selects where successful results are archived.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem backend.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the session history database. An empty DSN keeps
// history in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds metadata for completion notifications. An empty
// project disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	Enabled     bool   `mapstructure:"enabled"`
}

// HomeConfig is the location commutes are measured from.
type HomeConfig struct {
	Lat             float64 `mapstructure:"lat"`
	Lng             float64 `mapstructure:"lng"`
	Zip             string  `mapstructure:"zip"`
	City            string  `mapstructure:"city"`
	MaxCommuteMiles float64 `mapstructure:"max_commute_miles"`
}

// Load builds a Config from disk and environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if port := os.Getenv("PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT %q: %w", port, err)
		}
		cfg.Server.Port = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 90)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("cors.allowed_origins", []string{"*"})
	v.SetDefault("relay.mode", ModeStream)
	v.SetDefault("relay.keepalive_seconds", 15)
	// python/radar/stream.py, run as a module from python/.
	v.SetDefault("pipeline.command", "python3")
	v.SetDefault("pipeline.args", []string{"-m", "radar.stream"})
	v.SetDefault("pipeline.dir", "python")
	v.SetDefault("pipeline.timeout_seconds", 60)
	v.SetDefault("pipeline.kill_grace_ms", 5000)
	v.SetDefault("pipeline.max_line_bytes", 32<<20)
	v.SetDefault("pipeline.env", []string{})
	v.SetDefault("proxy.upstream_url", "")
	v.SetDefault("proxy.timeout_seconds", 60)
	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.rps", 0.2)
	v.SetDefault("rate_limit.burst", 3)
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.metrics_enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch", 100)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "results")
	v.SetDefault("storage.local.base_dir", "data/results")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "job-fetch-complete")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.service_name", "bay-area-radar")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("home.lat", 37.2358)
	v.SetDefault("home.lng", -121.8606)
	v.SetDefault("home.zip", "95118")
	v.SetDefault("home.city", "Almaden, San Jose")
	v.SetDefault("home.max_commute_miles", 25)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("server.request_timeout_seconds must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	switch c.Relay.Mode {
	case ModeStream:
		if strings.TrimSpace(c.Pipeline.Command) == "" {
			errs = append(errs, errors.New("pipeline.command is required in stream mode"))
		}
		if c.Pipeline.TimeoutSeconds <= 0 {
			errs = append(errs, errors.New("pipeline.timeout_seconds must be > 0"))
		}
		// A run that hits its ceiling must still report before the HTTP
		// timeout cuts the response off.
		if c.Server.RequestTimeoutSeconds > 0 && c.RequestTimeout() <= c.PipelineTimeout()+c.KillGrace() {
			errs = append(errs, errors.New("server.request_timeout_seconds must exceed pipeline.timeout_seconds plus pipeline.kill_grace_ms"))
		}
	case ModeProxy:
		if strings.TrimSpace(c.Proxy.UpstreamURL) == "" {
			errs = append(errs, errors.New("proxy.upstream_url is required in proxy mode"))
		}
		if c.Server.RequestTimeoutSeconds > 0 && c.RequestTimeout() <= c.ProxyTimeout() {
			errs = append(errs, errors.New("server.request_timeout_seconds must exceed proxy.timeout_seconds"))
		}
	default:
		errs = append(errs, fmt.Errorf("relay.mode must be %q or %q, got %q", ModeStream, ModeProxy, c.Relay.Mode))
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		errs = append(errs, errors.New("rate_limit.rps must be > 0 when rate limiting is enabled"))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			errs = append(errs, errors.New("storage.local.base_dir is required for the local backend"))
		}
	case BackendGCS:
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			errs = append(errs, errors.New("storage.bucket is required for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		errs = append(errs, errors.New("pubsub.topic_name must be set when pubsub.project_id is"))
	}
	if c.Home.MaxCommuteMiles < 0 {
		errs = append(errs, errors.New("home.max_commute_miles must be >= 0"))
	}
	return errors.Join(errs...)
}

// PipelineTimeout is the hard ceiling for one pipeline run.
func (c Config) PipelineTimeout() time.Duration {
	return time.Duration(c.Pipeline.TimeoutSeconds) * time.Second
}

// KillGrace is how long a signalled pipeline may take to exit.
func (c Config) KillGrace() time.Duration {
	return time.Duration(c.Pipeline.KillGraceMs) * time.Millisecond
}

// ProxyTimeout bounds one upstream request.
func (c Config) ProxyTimeout() time.Duration {
	return time.Duration(c.Proxy.TimeoutSeconds) * time.Second
}

// Keepalive is the interval between SSE comment frames. Zero disables them.
func (c Config) Keepalive() time.Duration {
	return time.Duration(c.Relay.KeepaliveSeconds) * time.Second
}

// RequestTimeout bounds non-streaming requests.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// SinkTimeout bounds one progress sink call.
func (c Config) SinkTimeout() time.Duration {
	return time.Duration(c.Progress.SinkTimeoutMs) * time.Millisecond
}
