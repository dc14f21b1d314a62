package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultLogLevel          = "info"
	DefaultFrameRate         = 30.0
	DefaultSpeedFactor       = 0.01
	DefaultSpeedUnit         = "m/s"
	DefaultBroadcastInterval = time.Second
	DefaultHTTPPort          = 8080
	DefaultGRPCPort          = 50051
	DefaultAuthHeader        = "x-api-key"
)

// Config is the top-level configuration.
type Config struct {
	// LogLevel is one of: debug | info | warn | error.
	LogLevel string `yaml:"log_level"`

	Ingest  IngestConfig  `yaml:"ingest"`
	Display DisplayConfig `yaml:"display"`
	Server  ServerConfig  `yaml:"server"`
	Archive ArchiveConfig `yaml:"archive"`
}

// IngestConfig controls how tracker output is read and interpreted.
type IngestConfig struct {
	// FrameRate is the capture rate in frames per second. It paces replay and
	// converts per-frame speeds when SpeedPerFrame is set.
	FrameRate float64 `yaml:"frame_rate"`

	// SpeedPerFrame marks tracker speed and rotation as per-frame values.
	SpeedPerFrame bool `yaml:"speed_per_frame"`

	// ReplayFile is a JSON-lines recording of tracker output to replay in
	// place of a camera. Empty means frames come from elsewhere.
	ReplayFile string `yaml:"replay_file"`

	// ReplayLoop restarts the recording when it ends.
	ReplayLoop bool `yaml:"replay_loop"`
}

// DisplayConfig holds presentation settings. These reload live.
type DisplayConfig struct {
	// SpeedFactor converts tracker speed units to SpeedUnit.
	SpeedFactor float64 `yaml:"speed_factor"`

	SpeedUnit string `yaml:"speed_unit"`

	// BroadcastInterval is how often connected clients get the current view
	// even when nothing changed.
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
}

// ServerConfig holds the network surfaces.
type ServerConfig struct {
	// HTTPPort serves the REST API, /metrics and the WebSocket hub.
	HTTPPort int `yaml:"http_port"`

	// GRPCPort serves the gRPC health service. 0 disables it.
	GRPCPort int `yaml:"grpc_port"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig configures API key authentication for both servers.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// Header is the HTTP header / gRPC metadata key carrying the key.
	Header string `yaml:"header"`

	// KeyEnv is the name of the environment variable holding the expected key.
	KeyEnv string `yaml:"key_env"`
}

// Key returns the API key resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// ArchiveConfig configures the session summary archive.
type ArchiveConfig struct {
	// Path is the SQLite database file. Empty disables archiving.
	Path string `yaml:"path"`
}

// Level returns LogLevel as a slog.Level.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config pre-populated with default values.
func Default() *Config {
	return &Config{
		LogLevel: DefaultLogLevel,
		Ingest: IngestConfig{
			FrameRate: DefaultFrameRate,
		},
		Display: DisplayConfig{
			SpeedFactor:       DefaultSpeedFactor,
			SpeedUnit:         DefaultSpeedUnit,
			BroadcastInterval: DefaultBroadcastInterval,
		},
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			GRPCPort: DefaultGRPCPort,
			Auth: AuthConfig{
				Mode:   "none",
				Header: DefaultAuthHeader,
			},
		},
	}
}

// validate checks ranges and enums.
func validate(cfg *Config) error {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", cfg.LogLevel)
	}
	if cfg.Ingest.FrameRate <= 0 {
		return fmt.Errorf("ingest.frame_rate must be positive")
	}
	if cfg.Display.SpeedFactor <= 0 {
		return fmt.Errorf("display.speed_factor must be positive")
	}
	if cfg.Display.SpeedUnit == "" {
		return fmt.Errorf("display.speed_unit is required")
	}
	if cfg.Display.BroadcastInterval <= 0 {
		return fmt.Errorf("display.broadcast_interval must be positive")
	}
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort < 0 || cfg.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d out of range", cfg.Server.GRPCPort)
	}
	if cfg.Server.GRPCPort == cfg.Server.HTTPPort {
		return fmt.Errorf("server.grpc_port and server.http_port must differ")
	}
	switch cfg.Server.Auth.Mode {
	case "none", "":
	case "apikey":
		if cfg.Server.Auth.KeyEnv == "" {
			return fmt.Errorf("server.auth.key_env is required for mode apikey")
		}
		if cfg.Server.Auth.Header == "" {
			return fmt.Errorf("server.auth.header is required for mode apikey")
		}
	default:
		return fmt.Errorf("server.auth: unknown mode %q", cfg.Server.Auth.Mode)
	}
	return nil
}
