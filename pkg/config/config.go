package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/cocoon/pkg/proxy"
	"github.com/cuemby/cocoon/pkg/types"
	"gopkg.in/yaml.v3"
)

// Environment variables read by ApplyEnv
const (
	EnvSignalingURL = "SIGNALING_SERVER_URL"
	EnvSecret       = "COCOON_SECRET"
	EnvSetupToken   = "COCOON_SETUP_TOKEN"
	EnvName         = "COCOON_NAME"
	EnvServices     = "COCOON_SERVICES"
	EnvDataDir      = "COCOON_DATA_DIR"
	EnvLogLevel     = "COCOON_LOG_LEVEL"
	EnvHealthAddr   = "COCOON_HEALTH_ADDR"
)

const (
	DefaultSignalingURL = "ws://localhost:8080/ws"
	DefaultDataDir      = "/cocoon"

	secretFile   = ".secret"
	deviceIDFile = ".device_id"
	outputDir    = "output"
	responseFile = "response.json"
	storeFile    = "tasks.db"
)

// Config is the complete worker configuration
type Config struct {
	SignalingURL string                  `yaml:"signaling_url"`
	DataDir      string                  `yaml:"data_dir"`
	OutputDir    string                  `yaml:"output_dir"`
	Name         string                  `yaml:"name"`
	SetupToken   string                  `yaml:"setup_token"`
	HealthAddr   string                  `yaml:"health_addr"`
	Services     []types.ServiceEndpoint `yaml:"services"`

	Log       LogConfig       `yaml:"log"`
	Transport TransportConfig `yaml:"transport"`
	PTY       PTYConfig       `yaml:"pty"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	Query     QueryConfig     `yaml:"query"`

	// Secret is only ever taken from the environment
	Secret string `yaml:"-"`
}

// LogConfig configures the global logger
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// TransportConfig configures the signaling connection
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	StableAfter      time.Duration `yaml:"stable_after"`
	SendBuffer       int           `yaml:"send_buffer"`
}

// PTYConfig configures interactive sessions
type PTYConfig struct {
	Shell        string        `yaml:"shell"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	OutputBuffer int           `yaml:"output_buffer"`
	InputBuffer  int           `yaml:"input_buffer"`
}

// ProxyConfig configures the HTTP relay
type ProxyConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// QueryConfig configures the local query engine
type QueryConfig struct {
	StorePath string `yaml:"store_path"`
	PageSize  int    `yaml:"page_size"`
	Disabled  bool   `yaml:"disabled"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		SignalingURL: DefaultSignalingURL,
		DataDir:      DefaultDataDir,
		Log: LogConfig{
			Level: "info",
		},
		Transport: TransportConfig{
			HandshakeTimeout: 15 * time.Second,
			PingInterval:     30 * time.Second,
			InitialBackoff:   time.Second,
			MaxBackoff:       30 * time.Second,
			StableAfter:      30 * time.Second,
			SendBuffer:       256,
		},
		PTY: PTYConfig{
			Shell:        "/bin/sh",
			GracePeriod:  5 * time.Second,
			OutputBuffer: 64,
			InputBuffer:  64,
		},
		Proxy: ProxyConfig{
			Timeout: 30 * time.Second,
		},
		Query: QueryConfig{
			PageSize: 50,
		},
	}
}

// Load builds a configuration from defaults, the optional YAML file at path
// and the process environment, in that order of precedence
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	set(EnvSignalingURL, &c.SignalingURL)
	set(EnvSecret, &c.Secret)
	set(EnvSetupToken, &c.SetupToken)
	set(EnvName, &c.Name)
	set(EnvDataDir, &c.DataDir)
	set(EnvLogLevel, &c.Log.Level)
	set(EnvHealthAddr, &c.HealthAddr)

	if v, ok := lookup(EnvServices); ok && v != "" {
		services, err := proxy.ParseServices(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvServices, err)
		}
		c.Services = append(c.Services, services...)
	}
	return nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	u, err := url.Parse(c.SignalingURL)
	if err != nil {
		return fmt.Errorf("invalid signaling url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("signaling url must use ws or wss, got %q", u.Scheme)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data dir is required")
	}

	durations := map[string]time.Duration{
		"transport.handshake_timeout": c.Transport.HandshakeTimeout,
		"transport.ping_interval":     c.Transport.PingInterval,
		"transport.initial_backoff":   c.Transport.InitialBackoff,
		"transport.max_backoff":       c.Transport.MaxBackoff,
		"pty.grace_period":            c.PTY.GracePeriod,
		"proxy.timeout":               c.Proxy.Timeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Transport.MaxBackoff < c.Transport.InitialBackoff {
		return fmt.Errorf("transport.max_backoff must be at least transport.initial_backoff")
	}
	if c.PTY.OutputBuffer <= 0 || c.PTY.InputBuffer <= 0 || c.Transport.SendBuffer <= 0 {
		return fmt.Errorf("buffer sizes must be positive")
	}

	seen := make(map[string]bool)
	for _, svc := range c.Services {
		if svc.Name == "" || svc.Port <= 0 || svc.Port > 65535 {
			return fmt.Errorf("invalid service %q", svc.Name)
		}
		if seen[svc.Name] {
			return fmt.Errorf("duplicate service %q", svc.Name)
		}
		seen[svc.Name] = true
	}
	return nil
}

// SecretPath is where the generated secret is persisted
func (c *Config) SecretPath() string {
	return filepath.Join(c.DataDir, secretFile)
}

// DeviceIDPath is where the device id is persisted
func (c *Config) DeviceIDPath() string {
	return filepath.Join(c.DataDir, deviceIDFile)
}

// ArtifactDir is scanned for command artifacts after each execution
func (c *Config) ArtifactDir() string {
	if c.OutputDir != "" {
		return c.OutputDir
	}
	return filepath.Join(c.DataDir, outputDir)
}

// ResponsePath is excluded from artifact collection
func (c *Config) ResponsePath() string {
	return filepath.Join(c.ArtifactDir(), responseFile)
}

// StorePath is the query store database file
func (c *Config) StorePath() string {
	if c.Query.StorePath != "" {
		return c.Query.StorePath
	}
	return filepath.Join(c.DataDir, storeFile)
}
