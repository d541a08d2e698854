// Package config loads the jarvis server configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/jarvis/bus"
	"github.com/petal-labs/jarvis/llmprovider"
	"github.com/petal-labs/jarvis/stream"
)

const (
	projectConfigName = "jarvis.yaml"
	homeConfigName    = "config.yaml"
	envPrefix         = "JARVIS_"
)

// Config is the full server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Events    EventsConfig    `yaml:"events"`
	Streams   StreamsConfig   `yaml:"streams"`
	Provider  ProviderConfig  `yaml:"provider"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CORSOrigin      string        `yaml:"cors_origin,omitempty"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes,omitempty"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// EventsConfig bounds the in-memory event windows.
type EventsConfig struct {
	BacklogSize int `yaml:"backlog_size"`
	StoreSize   int `yaml:"store_size"`
}

// StreamsConfig configures stream admission and cleanup.
type StreamsConfig struct {
	GracePeriod   time.Duration `yaml:"grace_period"`
	TurnTimeout   time.Duration `yaml:"turn_timeout,omitempty"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepSchedule string        `yaml:"sweep_schedule"`
}

// ProviderConfig selects the text generator.
type ProviderConfig struct {
	Name      string        `yaml:"name"`
	APIKey    string        `yaml:"api_key,omitempty"`
	Model     string        `yaml:"model,omitempty"`
	ChunkSize int           `yaml:"chunk_size,omitempty"`
	Delay     time.Duration `yaml:"delay,omitempty"`
}

// ArchiveConfig enables the SQLite diagnostic archive when Path is set.
type ArchiveConfig struct {
	Path           string        `yaml:"path,omitempty"`
	RetentionAge   time.Duration `yaml:"retention_age,omitempty"`
	RetentionCount int           `yaml:"retention_count,omitempty"`
	PruneInterval  time.Duration `yaml:"prune_interval,omitempty"`
}

// TelemetryConfig enables OTLP trace export when OTLPEndpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
}

// LogConfig configures the default slog logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			CORSOrigin:      "*",
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Events: EventsConfig{
			BacklogSize: bus.DefaultWindowSize,
			StoreSize:   bus.DefaultWindowSize,
		},
		Streams: StreamsConfig{
			GracePeriod:   stream.DefaultGracePeriod,
			IdleTimeout:   stream.DefaultIdleTimeout,
			SweepSchedule: stream.DefaultSweepSchedule,
		},
		Provider: ProviderConfig{
			Name:      llmprovider.EchoProvider,
			ChunkSize: llmprovider.DefaultChunkSize,
		},
		Telemetry: TelemetryConfig{ServiceName: "jarvis"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// DiscoverPath resolves the config location with first-match semantics.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".jarvis", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load reads the YAML file at path over the defaults. An empty path yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.Provider.APIKey = os.ExpandEnv(cfg.Provider.APIKey)
	cfg.Archive.Path = resolveConfigRelative(filepath.Dir(path), os.ExpandEnv(cfg.Archive.Path))
	return cfg, nil
}

// Resolve discovers, loads and applies environment overrides. It returns the
// path that was loaded, or "" when running on defaults.
func Resolve(explicitPath string) (Config, string, error) {
	path, _, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := Load(path)
	if err != nil {
		return Config{}, "", err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, "", err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

// ApplyEnv overrides fields from JARVIS_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	dur := func(name string, dst *time.Duration) error {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
		}
		*dst = d
		return nil
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(envPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", envPrefix, name, err)
		}
		*dst = n
		return nil
	}

	str("ADDR", &c.Server.Addr)
	str("CORS_ORIGIN", &c.Server.CORSOrigin)
	str("PROVIDER", &c.Provider.Name)
	str("API_KEY", &c.Provider.APIKey)
	str("MODEL", &c.Provider.Model)
	str("SWEEP_SCHEDULE", &c.Streams.SweepSchedule)
	str("ARCHIVE_PATH", &c.Archive.Path)
	str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(
		dur("GRACE_PERIOD", &c.Streams.GracePeriod),
		dur("TURN_TIMEOUT", &c.Streams.TurnTimeout),
		dur("IDLE_TIMEOUT", &c.Streams.IdleTimeout),
		num("BACKLOG_SIZE", &c.Events.BacklogSize),
		num("STORE_SIZE", &c.Events.StoreSize),
	)
}

// Validate checks field ranges.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("config: server.addr is required"))
	}
	if c.Events.BacklogSize <= 0 {
		errs = append(errs, fmt.Errorf("config: events.backlog_size must be positive, got %d", c.Events.BacklogSize))
	}
	if c.Events.StoreSize <= 0 {
		errs = append(errs, fmt.Errorf("config: events.store_size must be positive, got %d", c.Events.StoreSize))
	}
	if c.Streams.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("config: streams.grace_period must be positive, got %s", c.Streams.GracePeriod))
	}
	if c.Streams.TurnTimeout < 0 {
		errs = append(errs, fmt.Errorf("config: streams.turn_timeout must not be negative, got %s", c.Streams.TurnTimeout))
	}
	if c.Streams.IdleTimeout > 0 {
		if _, err := stream.ParseSchedule(c.Streams.SweepSchedule); err != nil {
			errs = append(errs, fmt.Errorf("config: streams.sweep_schedule: %w", err))
		}
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("config: log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// GeneratorConfig converts the provider section.
func (c Config) GeneratorConfig() llmprovider.Config {
	return llmprovider.Config{
		Provider:  c.Provider.Name,
		APIKey:    c.Provider.APIKey,
		Model:     c.Provider.Model,
		ChunkSize: c.Provider.ChunkSize,
		Delay:     c.Provider.Delay,
	}
}

func resolveConfigRelative(baseDir, p string) string {
	if p == "" {
		return ""
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
