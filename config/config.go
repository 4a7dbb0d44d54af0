// Package config centralises runtime configuration helpers for strikewatch.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where strikewatch operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// FeedSettings configures the external market-data session.
type FeedSettings struct {
	Provider     string        `yaml:"provider"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	TickInterval time.Duration `yaml:"tickInterval"`
}

// MuxSettings tunes the subscription multiplexer flush path.
type MuxSettings struct {
	FlushWorkers int     `yaml:"flushWorkers"`
	FlushQueue   int     `yaml:"flushQueue"`
	ControlRate  float64 `yaml:"controlRate"`
	ControlBurst int     `yaml:"controlBurst"`
}

// DebounceSettings controls change-notification coalescing.
type DebounceSettings struct {
	Window time.Duration `yaml:"window"`
}

// SyncSettings configures the remote synchronization client.
type SyncSettings struct {
	URL              string        `yaml:"url"`
	InitialReconnect time.Duration `yaml:"initialReconnect"`
	MaxReconnect     time.Duration `yaml:"maxReconnect"`
}

// BusSettings sets event bus buffer sizing.
type BusSettings struct {
	BufferSize int `yaml:"bufferSize"`
}

// TelemetrySettings configures OTLP metric export.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the strikewatch configuration tree loaded from defaults and overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Feed        FeedSettings      `yaml:"feed"`
	Mux         MuxSettings       `yaml:"mux"`
	Debounce    DebounceSettings  `yaml:"debounce"`
	Sync        SyncSettings      `yaml:"sync"`
	Bus         BusSettings       `yaml:"bus"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
}

// Default returns the default strikewatch configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Feed: FeedSettings{
			Provider:     "fake",
			Host:         "localhost",
			Port:         8194,
			TickInterval: time.Second,
		},
		Mux: MuxSettings{
			FlushWorkers: 1,
			FlushQueue:   64,
			ControlRate:  4,
			ControlBurst: 1,
		},
		Debounce: DebounceSettings{
			Window: 2 * time.Second,
		},
		Sync: SyncSettings{
			URL:              "",
			InitialReconnect: time.Second,
			MaxReconnect:     30 * time.Second,
		},
		Bus: BusSettings{
			BufferSize: 64,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "strikewatch",
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("STRIKEWATCH_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("STRIKEWATCH_FEED_PROVIDER")); v != "" {
		cfg.Feed.Provider = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("STRIKEWATCH_FEED_HOST")); v != "" {
		cfg.Feed.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("STRIKEWATCH_FEED_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Feed.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("STRIKEWATCH_DEBOUNCE_WINDOW")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil && dur > 0 {
			cfg.Debounce.Window = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("STRIKEWATCH_SYNC_URL")); v != "" {
		cfg.Sync.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("STRIKEWATCH_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// UnmarshalYAML parses feed settings, accepting Go duration strings for the
// tick interval.
func (f *FeedSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Provider     string `yaml:"provider"`
		Host         string `yaml:"host"`
		Port         int    `yaml:"port"`
		TickInterval string `yaml:"tickInterval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Provider != "" {
		f.Provider = strings.ToLower(raw.Provider)
	}
	if raw.Host != "" {
		f.Host = raw.Host
	}
	if raw.Port > 0 {
		f.Port = raw.Port
	}
	return applyDuration(&f.TickInterval, raw.TickInterval, "feed.tickInterval")
}

// UnmarshalYAML parses the debounce window from a Go duration string.
func (d *DebounceSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Window string `yaml:"window"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	return applyDuration(&d.Window, raw.Window, "debounce.window")
}

// UnmarshalYAML parses sync settings, accepting Go duration strings for the
// reconnect intervals.
func (s *SyncSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		URL              string `yaml:"url"`
		InitialReconnect string `yaml:"initialReconnect"`
		MaxReconnect     string `yaml:"maxReconnect"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.URL != "" {
		s.URL = raw.URL
	}
	if err := applyDuration(&s.InitialReconnect, raw.InitialReconnect, "sync.initialReconnect"); err != nil {
		return err
	}
	return applyDuration(&s.MaxReconnect, raw.MaxReconnect, "sync.maxReconnect")
}

func applyDuration(dst *time.Duration, raw, field string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = dur
	return nil
}

// Load reads a YAML settings file and applies it on top of the defaults.
// A missing file is not an error; the second return reports whether a file was read.
func Load(path string) (Settings, bool, error) {
	cfg := FromEnv()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg.normalize(), false, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg.normalize(), false, nil
		}
		return Settings{}, false, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Settings{}, false, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg.normalize(), true, nil
}

func (s Settings) normalize() Settings {
	if s.Mux.FlushWorkers <= 0 {
		s.Mux.FlushWorkers = 1
	}
	if s.Mux.FlushQueue <= 0 {
		s.Mux.FlushQueue = 64
	}
	if s.Mux.ControlRate <= 0 {
		s.Mux.ControlRate = 4
	}
	if s.Mux.ControlBurst <= 0 {
		s.Mux.ControlBurst = 1
	}
	if s.Debounce.Window <= 0 {
		s.Debounce.Window = 2 * time.Second
	}
	if s.Bus.BufferSize <= 0 {
		s.Bus.BufferSize = 64
	}
	if s.Feed.TickInterval <= 0 {
		s.Feed.TickInterval = time.Second
	}
	if s.Sync.InitialReconnect <= 0 {
		s.Sync.InitialReconnect = time.Second
	}
	if s.Sync.MaxReconnect < s.Sync.InitialReconnect {
		s.Sync.MaxReconnect = 30 * time.Second
	}
	return s
}
