// Package config loads the switch runtime's configuration from a YAML
// file, then layers environment-variable overrides on top (load file ->
// defaults -> env overrides -> validate). fsnotify, wired in here,
// drives hot-reload of the static-entries file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"

	"github.com/matchtable/switchcore/internal/apperr"
)

// TableConfig describes one match table to stand up at startup.
type TableConfig struct {
	Name       string `yaml:"name"`
	TableType  string `yaml:"table_type"` // "direct", "indirect", "indirect_ws"
	MatchType  string `yaml:"match_type"` // "exact", "lpm", "ternary", "range"
	Size       uint32 `yaml:"size"`
	MissNode   string `yaml:"miss_node"`
	AgeingMS   uint32 `yaml:"ageing_ms"`
	CountersOn bool   `yaml:"counters_enabled"`
	MetersOn   bool   `yaml:"meters_enabled"`
}

// ServerConfig configures the control-plane HTTP API.
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// AuditConfig configures the Kafka publisher for control-plane mutations.
type AuditConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled        bool    `yaml:"enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleRatio    float64 `yaml:"sample_ratio"`
	ServiceName    string  `yaml:"service_name"`
}

// CheckpointConfig configures periodic snapshotting.
type CheckpointConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Interval time.Duration `yaml:"interval"`
}

// StaticEntriesConfig names a YAML file of pre-provisioned entries that
// is hot-reloaded via fsnotify whenever it changes on disk.
type StaticEntriesConfig struct {
	Path string `yaml:"path"`
}

// Config is the root configuration object.
type Config struct {
	Tables        []TableConfig       `yaml:"tables"`
	Server        ServerConfig        `yaml:"server"`
	Audit         AuditConfig         `yaml:"audit"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	StaticEntries StaticEntriesConfig `yaml:"static_entries"`
	MetricsAddr   string              `yaml:"metrics_addr"`
	AgeingSweepMS uint32              `yaml:"ageing_sweep_ms"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // "text" or "json"
}

// Load reads configFile (if non-empty), applies defaults, then applies
// environment overrides, and validates the result.
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, apperr.NewCritical(apperr.CodeConfigNotFound, "config", "load", "reading "+configFile).Wrap(err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, apperr.NewCritical(apperr.CodeConfigInvalid, "config", "load", "parsing "+configFile).Wrap(err)
		}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, apperr.NewCritical(apperr.CodeConfigInvalid, "config", "validate", "validation failed").Wrap(err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9100"
	}
	if cfg.AgeingSweepMS == 0 {
		cfg.AgeingSweepMS = 1000
	}
	if cfg.Audit.Topic == "" {
		cfg.Audit.Topic = "switchcore.control-plane"
	}
	if cfg.Checkpoint.Dir == "" {
		cfg.Checkpoint.Dir = "./checkpoints"
	}
	if cfg.Checkpoint.Interval == 0 {
		cfg.Checkpoint.Interval = 30 * time.Second
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "switchcore"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 0.1
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.Host = getEnvString("SWITCHCORE_SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SWITCHCORE_SERVER_PORT", cfg.Server.Port)
	cfg.Server.Enabled = getEnvBool("SWITCHCORE_SERVER_ENABLED", cfg.Server.Enabled)
	cfg.MetricsAddr = getEnvString("SWITCHCORE_METRICS_ADDR", cfg.MetricsAddr)
	cfg.AgeingSweepMS = uint32(getEnvInt("SWITCHCORE_AGEING_SWEEP_MS", int(cfg.AgeingSweepMS)))
	cfg.Audit.Enabled = getEnvBool("SWITCHCORE_AUDIT_ENABLED", cfg.Audit.Enabled)
	cfg.Audit.Brokers = getEnvStringSlice("SWITCHCORE_AUDIT_BROKERS", cfg.Audit.Brokers)
	cfg.Tracing.Enabled = getEnvBool("SWITCHCORE_TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.OTLPEndpoint = getEnvString("SWITCHCORE_TRACING_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.StaticEntries.Path = getEnvString("SWITCHCORE_STATIC_ENTRIES", cfg.StaticEntries.Path)
	cfg.LogLevel = getEnvString("SWITCHCORE_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvString("SWITCHCORE_LOG_FORMAT", cfg.LogFormat)
}

// Validate performs basic structural checks before the runtime starts
// building tables from cfg.
func Validate(cfg *Config) error {
	seen := make(map[string]bool)
	for _, t := range cfg.Tables {
		if t.Name == "" {
			return fmt.Errorf("config: table entry with empty name")
		}
		if seen[t.Name] {
			return fmt.Errorf("config: duplicate table name %q", t.Name)
		}
		seen[t.Name] = true
		switch t.TableType {
		case "direct", "indirect", "indirect_ws":
		default:
			return fmt.Errorf("config: table %q: unknown table_type %q", t.Name, t.TableType)
		}
		switch t.MatchType {
		case "exact", "lpm", "ternary", "range":
		default:
			return fmt.Errorf("config: table %q: unknown match_type %q", t.Name, t.MatchType)
		}
		if t.Size == 0 {
			return fmt.Errorf("config: table %q: size must be > 0", t.Name)
		}
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("config: invalid server port %d", cfg.Server.Port)
	}
	return nil
}

// WatchStaticEntries calls onChange every time the static entries file
// is written. The watch exits when stop is closed.
func WatchStaticEntries(path string, stop <-chan struct{}, onChange func()) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return apperr.New(apperr.CodeConfigWatchFailed, "config", "watch_static_entries", "creating fsnotify watcher").Wrap(err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return apperr.New(apperr.CodeConfigWatchFailed, "config", "watch_static_entries", "watching "+path).Wrap(err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					onChange()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return nil
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		return strings.Split(v, ",")
	}
	return def
}
