package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/apprapid/missionctl/internal/otel"
)

// BridgeConfig holds the CRM sync bridge settings. URL and ServiceKey come
// from config.yaml or the BRIDGE_CRM_URL / BRIDGE_CRM_SERVICE_KEY env vars;
// env wins. A key beginning with "<" is a template placeholder and counts
// as unset.
type BridgeConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`

	// AgencyID is stamped on every record pushed to the CRM.
	AgencyID string `yaml:"agency_id"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	DedupWindowSeconds  int `yaml:"dedup_window_seconds"`
	PullBatchSize       int `yaml:"pull_batch_size"`

	// ReconcileSchedule is an optional 5-field cron expression for full
	// reconcile sweeps that ignore the poll watermark. Empty disables sweeps.
	ReconcileSchedule string `yaml:"reconcile_schedule"`

	// PushQueueSize bounds the outbound push queue; PushWorkers drains it.
	PushQueueSize int `yaml:"push_queue_size"`
	PushWorkers   int `yaml:"push_workers"`
}

// Configured reports whether the bridge has usable remote credentials.
func (b BridgeConfig) Configured() bool {
	return b.URL != "" && b.ServiceKey != "" && !strings.HasPrefix(b.ServiceKey, "<")
}

type HTTPConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	AuthToken string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers the CORS middleware and the
	// WebSocket stream accept. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	HTTP     HTTPConfig `yaml:"http"`
	DBPath   string     `yaml:"db_path"`
	LogLevel string     `yaml:"log_level"`

	Bridge BridgeConfig `yaml:"bridge"`
	OTel   otel.Config  `yaml:"otel"`
}

// HomeDir returns the data directory, honoring MISSIONCTL_HOME.
func HomeDir() string {
	if dir := os.Getenv("MISSIONCTL_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".missionctl")
}

func defaultConfig() Config {
	return Config{
		HTTP:     HTTPConfig{BindAddr: "127.0.0.1:8790"},
		LogLevel: "info",
		Bridge: BridgeConfig{
			AgencyID:            "apprapid",
			PollIntervalSeconds: 30,
			DedupWindowSeconds:  30,
			PullBatchSize:       50,
			PushQueueSize:       64,
			PushWorkers:         2,
		},
	}
}

// Load reads config.yaml from the home dir, applies env overrides and
// defaults. A missing config file is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create missionctl home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// LoadFile reads a specific config path instead of the home dir.
// Used by the -config flag and tests.
func LoadFile(path string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BRIDGE_CRM_URL"); v != "" {
		cfg.Bridge.URL = v
	}
	if v := os.Getenv("BRIDGE_CRM_SERVICE_KEY"); v != "" {
		cfg.Bridge.ServiceKey = v
	}
	if v := os.Getenv("MISSIONCTL_AUTH_TOKEN"); v != "" {
		cfg.HTTP.AuthToken = v
	}
}

func normalize(cfg *Config) {
	if cfg.HTTP.BindAddr == "" {
		cfg.HTTP.BindAddr = "127.0.0.1:8790"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "missionctl.db")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Bridge.AgencyID == "" {
		cfg.Bridge.AgencyID = "apprapid"
	}
	if cfg.Bridge.PollIntervalSeconds <= 0 {
		cfg.Bridge.PollIntervalSeconds = 30
	}
	if cfg.Bridge.DedupWindowSeconds <= 0 {
		cfg.Bridge.DedupWindowSeconds = 30
	}
	if cfg.Bridge.PullBatchSize <= 0 || cfg.Bridge.PullBatchSize > 200 {
		cfg.Bridge.PullBatchSize = 50
	}
	if cfg.Bridge.PushQueueSize <= 0 {
		cfg.Bridge.PushQueueSize = 64
	}
	if cfg.Bridge.PushWorkers <= 0 {
		cfg.Bridge.PushWorkers = 2
	}
	cfg.Bridge.URL = strings.TrimRight(cfg.Bridge.URL, "/")
}
