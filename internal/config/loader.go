package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".botgw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// DefaultConfig returns a Config with all defaults applied.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ConfigDir)
	return &Config{
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Provider: ProviderConfig{
			Model: "gpt-4o-mini",
		},
		Sessions: SessionsConfig{
			Dir:           filepath.Join(base, "sessions"),
			HotWindow:     60 * time.Second,
			WarmWindow:    15 * time.Minute,
			Retention:     24 * time.Hour,
			SweepInterval: 60 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxTurns:           8,
			RequestTimeout:     120 * time.Second,
			MaxDelegationDepth: 1,
			DrainTimeout:       30 * time.Second,
			LongRunningAfter:   20 * time.Second,
		},
		Timeline: TimelineConfig{
			Path: filepath.Join(base, "timeline.db"),
		},
		Trace: TraceConfig{
			Topic: "botgw.traces",
		},
		Paths: PathsConfig{
			Workspace: filepath.Join(base, "workspace"),
			DocsDir:   filepath.Join(base, "docs"),
		},
	}
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("BOTGW_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// Load reads the config file, layers environment overrides on top, and
// applies defaults for anything left unset. A missing config file is not an
// error; the defaults plus environment are enough to run.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Process env vars from ~/.botgw/.env first, so they participate in the
	// envconfig overrides below. Absence is fine.
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ConfigDir, ".env"))
	}

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Override with environment variables for each group.
	envconfig.Process("BOTGW_GATEWAY", &cfg.Gateway)
	envconfig.Process("BOTGW", &cfg.Chat)
	envconfig.Process("BOTGW_PROVIDER", &cfg.Provider)
	envconfig.Process("BOTGW", &cfg.Sessions)
	envconfig.Process("BOTGW", &cfg.Pipeline)
	envconfig.Process("BOTGW", &cfg.Timeline)
	envconfig.Process("BOTGW", &cfg.Trace)
	envconfig.Process("BOTGW_PATHS", &cfg.Paths)

	applyFloor(cfg)
	return cfg, nil
}

// Save writes the config back to disk with restrictive permissions.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// applyFloor clamps nonsensical values back to defaults so a bad config
// cannot disable the bounds that keep requests finite.
func applyFloor(cfg *Config) {
	def := DefaultConfig()
	if cfg.Sessions.HotWindow <= 0 {
		cfg.Sessions.HotWindow = def.Sessions.HotWindow
	}
	if cfg.Sessions.WarmWindow <= cfg.Sessions.HotWindow {
		cfg.Sessions.WarmWindow = def.Sessions.WarmWindow
	}
	if cfg.Sessions.Retention <= cfg.Sessions.WarmWindow {
		cfg.Sessions.Retention = def.Sessions.Retention
	}
	if cfg.Sessions.SweepInterval <= 0 {
		cfg.Sessions.SweepInterval = def.Sessions.SweepInterval
	}
	if cfg.Pipeline.MaxTurns <= 0 {
		cfg.Pipeline.MaxTurns = def.Pipeline.MaxTurns
	}
	if cfg.Pipeline.RequestTimeout <= 0 {
		cfg.Pipeline.RequestTimeout = def.Pipeline.RequestTimeout
	}
	if cfg.Pipeline.MaxDelegationDepth < 0 {
		cfg.Pipeline.MaxDelegationDepth = def.Pipeline.MaxDelegationDepth
	}
	if cfg.Pipeline.DrainTimeout <= 0 {
		cfg.Pipeline.DrainTimeout = def.Pipeline.DrainTimeout
	}
	if cfg.Pipeline.LongRunningAfter <= 0 {
		cfg.Pipeline.LongRunningAfter = def.Pipeline.LongRunningAfter
	}
}
