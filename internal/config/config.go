// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Config struct {
	Engine struct {
		TickIntervalMs     int `json:"tick_interval_ms"`
		IncrementalQuietMs int `json:"incremental_quiet_ms"`
		RebuildQuietMs     int `json:"rebuild_quiet_ms"`
		HighChurnCount     int `json:"high_churn_count"`
		SelfModWindowMs    int `json:"self_mod_window_ms"`
	} `json:"engine"`

	Snapshot struct {
		Path string `json:"path"`
	} `json:"snapshot"`

	HgBinary string `json:"hg_binary"`
	LogLevel string `json:"log_level"` // debug, info, warn, error
}

func getConfigPath() string {
	env := os.Getenv("HGCACHE_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var c Config
	c.Engine.TickIntervalMs = 300
	c.Engine.IncrementalQuietMs = 100
	c.Engine.RebuildQuietMs = 1000
	c.Engine.HighChurnCount = 200
	c.Engine.SelfModWindowMs = 3000
	c.HgBinary = "hg"
	c.LogLevel = "info"
	return &c
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = getConfigPath()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := Default()
	if err := json.NewDecoder(file).Decode(config); err != nil {
		return nil, err
	}

	return config, nil
}

// TickInterval returns the engine tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickIntervalMs) * time.Millisecond
}
