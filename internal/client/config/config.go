package config

import "time"

// Config holds runtime settings for the sync client.
//
// Fields:
//   - ServerAddr: base URL of the backend HTTP API.
//   - DatabaseDSN: path of the local sqlite database.
//   - OnlineCheckInterval: how often the client probes server reachability.
//   - UndoWindow: how close together writes must land to merge into one
//     undo step.
type Config struct {
	ServerAddr          string
	DatabaseDSN         string
	OnlineCheckInterval time.Duration
	UndoWindow          time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerAddr = "http://127.0.0.1:8080"
	c.DatabaseDSN = "threadsync.db"
	c.OnlineCheckInterval = 3 * time.Second
	c.UndoWindow = 1200 * time.Millisecond
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
