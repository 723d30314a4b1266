package config

import "time"

// Config holds runtime settings for the TripSync client.
//
// Fields:
//   - ServerAddr: base URL of the sync server, scheme included.
//   - DatabasePath: path to the local sqlite database file.
//   - AuthToken: bearer token for the sync endpoint.
//   - SyncInterval: how often the background worker syncs without a trigger.
//   - OnlineCheckInterval: how often the client probes server reachability.
//   - RequestTimeout: per-request HTTP timeout.
type Config struct {
	ServerAddr          string
	DatabasePath        string
	AuthToken           string
	SyncInterval        time.Duration
	OnlineCheckInterval time.Duration
	RequestTimeout      time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerAddr = "http://127.0.0.1:8080"
	c.DatabasePath = "tripsync.db"
	c.SyncInterval = 5 * time.Minute
	c.OnlineCheckInterval = 15 * time.Second
	c.RequestTimeout = 30 * time.Second
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
