package config

import "sync/atomic"

var cfg atomic.Value

// Set publishes the process-wide configuration snapshot. It is called once
// at startup, before anything reads it.
func Set(c *Config) {
	cfg.Store(c)
}

// Get returns the current configuration (treat as read-only).
func Get() *Config {
	return cfg.Load().(*Config)
}
