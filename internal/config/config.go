// Package config loads the node's layered configuration: a default file
// per section directory, an optional profile overlay, and command-line
// key=value overrides, merged in that order.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the full configuration tree consumed by the node.
type Config struct {
	// Label is this node's human-readable name. It is published to
	// remotes during the handshake.
	Label   string  `mapstructure:"label" json:"label"`
	Network Network `mapstructure:"network" json:"network"`
}

type Network struct {
	Controller Controller `mapstructure:"controller" json:"controller"`
}

// Controller configures the network controller.
type Controller struct {
	Listen   Listen   `mapstructure:"listen" json:"listen"`
	Target   Target   `mapstructure:"target" json:"target"`
	Incoming Incoming `mapstructure:"incoming" json:"incoming"`
	Outgoing Outgoing `mapstructure:"outgoing" json:"outgoing"`
	Peers    Peers    `mapstructure:"peers" json:"peers"`
}

// Listen is the address the controller accepts connections on.
type Listen struct {
	Addr string `mapstructure:"addr" json:"addr"`
	Port uint16 `mapstructure:"port" json:"port"`
}

// Target points at the initial peer file, resolved relative to the
// executable's directory unless absolute.
type Target struct {
	File string `mapstructure:"file" json:"file"`
}

// Incoming bounds inbound connections. Parsed but not yet enforced.
type Incoming struct {
	MaxConnCount                int `mapstructure:"max_conn_count" json:"max_conn_count"`
	MaxSimultaneousConnAttempts int `mapstructure:"max_simultaneous_conn_attempts" json:"max_simultaneous_conn_attempts"`
}

// Outgoing bounds outbound connection attempts.
type Outgoing struct {
	MaxSimultaneousConnAttempts int `mapstructure:"max_simultaneous_conn_attempts" json:"max_simultaneous_conn_attempts"`
}

// Peers carries per-peer tuning. Heartbeat values are whole seconds; the
// remaining fields are reserved for future policy.
type Peers struct {
	MaxConnAttempt   int `mapstructure:"max_conn_attempt" json:"max_conn_attempt"`
	ConnAttemptDelay int `mapstructure:"conn_attempt_delay" json:"conn_attempt_delay"`
	MaxIdleCount     int `mapstructure:"max_idle_count" json:"max_idle_count"`
	MaxBannedCount   int `mapstructure:"max_banned_count" json:"max_banned_count"`
	HeartbeatTimeout int `mapstructure:"heartbeat_timeout" json:"heartbeat_timeout"`
	HeartbeatPeriod  int `mapstructure:"heartbeat_period" json:"heartbeat_period"`
}

// Load merges configuration for the given section directories under
// configDir: each section's "default" file first, then the profile's file
// when a profile is named, then the key=value overrides last.
func Load(configDir string, sections []string, profile string, overrides []string) (*Config, error) {
	v := viper.New()

	for _, section := range sections {
		dir := filepath.Join(configDir, section)

		// A separate reader per section keeps its search path to its own
		// directory.
		sv := viper.New()
		sv.SetConfigName("default")
		sv.AddConfigPath(dir)
		if err := sv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: default for section %q: %w", section, err)
		}

		if profile != "" {
			sv.SetConfigName(profile)
			if err := sv.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("config: profile %q for section %q: %w", profile, section, err)
			}
		}

		if err := v.MergeConfigMap(sv.AllSettings()); err != nil {
			return nil, fmt.Errorf("config: merge section %q: %w", section, err)
		}
	}

	for _, override := range overrides {
		key, value, ok := strings.Cut(override, "=")
		if !ok {
			return nil, fmt.Errorf("config: override %q is not key=value", override)
		}
		v.Set(strings.TrimSpace(key), strings.TrimSpace(value))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}
