package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Config is the full on-disk configuration. YAML on disk, but decoded
// through the strict JSON path (see yaml.go) so unknown keys are rejected.
type Config struct {
	Server   ServerConfig   `json:"server"`
	Identity IdentityConfig `json:"identity"`

	Channels []string `json:"channels"`
	// Prefix is the command sigil, e.g. "." for ".help".
	Prefix string `json:"prefix"`
	// JoinDelay is a Go duration string applied between initial channel joins.
	JoinDelay string `json:"join_delay"`

	Owners []OwnerConfig `json:"owners"`

	Reconnect ReconnectConfig `json:"reconnect"`
	Rate      RateConfig      `json:"rate"`
	Queue     QueueConfig     `json:"queue"`
	Keepalive KeepaliveConfig `json:"keepalive"`
	Dispatch  DispatchConfig  `json:"dispatch"`

	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`

	// StateFile holds the persisted plugin enabled/disabled map.
	StateFile string `json:"state_file"`

	Plugins map[string]PluginConfigRaw `json:"plugins"`
}

type ServerConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	UseTLS bool   `json:"use_tls"`
}

type IdentityConfig struct {
	Nickname string `json:"nickname"`
	Username string `json:"username"`
	Realname string `json:"realname"`
}

type OwnerConfig struct {
	Nick     string `json:"nick"`
	Password string `json:"password"`
}

type ReconnectConfig struct {
	// Initial and Max are Go duration strings bounding the backoff.
	Initial string `json:"initial"`
	Max     string `json:"max"`
	// Stability is how long a connection must stay registered before the
	// backoff resets to Initial.
	Stability string `json:"stability"`
}

type RateConfig struct {
	// PerTargetCount sends per PerTargetWindow, per destination.
	PerTargetCount  int    `json:"per_target_count"`
	PerTargetWindow string `json:"per_target_window"`
	// Global pacing across all destinations (token bucket).
	GlobalPerSec float64 `json:"global_per_sec"`
	GlobalBurst  int     `json:"global_burst"`
}

type QueueConfig struct {
	Size int `json:"size"`
}

type KeepaliveConfig struct {
	// Interval between client PINGs when the link is quiet.
	Interval string `json:"interval"`
	// Timeout without any inbound traffic before the link is declared dead.
	Timeout string `json:"timeout"`
}

type DispatchConfig struct {
	// MaxConcurrent bounds plugin handler fan-out across all plugins.
	MaxConcurrent int `json:"max_concurrent"`
	// HandlerTimeout is a Go duration string; "0s" means no timeout.
	HandlerTimeout string `json:"handler_timeout"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	IRC     LoggingIRC  `json:"irc"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingIRC struct {
	Enabled    bool   `json:"enabled"`
	Target     string `json:"target"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	// Driver: "file", "sqlite", or "none".
	Driver string `json:"driver"`
	Path   string `json:"path"`
}

type PluginConfigRaw struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

// UnmarshalJSON disallows unknown fields so typos in per-plugin blocks are
// caught during load instead of silently ignored.
func (p *PluginConfigRaw) UnmarshalJSON(b []byte) error {
	type tmp struct {
		Enabled bool            `json:"enabled"`
		Config  json.RawMessage `json:"config,omitempty"`
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var t tmp
	if err := dec.Decode(&t); err != nil {
		return err
	}
	*p = PluginConfigRaw{Enabled: t.Enabled, Config: t.Config}
	return nil
}

// Validate checks required keys and duration fields. It mutates nothing.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Host) == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: invalid port %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Identity.Nickname) == "" {
		return errors.New("identity.nickname is required")
	}
	if strings.TrimSpace(c.Identity.Username) == "" {
		return errors.New("identity.username is required")
	}
	for i, o := range c.Owners {
		if strings.TrimSpace(o.Nick) == "" {
			return fmt.Errorf("owners[%d]: nick is required", i)
		}
		if o.Password == "" {
			return fmt.Errorf("owners[%d] (%s): password is required", i, o.Nick)
		}
	}
	if c.Rate.PerTargetCount < 0 {
		return errors.New("rate.per_target_count must be >= 0")
	}
	if c.Rate.GlobalPerSec < 0 {
		return errors.New("rate.global_per_sec must be >= 0")
	}
	if c.Queue.Size < 0 {
		return errors.New("queue.size must be >= 0")
	}
	if c.Dispatch.MaxConcurrent < 0 {
		return errors.New("dispatch.max_concurrent must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"join_delay", c.JoinDelay},
		{"reconnect.initial", c.Reconnect.Initial},
		{"reconnect.max", c.Reconnect.Max},
		{"reconnect.stability", c.Reconnect.Stability},
		{"rate.per_target_window", c.Rate.PerTargetWindow},
		{"keepalive.interval", c.Keepalive.Interval},
		{"keepalive.timeout", c.Keepalive.Timeout},
		{"dispatch.handler_timeout", c.Dispatch.HandlerTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

// ApplyDefaults fills zero values with workable defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 6667
	}
	if c.Prefix == "" {
		c.Prefix = "."
	}
	if c.JoinDelay == "" {
		c.JoinDelay = "400ms"
	}
	if c.Reconnect.Initial == "" {
		c.Reconnect.Initial = "5s"
	}
	if c.Reconnect.Max == "" {
		c.Reconnect.Max = "60s"
	}
	if c.Reconnect.Stability == "" {
		c.Reconnect.Stability = "30s"
	}
	if c.Rate.PerTargetCount == 0 {
		c.Rate.PerTargetCount = 2
	}
	if c.Rate.PerTargetWindow == "" {
		c.Rate.PerTargetWindow = "2s"
	}
	if c.Rate.GlobalPerSec == 0 {
		c.Rate.GlobalPerSec = 2
	}
	if c.Rate.GlobalBurst == 0 {
		c.Rate.GlobalBurst = 4
	}
	if c.Queue.Size == 0 {
		c.Queue.Size = 100
	}
	if c.Keepalive.Interval == "" {
		c.Keepalive.Interval = "60s"
	}
	if c.Keepalive.Timeout == "" {
		c.Keepalive.Timeout = "4m"
	}
	if c.Dispatch.MaxConcurrent == 0 {
		c.Dispatch.MaxConcurrent = 100
	}
	if c.Dispatch.HandlerTimeout == "" {
		c.Dispatch.HandlerTimeout = "0s"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.StateFile == "" {
		c.StateFile = "./plugins.state.json"
	}
}
