package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Environment overrides, applied after the file is parsed and before
// validation. Deployment environments (containers, systemd units) can
// override connection settings without editing the config file.
var envOverrides = []struct {
	key   string
	apply func(c *Config, v string) error
}{
	{"EBBA_SERVER", func(c *Config, v string) error {
		c.Server.Host = v
		return nil
	}},
	{"EBBA_PORT", func(c *Config, v string) error {
		p, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.Server.Port = p
		return nil
	}},
	{"EBBA_USE_TLS", func(c *Config, v string) error {
		c.Server.UseTLS = parseBoolish(v)
		return nil
	}},
	{"EBBA_NICKNAME", func(c *Config, v string) error {
		c.Identity.Nickname = v
		return nil
	}},
	{"EBBA_USERNAME", func(c *Config, v string) error {
		c.Identity.Username = v
		return nil
	}},
	{"EBBA_REALNAME", func(c *Config, v string) error {
		c.Identity.Realname = v
		return nil
	}},
	{"EBBA_CHANNELS", func(c *Config, v string) error {
		c.Channels = splitCSV(v)
		return nil
	}},
	{"EBBA_PREFIX", func(c *Config, v string) error {
		c.Prefix = v
		return nil
	}},
	{"EBBA_RECONNECT_INITIAL", func(c *Config, v string) error {
		c.Reconnect.Initial = v
		return nil
	}},
	{"EBBA_RECONNECT_MAX", func(c *Config, v string) error {
		c.Reconnect.Max = v
		return nil
	}},
	{"EBBA_STATE_FILE", func(c *Config, v string) error {
		c.StateFile = v
		return nil
	}},
}

// ApplyEnvOverrides mutates cfg from EBBA_* environment variables.
func ApplyEnvOverrides(c *Config) error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.key)
		if !ok {
			continue
		}
		if err := o.apply(c, v); err != nil {
			return fmt.Errorf("invalid value for %s: %q: %w", o.key, v, err)
		}
	}
	return nil
}

func parseBoolish(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
