// Package config loads and watches the bot configuration.
//
// Config files may be JSON or YAML; YAML is coerced to JSON so one strict
// decoder (DisallowUnknownFields) serves both. Secrets can be overridden
// from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Timezone string         `json:"timezone"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Alert    AlertConfig    `json:"alert"`
	Auth     AuthConfig     `json:"auth"`
	Health   HealthConfig   `json:"health,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"` // prefer POLISBOT_TELEGRAM_TOKEN
	// GroupID scopes group commands to one workspace chat.
	// Private chats with authorized operators are always accepted.
	GroupID int64 `json:"group_id"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type AlertConfig struct {
	ChannelID int64  `json:"channel_id"`
	Time      string `json:"time"`    // daily wall clock, "HH:MM"
	Mention   string `json:"mention"` // preamble on page 1 of channel alerts
	PageSize  int    `json:"page_size,omitempty"`
}

// AuthConfig carries the five authorization roles and the removal secret.
type AuthConfig struct {
	Roles []RoleConfig `json:"roles"`
	// RemovePassword gates permanent deletes. Prefer POLISBOT_REMOVE_PASSWORD.
	RemovePassword string `json:"remove_password,omitempty"`
}

type RoleConfig struct {
	Name    string  `json:"name"`
	Members []int64 `json:"members"`
}

type HealthConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8085"
}

// maxRoles is the number of authorization role slots.
const maxRoles = 5

// ApplyEnv overlays secrets from the environment.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("POLISBOT_TELEGRAM_TOKEN")); v != "" {
		c.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("POLISBOT_REMOVE_PASSWORD")); v != "" {
		c.Auth.RemovePassword = v
	}
	if v := strings.TrimSpace(os.Getenv("POLISBOT_DB_PATH")); v != "" {
		c.Storage.Path = v
	}
}

// Validate checks the fields required at startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram token is required (config or POLISBOT_TELEGRAM_TOKEN)")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if len(c.Auth.Roles) == 0 {
		return errors.New("auth.roles must configure at least one role")
	}
	if len(c.Auth.Roles) > maxRoles {
		return fmt.Errorf("auth.roles supports at most %d roles, got %d", maxRoles, len(c.Auth.Roles))
	}
	if strings.TrimSpace(c.Auth.RemovePassword) == "" {
		return errors.New("removal password is required (config or POLISBOT_REMOVE_PASSWORD)")
	}
	if strings.TrimSpace(c.Alert.Time) != "" && c.Alert.ChannelID == 0 {
		return errors.New("alert.channel_id is required when alert.time is set")
	}
	return nil
}

// Location resolves the configured timezone (default UTC).
// All date arithmetic and rendering uses this zone, never the host zone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// RoleMembers flattens the role lists into a membership set.
func (c *Config) RoleMembers() map[int64]bool {
	out := map[int64]bool{}
	for _, r := range c.Auth.Roles {
		for _, id := range r.Members {
			out[id] = true
		}
	}
	return out
}
