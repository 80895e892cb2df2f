package config

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `
timezone: Asia/Jakarta
telegram:
  token: "123:abc"
  group_id: -100200300
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
  telegram:
    enabled: false
    chat_id: 0
    min_level: warn
    rate_per_sec: 1
storage:
  path: ./data/polisbot.db
alert:
  channel_id: -100200301
  time: "09:00"
  mention: "@fleetops"
auth:
  remove_password: "s3cret"
  roles:
    - name: fleet-admin
      members: [1, 2]
    - name: fleet-ops
      members: [3]
    - name: finance
      members: [4]
    - name: dispatch
      members: [5]
    - name: audit
      members: [6]
`

func writeConfig(t *testing.T, name, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return NewManager(path)
}

func TestLoadYAML(t *testing.T) {
	m := writeConfig(t, "config.yaml", validYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.GroupID != -100200300 {
		t.Fatalf("group_id = %d", cfg.Telegram.GroupID)
	}
	if cfg.Alert.Time != "09:00" || cfg.Alert.Mention != "@fleetops" {
		t.Fatalf("alert config mismatch: %+v", cfg.Alert)
	}
	if len(cfg.Auth.Roles) != 5 {
		t.Fatalf("roles = %d, want 5", len(cfg.Auth.Roles))
	}
	loc, err := cfg.Location()
	if err != nil || loc.String() != "Asia/Jakarta" {
		t.Fatalf("location = %v, %v", loc, err)
	}

	members := cfg.RoleMembers()
	for _, id := range []int64{1, 2, 3, 4, 5, 6} {
		if !members[id] {
			t.Fatalf("member %d missing from role set", id)
		}
	}
	if members[99] {
		t.Fatal("unexpected member 99")
	}
}

func TestStrictDecodeRejectsUnknownFields(t *testing.T) {
	m := writeConfig(t, "config.yaml", validYAML+"\nbogus_key: true\n")
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateRequirements(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = "" }},
		{name: "missing storage path", mutate: func(c *Config) { c.Storage.Path = "" }},
		{name: "bad timezone", mutate: func(c *Config) { c.Timezone = "Mars/Olympus" }},
		{name: "no roles", mutate: func(c *Config) { c.Auth.Roles = nil }},
		{name: "too many roles", mutate: func(c *Config) {
			c.Auth.Roles = append(c.Auth.Roles, RoleConfig{Name: "sixth"})
		}},
		{name: "missing remove password", mutate: func(c *Config) { c.Auth.RemovePassword = "" }},
		{name: "alert time without channel", mutate: func(c *Config) { c.Alert.ChannelID = 0 }},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			m := writeConfig(t, "config.yaml", validYAML)
			cfg, err := m.Parse()
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("base config should validate: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("POLISBOT_TELEGRAM_TOKEN", "999:env")
	t.Setenv("POLISBOT_REMOVE_PASSWORD", "env-secret")

	m := writeConfig(t, "config.yaml", validYAML)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "999:env" {
		t.Fatalf("token = %q, want env override", cfg.Telegram.Token)
	}
	if cfg.Auth.RemovePassword != "env-secret" {
		t.Fatalf("remove password not overridden")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 10s "); err != nil || d.Seconds() != 10 {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty should be 0: %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration should fail")
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("garbage duration should fail")
	}
}
