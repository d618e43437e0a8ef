package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
youtube:
  api_keys: ["k1", "k2"]
watch:
  poll_schedule: "90s"
  cooldown: "30m"
storage:
  driver: file
  path: ./data/state.json
`)
	m := NewManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.YouTube.APIKeys) != 2 {
		t.Fatalf("api_keys = %v", cfg.YouTube.APIKeys)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got := cfg.CooldownDuration(); got != 30*time.Minute {
		t.Fatalf("CooldownDuration = %v", got)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
telegram:
  token: "t"
youtube:
  api_keys: ["k"]
bogus_section:
  x: 1
`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{
			name: "ok",
			cfg: Config{
				Telegram: TelegramConfig{Token: "t"},
				YouTube:  YouTubeConfig{APIKeys: []string{"k"}},
			},
		},
		{
			name:    "missing token",
			cfg:     Config{YouTube: YouTubeConfig{APIKeys: []string{"k"}}},
			wantErr: true,
		},
		{
			name:    "no api keys",
			cfg:     Config{Telegram: TelegramConfig{Token: "t"}},
			wantErr: true,
		},
		{
			name: "blank api keys only",
			cfg: Config{
				Telegram: TelegramConfig{Token: "t"},
				YouTube:  YouTubeConfig{APIKeys: []string{"", "  "}},
			},
			wantErr: true,
		},
		{
			name: "bad cooldown",
			cfg: Config{
				Telegram: TelegramConfig{Token: "t"},
				YouTube:  YouTubeConfig{APIKeys: []string{"k"}},
				Watch:    WatchConfig{Cooldown: "soon"},
			},
			wantErr: true,
		},
		{
			name: "unknown storage driver",
			cfg: Config{
				Telegram: TelegramConfig{Token: "t"},
				YouTube:  YouTubeConfig{APIKeys: []string{"k"}},
				Storage:  StorageConfig{Driver: "postgres"},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestCooldownDefault(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	if got := cfg.CooldownDuration(); got != time.Hour {
		t.Fatalf("default cooldown = %v, want 1h", got)
	}
	cfg.Watch.Cooldown = "0s"
	if got := cfg.CooldownDuration(); got != 0 {
		t.Fatalf("zero cooldown = %v, want 0", got)
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "45s"); err != nil || d != 45*time.Second {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
	if _, err := ParseDurationField("x", "nope"); err == nil {
		t.Fatal("expected error for garbage")
	}
}
