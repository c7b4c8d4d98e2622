package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nfc-pcsc.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address() != "127.0.0.1:32146" {
		t.Errorf("Address = %q", cfg.Address())
	}
	if !cfg.AutoProcessing() {
		t.Error("auto processing should default to true")
	}
	if !cfg.Ignored("ACS ACR1252 Dual Reader SAM") {
		t.Error("SAM slots should be ignored by default")
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  port: 9000
log:
  level: debug
  buffer: 50
readers:
  poll_interval: 2s
  ignore: [SAM, "Yubico"]
  aid: F222222222
  auto_processing: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	f := false
	want := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 9000},
		Log:    LogConfig{Level: "debug", Buffer: 50},
		Readers: ReadersConfig{
			PollInterval:   2 * time.Second,
			Ignore:         []string{"SAM", "Yubico"},
			AID:            "F222222222",
			AutoProcessing: &f,
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if !cfg.Ignored("Yubico YubiKey OTP+FIDO+CCID") {
		t.Error("expected Yubico reader to be ignored")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "server:\n  hostname: x\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"empty host", func(c *Config) { c.Server.Host = " " }, "host"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "port"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"zero buffer", func(c *Config) { c.Log.Buffer = 0 }, "buffer"},
		{"zero poll", func(c *Config) { c.Readers.PollInterval = 0 }, "poll_interval"},
		{"aid not hex", func(c *Config) { c.Readers.AID = "zz" }, "aid"},
		{"aid too short", func(c *Config) { c.Readers.AID = "F222" }, "aid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"NFC_PCSC_HOST":          "0.0.0.0",
		"NFC_PCSC_PORT":          "8080",
		"NFC_PCSC_LOG_LEVEL":     "warn",
		"NFC_PCSC_POLL_INTERVAL": "250ms",
		"NFC_PCSC_AID":           "A0000000041010",
	}
	c := Default()
	if err := c.applyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if c.Address() != "0.0.0.0:8080" || c.Log.Level != "warn" || c.Readers.PollInterval != 250*time.Millisecond || c.Readers.AID != "A0000000041010" {
		t.Errorf("env not applied: %+v", c)
	}

	bad := Default()
	if err := bad.applyEnv(func(k string) string {
		if k == "NFC_PCSC_PORT" {
			return "http"
		}
		return ""
	}); err == nil {
		t.Error("expected error for non-numeric port")
	}
}
