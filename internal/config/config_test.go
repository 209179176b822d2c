package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	for _, key := range []string{"PORT", "JOB_STORE", "CLEANUP_BACKEND", "ARTIFACT_TTL_SECONDS", "AUTH_ENABLED", "YOUTUBE_REMOTE_ENDPOINT", "GHOSTSCRIPT_PATH"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != "8080" || cfg.JobStore != JobStoreMemory || cfg.CleanupBackend != CleanupTimer {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.ArtifactTTL != 600*time.Second || cfg.InputTTL != 300*time.Second || cfg.JobRetention != time.Hour {
		t.Fatalf("unexpected lifetimes: %+v", cfg)
	}
	if cfg.ChunkSize != 1<<20 || cfg.MaxUploadSize != 100<<20 || cfg.MaxPages != 200 {
		t.Fatalf("unexpected limits: %+v", cfg)
	}
	if cfg.GhostscriptPath != "gs" || cfg.PDFWordCommand != "soffice" {
		t.Fatalf("unexpected converter commands: %+v", cfg)
	}
	if cfg.UsesRedis() {
		t.Fatal("default config should not need redis")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JOB_STORE", "Redis")
	t.Setenv("CLEANUP_BACKEND", "queue")
	t.Setenv("ARTIFACT_TTL_SECONDS", "30")
	t.Setenv("JOB_RETENTION_MINUTES", "5")
	t.Setenv("REMOTE_TIMEOUT_SECONDS", "12")
	t.Setenv("AUTH_ENABLED", "false")
	t.Setenv("GHOSTSCRIPT_PATH", "/opt/gs/bin/gs")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.JobStore != JobStoreRedis || !cfg.UsesRedis() {
		t.Fatalf("unexpected backend: %+v", cfg)
	}
	if cfg.GhostscriptPath != "/opt/gs/bin/gs" {
		t.Fatalf("unexpected ghostscript path: %s", cfg.GhostscriptPath)
	}
	if cfg.ArtifactTTL != 30*time.Second || cfg.JobRetention != 5*time.Minute || cfg.RemoteTimeout != 12*time.Second {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("MAX_PAGES", "lots")
	t.Setenv("AUTH_ENABLED", "maybe")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.MaxPages != 200 || cfg.AuthEnabled {
		t.Fatalf("malformed values should fall back to defaults: %+v", cfg)
	}
}

func validConfig() *Config {
	return &Config{
		JobStore:        JobStoreMemory,
		CleanupBackend:  CleanupTimer,
		ArtifactTTL:     time.Minute,
		InputTTL:        time.Minute,
		ChunkSize:       1024,
		MaxUploadSize:   1024,
		MaxPages:        10,
		PDFWordCommand:  "soffice",
		GhostscriptPath: "gs",
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.JobStore = "etcd" }, "JOB_STORE"},
		{"unknown cleanup", func(c *Config) { c.CleanupBackend = "cron" }, "CLEANUP_BACKEND"},
		{"queue without redis", func(c *Config) { c.CleanupBackend = CleanupQueue }, "REDIS_URL"},
		{"zero artifact ttl", func(c *Config) { c.ArtifactTTL = 0 }, "ARTIFACT_TTL_SECONDS"},
		{"empty ghostscript", func(c *Config) { c.GhostscriptPath = "" }, "GHOSTSCRIPT_PATH"},
		{"auth without user", func(c *Config) { c.AuthEnabled = true }, "APP_USERNAME"},
		{"auth without secret", func(c *Config) {
			c.AuthEnabled = true
			c.AppUsername = "admin"
			c.AppPasswordHash = "$2a$10$hash"
		}, "SESSION_SECRET"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
