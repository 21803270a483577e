package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "UPSTREAM_BASE_URL", "IMAGE_BASE_URL", "POLL_INTERVAL", "EXTRACT_LIMIT", "EMAIL_PROVIDER"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.UpstreamBaseURL != "https://www.iaai.com" {
		t.Errorf("UpstreamBaseURL = %q", cfg.UpstreamBaseURL)
	}
	if cfg.ImageBaseURL != "https://vis.iaai.com" {
		t.Errorf("ImageBaseURL = %q", cfg.ImageBaseURL)
	}
	if cfg.PollInterval != 10*time.Minute {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.ExtractLimit != 200 {
		t.Errorf("ExtractLimit = %d", cfg.ExtractLimit)
	}
	if cfg.EmailProvider != "mock" {
		t.Errorf("EmailProvider = %q", cfg.EmailProvider)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("POLL_INTERVAL", "90s")
	t.Setenv("EXTRACT_LIMIT", "50")
	t.Setenv("EMAIL_PROVIDER", "brevo")

	cfg := Load()

	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.PollInterval != 90*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.ExtractLimit != 50 {
		t.Errorf("ExtractLimit = %d", cfg.ExtractLimit)
	}
	if cfg.EmailProvider != "brevo" {
		t.Errorf("EmailProvider = %q", cfg.EmailProvider)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "often")
	t.Setenv("EXTRACT_LIMIT", "many")

	cfg := Load()

	if cfg.PollInterval != 10*time.Minute {
		t.Errorf("PollInterval = %v, want default", cfg.PollInterval)
	}
	if cfg.ExtractLimit != 200 {
		t.Errorf("ExtractLimit = %d, want default", cfg.ExtractLimit)
	}
}
