// Package config loads service configuration from the environment.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds everything main needs to wire the service together.
type Config struct {
	Port         string
	BaseURL      string // public URL of this service, for links in emails
	LocalStorage string // local storage path for development (empty in production)
	Bucket       string // GCS bucket for account persistence
	TokenSalt    string // HMAC salt for account tokens

	UpstreamBaseURL string // auction site origin
	ImageBaseURL    string // image resizer origin
	HTTPTimeout     time.Duration
	PollInterval    time.Duration
	ExtractLimit    int

	StatusMinInterval time.Duration // status snapshot coalescing window
	SettingsMaxAge    time.Duration // continuous-flag read-through cache window

	EmailProvider string // "gmail", "brevo", or "mock"
	EmailFrom     string
	EmailFromName string
	BrevoAPIKey   string
}

// Load reads configuration from the environment, honoring a local .env file.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:         getEnv("PORT", "8080"),
		BaseURL:      os.Getenv("BASE_URL"),
		LocalStorage: os.Getenv("LOCAL_STORAGE"),
		Bucket:       os.Getenv("STORAGE_BUCKET"),
		TokenSalt:    os.Getenv("TOKEN_SALT"),

		UpstreamBaseURL: getEnv("UPSTREAM_BASE_URL", "https://www.iaai.com"),
		ImageBaseURL:    getEnv("IMAGE_BASE_URL", "https://vis.iaai.com"),
		HTTPTimeout:     getEnvDuration("HTTP_TIMEOUT", 20*time.Second),
		PollInterval:    getEnvDuration("POLL_INTERVAL", 10*time.Minute),
		ExtractLimit:    getEnvInt("EXTRACT_LIMIT", 200),

		StatusMinInterval: getEnvDuration("STATUS_MIN_INTERVAL", time.Second),
		SettingsMaxAge:    getEnvDuration("SETTINGS_MAX_AGE", 5*time.Second),

		EmailProvider: getEnv("EMAIL_PROVIDER", "mock"),
		EmailFrom:     os.Getenv("EMAIL_FROM"),
		EmailFromName: getEnv("EMAIL_FROM_NAME", "IAAI Notifier"),
		BrevoAPIKey:   os.Getenv("BREVO_API_KEY"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
