// Package main implements a service that polls IAAI vehicle searches for
// registered users and emails them about new listings and price changes.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"iaai-notifier/config"
	"iaai-notifier/email"
	"iaai-notifier/poll"
	"iaai-notifier/scraper"
	"iaai-notifier/server"
	"iaai-notifier/storage"
)

func main() {
	ctx := context.Background()

	// Initialize structured logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()

	// Default to local development mode if no bucket specified
	if cfg.Bucket == "" && cfg.LocalStorage == "" {
		cfg.LocalStorage = "./data"
		logger.Info("No STORAGE_BUCKET set, defaulting to local development mode", "storage_path", cfg.LocalStorage)
	}
	if cfg.BaseURL == "" {
		if cfg.LocalStorage == "" {
			logger.Error("BASE_URL environment variable required (e.g., https://your-service.run.app)")
			os.Exit(1)
		}
		cfg.BaseURL = "http://localhost:" + cfg.Port
	}
	if cfg.TokenSalt == "" {
		if cfg.LocalStorage == "" {
			logger.Error("TOKEN_SALT environment variable required")
			os.Exit(1)
		}
		cfg.TokenSalt = "local-dev-salt"
		logger.Warn("No TOKEN_SALT set, using development default")
	}

	var storageClient *gcs.Client
	if cfg.LocalStorage != "" {
		logger.Info("Running in local development mode", "storage_path", cfg.LocalStorage)
		if err := os.MkdirAll(cfg.LocalStorage, 0o755); err != nil {
			logger.Error("Failed to create local storage directory", "error", err)
			os.Exit(1)
		}
	} else {
		var err error
		storageClient, err = gcs.NewClient(ctx)
		if err != nil {
			logger.Error("Failed to initialize Storage client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := storageClient.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}()
	}

	store := storage.New(storageClient, cfg.Bucket, cfg.LocalStorage, []byte(cfg.TokenSalt), logger)

	provider := initEmailProvider(ctx, cfg, logger)
	sender := email.New(provider, logger, cfg.BaseURL, cfg.UpstreamBaseURL)

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	scr := scraper.New(httpClient, cfg.UpstreamBaseURL, cfg.ImageBaseURL, logger)

	monitor := poll.New(scr, scr.Extractor(), store, sender, logger, poll.Options{
		Interval:          cfg.PollInterval,
		ExtractLimit:      cfg.ExtractLimit,
		StatusMinInterval: cfg.StatusMinInterval,
		SettingsMaxAge:    cfg.SettingsMaxAge,
	})
	monitor.Start()
	defer monitor.Stop()

	// Restart continuous polling for users who had it enabled before the
	// last deploy or restart.
	if resumed, err := monitor.ResumeAll(ctx); err != nil {
		logger.Error("Failed to resume continuous polling", "error", err)
	} else {
		logger.Info("Startup resume completed", "resumed", resumed)
	}

	srv := server.New(&server.Config{
		Store:      store,
		Poller:     monitor,
		Logger:     logger,
		IsNotFound: storage.IsNotFound,
	})

	if err := srv.ListenAndServe(cfg.Port); err != nil {
		logger.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// initEmailProvider picks the outbound email transport. Anything that cannot
// be initialized degrades to the mock provider so the poller keeps working.
func initEmailProvider(ctx context.Context, cfg *config.Config, logger *slog.Logger) email.Provider {
	switch cfg.EmailProvider {
	case "gmail":
		service, err := initGmailService(ctx)
		if err != nil {
			logger.Warn("Failed to initialize Gmail service, using mock email", "error", err)
			return email.NewMockProvider(logger)
		}
		logger.Info("Email provider initialized", "provider", "gmail")
		return email.NewGmailProvider(service, logger)

	case "brevo":
		if cfg.BrevoAPIKey == "" || cfg.EmailFrom == "" {
			logger.Warn("BREVO_API_KEY and EMAIL_FROM required for Brevo, using mock email")
			return email.NewMockProvider(logger)
		}
		logger.Info("Email provider initialized", "provider", "brevo")
		return email.NewBrevoProvider(cfg.BrevoAPIKey, cfg.EmailFrom, cfg.EmailFromName, logger)

	default:
		logger.Info("Mock email mode enabled", "provider", cfg.EmailProvider)
		return email.NewMockProvider(logger)
	}
}

func initGmailService(ctx context.Context) (*gmail.Service, error) {
	// Try explicit credentials first (for local development or specific use cases)
	credsJSON := os.Getenv("GOOGLE_CREDENTIALS_JSON")
	if credsJSON != "" {
		return gmail.NewService(ctx, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	// If running in Cloud Run, use Application Default Credentials (ADC).
	// The service account needs Gmail API access (gmail.send scope).
	if isCloudRun(ctx) {
		return gmail.NewService(ctx)
	}

	// Not in Cloud Run and no explicit credentials
	return nil, errors.New("GOOGLE_CREDENTIALS_JSON required when not running in Cloud Run")
}

func isCloudRun(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://metadata.google.internal/computeMetadata/v1/project/project-id", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata-Flavor", "Google")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	return resp.StatusCode == http.StatusOK
}
