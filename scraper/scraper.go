// Package scraper performs the upstream search call and extracts vehicle
// listings from its responses.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Result is the outcome of one upstream search call. Every HTTP status is a
// result, not an error: the poller inspects Status and ContentType instead of
// branching on exceptions.
type Result struct {
	Status      int
	ContentType string
	Body        string
}

// IsHTML reports whether the response body should be run through extraction.
func (r *Result) IsHTML() bool {
	return strings.Contains(r.ContentType, "text/html")
}

// Summary renders a short human-readable diagnostic of the response for the
// status surface.
func (r *Result) Summary() string {
	snippet := r.Body
	if len(snippet) > 600 {
		snippet = snippet[:600]
	}
	return fmt.Sprintf("upstream response: HTTP %d (%s), text[0..600]=%q", r.Status, r.ContentType, snippet)
}

// Scraper calls the upstream search endpoint and parses what comes back.
type Scraper struct {
	client    *http.Client
	logger    *slog.Logger
	baseURL   string
	extractor *Extractor
}

// New creates a scraper against the given upstream origin.
func New(client *http.Client, baseURL, imageBaseURL string, logger *slog.Logger) *Scraper {
	return &Scraper{
		client:    client,
		logger:    logger,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		extractor: NewExtractor(baseURL, imageBaseURL),
	}
}

// Extractor exposes the listing extractor configured for this scraper.
func (s *Scraper) Extractor() *Extractor {
	return s.extractor
}

// searchURL appends a cache-buster timestamp, matching what the upstream
// site's own frontend sends.
func (s *Scraper) searchURL() string {
	return fmt.Sprintf("%s/Search?c=%d", s.baseURL, time.Now().UnixMilli())
}

// Search POSTs the payload to the upstream search endpoint. Transport errors
// are retried a few times; HTTP statuses are never retried and never turned
// into errors, the caller classifies them.
func (s *Scraper) Search(ctx context.Context, body []byte) (*Result, error) {
	var result *Result
	searchURL := s.searchURL()

	err := retry.Do(
		func() error {
			s.logger.Info("HTTP request starting",
				"method", "POST",
				"url", searchURL,
				"purpose", "upstream_search",
				"body_bytes", len(body))

			req, err := http.NewRequestWithContext(ctx, http.MethodPost, searchURL, bytes.NewReader(body))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}

			// Browser-like headers; Referer and Origin are pinned to the
			// upstream's own site, which it checks.
			req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
			req.Header.Set("Accept", "application/json, text/plain, */*")
			req.Header.Set("Accept-Language", "en-US,en;q=0.9")
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Referer", s.baseURL+"/advanced-search")
			req.Header.Set("Origin", s.baseURL)
			req.Header.Set("X-Requested-With", "XMLHttpRequest")

			startTime := time.Now()
			resp, err := s.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				s.logger.Warn("HTTP request failed, will retry",
					"url", searchURL,
					"duration_ms", duration.Milliseconds(),
					"error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					s.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				s.logger.Warn("Failed to read response body, will retry", "error", err)
				return err
			}

			s.logger.Info("HTTP request completed",
				"url", searchURL,
				"status_code", resp.StatusCode,
				"duration_ms", duration.Milliseconds(),
				"content_length", len(data))

			result = &Result{
				Status:      resp.StatusCode,
				ContentType: resp.Header.Get("Content-Type"),
				Body:        string(data),
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying upstream search after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("after retries: %w", err)
	}

	return result, nil
}
