// Package email handles sending vehicle update emails via multiple providers.
package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"iaai-notifier/pkg/tracker"
)

// Message is a fully rendered outbound email.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
	Headers  map[string]string
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends a rendered email.
	Send(ctx context.Context, msg *Message) error
}

// Sender renders and sends vehicle update emails using a pluggable provider.
type Sender struct {
	provider     Provider
	logger       *slog.Logger
	baseURL      string // public URL of this service, for unsubscribe links
	upstreamBase string // auction site origin, for absolutizing listing links
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL, upstreamBase string) *Sender {
	return &Sender{
		provider:     provider,
		logger:       logger,
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		upstreamBase: strings.TrimSuffix(upstreamBase, "/"),
	}
}

// SendChanges emails the user a digest of new listings and price changes.
func (s *Sender) SendChanges(ctx context.Context, acct *tracker.Account, changes []*tracker.Change) error {
	if len(changes) == 0 {
		return nil
	}

	subject := fmt.Sprintf("IAAI Updates: %d change(s)", len(changes))
	unsubscribeURL := s.unsubscribeURL(acct.Token)
	body := s.formatChangesBody(changes, unsubscribeURL)

	msg := &Message{
		To:       acct.Email,
		Subject:  subject,
		HTMLBody: body,
	}
	if unsubscribeURL != "" {
		// Many clients show an Unsubscribe UI when these headers are present.
		msg.Headers = map[string]string{
			"List-Unsubscribe":      fmt.Sprintf("<%s>", unsubscribeURL),
			"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
		}
	}

	s.logger.Info("Sending update email",
		"to", acct.Email,
		"subject", subject,
		"change_count", len(changes))

	return s.provider.Send(ctx, msg)
}

func (s *Sender) unsubscribeURL(token string) string {
	if s.baseURL == "" || token == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/unsubscribe?token=%s", s.baseURL, token)
}
