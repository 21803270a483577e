package email

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"iaai-notifier/pkg/tracker"
)

type captureProvider struct {
	sent []*Message
}

func (c *captureProvider) Send(_ context.Context, msg *Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func newTestSender(p Provider) *Sender {
	return New(p, slog.Default(), "https://notify.example.com", "https://www.iaai.com")
}

func TestFormatChangesBody(t *testing.T) {
	s := newTestSender(&captureProvider{})

	changes := []*tracker.Change{
		{
			Listing: tracker.Listing{
				VehicleLink: "https://www.iaai.com/VehicleDetail/4422612~US",
				Title:       "2019 Zero SR",
				StockID:     "31415926",
				Price:       "$1,400",
				Odometer:    "12,345 mi",
				Image:       `<img data-src="//vis.iaai.com/resizer?imageKeys=4422612~SID~I1&width=400&height=300" width="400" height="300" />`,
			},
			Type: tracker.ChangeNew,
		},
		{
			Listing: tracker.Listing{StockID: "27182818", Price: "$600"},
			Type:    tracker.ChangePriceChanged, OldPrice: "500",
		},
	}

	body := s.formatChangesBody(changes, "https://notify.example.com/api/unsubscribe?token=abc")

	for _, want := range []string{
		"Found 2 update(s).",
		"<strong>Stock Id:</strong> 31415926",
		"<strong>Price:</strong> $1,400",
		"<strong>Odometer:</strong> 12,345 mi",
		"2019 Zero SR",
		"<strong>Old Price:</strong> 500",
		"unsubscribe",
		"https://notify.example.com/api/unsubscribe?token=abc",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}

	// data-src must become src, and the protocol-relative URL absolutized.
	if strings.Contains(body, "data-src") {
		t.Error("body still contains data-src, email clients will show no image")
	}
	if !strings.Contains(body, `src="https://vis.iaai.com/resizer?imageKeys=4422612~SID~I1`) {
		t.Error("image src was not absolutized")
	}
}

func TestFormatImageVariants(t *testing.T) {
	s := newTestSender(&captureProvider{})

	tests := []struct {
		name  string
		in    string
		wants []string
		empty bool
	}{
		{
			name:  "plain relative url",
			in:    "/images/photo.jpg",
			wants: []string{`src="https://www.iaai.com/images/photo.jpg"`, "max-width:400px"},
		},
		{
			name:  "tag without style gets sizing",
			in:    `<img src="https://vis.iaai.com/x.jpg" />`,
			wants: []string{"max-width:400px"},
		},
		{
			name:  "bad resizer key rejected",
			in:    `<img src="https://vis.iaai.com/resizer?imageKeys=abc~SID~I1" />`,
			empty: true,
		},
		{
			name:  "empty",
			in:    "",
			empty: true,
		},
	}

	for _, tt := range tests {
		got := s.formatImage(tt.in)
		if tt.empty {
			if got != "" {
				t.Errorf("%s: formatImage = %q, want empty", tt.name, got)
			}
			continue
		}
		for _, want := range tt.wants {
			if !strings.Contains(got, want) {
				t.Errorf("%s: formatImage = %q, missing %q", tt.name, got, want)
			}
		}
	}
}

func TestSafeDetailLink(t *testing.T) {
	s := newTestSender(&captureProvider{})

	tests := []struct {
		in   string
		want string
	}{
		{"https://www.iaai.com/VehicleDetail/4422612~US", "https://www.iaai.com/VehicleDetail/4422612~US"},
		{"/VehicleDetail/4422612~US", "https://www.iaai.com/VehicleDetail/4422612~US"},
		{"https://www.iaai.com/VehicleDetail/abc~US", ""},
		{"https://www.iaai.com/somewhere-else", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := s.safeDetailLink(tt.in); got != tt.want {
			t.Errorf("safeDetailLink(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSendChangesSetsUnsubscribeHeaders(t *testing.T) {
	p := &captureProvider{}
	s := newTestSender(p)

	acct := &tracker.Account{Email: "user@example.com", Token: strings.Repeat("a", 64)}
	changes := []*tracker.Change{{Listing: tracker.Listing{StockID: "31415926"}, Type: tracker.ChangeNew}}

	if err := s.SendChanges(context.Background(), acct, changes); err != nil {
		t.Fatalf("SendChanges: %v", err)
	}
	if len(p.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(p.sent))
	}

	msg := p.sent[0]
	if msg.To != "user@example.com" {
		t.Errorf("To = %q", msg.To)
	}
	if !strings.Contains(msg.Subject, "1 change(s)") {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if got := msg.Headers["List-Unsubscribe"]; !strings.Contains(got, acct.Token) {
		t.Errorf("List-Unsubscribe = %q, want token link", got)
	}
	if msg.Headers["List-Unsubscribe-Post"] != "List-Unsubscribe=One-Click" {
		t.Errorf("List-Unsubscribe-Post = %q", msg.Headers["List-Unsubscribe-Post"])
	}
}

func TestSendChangesSkipsEmptyDigest(t *testing.T) {
	p := &captureProvider{}
	s := newTestSender(p)

	if err := s.SendChanges(context.Background(), &tracker.Account{Email: "user@example.com"}, nil); err != nil {
		t.Fatalf("SendChanges: %v", err)
	}
	if len(p.sent) != 0 {
		t.Errorf("sent %d messages, want 0", len(p.sent))
	}
}

func TestSanitizeEmailHeader(t *testing.T) {
	got := sanitizeEmailHeader("evil@example.com\r\nBcc: victim@example.com")
	if strings.ContainsAny(got, "\r\n") {
		t.Errorf("header still contains newlines: %q", got)
	}
}
