package email

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"iaai-notifier/pkg/tracker"
)

var (
	detailIDRe   = regexp.MustCompile(`/VehicleDetail/(\w+)~US`)
	resizerKeyRe = regexp.MustCompile(`imageKeys=([^&]+)~SID~I1`)
	numericIDRe  = regexp.MustCompile(`^\d{6,}$`)

	dataSrcRe = regexp.MustCompile(`(?i)data-src\s*=`)
	// Must not match the src inside "data-src".
	srcAttrRe    = regexp.MustCompile(`(?i)(^|[^-\w])src\s*=`)
	bareSrcRe    = regexp.MustCompile(`(?i)src=([^"'\s>]+)`)
	quotedSrcRe  = regexp.MustCompile(`(?i)src\s*=\s*["']([^"']+)["']`)
	styleAttrRe  = regexp.MustCompile(`(?i)style\s*=`)
	imgOpenTagRe = regexp.MustCompile(`(?i)<img`)
)

// formatChangesBody renders the digest of changes plus the unsubscribe footer.
func (s *Sender) formatChangesBody(changes []*tracker.Change, unsubscribeURL string) string {
	var b strings.Builder

	b.WriteString(`<div style="font-family: Arial, sans-serif;">`)
	b.WriteString(`<h3 style="margin:0 0 8px 0;">IAAI Updates</h3>`)
	fmt.Fprintf(&b, `<div style="margin:0 0 12px 0;">Found %d update(s).</div>`, len(changes))

	for _, c := range changes {
		b.WriteString(s.formatChangeCard(c))
	}

	b.WriteString(`</div>`)
	b.WriteString(s.formatUnsubscribeFooter(unsubscribeURL))

	return b.String()
}

func (s *Sender) formatChangeCard(c *tracker.Change) string {
	stock := "N/A"
	if meaningful(c.StockID) {
		stock = html.EscapeString(c.StockID)
	}

	price := "N/A"
	if meaningful(c.Price) {
		price = html.EscapeString(c.Price)
	}

	link := s.safeDetailLink(c.VehicleLink)
	linkHTML := "N/A"
	if link != "" {
		label := link
		if meaningful(c.Title) {
			label = c.Title
		}
		linkHTML = fmt.Sprintf(`<a href="%s" target="_blank" rel="noopener noreferrer">%s</a>`,
			html.EscapeString(link), html.EscapeString(label))
	}

	imgHTML := s.formatImage(c.Image)
	if imgHTML == "" {
		imgHTML = "<em>Image not available</em>"
	}

	var b strings.Builder
	b.WriteString(`<div style="border:1px solid #e5e7eb; border-radius:10px; padding:12px; margin:12px 0; font-family: Arial, sans-serif;">`)
	fmt.Fprintf(&b, `<div style="margin:0 0 6px 0;"><strong>Stock Id:</strong> %s</div>`, stock)
	fmt.Fprintf(&b, `<div style="margin:0 0 6px 0;"><strong>Price:</strong> %s</div>`, price)
	if c.Type == tracker.ChangePriceChanged && c.OldPrice != "" {
		fmt.Fprintf(&b, `<div style="margin:0 0 6px 0;"><strong>Old Price:</strong> %s</div>`, html.EscapeString(c.OldPrice))
	}
	if meaningful(c.Odometer) {
		fmt.Fprintf(&b, `<div style="margin:0 0 6px 0;"><strong>Odometer:</strong> %s</div>`, html.EscapeString(c.Odometer))
	}
	fmt.Fprintf(&b, `<div style="margin:0 0 10px 0;"><strong>Link:</strong> %s</div>`, linkHTML)
	fmt.Fprintf(&b, `<div style="margin:0;">%s</div>`, imgHTML)
	b.WriteString(`</div>`)

	return b.String()
}

// safeDetailLink absolutizes a listing link and accepts it only when its id
// segment is strictly numeric. Decorative or malformed links are dropped
// rather than sent to a user's inbox.
func (s *Sender) safeDetailLink(link string) string {
	abs := s.absolutize(link)
	m := detailIDRe.FindStringSubmatch(abs)
	if m == nil || !numericIDRe.MatchString(m[1]) {
		return ""
	}
	return abs
}

// formatImage turns the stored image value into email-safe markup. Scraped
// <img> tags are sanitized in place: data-src becomes src (email clients never
// lazy-load), the src is quoted and absolutized, and sizing is enforced.
func (s *Sender) formatImage(image string) string {
	raw := strings.TrimSpace(image)
	if raw == "" || !s.validResizerKey(raw) {
		return ""
	}

	if strings.Contains(strings.ToLower(raw), "<img") {
		tag := raw

		if !srcAttrRe.MatchString(tag) && dataSrcRe.MatchString(tag) {
			tag = dataSrcRe.ReplaceAllString(tag, "src=")
		}

		tag = bareSrcRe.ReplaceAllString(tag, `src="$1"`)

		tag = quotedSrcRe.ReplaceAllStringFunc(tag, func(m string) string {
			src := quotedSrcRe.FindStringSubmatch(m)[1]
			return fmt.Sprintf(`src="%s"`, html.EscapeString(s.absolutize(src)))
		})

		if !styleAttrRe.MatchString(tag) {
			tag = imgOpenTagRe.ReplaceAllString(tag, `<img style="max-width:400px;height:auto;display:block;"`)
		}

		return tag
	}

	abs := s.absolutize(raw)
	if abs == "" {
		return ""
	}
	return fmt.Sprintf(`<img src="%s" style="max-width:400px;height:auto;display:block;" width="400" />`, html.EscapeString(abs))
}

// validResizerKey rejects resizer URLs whose image key is not a plausible
// vehicle id. Non-resizer URLs pass through untouched.
func (s *Sender) validResizerKey(image string) bool {
	m := resizerKeyRe.FindStringSubmatch(image)
	if m == nil {
		return true
	}
	return numericIDRe.MatchString(strings.TrimSpace(m[1]))
}

func (s *Sender) formatUnsubscribeFooter(unsubscribeURL string) string {
	href := strings.TrimSpace(unsubscribeURL)
	if href == "" {
		return ""
	}

	safeHref := html.EscapeString(href)
	safeBase := html.EscapeString(s.baseURL)

	var b strings.Builder
	b.WriteString(`<hr style="border:none;border-top:1px solid #e5e7eb;margin:18px 0;" />`)
	b.WriteString(`<div style="color:#6b7280;font-size:12px;line-height:1.4;font-family: Arial, sans-serif;">`)
	b.WriteString(`<div style="margin:0 0 6px 0;">You are receiving this email because you enabled IAAI update notifications.</div>`)
	fmt.Fprintf(&b, `<div style="margin:0 0 6px 0;">To stop receiving these update emails, <a href="%s" target="_blank" rel="noopener noreferrer">unsubscribe</a>.</div>`, safeHref)
	fmt.Fprintf(&b, `<div style="margin:0;">If the link doesn't work, copy/paste this URL into your browser: %s</div>`, safeHref)
	fmt.Fprintf(&b, `<div style="margin:8px 0 0 0;">Service URL: %s</div>`, safeBase)
	b.WriteString(`</div>`)

	return b.String()
}

func (s *Sender) absolutize(u string) string {
	v := strings.TrimSpace(u)
	switch {
	case v == "":
		return ""
	case strings.HasPrefix(v, "http://"), strings.HasPrefix(v, "https://"):
		return v
	case strings.HasPrefix(v, "//"):
		return "https:" + v
	case strings.HasPrefix(v, "/"):
		return s.upstreamBase + v
	default:
		return s.upstreamBase + "/" + v
	}
}

func meaningful(v string) bool {
	t := strings.ToLower(strings.TrimSpace(v))
	return t != "" && t != "n/a" && t != "na" && t != "null"
}
