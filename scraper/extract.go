package scraper

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"iaai-notifier/diff"
	"iaai-notifier/pkg/tracker"
)

// Extractor pulls vehicle listings out of an upstream response body. All
// methods are pure and total: malformed input degrades to fewer listings,
// never to an error.
type Extractor struct {
	base      string
	imageBase string
}

// NewExtractor creates an extractor that absolutizes links against base and
// builds synthetic images against imageBase.
func NewExtractor(base, imageBase string) *Extractor {
	return &Extractor{
		base:      strings.TrimSuffix(base, "/"),
		imageBase: strings.TrimSuffix(imageBase, "/"),
	}
}

var (
	// Detail-page ids are only trusted when strictly numeric with at least
	// six digits. Shorter or alphanumeric segments are decorative links.
	detailLinkRe = regexp.MustCompile(`/VehicleDetail/(\d{6,})~US`)
	imageKeyRe   = regexp.MustCompile(`imageKeys=(\d{6,})~SID~I1`)
	idDigitsRe   = regexp.MustCompile(`^\d{6,}$`)

	moneyTokenRe  = regexp.MustCompile(`\$[\d,]+(?:\.\d{2})?`)
	taggedStockRe = regexp.MustCompile(`(?i)Stock\s*#\s*[:\-]?\s*(\d{5,})`)
	nonDigitRe    = regexp.MustCompile(`\D`)
)

// maxJSONNodes bounds the embedded-JSON walk so an adversarial or deeply
// nested document cannot stall a poll.
const maxJSONNodes = 10000

// Extract runs the four fallback strategies in order and returns the first
// non-empty result, deduplicated by identity key, first-seen order, truncated
// to limit.
func (e *Extractor) Extract(body string, limit int) []*tracker.Listing {
	if limit <= 0 {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err == nil {
		if listings := e.extractFromRows(doc, body, limit); len(listings) > 0 {
			return listings
		}
		if listings := e.extractFromScripts(doc, limit); len(listings) > 0 {
			return listings
		}
		if listings := e.extractFromHiddenIDs(doc, limit); len(listings) > 0 {
			return listings
		}
	}

	return e.extractFromRegex(body, limit)
}

// extractFromRows parses repeated listing rows out of the search results
// markup. When row parsing recovers fewer ids than the limit, a regex backfill
// over the raw body appends minimal listings for any ids the rows missed.
func (e *Extractor) extractFromRows(doc *goquery.Document, body string, limit int) []*tracker.Listing {
	var listings []*tracker.Listing

	doc.Find("div.table-row.table-row-border").Each(func(_ int, row *goquery.Selection) {
		if l := e.parseRow(row); l != nil {
			listings = append(listings, l)
		}
	})

	listings = dedupe(listings)
	if len(listings) == 0 {
		return nil
	}

	if len(listings) < limit {
		listings = e.backfillFromBody(listings, body, limit)
	}

	return truncate(listings, limit)
}

// parseRow extracts one listing from a results row. Returns nil when the row
// carries no usable detail link.
func (e *Extractor) parseRow(row *goquery.Selection) *tracker.Listing {
	titleAnchor := row.Find(`h4 a[href^="/VehicleDetail/"]`).First()
	link := e.absURL(titleAnchor.AttrOr("href", ""))
	id := vehicleIDFromURL(link)
	if link == "" && id == "" {
		return nil
	}

	l := &tracker.Listing{
		VehicleLink: link,
		Title:       strings.TrimSpace(titleAnchor.Text()),
		StockID:     normalizeStock(labelValue(row, "stock #")),
		Odometer:    firstNonEmpty(labelValue(row, "odometer"), labelValue(row, "mileage"), labelValue(row, "odo")),
		Price:       e.rowPrice(row),
	}

	if l.VehicleLink == "" && id != "" {
		l.VehicleLink = e.detailLink(id)
	}

	img := row.Find("img[data-src], img[src]").First()
	imgURL := e.absURL(firstNonEmpty(img.AttrOr("data-src", ""), img.AttrOr("src", "")))
	switch {
	case imgURL != "":
		l.Image = imgTag(imgURL)
	case id != "":
		l.Image = imgTag(e.resizerURL(id))
	}

	return l
}

// rowPrice tries three sources of decreasing trust: the action link text,
// label/value pairs, then a money-token scan over the whole row.
func (e *Extractor) rowPrice(row *goquery.Selection) string {
	var actionText string
	row.Find(`ul.data-list--action a[href^="/VehicleDetail/"]`).EachWithBreak(func(_ int, a *goquery.Selection) bool {
		text := strings.ToLower(a.Text())
		if strings.Contains(text, "buy now") || strings.Contains(text, "current bid") || strings.Contains(text, "bid") {
			actionText = a.Text()
			return false
		}
		return true
	})
	if m := moneyTokenRe.FindString(actionText); m != "" {
		return m
	}

	for _, label := range []string{"buy now", "current bid", "bid"} {
		if m := moneyTokenRe.FindString(labelValue(row, label)); m != "" {
			return m
		}
	}

	return moneyTokenRe.FindString(row.Text())
}

// backfillFromBody appends minimal listings for ids visible in the raw body
// but missed by row parsing, bounding data loss when the markup drifts.
func (e *Extractor) backfillFromBody(listings []*tracker.Listing, body string, limit int) []*tracker.Listing {
	have := make(map[string]bool, len(listings))
	for _, l := range listings {
		if id := vehicleIDFromURL(l.VehicleLink); id != "" {
			have[id] = true
		}
	}

	for _, id := range idsFromBody(body) {
		if len(listings) >= limit {
			break
		}
		if have[id] {
			continue
		}
		have[id] = true
		listings = append(listings, e.minimalListing(id))
	}

	return listings
}

// jsonCandidate is one object recovered from the embedded-JSON walk.
type jsonCandidate struct {
	name     string
	stock    string
	price    string
	odometer string
}

// extractFromScripts walks every application/json script block with an
// explicit work stack, collecting objects that expose a name-like field
// passing the numeric-id gate.
func (e *Extractor) extractFromScripts(doc *goquery.Document, limit int) []*tracker.Listing {
	var candidates []jsonCandidate
	visits := 0

	doc.Find(`script[type="application/json"]`).Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}

		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err != nil {
			return
		}

		stack := []any{parsed}
		for len(stack) > 0 && visits < maxJSONNodes {
			visits++
			node := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			switch n := node.(type) {
			case []any:
				stack = append(stack, n...)
			case map[string]any:
				if c, ok := candidateFromObject(n); ok {
					candidates = append(candidates, c)
				}
				for _, v := range n {
					stack = append(stack, v)
				}
			}
		}
	})

	var listings []*tracker.Listing
	for _, c := range candidates {
		l := e.minimalListing(c.name)
		l.StockID = c.stock
		l.Price = c.price
		l.Odometer = c.odometer
		listings = append(listings, l)
	}

	return truncate(dedupe(listings), limit)
}

// Synonym keys observed across upstream's embedded JSON variants.
var (
	stockKeys = []string{
		"stockNumber", "StockNumber", "stockNo", "StockNo", "stockNum", "StockNum",
		"stockNbr", "StockNbr", "stock_number", "stock", "Stock",
	}
	labeledStockKeys = []string{
		"stockLabel", "StockLabel", "displayStock", "DisplayStock",
		"vehicleDescription", "VehicleDescription", "title", "Title",
	}
	priceKeys    = []string{"price", "Price", "buyNowPrice", "BuyNowPrice", "currentBid", "CurrentBid"}
	odometerKeys = []string{"odometer", "Odometer", "mileage", "Mileage", "odo", "ODO"}
)

func candidateFromObject(obj map[string]any) (jsonCandidate, bool) {
	name := stringField(obj, "name", "Name")
	if !idDigitsRe.MatchString(name) {
		return jsonCandidate{}, false
	}

	stock := normalizeStock(stringField(obj, stockKeys...))
	if stock == "" {
		stock = normalizeStock(stringField(obj, labeledStockKeys...))
	}

	return jsonCandidate{
		name:     name,
		stock:    stock,
		price:    stringField(obj, priceKeys...),
		odometer: stringField(obj, odometerKeys...),
	}, true
}

// stringField returns the first present key's value rendered as a string.
// Numbers are common for prices in the embedded JSON.
func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if t != "" {
				return t
			}
		case float64:
			return formatNumber(t)
		}
	}
	return ""
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}

// extractFromHiddenIDs reads the entity-encoded JSON id array some result
// pages carry in a hidden input.
func (e *Extractor) extractFromHiddenIDs(doc *goquery.Document, limit int) []*tracker.Listing {
	raw, ok := doc.Find("#VehicleDetails").Attr("value")
	if !ok || raw == "" {
		return nil
	}

	var records []struct {
		ID string `json:"Id"`
	}
	if err := json.Unmarshal([]byte(html.UnescapeString(raw)), &records); err != nil {
		return nil
	}

	var listings []*tracker.Listing
	for _, r := range records {
		id, _, _ := strings.Cut(r.ID, "~")
		if !idDigitsRe.MatchString(id) {
			continue
		}
		listings = append(listings, e.minimalListing(id))
	}

	return truncate(dedupe(listings), limit)
}

// extractFromRegex is the last resort: ids scraped straight out of the raw
// text. It detects the existence of listings even when every structured
// strategy fails.
func (e *Extractor) extractFromRegex(body string, limit int) []*tracker.Listing {
	var listings []*tracker.Listing
	for _, id := range idsFromBody(body) {
		listings = append(listings, e.minimalListing(id))
	}
	return truncate(dedupe(listings), limit)
}

// idsFromBody collects detail ids from resizer image keys first, then detail
// links, preserving first-seen order.
func idsFromBody(body string) []string {
	seen := make(map[string]bool)
	var ids []string

	for _, re := range []*regexp.Regexp{imageKeyRe, detailLinkRe} {
		for _, m := range re.FindAllStringSubmatch(body, -1) {
			if id := m[1]; !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	return ids
}

func (e *Extractor) minimalListing(id string) *tracker.Listing {
	return &tracker.Listing{
		VehicleLink: e.detailLink(id),
		Image:       imgTag(e.resizerURL(id)),
	}
}

func (e *Extractor) detailLink(id string) string {
	return fmt.Sprintf("%s/VehicleDetail/%s~US", e.base, id)
}

func (e *Extractor) resizerURL(id string) string {
	return fmt.Sprintf("%s/resizer?imageKeys=%s~SID~I1&width=400&height=300", e.imageBase, id)
}

func imgTag(src string) string {
	return fmt.Sprintf(`<img src="%s" width="400" height="300" />`, src)
}

// absURL resolves a possibly relative, possibly entity-encoded href against
// the upstream origin. Listings end up in emails, so relative links are never
// stored unresolved.
func (e *Extractor) absURL(u string) string {
	s := strings.TrimSpace(html.UnescapeString(u))
	switch {
	case s == "":
		return ""
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return s
	case strings.HasPrefix(s, "//"):
		return "https:" + s
	case strings.HasPrefix(s, "/"):
		return e.base + s
	default:
		return e.base + "/" + s
	}
}

func vehicleIDFromURL(u string) string {
	if m := detailLinkRe.FindStringSubmatch(u); m != nil {
		return m[1]
	}
	return ""
}

// labelValue looks up a label/value pair within a row. Labels are normalized
// before comparison: lowercased, whitespace collapsed, trailing colon trimmed.
func labelValue(row *goquery.Selection, label string) string {
	want := normalizeLabel(label)
	var value string

	row.Find(".data-list__label").EachWithBreak(func(_ int, l *goquery.Selection) bool {
		if normalizeLabel(l.Text()) != want {
			return true
		}
		value = strings.TrimSpace(l.Next().Filter(".data-list__value").Text())
		return false
	})

	return value
}

func normalizeLabel(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimSuffix(strings.TrimSpace(s), ":")
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeStock reduces a stock field to digits only: a tagged "Stock #"
// pattern wins, else any string carrying at least five digits.
func normalizeStock(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return ""
	}

	if m := taggedStockRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}

	digits := nonDigitRe.ReplaceAllString(s, "")
	if len(digits) >= 5 {
		return digits
	}
	return ""
}

// dedupe drops listings whose identity key repeats or is empty, preserving
// first-seen order.
func dedupe(listings []*tracker.Listing) []*tracker.Listing {
	seen := make(map[string]bool, len(listings))
	var out []*tracker.Listing

	for _, l := range listings {
		key := diff.Key(l)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l)
	}

	return out
}

func truncate(listings []*tracker.Listing, limit int) []*tracker.Listing {
	if len(listings) > limit {
		return listings[:limit]
	}
	return listings
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
