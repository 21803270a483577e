package scraper

import (
	"strings"
	"testing"
)

const rowsHTML = `<!DOCTYPE html>
<html><body>
<div class="table-row table-row-border">
  <img data-src="//vis.iaai.com/resizer?imageKeys=44226123~SID~I1&amp;width=160&amp;height=120" />
  <h4><a href="/VehicleDetail/44226123~US">2019 Zero SR</a></h4>
  <ul class="data-list">
    <li><span class="data-list__label">Stock #:</span><span class="data-list__value">31415926</span></li>
    <li><span class="data-list__label">Odometer:</span><span class="data-list__value">12,345 mi</span></li>
  </ul>
  <ul class="data-list--action">
    <li><a href="/VehicleDetail/44226123~US">Buy Now: $1,400</a></li>
  </ul>
</div>
<div class="table-row table-row-border">
  <h4><a href="/VehicleDetail/44226999~US">2021 Harley LiveWire</a></h4>
  <ul class="data-list">
    <li><span class="data-list__label">Stock #:</span><span class="data-list__value">27182818</span></li>
  </ul>
</div>
</body></html>`

func TestExtractDOMRows(t *testing.T) {
	e := NewExtractor("https://www.iaai.com", "https://vis.iaai.com")

	listings := e.Extract(rowsHTML, 200)
	if len(listings) != 2 {
		t.Fatalf("Extract() returned %d listings, want 2", len(listings))
	}

	first := listings[0]
	if first.VehicleLink != "https://www.iaai.com/VehicleDetail/44226123~US" {
		t.Errorf("VehicleLink = %q", first.VehicleLink)
	}
	if first.Title != "2019 Zero SR" {
		t.Errorf("Title = %q", first.Title)
	}
	if first.StockID != "31415926" {
		t.Errorf("StockID = %q", first.StockID)
	}
	if first.Price != "$1,400" {
		t.Errorf("Price = %q", first.Price)
	}
	if first.Odometer != "12,345 mi" {
		t.Errorf("Odometer = %q", first.Odometer)
	}
	if !strings.Contains(first.Image, "vis.iaai.com/resizer?imageKeys=44226123~SID~I1") {
		t.Errorf("Image = %q", first.Image)
	}

	second := listings[1]
	if second.StockID != "27182818" {
		t.Errorf("second StockID = %q", second.StockID)
	}
	if second.Price != "" {
		t.Errorf("second Price = %q, want empty", second.Price)
	}
	// No <img> in the row, so the image falls back to the resizer template.
	if !strings.Contains(second.Image, "imageKeys=44226999~SID~I1") {
		t.Errorf("second Image = %q", second.Image)
	}
}

func TestExtractFallsBackToEmbeddedJSON(t *testing.T) {
	body := `<html><body>
<script type="application/json">
{"searchResults":{"vehicles":[
  {"name":"44226123","stockNumber":"31415926","buyNowPrice":1400},
  {"name":"44226999","title":"Stock # 27182818","currentBid":"$900"}
]}}
</script>
</body></html>`

	e := NewExtractor("https://www.iaai.com", "https://vis.iaai.com")
	listings := e.Extract(body, 200)
	if len(listings) != 2 {
		t.Fatalf("Extract() returned %d listings, want 2", len(listings))
	}

	byStock := make(map[string]string)
	for _, l := range listings {
		byStock[l.StockID] = l.Price
		if !strings.HasPrefix(l.VehicleLink, "https://www.iaai.com/VehicleDetail/") {
			t.Errorf("VehicleLink = %q, want absolute detail URL", l.VehicleLink)
		}
	}
	if byStock["31415926"] != "1400" {
		t.Errorf("price for stock 31415926 = %q, want 1400", byStock["31415926"])
	}
	if byStock["27182818"] != "$900" {
		t.Errorf("price for stock 27182818 = %q, want $900", byStock["27182818"])
	}
}

func TestExtractHiddenIDAttribute(t *testing.T) {
	body := `<html><body>
<input type="hidden" id="VehicleDetails" value="[{&quot;Id&quot;:&quot;44226123~US&quot;},{&quot;Id&quot;:&quot;44226999~US&quot;}]" />
</body></html>`

	e := NewExtractor("https://www.iaai.com", "https://vis.iaai.com")
	listings := e.Extract(body, 200)
	if len(listings) != 2 {
		t.Fatalf("Extract() returned %d listings, want 2", len(listings))
	}
	if listings[0].VehicleLink != "https://www.iaai.com/VehicleDetail/44226123~US" {
		t.Errorf("VehicleLink = %q", listings[0].VehicleLink)
	}
	if listings[0].Title != "" || listings[0].Price != "" {
		t.Errorf("hidden-id listings should be minimal, got %+v", listings[0])
	}
}

func TestExtractRegexLastResort(t *testing.T) {
	body := `some unstructured page mentioning imageKeys=44226123~SID~I1 and a link to /VehicleDetail/44226999~US here`

	e := NewExtractor("https://www.iaai.com", "https://vis.iaai.com")
	listings := e.Extract(body, 200)
	if len(listings) != 2 {
		t.Fatalf("Extract() returned %d listings, want 2", len(listings))
	}
	// Image keys are scanned before detail links.
	if listings[0].VehicleLink != "https://www.iaai.com/VehicleDetail/44226123~US" {
		t.Errorf("first VehicleLink = %q", listings[0].VehicleLink)
	}
}

func TestExtractRejectsShortAndNonNumericIDs(t *testing.T) {
	body := `/VehicleDetail/abc123~US /VehicleDetail/12345~US /VehicleDetail/1234567~US`

	e := NewExtractor("https://www.iaai.com", "https://vis.iaai.com")
	listings := e.Extract(body, 200)
	if len(listings) != 1 {
		t.Fatalf("Extract() returned %d listings, want 1", len(listings))
	}
	if listings[0].VehicleLink != "https://www.iaai.com/VehicleDetail/1234567~US" {
		t.Errorf("VehicleLink = %q", listings[0].VehicleLink)
	}
}

func TestExtractDedupeAndLimit(t *testing.T) {
	body := `imageKeys=44226123~SID~I1 imageKeys=44226123~SID~I1 imageKeys=44226124~SID~I1 imageKeys=44226125~SID~I1`

	e := NewExtractor("https://www.iaai.com", "https://vis.iaai.com")
	listings := e.Extract(body, 2)
	if len(listings) != 2 {
		t.Fatalf("Extract() returned %d listings, want 2", len(listings))
	}
}

func TestExtractBackfillRecoversMissedIDs(t *testing.T) {
	// One parseable row plus an id that only appears in a raw resizer URL.
	body := rowsHTML + ` imageKeys=55550001~SID~I1 `

	e := NewExtractor("https://www.iaai.com", "https://vis.iaai.com")
	listings := e.Extract(body, 200)
	if len(listings) != 3 {
		t.Fatalf("Extract() returned %d listings, want 3 (2 rows + 1 backfilled)", len(listings))
	}
	last := listings[2]
	if last.VehicleLink != "https://www.iaai.com/VehicleDetail/55550001~US" {
		t.Errorf("backfilled VehicleLink = %q", last.VehicleLink)
	}
	if last.Title != "" {
		t.Errorf("backfilled listing should be minimal, got title %q", last.Title)
	}
}

func TestExtractMalformedInputNeverPanics(t *testing.T) {
	e := NewExtractor("https://www.iaai.com", "https://vis.iaai.com")

	for _, body := range []string{
		"",
		"<html><script type=\"application/json\">{not json</script></html>",
		`<input id="VehicleDetails" value="&quot;broken" />`,
		strings.Repeat("<div>", 5000),
	} {
		if got := e.Extract(body, 100); len(got) != 0 {
			t.Errorf("Extract(%.30q) = %d listings, want 0", body, len(got))
		}
	}
}

func TestNormalizeStock(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"31415926", "31415926"},
		{"Stock #: 31415926", "31415926"},
		{"Stock#-31415926", "31415926"},
		{"stock 123", ""},
		{"", ""},
		{"n/a", ""},
	}
	for _, tt := range tests {
		if got := normalizeStock(tt.in); got != tt.want {
			t.Errorf("normalizeStock(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAbsURL(t *testing.T) {
	e := NewExtractor("https://www.iaai.com", "https://vis.iaai.com")

	tests := []struct {
		in   string
		want string
	}{
		{"https://example.com/a", "https://example.com/a"},
		{"//vis.iaai.com/x", "https://vis.iaai.com/x"},
		{"/VehicleDetail/1234567~US", "https://www.iaai.com/VehicleDetail/1234567~US"},
		{"VehicleDetail/1234567~US", "https://www.iaai.com/VehicleDetail/1234567~US"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := e.absURL(tt.in); got != tt.want {
			t.Errorf("absURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
