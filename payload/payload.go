// Package payload translates a user's saved filters into the upstream
// search request body. Building is pure and total: missing or malformed
// filter fields become absent facets, never errors.
package payload

import (
	"encoding/json"

	"iaai-notifier/pkg/tracker"
)

// Protocol constants required by the upstream search endpoint. These are not
// user-configurable; changing them changes paging and result semantics.
const (
	pageSize    = 100
	currentPage = 1
	sortField   = "AuctionDateTime"

	saleStatusActive  = 1
	bidStatusBuyNow   = 6
	defaultYearFrom   = 1900
	defaultYearTo     = 2027
	forcedAuctionType = "Buy Now"
)

// Canonical emission order for multi-valued facets. Upstream ties some
// anti-automation heuristics to payload shape, so identical logical filters
// must serialize to byte-identical bodies regardless of input order.
var (
	fuelTypeOrder      = []string{"Electric", "Other"}
	inventoryTypeOrder = []string{"Automobiles", "Motorcycles"}
)

// Facet is a single-valued search constraint.
type Facet struct {
	Group string `json:"Group"`
	Value string `json:"Value"`
}

// LongRange is a paired-bounds numeric constraint. Upstream requires both
// bounds; single-sided filters are collapsed to fixed-point ranges.
type LongRange struct {
	From float64 `json:"From"`
	Name string  `json:"Name"`
	To   float64 `json:"To"`
}

// Search is one entry in the Searches array: exactly one of Facets,
// FullSearch, or LongRanges is populated, the others serialize as null.
type Search struct {
	Facets     []Facet     `json:"Facets"`
	FullSearch *string     `json:"FullSearch"`
	LongRanges []LongRange `json:"LongRanges"`
}

// Sort mirrors the upstream sort descriptor.
type Sort struct {
	IsGeoSort    bool   `json:"IsGeoSort"`
	SortField    string `json:"SortField"`
	IsDescending bool   `json:"IsDescending"`
}

// SaleStatusFilter selects the sale states to include.
type SaleStatusFilter struct {
	SaleStatus int  `json:"SaleStatus"`
	IsSelected bool `json:"IsSelected"`
}

// BidStatusFilter selects the bid states to include.
type BidStatusFilter struct {
	BidStatus  int  `json:"BidStatus"`
	IsSelected bool `json:"IsSelected"`
}

// SearchPayload is the full upstream request body.
type SearchPayload struct {
	Searches            []Search           `json:"Searches"`
	ZipCode             string             `json:"ZipCode"`
	Miles               int                `json:"miles"`
	PageSize            int                `json:"PageSize"`
	CurrentPage         int                `json:"CurrentPage"`
	Sort                []Sort             `json:"Sort"`
	ShowRecommendations bool               `json:"ShowRecommendations"`
	SaleStatusFilters   []SaleStatusFilter `json:"SaleStatusFilters"`
	BidStatusFilters    []BidStatusFilter  `json:"BidStatusFilters"`
}

// Build constructs the upstream search body from a filter set. The entry
// order matches what the upstream site's own search page emits: fuel facets,
// odometer range, auction type, bid range, year range, full-text search,
// inventory facets.
func Build(f *tracker.FilterSet) *SearchPayload {
	if f == nil {
		f = &tracker.FilterSet{}
	}

	var searches []Search

	for _, ft := range canonicalOrder(f.FuelTypes, fuelTypeOrder) {
		searches = appendFacet(searches, "FuelTypeDesc", ft)
	}

	searches = appendLongRange(searches, "ODOValue", intBound(f.OdoFrom), intBound(f.OdoTo))

	// Auction type is not user-configurable; the stored field exists for
	// forward compatibility but Buy Now is always sent.
	searches = appendFacet(searches, "AuctionType", forcedAuctionType)

	searches = appendLongRange(searches, "MinimumBidAmount", f.MinBid, f.MaxBid)

	yearFrom, yearTo := intBound(f.YearFrom), intBound(f.YearTo)
	if yearFrom == nil && yearTo == nil {
		// Upstream needs a Year facet for consistent paging, so an
		// unconstrained filter still sends the full span.
		from, to := float64(defaultYearFrom), float64(defaultYearTo)
		searches = appendLongRange(searches, "Year", &from, &to)
	} else {
		searches = appendLongRange(searches, "Year", yearFrom, yearTo)
	}

	if f.FullSearch != "" {
		term := f.FullSearch
		searches = append(searches, Search{FullSearch: &term})
	}

	for _, it := range canonicalOrder(f.InventoryTypes, inventoryTypeOrder) {
		searches = appendFacet(searches, "InventoryTypes", it)
	}

	return &SearchPayload{
		Searches:            searches,
		ZipCode:             "",
		Miles:               0,
		PageSize:            pageSize,
		CurrentPage:         currentPage,
		Sort:                []Sort{{IsGeoSort: false, SortField: sortField, IsDescending: false}},
		ShowRecommendations: false,
		SaleStatusFilters:   []SaleStatusFilter{{SaleStatus: saleStatusActive, IsSelected: true}},
		BidStatusFilters:    []BidStatusFilter{{BidStatus: bidStatusBuyNow, IsSelected: true}},
	}
}

// MarshalBody serializes the payload for the wire. Struct field order makes
// the output deterministic for a given filter set.
func MarshalBody(p *SearchPayload) ([]byte, error) {
	return json.Marshal(p)
}

func appendFacet(searches []Search, group, value string) []Search {
	if value == "" {
		return searches
	}
	return append(searches, Search{
		Facets: []Facet{{Group: group, Value: value}},
	})
}

// appendLongRange emits a range entry only when at least one bound is set.
// A single-sided bound is mirrored so the range stays paired, matching the
// upstream's required format.
func appendLongRange(searches []Search, name string, from, to *float64) []Search {
	if from == nil && to == nil {
		return searches
	}

	f := 0.0
	if from != nil {
		f = *from
	}

	t := f
	if to != nil {
		t = *to
	}

	return append(searches, Search{
		LongRanges: []LongRange{{From: f, Name: name, To: t}},
	})
}

// canonicalOrder filters values into the fixed order, dropping unknowns and
// duplicates so payloads never depend on insertion order.
func canonicalOrder(values, order []string) []string {
	var out []string
	for _, want := range order {
		for _, v := range values {
			if v == want {
				out = append(out, want)
				break
			}
		}
	}
	return out
}

func intBound(p *int) *float64 {
	if p == nil {
		return nil
	}
	v := float64(*p)
	return &v
}
