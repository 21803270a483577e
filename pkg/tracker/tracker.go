// Package tracker contains the core domain types for the IAAI watch service.
package tracker

import "time"

// FilterSet holds one user's stored search constraints. Nil numeric fields
// mean "not set"; the payload builder decides defaults at build time.
type FilterSet struct {
	Name           string   `json:"filter_name,omitempty"`
	FullSearch     string   `json:"full_search,omitempty"`
	YearFrom       *int     `json:"year_from"`
	YearTo         *int     `json:"year_to"`
	AuctionType    string   `json:"auction_type,omitempty"`
	InventoryTypes []string `json:"inventory_types,omitempty"`
	FuelTypes      []string `json:"fuel_types,omitempty"`
	MinBid         *float64 `json:"min_bid"`
	MaxBid         *float64 `json:"max_bid"`
	OdoFrom        *int     `json:"odo_from"`
	OdoTo          *int     `json:"odo_to"`
}

// Listing is one scraped vehicle record from an upstream response. All fields
// except the identity are optional; an empty string means the strategy that
// produced the listing could not recover that field.
type Listing struct {
	VehicleLink string // canonical detail URL, absolute
	Title       string
	StockID     string // digits only
	Price       string // raw display string, e.g. "$1,400"
	Image       string // sanitized <img> snippet or resizer URL
	Odometer    string
}

// ChangeType classifies a diff result.
type ChangeType string

const (
	ChangeNew          ChangeType = "NEW"
	ChangePriceChanged ChangeType = "PRICE_CHANGED"
)

// Change is a Listing plus what changed about it since the previous poll.
type Change struct {
	Listing
	Type     ChangeType
	OldPrice string // empty for NEW
}

// Account represents a registered user: their email, the HMAC token used for
// storage keys and unsubscribe links, saved filters, and whether continuous
// polling should survive a restart.
type Account struct {
	Email             string     `json:"email"`
	Token             string     `json:"token"`
	Filters           *FilterSet `json:"filters"`
	ContinuousEnabled bool       `json:"continuous_enabled"`
	CreatedAt         time.Time  `json:"created_at"`
}

// HasAnyFilterSet reports whether at least one filter field carries a value
// after trimming. Continuous polling refuses to start otherwise, so an empty
// account never hammers upstream with an unconstrained query.
func (f *FilterSet) HasAnyFilterSet() bool {
	if f == nil {
		return false
	}
	if f.Name != "" || f.FullSearch != "" || f.AuctionType != "" {
		return true
	}
	if len(f.InventoryTypes) > 0 || len(f.FuelTypes) > 0 {
		return true
	}
	for _, p := range []*int{f.YearFrom, f.YearTo, f.OdoFrom, f.OdoTo} {
		if p != nil {
			return true
		}
	}
	return f.MinBid != nil || f.MaxBid != nil
}
