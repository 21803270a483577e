// Package diff detects new listings and price changes between polls.
// Everything here is pure: the orchestrator owns the seen-state lifecycle.
package diff

import (
	"regexp"
	"strings"

	"iaai-notifier/pkg/tracker"
)

// SeenState maps a listing identity key to its last-known normalized price.
// An empty value means the listing was seen without a comparable price.
type SeenState map[string]string

var (
	moneyRegex    = regexp.MustCompile(`\$[\d,]+(?:\.\d{2})?`)
	nonNumericRe  = regexp.MustCompile(`[^0-9.]`)
	numericOnlyRe = regexp.MustCompile(`[0-9.]+`)
)

// NormalizePrice reduces a display price to a canonical numeric string so
// formatting differences never produce spurious diffs:
//
//	"$1,400 USD" -> "1400"
//	"$1400"      -> "1400"
//	"1400"       -> "1400"
//	""           -> ""
//
// Unparseable non-empty strings pass through trimmed, which still diffs
// consistently against themselves.
func NormalizePrice(p string) string {
	s := strings.TrimSpace(p)
	if s == "" {
		return ""
	}

	if m := moneyRegex.FindString(s); m != "" {
		return nonNumericRe.ReplaceAllString(m, "")
	}

	if digits := strings.Join(numericOnlyRe.FindAllString(s, -1), ""); digits != "" {
		return digits
	}

	return s
}

// meaningful rejects placeholder values that upstream renders into fields it
// has no data for.
func meaningful(v string) bool {
	s := strings.ToLower(strings.TrimSpace(v))
	return s != "" && s != "n/a" && s != "na" && s != "null"
}

// Key returns the identity key for a listing: the stock number when it
// carries one, else the detail link. Listings with neither cannot be tracked
// and Key returns "".
func Key(l *tracker.Listing) string {
	if meaningful(l.StockID) {
		return strings.TrimSpace(l.StockID)
	}
	if meaningful(l.VehicleLink) {
		return strings.TrimSpace(l.VehicleLink)
	}
	return ""
}

// Diff compares the current extraction against the previous seen state.
// A key absent from prevSeen is NEW; presence alone is enough, so a previously
// seen listing whose price was unknown is not re-reported. A price change is
// only reported when the current poll has a comparable price. nextSeen is
// rebuilt from scratch: listings that disappeared from results simply drop
// out, with no removal event.
func Diff(prevSeen SeenState, current []*tracker.Listing) (changes []*tracker.Change, nextSeen SeenState) {
	nextSeen = make(SeenState, len(current))

	for _, l := range current {
		key := Key(l)
		if key == "" {
			continue
		}

		price := NormalizePrice(l.Price)
		nextSeen[key] = price

		prevPrice, seen := prevSeen[key]
		if !seen {
			changes = append(changes, &tracker.Change{Listing: *l, Type: tracker.ChangeNew})
			continue
		}

		if price != "" && price != prevPrice {
			changes = append(changes, &tracker.Change{Listing: *l, Type: tracker.ChangePriceChanged, OldPrice: prevPrice})
		}
	}

	return changes, nextSeen
}
