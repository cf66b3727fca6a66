package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// RawRecord is one competitor entry exactly as the marketplace returned it,
// decoded with json.Number for numeric fields. It only lives for one cycle.
type RawRecord map[string]any

// Listing is a competitor offer normalized into a uniform shape.
//
// SellerID is empty when the upstream record carried no seller. Title is
// never missing; it is empty when neither the record nor the item lookup
// provided one. An invalid Price means no numeric price field was present,
// and such listings are excluded from ranking.
type Listing struct {
	ID       string              `json:"id"`
	SellerID string              `json:"seller_id,omitempty"`
	Title    string              `json:"title"`
	Price    decimal.NullDecimal `json:"price"`
}

// HasPrice reports whether the listing can take part in ranking.
func (l Listing) HasPrice() bool {
	return l.Price.Valid
}

// LeaderSnapshot records which listing (or seller) led a product at a point in time.
type LeaderSnapshot struct {
	ProductID  string    `json:"product_id"`
	LeaderID   string    `json:"leader_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// RankingStats holds the computed price statistics over ranked listings.
type RankingStats struct {
	Count   int             `json:"count"`
	Min     decimal.Decimal `json:"min"`
	Max     decimal.Decimal `json:"max"`
	Average decimal.Decimal `json:"average"`
}

// Ranking is the price-ordered view of one cycle's listings.
// An empty Sorted slice is the "no valid leader" state.
type Ranking struct {
	Sorted []Listing    `json:"sorted"`
	Top    []Listing    `json:"top"`
	Stats  RankingStats `json:"stats"`
}

// Leader returns the cheapest listing, or false when nothing had a price.
func (r Ranking) Leader() (Listing, bool) {
	if len(r.Sorted) == 0 {
		return Listing{}, false
	}
	return r.Sorted[0], true
}

// NoValidLeader reports whether no competitor had a valid price.
func (r Ranking) NoValidLeader() bool {
	return len(r.Sorted) == 0
}

// CycleResult summarises one polling cycle.
type CycleResult struct {
	CycleID       string    `json:"cycle_id"`
	ProductID     string    `json:"product_id"`
	StartedAt     time.Time `json:"started_at"`
	Changed       bool      `json:"changed"`
	NoValidLeader bool      `json:"no_valid_leader"`
	PreviousID    string    `json:"previous_id,omitempty"`
	LeaderID      string    `json:"leader_id,omitempty"`
	Leader        *Listing  `json:"leader,omitempty"`
	Top           []Listing `json:"top,omitempty"`
	Notified      bool      `json:"notified"`
	NotifyErr     string    `json:"notify_error,omitempty"`
}
