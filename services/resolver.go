package services

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"meli-leader-bot/models"
	"meli-leader-bot/utils"
)

// DefaultTopN is the size of the ranking summary when none is configured.
const DefaultTopN = 5

// Resolver orders listings by price and picks the leader.
type Resolver struct {
	topN   int
	logger *utils.Logger
}

func NewResolver(topN int, logger *utils.Logger) *Resolver {
	if topN < 1 {
		topN = DefaultTopN
	}
	return &Resolver{topN: topN, logger: logger}
}

// Resolve drops listings without a price and sorts the rest ascending.
// Listings with equal prices keep their input order. An empty ranking means
// there is no valid leader; that is a result, not an error.
func (r *Resolver) Resolve(listings []models.Listing) models.Ranking {
	priced := make([]models.Listing, 0, len(listings))
	for _, l := range listings {
		if l.HasPrice() {
			priced = append(priced, l)
		}
	}

	sort.SliceStable(priced, func(i, j int) bool {
		return priced[i].Price.Decimal.Cmp(priced[j].Price.Decimal) < 0
	})

	ranking := models.Ranking{Sorted: priced}
	if len(priced) > r.topN {
		ranking.Top = priced[:r.topN]
	} else {
		ranking.Top = priced
	}
	ranking.Stats = computeStats(priced)

	if len(priced) < len(listings) {
		r.logger.Debug("[resolver] %d listing(s) without a price excluded", len(listings)-len(priced))
	}
	return ranking
}

func computeStats(sorted []models.Listing) models.RankingStats {
	stats := models.RankingStats{Count: len(sorted)}
	if len(sorted) == 0 {
		return stats
	}

	total := decimal.Zero
	for _, l := range sorted {
		total = total.Add(l.Price.Decimal)
	}
	stats.Min = sorted[0].Price.Decimal
	stats.Max = sorted[len(sorted)-1].Price.Decimal
	stats.Average = total.Div(decimal.NewFromInt(int64(len(sorted)))).Round(2)
	return stats
}

// Print writes a human-readable ranking report to w.
func (r *Resolver) Print(w io.Writer, ranking models.Ranking) {
	sep := strings.Repeat("═", 54)
	thin := strings.Repeat("─", 54)

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n", sep)
	fmt.Fprintf(w, "\033[1;35m  🏷  PRICE LEADER REPORT\033[0m\n")
	fmt.Fprintf(w, "\033[1;35m%s\033[0m\n\n", sep)

	leader, ok := ranking.Leader()
	fmt.Fprintf(w, "\033[1;33m  Leader\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	if !ok {
		fmt.Fprintf(w, "  No competitor has a valid price\n")
		fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
		return
	}
	fmt.Fprintf(w, "  %s\n", truncate(displayTitle(leader), 50))
	fmt.Fprintf(w, "  Listing : %s\n", leader.ID)
	if leader.SellerID != "" {
		fmt.Fprintf(w, "  Seller  : %s\n", leader.SellerID)
	}
	fmt.Fprintf(w, "  Price   : \033[1;32m$%s\033[0m\n\n", leader.Price.Decimal.StringFixed(2))

	fmt.Fprintf(w, "\033[1;33m  Price Statistics\033[0m\n")
	fmt.Fprintf(w, "  %s\n", thin)
	fmt.Fprintf(w, "  Competitors   : \033[1m%d\033[0m\n", ranking.Stats.Count)
	fmt.Fprintf(w, "  Average price : \033[1;32m$%s\033[0m\n", ranking.Stats.Average.StringFixed(2))
	fmt.Fprintf(w, "  Minimum price : \033[1;32m$%s\033[0m\n", ranking.Stats.Min.StringFixed(2))
	fmt.Fprintf(w, "  Maximum price : \033[1;32m$%s\033[0m\n\n", ranking.Stats.Max.StringFixed(2))

	fmt.Fprintf(w, "\033[1;33m  Top %d Cheapest\033[0m\n", len(ranking.Top))
	fmt.Fprintf(w, "  %s\n", thin)
	for i, l := range ranking.Top {
		fmt.Fprintf(w, "  \033[1m%d.\033[0m %-40s \033[1;32m$%s\033[0m\n",
			i+1, truncate(displayTitle(l), 38), l.Price.Decimal.StringFixed(2))
	}

	fmt.Fprintf(w, "\n\033[1;35m%s\033[0m\n\n", sep)
}

func displayTitle(l models.Listing) string {
	if l.Title != "" {
		return l.Title
	}
	return l.ID
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
