package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"meli-leader-bot/models"
	"meli-leader-bot/utils"
)

// ErrUnrecognizedPayloadShape matches any UnrecognizedPayloadError.
var ErrUnrecognizedPayloadShape = errors.New("unrecognized payload shape")

// UnrecognizedPayloadError carries a payload that matched none of the known envelopes.
type UnrecognizedPayloadError struct {
	Raw json.RawMessage
}

func (e *UnrecognizedPayloadError) Error() string {
	return fmt.Sprintf("%v: %s", ErrUnrecognizedPayloadShape, truncate(string(e.Raw), 200))
}

func (e *UnrecognizedPayloadError) Is(target error) bool {
	return target == ErrUnrecognizedPayloadShape
}

// Payload is a competitor response after its envelope has been identified.
type Payload struct {
	Shape   models.PayloadShape
	Records []models.RawRecord
	Raw     json.RawMessage
}

// envelopeKeys are checked in this order; the first one holding an array wins.
var envelopeKeys = []struct {
	key   string
	shape models.PayloadShape
}{
	{"results", models.ShapeResults},
	{"items", models.ShapeItems},
	{"competition_items", models.ShapeCompetitionItems},
}

// DetectShape decodes raw and decides its envelope once. A top-level array
// takes precedence over any wrapping object.
func DetectShape(raw json.RawMessage) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return Payload{Raw: raw}, &UnrecognizedPayloadError{Raw: raw}
	}

	switch v := doc.(type) {
	case []any:
		return Payload{Shape: models.ShapeArray, Records: toRecords(v), Raw: raw}, nil
	case map[string]any:
		for _, env := range envelopeKeys {
			if arr, ok := v[env.key].([]any); ok {
				return Payload{Shape: env.shape, Records: toRecords(arr), Raw: raw}, nil
			}
		}
	}
	return Payload{Raw: raw}, &UnrecognizedPayloadError{Raw: raw}
}

func toRecords(arr []any) []models.RawRecord {
	out := make([]models.RawRecord, 0, len(arr))
	for _, el := range arr {
		if m, ok := el.(map[string]any); ok {
			out = append(out, models.RawRecord(m))
		}
	}
	return out
}

// TitleLookup resolves the title of a listing that arrived without one.
type TitleLookup interface {
	ItemTitle(ctx context.Context, id string) (string, error)
}

// Normalizer turns competitor payloads into uniform Listings.
type Normalizer struct {
	lookup      TitleLookup
	maxWorkers  int
	rateLimitMs int
	logger      *utils.Logger
}

// NewNormalizer creates a Normalizer. lookup may be nil, in which case
// missing titles stay empty.
func NewNormalizer(lookup TitleLookup, maxWorkers, rateLimitMs int, logger *utils.Logger) *Normalizer {
	return &Normalizer{
		lookup:      lookup,
		maxWorkers:  maxWorkers,
		rateLimitMs: rateLimitMs,
		logger:      logger,
	}
}

// Normalize detects the payload shape and maps every record carrying an id
// to a Listing. Output order follows input order.
func (n *Normalizer) Normalize(ctx context.Context, raw json.RawMessage) ([]models.Listing, models.PayloadShape, error) {
	payload, err := DetectShape(raw)
	if err != nil {
		return nil, models.ShapeUnrecognized, err
	}

	listings := make([]models.Listing, 0, len(payload.Records))
	for _, rec := range payload.Records {
		l, ok := normaliseRecord(rec)
		if !ok {
			continue
		}
		listings = append(listings, l)
	}

	if dropped := len(payload.Records) - len(listings); dropped > 0 {
		n.logger.Debug("[normalizer] Dropped %d record(s) without an id", dropped)
	}

	n.fillTitles(ctx, listings)

	n.logger.Info("[normalizer] %s payload: %d record(s) → %d listing(s)",
		payload.Shape, len(payload.Records), len(listings))
	return listings, payload.Shape, nil
}

// fillTitles looks up missing titles in parallel. Every distinct id is
// fetched once and each job writes only its own slot.
func (n *Normalizer) fillTitles(ctx context.Context, listings []models.Listing) {
	if n.lookup == nil {
		return
	}

	var ids []string
	slotOf := make(map[string]int)
	for _, l := range listings {
		if l.Title != "" {
			continue
		}
		if _, seen := slotOf[l.ID]; !seen {
			slotOf[l.ID] = len(ids)
			ids = append(ids, l.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	titles := make([]string, len(ids))
	failed := make([]error, len(ids))
	for i := range failed {
		failed[i] = context.Canceled
	}

	pool := utils.NewWorkerPool(n.maxWorkers, n.rateLimitMs)
	for i, id := range ids {
		pool.Submit(ctx, func() {
			title, err := n.lookup.ItemTitle(ctx, id)
			titles[i] = normaliseText(title)
			failed[i] = err
		})
	}
	pool.Wait()

	for i, id := range ids {
		if failed[i] != nil {
			n.logger.Warn("[normalizer] Title lookup failed for %s: %v", id, failed[i])
			titles[i] = ""
		}
	}
	for i := range listings {
		if listings[i].Title == "" {
			listings[i].Title = titles[slotOf[listings[i].ID]]
		}
	}
}

func normaliseRecord(rec models.RawRecord) (models.Listing, bool) {
	id := firstID(rec, "id", "item_id")
	if id == "" {
		return models.Listing{}, false
	}

	sellerID := scalarID(rec["seller_id"])
	if sellerID == "" {
		if seller, ok := rec["seller"].(map[string]any); ok {
			sellerID = scalarID(seller["id"])
		}
	}

	l := models.Listing{
		ID:       id,
		SellerID: sellerID,
		Title:    normaliseText(firstString(rec, "title", "item_title")),
	}
	for _, key := range []string{"price", "sale_price", "listing_price"} {
		if p, ok := parsePrice(rec[key]); ok {
			l.Price = decimal.NewNullDecimal(p)
			break
		}
	}
	return l, true
}

func firstID(rec models.RawRecord, keys ...string) string {
	for _, k := range keys {
		if id := scalarID(rec[k]); id != "" {
			return id
		}
	}
	return ""
}

func firstString(rec models.RawRecord, keys ...string) string {
	for _, k := range keys {
		if s, ok := rec[k].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}

// scalarID accepts string or numeric identifiers.
func scalarID(v any) string {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id)
	case json.Number:
		return id.String()
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	default:
		return ""
	}
}

// parsePrice accepts a number, a numeric string, or an object with a numeric
// "amount". Anything else is not a price.
func parsePrice(v any) (decimal.Decimal, bool) {
	if obj, ok := v.(map[string]any); ok {
		return parseAmount(obj["amount"])
	}
	return parseAmount(v)
}

func parseAmount(v any) (decimal.Decimal, bool) {
	switch p := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(p.String())
		return d, err == nil
	case float64:
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(p), true
	case string:
		s := strings.TrimSpace(p)
		if s == "" {
			return decimal.Decimal{}, false
		}
		d, err := decimal.NewFromString(s)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// normaliseText trims and collapses internal whitespace.
func normaliseText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
