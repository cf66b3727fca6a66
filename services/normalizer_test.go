package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meli-leader-bot/models"
	"meli-leader-bot/utils"
)

func newTestLogger() *utils.Logger { return utils.NewNopLogger() }

// fakeTitles serves titles from a map and fails for ids in fail.
type fakeTitles struct {
	titles map[string]string
	fail   map[string]bool

	mu    sync.Mutex
	calls map[string]int
}

func (f *fakeTitles) ItemTitle(_ context.Context, id string) (string, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[id]++
	f.mu.Unlock()

	if f.fail[id] {
		return "", errors.New("connection reset by peer")
	}
	return f.titles[id], nil
}

func price(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

const records = `[
	{"id":"MLA1","seller_id":11,"title":"Taladro  A","price":100},
	{"item_id":"MLA2","seller":{"id":"22"},"title":"Taladro B","sale_price":{"amount":"90.50"}},
	{"id":"MLA3","seller_id":"33","item_title":"Taladro C","price":null,"listing_price":"95"},
	{"title":"sin id","price":1}
]`

func TestDetectShapeAndShapeInvariance(t *testing.T) {
	payloads := map[models.PayloadShape]string{
		models.ShapeArray:            records,
		models.ShapeResults:          `{"paging":{"total":3},"results":` + records + `}`,
		models.ShapeItems:            `{"items":` + records + `}`,
		models.ShapeCompetitionItems: `{"competition_items":` + records + `}`,
	}

	n := NewNormalizer(nil, 2, 0, newTestLogger())
	want := []models.Listing{
		{ID: "MLA1", SellerID: "11", Title: "Taladro A", Price: price("100")},
		{ID: "MLA2", SellerID: "22", Title: "Taladro B", Price: price("90.50")},
		{ID: "MLA3", SellerID: "33", Title: "Taladro C", Price: price("95")},
	}

	for shape, raw := range payloads {
		payload, err := DetectShape(json.RawMessage(raw))
		require.NoError(t, err, shape.String())
		assert.Equal(t, shape, payload.Shape)

		got, gotShape, err := n.Normalize(context.Background(), json.RawMessage(raw))
		require.NoError(t, err, shape.String())
		assert.Equal(t, shape, gotShape)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s: listings mismatch (-want +got):\n%s", shape, diff)
		}
	}
}

func TestDetectShapePriority(t *testing.T) {
	payload, err := DetectShape(json.RawMessage(`{"competition_items":[{"id":"C"}],"items":[{"id":"I"}],"results":[{"id":"R"}]}`))
	require.NoError(t, err)
	assert.Equal(t, models.ShapeResults, payload.Shape)

	payload, err = DetectShape(json.RawMessage(`{"competition_items":[{"id":"C"}],"items":[{"id":"I"}]}`))
	require.NoError(t, err)
	assert.Equal(t, models.ShapeItems, payload.Shape)
}

func TestDetectShapeUnrecognized(t *testing.T) {
	for _, raw := range []string{`{"data":[]}`, `{"items":{"id":"x"}}`, `42`, `not json`} {
		_, err := DetectShape(json.RawMessage(raw))
		require.Error(t, err, raw)
		assert.ErrorIs(t, err, ErrUnrecognizedPayloadShape)

		var upe *UnrecognizedPayloadError
		require.ErrorAs(t, err, &upe)
		assert.Equal(t, raw, string(upe.Raw))
	}
}

func TestParsePrice(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{json.Number("1500"), "1500", true},
		{json.Number("99.99"), "99.99", true},
		{" 120.5 ", "120.5", true},
		{map[string]any{"amount": json.Number("80")}, "80", true},
		{map[string]any{"currency": "ARS"}, "", false},
		{"gratis", "", false},
		{nil, "", false},
		{true, "", false},
	}

	for _, tt := range tests {
		got, ok := parsePrice(tt.in)
		if ok != tt.ok {
			t.Errorf("parsePrice(%v) ok = %v; want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(decimal.RequireFromString(tt.want)) {
			t.Errorf("parsePrice(%v) = %s; want %s", tt.in, got, tt.want)
		}
	}
}

func TestNormalizePriceFallsThroughUnusableFields(t *testing.T) {
	n := NewNormalizer(nil, 1, 0, newTestLogger())
	got, _, err := n.Normalize(context.Background(),
		json.RawMessage(`[{"id":"A","title":"x","price":"n/a","sale_price":{"amount":null},"listing_price":70}]`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Price.Decimal.Equal(decimal.NewFromInt(70)))
}

func TestNormalizeMissingPriceIsNull(t *testing.T) {
	n := NewNormalizer(nil, 1, 0, newTestLogger())
	got, _, err := n.Normalize(context.Background(), json.RawMessage(`{"items":[{"id":"A","title":"x","price":null}]}`))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].HasPrice())
}

func TestNormalizeLooksUpMissingTitles(t *testing.T) {
	lookup := &fakeTitles{titles: map[string]string{"A": " Título  A ", "B": "Título B"}}
	n := NewNormalizer(lookup, 4, 0, newTestLogger())

	got, _, err := n.Normalize(context.Background(), json.RawMessage(
		`[{"id":"A","price":1},{"id":"B","price":2},{"id":"A","price":3},{"id":"C","title":"ya tiene","price":4}]`))
	require.NoError(t, err)

	titles := make([]string, len(got))
	for i, l := range got {
		titles[i] = l.Title
	}
	assert.Equal(t, []string{"Título A", "Título B", "Título A", "ya tiene"}, titles)
	assert.Equal(t, 1, lookup.calls["A"], "duplicate ids share one lookup")
	assert.Zero(t, lookup.calls["C"])
}

// A failed title lookup leaves that title empty and keeps every other listing.
func TestNormalizeTitleLookupFailure(t *testing.T) {
	lookup := &fakeTitles{
		titles: map[string]string{"X2": "Segundo"},
		fail:   map[string]bool{"X1": true},
	}
	n := NewNormalizer(lookup, 2, 0, newTestLogger())

	got, _, err := n.Normalize(context.Background(), json.RawMessage(
		`{"items":[{"item_id":"X1","seller_id":"S1","price":100},{"item_id":"X2","seller_id":"S2","price":90}]}`))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, "X1", got[0].ID)
	assert.Equal(t, "", got[0].Title)
	assert.Equal(t, "Segundo", got[1].Title)
	assert.True(t, got[0].HasPrice())
}

func TestNormalizeCancelledContextLeavesTitlesEmpty(t *testing.T) {
	var called atomic.Bool
	lookup := lookupFunc(func(context.Context, string) (string, error) {
		called.Store(true)
		return "never", nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n := NewNormalizer(lookup, 1, 0, newTestLogger())
	got, _, err := n.Normalize(ctx, json.RawMessage(`[{"id":"A","price":1}]`))
	require.NoError(t, err)
	assert.Equal(t, "", got[0].Title)
	assert.False(t, called.Load())
}

type lookupFunc func(ctx context.Context, id string) (string, error)

func (f lookupFunc) ItemTitle(ctx context.Context, id string) (string, error) { return f(ctx, id) }
