package query

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/bizdir/internal/config"
	"github.com/sells-group/bizdir/internal/geo"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/store"
)

var toronto = struct{ lat, lng float64 }{43.6532, -79.3832}

func ptr(f float64) *float64 { return &f }

func newEngine(t *testing.T, bs ...model.Business) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	if len(bs) > 0 {
		_, err := st.UpsertBusinesses(context.Background(), bs)
		require.NoError(t, err)
	}
	return NewEngine(st, config.QueryConfig{ExportMax: 50}), st
}

func named(id, name, city, category, province string) model.Business {
	return model.Business{ID: id, Name: name, City: city, Category: category, Province: province, Source: "test"}
}

func located(id string, lat, lng float64) model.Business {
	b := named(id, "Place "+id, "Toronto", "", "ON")
	b.Latitude = ptr(lat)
	b.Longitude = ptr(lng)
	return b
}

func requireValidation(t *testing.T, err error, field string) {
	t.Helper()
	var ve *ValidationError
	require.True(t, errors.As(err, &ve), "expected validation error, got %v", err)
	for _, f := range ve.Fields {
		if f.Field == field {
			return
		}
	}
	t.Fatalf("no error for field %q in %v", field, ve.Fields)
}

func TestSearchByName_CaseAndAccentInsensitive(t *testing.T) {
	e, _ := newEngine(t,
		named("1", "Café Olé", "Montréal", "Restaurant", "QC"),
		named("2", "CAFETERIA PLUS", "Laval", "Restaurant", "QC"),
		named("3", "Boulangerie", "Laval", "Bakery", "QC"),
	)

	res, err := e.SearchByName(context.Background(), ListQuery{Term: "  cafe "})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	assert.Equal(t, "Café Olé", res.Data[0].Name)
	assert.Equal(t, Pagination{Page: 1, Limit: 10, Total: 2, HasMore: false}, res.Pagination)
}

func TestSearchByName_PaginationBoundary(t *testing.T) {
	var bs []model.Business
	for i := range 11 {
		bs = append(bs, named(fmt.Sprintf("id-%02d", i), fmt.Sprintf("Maple %02d", i), "Ottawa", "", "ON"))
	}

	e, _ := newEngine(t, bs...)
	res, err := e.SearchByName(context.Background(), ListQuery{Term: "maple", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, res.Data, 10)
	assert.True(t, res.Pagination.HasMore)

	res, err = e.SearchByName(context.Background(), ListQuery{Term: "maple", Page: 2, Limit: 10})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "Maple 10", res.Data[0].Name)
	assert.False(t, res.Pagination.HasMore)

	e, _ = newEngine(t, bs[:10]...)
	res, err = e.SearchByName(context.Background(), ListQuery{Term: "maple", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, res.Data, 10)
	assert.False(t, res.Pagination.HasMore)
}

func TestSearchByName_EmptyResultIsEmptySlice(t *testing.T) {
	e, _ := newEngine(t)
	res, err := e.SearchByName(context.Background(), ListQuery{Term: "zz"})
	require.NoError(t, err)
	assert.NotNil(t, res.Data)
	assert.Empty(t, res.Data)
}

func TestListValidation(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.SearchByName(ctx, ListQuery{Term: "a"})
	requireValidation(t, err, "name")

	_, err = e.SearchByName(ctx, ListQuery{Term: "${}"})
	requireValidation(t, err, "name")

	_, err = e.ByCategory(ctx, ListQuery{Term: "food", Limit: 101})
	requireValidation(t, err, "limit")

	_, err = e.ByCity(ctx, ListQuery{Term: "Regina", Page: 1001})
	requireValidation(t, err, "page")
}

func TestParseListQuery(t *testing.T) {
	lq, err := ParseListQuery(url.Values{"name": {" Toronto "}, "page": {"3"}, "limit": {"25"}}, "name")
	require.NoError(t, err)
	assert.Equal(t, ListQuery{Term: "Toronto", Page: 3, Limit: 25}, lq)

	lq, err = ParseListQuery(url.Values{"type": {"food"}}, "type")
	require.NoError(t, err)
	assert.Equal(t, 1, lq.Page)
	assert.Equal(t, DefaultLimit, lq.Limit)

	_, err = ParseListQuery(url.Values{"name": {"ok"}, "page": {"0"}}, "name")
	requireValidation(t, err, "page")

	_, err = ParseListQuery(url.Values{"name": {"ok"}, "limit": {"ten"}}, "name")
	requireValidation(t, err, "limit")

	_, err = ParseListQuery(url.Values{}, "name")
	requireValidation(t, err, "name")
}

func TestByCategoryAndCity(t *testing.T) {
	e, _ := newEngine(t,
		named("1", "A", "Québec", "Restaurant", "QC"),
		named("2", "B", "Quebec", "restaurant", "QC"),
		named("3", "C", "Toronto", "Restaurant", "ON"),
		named("4", "D", "Quebec", "Bakery", "QC"),
	)
	ctx := context.Background()

	res, err := e.ByCategory(ctx, ListQuery{Term: "RESTAURANT"})
	require.NoError(t, err)
	assert.Len(t, res.Data, 3)

	res, err = e.ByCity(ctx, ListQuery{Term: "quebec"})
	require.NoError(t, err)
	assert.Len(t, res.Data, 3)

	res, err = e.ByCity(ctx, ListQuery{Term: "Queb"})
	require.NoError(t, err)
	assert.Empty(t, res.Data, "city is an exact match")
}

func TestNearby_FiltersAndSorts(t *testing.T) {
	e, _ := newEngine(t,
		located("near", toronto.lat+0.01, toronto.lng),
		located("nearer", toronto.lat, toronto.lng+0.005),
		located("same-lat-far-east", toronto.lat, toronto.lng+1.0),
		located("far-north", toronto.lat+0.5, toronto.lng),
		named("nowhere", "No Coordinates", "Toronto", "", "ON"),
	)

	res, err := e.Nearby(context.Background(), NearbyQuery{Lat: toronto.lat, Lng: toronto.lng, RadiusKm: 5})
	require.NoError(t, err)
	require.Len(t, res.Data, 2)
	assert.Equal(t, "nearer", res.Data[0].ID)
	assert.Equal(t, "near", res.Data[1].ID)
	assert.LessOrEqual(t, *res.Data[0].Distance, *res.Data[1].Distance)

	want := geo.Round2(geo.Haversine(toronto.lat, toronto.lng, toronto.lat+0.01, toronto.lng))
	assert.Equal(t, want, *res.Data[1].Distance)
	assert.Equal(t, "km", res.Unit)
	assert.Equal(t, 5.0, res.Radius)
	assert.Equal(t, Center{Lat: toronto.lat, Lng: toronto.lng}, res.Center)
}

func TestNearby_BoundaryInclusive(t *testing.T) {
	lat, lng := toronto.lat+0.03, toronto.lng+0.03
	radius := geo.Haversine(toronto.lat, toronto.lng, lat, lng)
	e, _ := newEngine(t, located("edge", lat, lng))

	res, err := e.Nearby(context.Background(), NearbyQuery{Lat: toronto.lat, Lng: toronto.lng, RadiusKm: radius})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, "edge", res.Data[0].ID)

	res, err = e.Nearby(context.Background(), NearbyQuery{Lat: toronto.lat, Lng: toronto.lng, RadiusKm: radius - 0.001})
	require.NoError(t, err)
	assert.Empty(t, res.Data)
}

func TestNearby_DueNorthAndEastInsideRadius(t *testing.T) {
	e, _ := newEngine(t,
		located("north", toronto.lat+0.0899, toronto.lng),
		located("south", toronto.lat-0.0899, toronto.lng),
		located("east", toronto.lat, toronto.lng+0.1242),
		located("north-outside", toronto.lat+0.0905, toronto.lng),
	)

	res, err := e.Nearby(context.Background(), NearbyQuery{Lat: toronto.lat, Lng: toronto.lng, RadiusKm: 10})
	require.NoError(t, err)

	ids := make([]string, 0, len(res.Data))
	for _, b := range res.Data {
		assert.LessOrEqual(t, *b.Distance, 10.0)
		ids = append(ids, b.ID)
	}
	assert.ElementsMatch(t, []string{"north", "south", "east"}, ids)
}

func TestNearby_Truncates(t *testing.T) {
	var bs []model.Business
	for i := range 6 {
		bs = append(bs, located(fmt.Sprintf("p%d", i), toronto.lat+float64(i)*0.001, toronto.lng))
	}
	e, _ := newEngine(t, bs...)

	res, err := e.Nearby(context.Background(), NearbyQuery{Lat: toronto.lat, Lng: toronto.lng, RadiusKm: 10, Limit: 3})
	require.NoError(t, err)
	require.Len(t, res.Data, 3)
	assert.Equal(t, "p0", res.Data[0].ID)
	assert.Equal(t, 0.0, *res.Data[0].Distance)
}

func TestNearby_Validation(t *testing.T) {
	e, _ := newEngine(t)
	ctx := context.Background()

	_, err := e.Nearby(ctx, NearbyQuery{Lat: math.NaN(), Lng: 0, RadiusKm: 1})
	requireValidation(t, err, "lat")

	_, err = e.Nearby(ctx, NearbyQuery{Lat: 91, Lng: 0, RadiusKm: 1})
	requireValidation(t, err, "lat")

	_, err = e.Nearby(ctx, NearbyQuery{Lat: 0, Lng: math.Inf(1), RadiusKm: 1})
	requireValidation(t, err, "lng")

	_, err = e.Nearby(ctx, NearbyQuery{Lat: 0, Lng: 0, RadiusKm: 0})
	requireValidation(t, err, "radius")

	_, err = e.Nearby(ctx, NearbyQuery{Lat: 0, Lng: 0, RadiusKm: 101})
	requireValidation(t, err, "radius")
}

func TestParseNearbyQuery(t *testing.T) {
	nq, err := ParseNearbyQuery(url.Values{"lat": {"43.65"}, "lng": {"-79.38"}})
	require.NoError(t, err)
	assert.Equal(t, NearbyQuery{Lat: 43.65, Lng: -79.38, RadiusKm: DefaultRadiusKm, Limit: DefaultLimit}, nq)

	_, err = ParseNearbyQuery(url.Values{"lng": {"-79.38"}})
	requireValidation(t, err, "lat")

	_, err = ParseNearbyQuery(url.Values{"lat": {"abc"}, "lng": {"-79.38"}})
	requireValidation(t, err, "lat")

	_, err = ParseNearbyQuery(url.Values{"lat": {"NaN"}, "lng": {"1"}})
	requireValidation(t, err, "lat")

	_, err = ParseNearbyQuery(url.Values{"lat": {"1"}, "lng": {"1"}, "radius": {"0"}})
	requireValidation(t, err, "radius")
}

type brokenStore struct {
	store.Businesses
}

func (brokenStore) GetBusiness(context.Context, string) (*model.Business, error) {
	return nil, errors.New("connection reset")
}

func (brokenStore) CountBusinesses(context.Context, store.Filter) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestGetByID(t *testing.T) {
	e, _ := newEngine(t, named("123456789", "Maple Syrup Inc", "Montreal", "", "QC"))
	ctx := context.Background()

	b, err := e.GetByID(ctx, "123456789")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "Maple Syrup Inc", b.Name)

	b, err = e.GetByID(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, b)

	_, err = e.GetByID(ctx, "a/b")
	requireValidation(t, err, "id")
	_, err = e.GetByID(ctx, "")
	requireValidation(t, err, "id")
	_, err = e.GetByID(ctx, strings.Repeat("x", MaxIDLength+1))
	requireValidation(t, err, "id")
	_, err = e.GetByID(ctx, strings.Repeat("x", MaxIDLength))
	require.NoError(t, err)

	_, err = NewEngine(brokenStore{}, config.QueryConfig{}).GetByID(ctx, "x")
	require.Error(t, err)
	var ve *ValidationError
	assert.False(t, errors.As(err, &ve))
}

func TestStats(t *testing.T) {
	e, _ := newEngine(t,
		named("1", "A", "Toronto", "", "ON"),
		named("2", "B", "Ottawa", "", "ON"),
		named("3", "C", "Vancouver", "", "BC"),
		named("4", "D", "Nowhere", "", ""),
	)

	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalBusinesses)
	assert.Equal(t, "v1", stats.APIVersion)
	assert.Len(t, stats.ByProvince, 13)
	assert.Equal(t, int64(2), stats.ByProvince["ON"])
	assert.Equal(t, int64(1), stats.ByProvince["BC"])
	assert.Equal(t, int64(0), stats.ByProvince["NU"])
}

func TestStats_StoreError(t *testing.T) {
	_, err := NewEngine(brokenStore{}, config.QueryConfig{}).Stats(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func exportFixture() []model.Business {
	updated := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	employees := 12
	return []model.Business{
		{
			ID:             "123456789",
			Name:           "Maple Syrup Inc",
			BusinessNumber: "123456789",
			City:           "Montreal",
			Province:       "QC",
			PostalCode:     "H2X 1Y4",
			Category:       "Food Manufacturing",
			Sector:         "Manufacturing",
			NAICSCode:      "311",
			Employees:      &employees,
			Phone:          "(514) 555-0100",
			Latitude:       ptr(45.5017),
			Longitude:      ptr(-73.5673),
			Source:         "quebec",
			UpdatedAt:      updated,
		},
		{
			ID:        "poutine-palace-abc",
			Name:      "Poutine Palace, Ltd.",
			Address:   `12 "Rue" St-Jean`,
			City:      "Québec",
			Province:  "QC",
			Source:    "quebec",
			UpdatedAt: updated,
		},
	}
}

func TestWriteCSV_Golden(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, exportFixture()))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "export_csv", buf.Bytes())
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, exportFixture()))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "H2X 1Y4", got[0]["postalCode"])
	assert.NotContains(t, got[0], "distance")
}

func TestExport_FiltersAndCap(t *testing.T) {
	var bs []model.Business
	for i := range 60 {
		bs = append(bs, named(fmt.Sprintf("on-%02d", i), fmt.Sprintf("Ontario %02d", i), "Toronto", "Retail", "ON"))
	}
	bs = append(bs, named("bc-1", "Ontario Street Cafe", "Vancouver", "Restaurant", "BC"))
	e, _ := newEngine(t, bs...)
	ctx := context.Background()

	rows, err := e.Export(ctx, ExportQuery{})
	require.NoError(t, err)
	assert.Len(t, rows, 50, "capped at export max")

	rows, err = e.Export(ctx, ExportQuery{Province: "BC"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bc-1", rows[0].ID)

	rows, err = e.Export(ctx, ExportQuery{Name: "ontario", City: "toronto", Limit: 5})
	require.NoError(t, err)
	assert.Len(t, rows, 5)

	_, err = e.Export(ctx, ExportQuery{Format: "xml"})
	requireValidation(t, err, "format")

	_, err = e.Export(ctx, ExportQuery{Province: "ZZ"})
	requireValidation(t, err, "province")
}

func TestParseExportQuery(t *testing.T) {
	eq, err := ParseExportQuery(url.Values{"format": {"CSV"}, "province": {"on"}, "category": {" Retail "}})
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, eq.Format)
	assert.Equal(t, "ON", eq.Province)
	assert.Equal(t, "Retail", eq.Category)

	eq, err = ParseExportQuery(url.Values{})
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, eq.Format)

	_, err = ParseExportQuery(url.Values{"limit": {"-1"}})
	requireValidation(t, err, "limit")
}
