package query

import (
	"context"
	"net/url"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bizdir/internal/geo"
	"github.com/sells-group/bizdir/internal/model"
	"github.com/sells-group/bizdir/internal/store"
)

// NearbyQuery is a radius search around a point.
type NearbyQuery struct {
	Lat      float64
	Lng      float64
	RadiusKm float64
	Limit    int
}

// ParseNearbyQuery reads lat, lng, radius and limit from request parameters.
// lat and lng are required; radius defaults to 10 km.
func ParseNearbyQuery(q url.Values) (NearbyQuery, error) {
	var v validator
	nq := NearbyQuery{
		Lat:      v.parseFloat("lat", q.Get("lat"), true, 0),
		Lng:      v.parseFloat("lng", q.Get("lng"), true, 0),
		RadiusKm: v.parseFloat("radius", q.Get("radius"), false, DefaultRadiusKm),
		Limit:    v.parseInt("limit", q.Get("limit"), DefaultLimit),
	}
	v.intRange("limit", nq.Limit, 1, MaxLimit)
	if err := v.err(); err != nil {
		return nq, err
	}
	return nq.validate()
}

func (nq NearbyQuery) validate() (NearbyQuery, error) {
	var v validator
	if nq.Limit == 0 {
		nq.Limit = DefaultLimit
	}
	v.finite("lat", nq.Lat, -90, 90)
	v.finite("lng", nq.Lng, -180, 180)
	v.finite("radius", nq.RadiusKm, 0, MaxRadiusKm)
	if nq.RadiusKm == 0 {
		v.add("radius", "too_small", "must be greater than 0")
	}
	v.intRange("limit", nq.Limit, 1, MaxLimit)
	return nq, v.err()
}

// Center is the search origin echoed in a nearby result.
type Center struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// NearbyResult lists businesses by ascending distance.
type NearbyResult struct {
	Data   []model.Business `json:"data"`
	Radius float64          `json:"radius"`
	Unit   string           `json:"unit"`
	Center Center           `json:"center"`
}

// Nearby returns located businesses within RadiusKm of the point, closest
// first, each with its distance in km rounded to two decimals.
//
// The store is queried on a latitude band only, over-fetching 2×limit rows;
// longitude and exact distance are filtered here. Dense bands can therefore
// under-return.
func (e *Engine) Nearby(ctx context.Context, nq NearbyQuery) (*NearbyResult, error) {
	nq, err := nq.validate()
	if err != nil {
		return nil, err
	}

	box := geo.BoundingBox(nq.Lat, nq.Lng, nq.RadiusKm)
	minLat, maxLat := box.MinLat(), box.MaxLat()
	rows, err := e.store.FindBusinesses(ctx,
		store.Filter{MinLat: &minLat, MaxLat: &maxLat},
		store.Page{Limit: nq.Limit * 2},
	)
	if err != nil {
		return nil, eris.Wrap(err, "query: nearby")
	}

	out := make([]model.Business, 0, len(rows))
	for _, b := range rows {
		if !b.HasLocation() || !box.ContainsLng(*b.Longitude) {
			continue
		}
		d := geo.Haversine(nq.Lat, nq.Lng, *b.Latitude, *b.Longitude)
		if d > nq.RadiusKm {
			continue
		}
		rounded := geo.Round2(d)
		b.Distance = &rounded
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return *out[i].Distance < *out[j].Distance })
	if len(out) > nq.Limit {
		out = out[:nq.Limit]
	}

	return &NearbyResult{
		Data:   out,
		Radius: nq.RadiusKm,
		Unit:   "km",
		Center: Center{Lat: nq.Lat, Lng: nq.Lng},
	}, nil
}
