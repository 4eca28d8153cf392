// Package geo provides the distance and bounding-box math behind nearby search.
package geo

import (
	"math"

	"github.com/mmcloughlin/geohash"
	"github.com/twpayne/go-geom"
)

const (
	// EarthRadiusKm is the mean Earth radius used by Haversine.
	EarthRadiusKm = 6371.0
	// KmPerDegree is the length of one degree of latitude on the Haversine sphere.
	KmPerDegree = EarthRadiusKm * math.Pi / 180
	// GeohashPrecision is the cell size stored with each located business.
	GeohashPrecision = 9
)

// Haversine returns the great-circle distance in kilometers between two points.
func Haversine(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// Box is an axis-aligned latitude/longitude rectangle.
type Box struct {
	bounds *geom.Bounds
}

// boxPad widens both deltas so points exactly on the circle survive rounding.
const boxPad = 1 + 1e-9

// BoundingBox returns the smallest box containing every point within radiusKm
// of the center, measured with Haversine. Near the poles the longitude span
// covers the whole globe.
func BoundingBox(lat, lng, radiusKm float64) Box {
	angular := radiusKm / EarthRadiusKm
	latDelta := toDeg(angular) * boxPad

	lngDelta := 180.0
	if s := math.Sin(angular) / math.Cos(toRad(lat)); angular < math.Pi/2 && s >= 0 && s < 1 {
		lngDelta = min(toDeg(math.Asin(s))*boxPad, 180)
	}
	b := geom.NewBounds(geom.XY).Set(lng-lngDelta, lat-latDelta, lng+lngDelta, lat+latDelta)
	return Box{bounds: b}
}

func toDeg(rad float64) float64 {
	return rad * 180 / math.Pi
}

// MinLat returns the southern edge.
func (b Box) MinLat() float64 { return b.bounds.Min(1) }

// MaxLat returns the northern edge.
func (b Box) MaxLat() float64 { return b.bounds.Max(1) }

// MinLng returns the western edge.
func (b Box) MinLng() float64 { return b.bounds.Min(0) }

// MaxLng returns the eastern edge.
func (b Box) MaxLng() float64 { return b.bounds.Max(0) }

// ContainsLng reports whether lng lies within the box's longitude span, edges included.
func (b Box) ContainsLng(lng float64) bool {
	return lng >= b.MinLng() && lng <= b.MaxLng()
}

// Contains reports whether the point lies inside the box, edges included.
func (b Box) Contains(lat, lng float64) bool {
	return b.bounds.OverlapsPoint(geom.XY, geom.Coord{lng, lat})
}

// Round2 rounds to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Geohash encodes a point at GeohashPrecision characters.
func Geohash(lat, lng float64) string {
	return geohash.EncodeWithPrecision(lat, lng, GeohashPrecision)
}

// ValidLatLng reports whether the pair is finite and within range.
func ValidLatLng(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
