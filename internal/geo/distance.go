package geo

import (
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance between two points in meters.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lng1)
	p2 := s2.LatLngFromDegrees(lat2, lng2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// WithinRadius reports whether the two points are within radiusMeters of each
// other, returning the measured distance either way.
func WithinRadius(lat1, lng1, lat2, lng2, radiusMeters float64) (bool, float64) {
	d := DistanceMeters(lat1, lng1, lat2, lng2)
	return d <= radiusMeters, d
}

// ValidCoordinates reports whether lat/lng are inside the WGS84 value range.
func ValidCoordinates(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
