// Package geo evaluates circular geofences on the Earth's surface.
package geo

import "math"

// EarthRadiusMeters is the mean radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	phi1 := radians(a.Lat)
	phi2 := radians(b.Lat)
	dPhi := radians(b.Lat - a.Lat)
	dLambda := radians(b.Lon - a.Lon)

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	// rounding can leave h just outside [0, 1] near the antipode
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Inside reports whether p lies within radiusMeters of center, boundary included.
func Inside(p, center Point, radiusMeters float64) bool {
	return Distance(p, center) <= radiusMeters
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
