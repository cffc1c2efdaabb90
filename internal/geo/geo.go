// Package geo provides the geographic math used by the field client:
// great-circle distances, compass-heading classification, and the
// speed-unit conversions shared by the telemetry pipeline.
package geo

import "math"

// EarthRadiusMeters is the mean earth radius used for haversine distances.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// LocationFix is a single positioning sample. Only the most recent fix is
// retained by consumers; fixes are never persisted.
type LocationFix struct {
	Point
	HeadingDeg    float64 `json:"heading"`
	SpeedKmh      float64 `json:"speed"`
	AccuracyM     float64 `json:"accuracy"`
	UnixTimestamp int64   `json:"timestamp"`
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return EarthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// SignalAxis identifies which approach axis a traffic signal serves.
type SignalAxis string

const (
	AxisNorthSouth    SignalAxis = "north_south"
	AxisEastWest      SignalAxis = "east_west"
	AxisAllDirections SignalAxis = "all_directions"
)

// AxisForHeading maps a compass heading (0 = north, 90 = east) onto the
// signal axis the vehicle is travelling along. Headings in
// [315,360) ∪ [0,45) ∪ [135,225) are north-south; the rest east-west.
func AxisForHeading(headingDeg float64) SignalAxis {
	h := math.Mod(headingDeg, 360)
	if h < 0 {
		h += 360
	}
	if h < 45 || h >= 315 || (h >= 135 && h < 225) {
		return AxisNorthSouth
	}
	return AxisEastWest
}

// Matches reports whether an override request for axis may be applied to a
// signal serving this axis. All-direction signals accept any request.
func (a SignalAxis) Matches(requested SignalAxis) bool {
	return a == AxisAllDirections || a == requested
}

// KmhToMs converts kilometers per hour to meters per second.
func KmhToMs(kmh float64) float64 { return kmh / 3.6 }

// MsToKmh converts meters per second to kilometers per hour.
func MsToKmh(ms float64) float64 { return ms * 3.6 }
