package presence

import "math"

const (
	earthRadiusMeters = 6371000
	metersPerMile     = 1609.34

	// minMetersToGeocode gates provider calls when the fix barely moved.
	minMetersToGeocode = 5
	farAwayMeters      = 400 * 1000
	stationarySpeed    = 0.5
)

func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180
	lat1 *= degToRad
	lon1 *= degToRad
	lat2 *= degToRad
	lon2 *= degToRad
	dlat := lat2 - lat1
	dlon := lon2 - lon1
	a := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// initialBearing is the compass bearing in degrees [0, 360) from the first
// point toward the second.
func initialBearing(lat1, lon1, lat2, lon2 float64) float64 {
	const degToRad = math.Pi / 180
	lat1 *= degToRad
	lat2 *= degToRad
	dlon := (lon2 - lon1) * degToRad
	x := math.Sin(dlon) * math.Cos(lat2)
	y := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dlon)
	deg := math.Atan2(x, y) / degToRad
	return math.Mod(deg+360, 360)
}

// direction classifies movement relative to home.
func direction(metersFromHome, oldMetersFromHome, speed float64) string {
	switch {
	case metersFromHome >= farAwayMeters:
		return "far away"
	case speed <= stationarySpeed:
		return "stationary"
	case oldMetersFromHome > metersFromHome:
		return "toward home"
	case oldMetersFromHome < metersFromHome:
		return "away from home"
	}
	return "stationary"
}
