package eta

import (
	"time"

	"github.com/example/campus-share/internal/geo"
	"github.com/example/campus-share/internal/models"
)

const defaultSpeedMps = 8.0 // ~28.8 km/h city speed

// Naive ETA: distance / speed_mps. In prod use a routing engine.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = defaultSpeedMps
	}
	return geo.Distance(from, to) / speedMps
}

// Arrival estimates when a ride leaving at departure reaches its destination.
func Arrival(departure time.Time, from, to models.Coord, speedMps float64) time.Time {
	secs := EstimateSeconds(from, to, speedMps)
	return departure.Add(time.Duration(secs * float64(time.Second))).Round(time.Second)
}
