package services

import (
	"fmt"
	"math"
	"time"

	"presence-verifier/internal/models"
)

const earthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two coordinates
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(a)))
}

// ValidCoordinates rejects NaN, infinities and out-of-range values
func ValidCoordinates(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// AnomalyThresholds configures the anomaly rules
type AnomalyThresholds struct {
	// MaxSpeedMps is the fastest plausible travel speed between two fixes
	MaxSpeedMps float64
	// TeleportDistanceMeters with at most TeleportMaxElapsed between fixes is a teleport
	TeleportDistanceMeters float64
	TeleportMaxElapsed     time.Duration
	// HighSpeedFactor times MaxSpeedMps raises ImpossibleSpeed to high severity
	HighSpeedFactor float64
	// FarOutOfRangeFactor times the radius raises OutOfRange to medium severity
	FarOutOfRangeFactor float64
}

// DefaultAnomalyThresholds returns conservative defaults (~200 km/h)
func DefaultAnomalyThresholds() AnomalyThresholds {
	return AnomalyThresholds{
		MaxSpeedMps:            55,
		TeleportDistanceMeters: 1000,
		TeleportMaxElapsed:     5 * time.Second,
		HighSpeedFactor:        2,
		FarOutOfRangeFactor:    3,
	}
}

// Finding is one anomaly produced by a rule, before it is persisted
type Finding struct {
	Type     models.AnomalyType
	Severity models.Severity
	Detail   string
}

// AnomalyDetector evaluates a fix against the participant's previous fix and the reference radius
type AnomalyDetector struct {
	t AnomalyThresholds
}

func NewAnomalyDetector(t AnomalyThresholds) *AnomalyDetector {
	return &AnomalyDetector{t: t}
}

// Movement compares cur against prev and returns the implied speed with any movement anomaly
func (d *AnomalyDetector) Movement(prev *models.LocationFix, cur models.LocationFix) (float64, []Finding) {
	if prev == nil {
		return 0, nil
	}
	distance := HaversineMeters(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
	elapsed := cur.CapturedAt.Sub(prev.CapturedAt)
	if elapsed < 0 {
		elapsed = -elapsed
	}

	if elapsed <= d.t.TeleportMaxElapsed && distance >= d.t.TeleportDistanceMeters {
		return 0, []Finding{{
			Type:     models.AnomalyTeleportation,
			Severity: models.SeverityHigh,
			Detail:   fmt.Sprintf("moved %.0fm in %s", distance, elapsed),
		}}
	}
	if elapsed <= 0 {
		return 0, nil
	}

	speed := distance / elapsed.Seconds()
	if speed <= d.t.MaxSpeedMps {
		return speed, nil
	}
	severity := models.SeverityMedium
	if speed > d.t.MaxSpeedMps*d.t.HighSpeedFactor {
		severity = models.SeverityHigh
	}
	return speed, []Finding{{
		Type:     models.AnomalyImpossibleSpeed,
		Severity: severity,
		Detail:   fmt.Sprintf("implied speed %.1fm/s over %.0fm in %s exceeds %.1fm/s", speed, distance, elapsed, d.t.MaxSpeedMps),
	}}
}

// Range flags a fix farther than radius from the reference point; radius <= 0 disables the check
func (d *AnomalyDetector) Range(distance, radius float64) []Finding {
	if radius <= 0 || distance <= radius {
		return nil
	}
	severity := models.SeverityLow
	if distance > radius*d.t.FarOutOfRangeFactor {
		severity = models.SeverityMedium
	}
	return []Finding{{
		Type:     models.AnomalyOutOfRange,
		Severity: severity,
		Detail:   fmt.Sprintf("%.0fm from reference point, radius %.0fm", distance, radius),
	}}
}
