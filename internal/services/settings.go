package services

import "time"

// Settings tunes the verification engine
type Settings struct {
	// AttendanceThreshold is the percentage at or above which a participant is Present
	AttendanceThreshold float64
	DefaultRoundCount   int
	DefaultTolerance    time.Duration

	OverdueAfter   time.Duration
	ReminderWindow time.Duration

	Anomaly AnomalyThresholds
	// MinSignalStrength is the weakest proximity signal (dBm) that still counts as nearby
	MinSignalStrength int
}

// DefaultSettings returns conservative defaults
func DefaultSettings() Settings {
	return Settings{
		AttendanceThreshold: 75,
		DefaultRoundCount:   3,
		DefaultTolerance:    15 * time.Minute,
		OverdueAfter:        30 * time.Minute,
		ReminderWindow:      15 * time.Minute,
		Anomaly:             DefaultAnomalyThresholds(),
		MinSignalStrength:   -70,
	}
}
