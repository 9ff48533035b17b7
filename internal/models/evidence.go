package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// ValidationStatus is the matcher verdict for one evidence record
type ValidationStatus string

const (
	EvidenceValid        ValidationStatus = "valid"
	EvidenceOutOfRange   ValidationStatus = "out_of_range"
	EvidenceSuspicious   ValidationStatus = "suspicious"
	EvidenceUnauthorized ValidationStatus = "unauthorized"
)

// ScannedDevice is one proximity observation reported by a client
type ScannedDevice struct {
	DeviceID       string `json:"device_id" validate:"required"`
	SignalStrength int    `json:"signal_strength"`
}

// LocationFix is one GPS reading reported by a client
type LocationFix struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Accuracy   float64   `json:"accuracy"`
	CapturedAt time.Time `json:"captured_at"`
}

// EvidenceRecord is one immutable submission tied to a participant and round.
// Records are never updated; a newer submission is a new row.
type EvidenceRecord struct {
	ID                string           `json:"id" gorm:"primaryKey;column:id"`
	SessionID         string           `json:"session_id" gorm:"column:session_id;index:idx_evidence_session_participant;not null"`
	RoundID           string           `json:"round_id" gorm:"column:round_id;index"`
	ParticipantID     string           `json:"participant_id" gorm:"column:participant_id;index:idx_evidence_session_participant;not null"`
	SubmitterDeviceID string           `json:"submitter_device_id" gorm:"column:submitter_device_id"`
	Payload           datatypes.JSON   `json:"payload" gorm:"column:payload"`
	CapturedAt        time.Time        `json:"captured_at" gorm:"column:captured_at;not null"`
	IsValid           bool             `json:"is_valid" gorm:"column:is_valid"`
	Status            ValidationStatus `json:"status" gorm:"column:status;not null"`
	IsLate            bool             `json:"is_late" gorm:"column:is_late"`
	MatchedDevices    pq.StringArray   `json:"matched_devices,omitempty" gorm:"column:matched_devices;type:text[]"`

	Latitude                  *float64 `json:"latitude,omitempty" gorm:"column:latitude"`
	Longitude                 *float64 `json:"longitude,omitempty" gorm:"column:longitude"`
	DistanceFromOfficeMeters  float64  `json:"distance_from_office_meters" gorm:"column:distance_from_office_meters"`
	DistanceFromCheckInMeters float64  `json:"distance_from_check_in_meters" gorm:"column:distance_from_check_in_meters"`
	SpeedMps                  float64  `json:"speed_mps" gorm:"column:speed_mps"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
}

func (EvidenceRecord) TableName() string { return "evidence_records" }

// Fix returns the location carried by the record, if any
func (e *EvidenceRecord) Fix() (LocationFix, bool) {
	if e.Latitude == nil || e.Longitude == nil {
		return LocationFix{}, false
	}
	return LocationFix{Latitude: *e.Latitude, Longitude: *e.Longitude, CapturedAt: e.CapturedAt}, true
}

// AnomalyType names a detected irregularity
type AnomalyType string

const (
	AnomalyImpossibleSpeed AnomalyType = "impossible_speed"
	AnomalyTeleportation   AnomalyType = "teleportation"
	AnomalyOutOfRange      AnomalyType = "out_of_range"
	AnomalySpoofing        AnomalyType = "spoofing"
)

// Severity grades an anomaly
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// AtLeastMedium reports whether the anomaly needs a manual look
func (s Severity) AtLeastMedium() bool {
	return s == SeverityMedium || s == SeverityHigh
}

// InvestigationStatus tracks the manual review workflow
type InvestigationStatus string

const (
	InvestigationNone    InvestigationStatus = "none"
	InvestigationPending InvestigationStatus = "pending"
)

// AnomalyRecord is a flagged irregularity tied to a participant, session and round
type AnomalyRecord struct {
	ID                    string              `json:"id" gorm:"primaryKey;column:id"`
	SessionID             string              `json:"session_id" gorm:"column:session_id;index;not null"`
	RoundID               string              `json:"round_id" gorm:"column:round_id"`
	ParticipantID         string              `json:"participant_id" gorm:"column:participant_id;index;not null"`
	EvidenceID            string              `json:"evidence_id" gorm:"column:evidence_id"`
	Type                  AnomalyType         `json:"type" gorm:"column:type;not null"`
	Severity              Severity            `json:"severity" gorm:"column:severity;not null"`
	Detail                string              `json:"detail" gorm:"column:detail"`
	AutoFlagged           bool                `json:"auto_flagged" gorm:"column:auto_flagged"`
	RequiresInvestigation bool                `json:"requires_investigation" gorm:"column:requires_investigation"`
	InvestigationStatus   InvestigationStatus `json:"investigation_status" gorm:"column:investigation_status"`
	DetectedAt            time.Time           `json:"detected_at" gorm:"column:detected_at;not null"`
}

func (AnomalyRecord) TableName() string { return "anomalies" }
