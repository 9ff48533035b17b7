package models

import (
	"time"

	"gorm.io/datatypes"
)

// OutcomeStatus is the final verdict for a participant in a session
type OutcomeStatus string

const (
	OutcomePresent OutcomeStatus = "present"
	OutcomePartial OutcomeStatus = "partial"
	OutcomeAbsent  OutcomeStatus = "absent"
)

// RoundAttendance is the per-round verdict, keyed by (round, participant)
type RoundAttendance struct {
	SessionID     string           `json:"session_id" gorm:"column:session_id;index;not null"`
	RoundID       string           `json:"round_id" gorm:"primaryKey;column:round_id"`
	ParticipantID string           `json:"participant_id" gorm:"primaryKey;column:participant_id"`
	RoundNumber   int              `json:"round_number" gorm:"column:round_number"`
	Attended      bool             `json:"attended" gorm:"column:attended"`
	EvidenceID    string           `json:"evidence_id,omitempty" gorm:"column:evidence_id"`
	Status        ValidationStatus `json:"status,omitempty" gorm:"column:status"`
}

func (RoundAttendance) TableName() string { return "round_attendance" }

// AttendanceOutcome is the final record per participant per session, keyed by (session, participant)
type AttendanceOutcome struct {
	SessionID      string        `json:"session_id" gorm:"primaryKey;column:session_id"`
	ParticipantID  string        `json:"participant_id" gorm:"primaryKey;column:participant_id"`
	AttendedRounds int           `json:"attended_rounds" gorm:"column:attended_rounds"`
	TotalRounds    int           `json:"total_rounds" gorm:"column:total_rounds"`
	Percentage     float64       `json:"percentage" gorm:"column:percentage"`
	Status         OutcomeStatus `json:"status" gorm:"column:status;not null"`
	FinalizedAt    time.Time     `json:"finalized_at" gorm:"column:finalized_at"`
}

func (AttendanceOutcome) TableName() string { return "attendance_outcomes" }

// DeadLetter records a message that could not be processed
type DeadLetter struct {
	ID                  string         `json:"id" gorm:"primaryKey;column:id"`
	OriginalMessageID   string         `json:"original_message_id" gorm:"column:original_message_id;index"`
	OriginalMessageType string         `json:"original_message_type" gorm:"column:original_message_type"`
	Payload             datatypes.JSON `json:"payload" gorm:"column:payload"`
	ErrorMessage        string         `json:"error_message" gorm:"column:error_message"`
	Attempts            int            `json:"attempts" gorm:"column:attempts"`
	Timestamp           time.Time      `json:"timestamp" gorm:"column:timestamp"`
}

func (DeadLetter) TableName() string { return "dead_letters" }

// ReminderLog marks that a reminder was sent for (round, participant)
type ReminderLog struct {
	RoundID       string    `gorm:"primaryKey;column:round_id"`
	ParticipantID string    `gorm:"primaryKey;column:participant_id"`
	SentAt        time.Time `gorm:"column:sent_at"`
}

func (ReminderLog) TableName() string { return "reminder_logs" }
