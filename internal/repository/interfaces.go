// Package repository defines repository interfaces for data access
package repository

import (
	"context"
	"errors"
	"time"

	"presence-verifier/internal/models"
)

// ErrNotFound is returned when a requested record does not exist
var ErrNotFound = errors.New("record not found")

// SessionRepository defines the interface for session data access
type SessionRepository interface {
	// CreateSession persists a new session
	CreateSession(ctx context.Context, session *models.Session) error
	// GetSession retrieves a session by id, ErrNotFound if absent
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// ActiveSessionForSchedule returns the Active session of a schedule, nil if none
	ActiveSessionForSchedule(ctx context.Context, scheduleID string) (*models.Session, error)
	// SaveSession writes status and actual start/end of an existing session
	SaveSession(ctx context.Context, session *models.Session) error
	// ListSessionsByStatus returns every session in one of the given states
	ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error)
}

// RoundRepository defines the interface for round data access
type RoundRepository interface {
	// CreateRounds inserts rounds, skipping (session, number) pairs that already exist
	CreateRounds(ctx context.Context, rounds []models.Round) error
	// ListRounds returns the rounds of a session ordered by number
	ListRounds(ctx context.Context, sessionID string) ([]models.Round, error)
	// GetRound retrieves a round by id, ErrNotFound if absent
	GetRound(ctx context.Context, id string) (*models.Round, error)
	// SaveRound writes status and activation/close times
	SaveRound(ctx context.Context, round *models.Round) error
}

// EvidenceRepository defines the interface for evidence and anomaly data access
type EvidenceRepository interface {
	// CreateEvidence appends an evidence record
	CreateEvidence(ctx context.Context, record *models.EvidenceRecord) error
	// ListEvidence returns a session's records, filtered to one participant when participantID is set,
	// ordered by capture time
	ListEvidence(ctx context.Context, sessionID, participantID string) ([]models.EvidenceRecord, error)
	// LocationHistory returns the first and the most recent location records of a participant, nil when none
	LocationHistory(ctx context.Context, sessionID, participantID string) (first, last *models.EvidenceRecord, err error)
	// CreateAnomaly records a flagged irregularity
	CreateAnomaly(ctx context.Context, anomaly *models.AnomalyRecord) error
}

// OutcomeRepository defines the interface for finalization results
type OutcomeRepository interface {
	// UpsertRoundAttendance writes per-round verdicts keyed by (round, participant)
	UpsertRoundAttendance(ctx context.Context, rows []models.RoundAttendance) error
	// ListRoundAttendance returns per-round verdicts of a participant ordered by round number
	ListRoundAttendance(ctx context.Context, sessionID, participantID string) ([]models.RoundAttendance, error)
	// UpsertOutcome writes the final result keyed by (session, participant)
	UpsertOutcome(ctx context.Context, outcome *models.AttendanceOutcome) error
	// GetOutcome retrieves the final result, ErrNotFound if not finalized yet
	GetOutcome(ctx context.Context, sessionID, participantID string) (*models.AttendanceOutcome, error)
}

// ReminderRepository defines the interface for the reminder log
type ReminderRepository interface {
	// MarkReminderSent records a reminder; false when one was already recorded
	MarkReminderSent(ctx context.Context, roundID, participantID string, at time.Time) (bool, error)
}

// DeadLetterRepository defines the interface for poison messages
type DeadLetterRepository interface {
	// SaveDeadLetter stores a message that exhausted its retries
	SaveDeadLetter(ctx context.Context, letter *models.DeadLetter) error
}

// RosterRepository is the participant roster collaborator
type RosterRepository interface {
	// ListParticipants returns the participants enrolled in a schedule
	ListParticipants(ctx context.Context, scheduleID string) ([]models.Participant, error)
	// SchedulesForParticipant returns the schedules a participant is enrolled in
	SchedulesForParticipant(ctx context.Context, participantID string) ([]string, error)
}

// HolidayCalendar is the business-day collaborator
type HolidayCalendar interface {
	// IsHoliday reports whether the date is a non-business day
	IsHoliday(ctx context.Context, date time.Time) (bool, error)
}

// Store groups every repository backed by one durable store
type Store interface {
	SessionRepository
	RoundRepository
	EvidenceRepository
	OutcomeRepository
	ReminderRepository
	DeadLetterRepository
	RosterRepository
	HolidayCalendar
}
