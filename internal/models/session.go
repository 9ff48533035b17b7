// Package models contains data structures for the application
package models

import (
	"time"
)

// SessionStatus is the lifecycle state of a Session
type SessionStatus string

const (
	SessionPending    SessionStatus = "pending"
	SessionActive     SessionStatus = "active"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionCancelled  SessionStatus = "cancelled"
)

// sessionTransitions lists the legal forward moves; anything else is rejected.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionPending:    {SessionActive, SessionCancelled},
	SessionActive:     {SessionProcessing, SessionCompleted, SessionCancelled},
	SessionProcessing: {SessionCompleted},
}

// CanTransition reports whether a session may move from s to next
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

// SessionMode selects how evidence is collected and matched
type SessionMode string

const (
	ModeDeviceProximity SessionMode = "device_proximity"
	ModeLocation        SessionMode = "location"
)

// Session is one bounded attendance window (a class or a shift)
type Session struct {
	ID               string        `json:"id" gorm:"primaryKey;column:id"`
	ScheduleID       string        `json:"schedule_id" gorm:"column:schedule_id;index;not null"`
	SupervisorID     string        `json:"supervisor_id" gorm:"column:supervisor_id;not null"`
	Mode             SessionMode   `json:"mode" gorm:"column:mode;not null"`
	ScheduledStart   time.Time     `json:"scheduled_start" gorm:"column:scheduled_start;not null"`
	ScheduledEnd     time.Time     `json:"scheduled_end" gorm:"column:scheduled_end;not null"`
	ActualStart      *time.Time    `json:"actual_start,omitempty" gorm:"column:actual_start"`
	ActualEnd        *time.Time    `json:"actual_end,omitempty" gorm:"column:actual_end"`
	Status           SessionStatus `json:"status" gorm:"column:status;index;not null"`
	RoundCount       int           `json:"round_count" gorm:"column:round_count;not null"`
	ToleranceMinutes int           `json:"tolerance_minutes" gorm:"column:tolerance_minutes;not null"`

	// Reference point for location sessions
	OfficeLatitude  float64 `json:"office_latitude" gorm:"column:office_latitude"`
	OfficeLongitude float64 `json:"office_longitude" gorm:"column:office_longitude"`
	RadiusMeters    float64 `json:"radius_meters" gorm:"column:radius_meters"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

func (Session) TableName() string { return "sessions" }

// Tolerance returns the attendance-window tolerance as a duration
func (s *Session) Tolerance() time.Duration {
	return time.Duration(s.ToleranceMinutes) * time.Minute
}

// AllowedWindow returns the interval in which the session may be started
func (s *Session) AllowedWindow() (time.Time, time.Time) {
	return s.ScheduledStart.Add(-s.Tolerance()), s.ScheduledEnd.Add(s.Tolerance())
}

// CacheTTL is the lifetime of every cache entry written for the session:
// remaining session time plus twice the tolerance.
func (s *Session) CacheTTL(now time.Time) time.Duration {
	remaining := s.ScheduledEnd.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining + 2*s.Tolerance()
}

// RoundStatus is the lifecycle state of a Round
type RoundStatus string

const (
	RoundPending   RoundStatus = "pending"
	RoundActive    RoundStatus = "active"
	RoundCompleted RoundStatus = "completed"
	RoundCancelled RoundStatus = "cancelled"
	RoundFinalized RoundStatus = "finalized"
)

// IsClosed reports whether the next round may be activated after this one
func (s RoundStatus) IsClosed() bool {
	return s == RoundCompleted || s == RoundCancelled || s == RoundFinalized
}

// Round is one verification window inside a Session
type Round struct {
	ID            string      `json:"id" gorm:"primaryKey;column:id"`
	SessionID     string      `json:"session_id" gorm:"column:session_id;uniqueIndex:idx_round_session_number;not null"`
	Number        int         `json:"number" gorm:"column:number;uniqueIndex:idx_round_session_number;not null"`
	Status        RoundStatus `json:"status" gorm:"column:status;not null"`
	ScheduledTime time.Time   `json:"scheduled_time" gorm:"column:scheduled_time;not null"`
	ActivatedAt   *time.Time  `json:"activated_at,omitempty" gorm:"column:activated_at"`
	ClosedAt      *time.Time  `json:"closed_at,omitempty" gorm:"column:closed_at"`
}

func (Round) TableName() string { return "rounds" }
