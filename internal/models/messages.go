package models

import "time"

// Message types carried on the task queue
const (
	MsgCreateRounds                    = "create_rounds"
	MsgSubmitScanData                  = "submit_scan_data"
	MsgProcessActiveRoundForEndSession = "process_active_round_for_end_session"
	MsgCalculateRoundAttendance        = "calculate_round_attendance"
	MsgSessionFinalAttendanceToProcess = "session_final_attendance_to_process"
	MsgSessionFinalized                = "session.finalized"
	MsgDeadLettered                    = "message.dead_lettered"
)

// CreateRoundsMessage triggers round pre-creation
type CreateRoundsMessage struct {
	SessionID      string    `json:"session_id" validate:"required"`
	TotalRounds    int       `json:"total_rounds" validate:"required,min=1"`
	ScheduledStart time.Time `json:"scheduled_start" validate:"required"`
	ScheduledEnd   time.Time `json:"scheduled_end" validate:"required,gtfield=ScheduledStart"`
}

// SubmitScanDataMessage carries device-proximity evidence
type SubmitScanDataMessage struct {
	SubmitterDeviceID string          `json:"submitter_device_id" validate:"required"`
	ParticipantID     string          `json:"participant_id" validate:"required"`
	SessionID         string          `json:"session_id" validate:"required"`
	RoundID           string          `json:"round_id" validate:"required"`
	ScannedDevices    []ScannedDevice `json:"scanned_devices" validate:"dive"`
	Timestamp         time.Time       `json:"timestamp" validate:"required"`
	IsLateSubmission  bool            `json:"is_late_submission"`
}

// ProcessActiveRoundForEndSessionMessage is emitted by EndSession when a round is still open
type ProcessActiveRoundForEndSessionMessage struct {
	SessionID       string   `json:"session_id" validate:"required"`
	ActiveRoundID   string   `json:"active_round_id" validate:"required"`
	ActorID         string   `json:"actor_id" validate:"required"`
	PendingRoundIDs []string `json:"pending_round_ids"`
}

// CalculateRoundAttendanceMessage triggers per-round computation
type CalculateRoundAttendanceMessage struct {
	SessionID    string `json:"session_id" validate:"required"`
	RoundID      string `json:"round_id" validate:"required"`
	IsFinalRound bool   `json:"is_final_round"`
	TotalRounds  int    `json:"total_rounds" validate:"min=0"`
}

// SessionFinalAttendanceToProcessMessage triggers session-level finalization
type SessionFinalAttendanceToProcessMessage struct {
	SessionID         string    `json:"session_id" validate:"required"`
	ActualRoundsCount int       `json:"actual_rounds_count" validate:"min=0"`
	Timestamp         time.Time `json:"timestamp"`
}

// DeadLetterMessage announces a poison message on the events queue
type DeadLetterMessage struct {
	OriginalMessageID   string    `json:"original_message_id"`
	OriginalMessageType string    `json:"original_message_type" validate:"required"`
	ErrorMessage        string    `json:"error_message"`
	Attempts            int       `json:"attempts"`
	Timestamp           time.Time `json:"timestamp"`
}

// SessionFinalizedEvent is published once a session's outcomes are stored
type SessionFinalizedEvent struct {
	SessionID   string              `json:"session_id"`
	ScheduleID  string              `json:"schedule_id"`
	Outcomes    []AttendanceOutcome `json:"outcomes"`
	FinalizedAt time.Time           `json:"finalized_at"`
}

// RoundView is one round as shown to a participant
type RoundView struct {
	RoundID       string      `json:"round_id"`
	Number        int         `json:"number"`
	Status        RoundStatus `json:"status"`
	ScheduledTime time.Time   `json:"scheduled_time"`
	Completed     bool        `json:"completed"`
	Overdue       bool        `json:"overdue"`
}

// VerificationSchedule is the participant-facing view of the current session
type VerificationSchedule struct {
	SessionID      string      `json:"session_id,omitempty"`
	Rounds         []RoundView `json:"rounds"`
	CurrentRound   *RoundView  `json:"current_round,omitempty"`
	HasActiveShift bool        `json:"has_active_shift"`
}

// FinalAttendance is the outcome plus per-round detail
type FinalAttendance struct {
	SessionID      string            `json:"session_id"`
	ParticipantID  string            `json:"participant_id"`
	Percentage     float64           `json:"percentage"`
	Status         OutcomeStatus     `json:"status"`
	AttendedRounds int               `json:"attended_rounds"`
	TotalRounds    int               `json:"total_rounds"`
	PerRoundDetail []RoundAttendance `json:"per_round_detail"`
}
