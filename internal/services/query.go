package services

import (
	"context"
	"errors"

	"presence-verifier/internal/models"
	"presence-verifier/internal/repository"
)

// GetVerificationSchedule returns the rounds of the participant's active session.
// A participant without an active session gets an empty schedule.
func (e *AttendanceEngine) GetVerificationSchedule(ctx context.Context, participantID string) (*models.VerificationSchedule, error) {
	if participantID == "" {
		return nil, validationf("participant id is required")
	}
	empty := &models.VerificationSchedule{Rounds: []models.RoundView{}}

	schedules, err := e.store.SchedulesForParticipant(ctx, participantID)
	if err != nil {
		return nil, transient("participant schedules", err)
	}

	var session *models.Session
	for _, scheduleID := range schedules {
		s, err := e.store.ActiveSessionForSchedule(ctx, scheduleID)
		if err != nil {
			return nil, transient("active session", err)
		}
		if s != nil {
			session = s
			break
		}
	}
	if session == nil {
		return empty, nil
	}

	rounds, err := e.listRounds(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListEvidence(ctx, session.ID, participantID)
	if err != nil {
		return nil, transient("list evidence", err)
	}
	verified := validByRound(records)
	now := e.now()

	out := &models.VerificationSchedule{
		SessionID:      session.ID,
		Rounds:         make([]models.RoundView, 0, len(rounds)),
		HasActiveShift: true,
	}
	for _, r := range rounds {
		_, done := verified[r.ID][participantID]
		view := models.RoundView{
			RoundID:       r.ID,
			Number:        r.Number,
			Status:        r.Status,
			ScheduledTime: r.ScheduledTime,
			Completed:     done,
			Overdue:       !done && r.Status != models.RoundCancelled && e.scheduler.IsOverdue(r, now),
		}
		out.Rounds = append(out.Rounds, view)
		if r.Status == models.RoundActive {
			current := view
			out.CurrentRound = &current
		}
	}
	return out, nil
}

// GetFinalAttendance returns the stored outcome with its per-round detail
func (e *AttendanceEngine) GetFinalAttendance(ctx context.Context, sessionID, participantID string) (*models.FinalAttendance, error) {
	if sessionID == "" || participantID == "" {
		return nil, validationf("session id and participant id are required")
	}
	outcome, err := e.store.GetOutcome(ctx, sessionID, participantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFoundf("no final attendance for participant %s in session %s", participantID, sessionID)
	}
	if err != nil {
		return nil, transient("load outcome", err)
	}
	rows, err := e.store.ListRoundAttendance(ctx, sessionID, participantID)
	if err != nil {
		return nil, transient("load round attendance", err)
	}
	if rows == nil {
		rows = []models.RoundAttendance{}
	}
	return &models.FinalAttendance{
		SessionID:      outcome.SessionID,
		ParticipantID:  outcome.ParticipantID,
		Percentage:     outcome.Percentage,
		Status:         outcome.Status,
		AttendedRounds: outcome.AttendedRounds,
		TotalRounds:    outcome.TotalRounds,
		PerRoundDetail: rows,
	}, nil
}
