package services

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"presence-verifier/internal/models"
)

// RoundScheduler computes round times and answers timing questions about rounds
type RoundScheduler struct {
	OverdueAfter   time.Duration
	ReminderWindow time.Duration
}

// NewRoundScheduler creates a scheduler from settings
func NewRoundScheduler(s Settings) RoundScheduler {
	return RoundScheduler{OverdueAfter: s.OverdueAfter, ReminderWindow: s.ReminderWindow}
}

// Times spreads n rounds evenly across the shift: round k of n is at
// checkIn + k/(n+1) of the duration, so every time lies strictly inside the shift.
func (RoundScheduler) Times(checkIn, checkOut time.Time, n int) ([]time.Time, error) {
	if n < 1 {
		return nil, fmt.Errorf("round count must be at least 1, got %d", n)
	}
	duration := checkOut.Sub(checkIn)
	if duration <= time.Duration(n) {
		return nil, fmt.Errorf("shift %s is too short for %d rounds", duration, n)
	}

	times := make([]time.Time, n)
	step := duration / time.Duration(n+1)
	rem := duration % time.Duration(n+1)
	for k := 1; k <= n; k++ {
		// k*duration/(n+1) without overflowing on long shifts
		offset := step*time.Duration(k) + rem*time.Duration(k)/time.Duration(n+1)
		times[k-1] = checkIn.Add(offset)
	}
	return times, nil
}

// BuildRounds creates the Pending rounds of a session
func (s RoundScheduler) BuildRounds(session *models.Session, n int) ([]models.Round, error) {
	times, err := s.Times(session.ScheduledStart, session.ScheduledEnd, n)
	if err != nil {
		return nil, err
	}
	rounds := make([]models.Round, n)
	for i, t := range times {
		rounds[i] = models.Round{
			ID:            uuid.NewString(),
			SessionID:     session.ID,
			Number:        i + 1,
			Status:        models.RoundPending,
			ScheduledTime: t,
		}
	}
	return rounds, nil
}

// IsOverdue reports a missed verification: more than OverdueAfter past the scheduled time
func (s RoundScheduler) IsOverdue(round models.Round, now time.Time) bool {
	return now.Sub(round.ScheduledTime) > s.OverdueAfter
}

// InReminderWindow reports whether now is within ReminderWindow of the scheduled time
func (s RoundScheduler) InReminderWindow(round models.Round, now time.Time) bool {
	d := now.Sub(round.ScheduledTime)
	if d < 0 {
		d = -d
	}
	return d <= s.ReminderWindow
}

// ActiveRound returns the open round, nil if none
func ActiveRound(rounds []models.Round) *models.Round {
	for i := range rounds {
		if rounds[i].Status == models.RoundActive {
			return &rounds[i]
		}
	}
	return nil
}

// NextActivatable returns the lowest-numbered Pending round when every round before it
// is closed, nil otherwise. Rounds must be ordered by number.
func NextActivatable(rounds []models.Round) *models.Round {
	for i := range rounds {
		switch {
		case rounds[i].Status == models.RoundPending:
			return &rounds[i]
		case !rounds[i].Status.IsClosed():
			return nil
		}
	}
	return nil
}

// HasPendingAfter reports whether a Pending round follows the given one
func HasPendingAfter(rounds []models.Round, number int) bool {
	for _, r := range rounds {
		if r.Number > number && r.Status == models.RoundPending {
			return true
		}
	}
	return false
}
