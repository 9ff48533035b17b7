package services

import (
	"context"
	"fmt"
	"log"

	"presence-verifier/internal/models"
)

// SendDueReminders notifies participants who have not yet verified a round whose
// scheduled time is within the reminder window. Each (round, participant) is
// reminded at most once. Holidays are skipped; a failing calendar does not block reminders.
func (e *AttendanceEngine) SendDueReminders(ctx context.Context) (int, error) {
	now := e.now()
	holiday, err := e.store.IsHoliday(ctx, now)
	if err != nil {
		log.Printf("⚠️ [reminders] holiday lookup failed, sending anyway: %v", err)
	} else if holiday {
		log.Println("🏖️ [reminders] holiday, skipping")
		return 0, nil
	}

	sessions, err := e.store.ListSessionsByStatus(ctx, models.SessionActive)
	if err != nil {
		return 0, transient("list active sessions", err)
	}

	sent := 0
	for i := range sessions {
		n, err := e.remindSession(ctx, &sessions[i])
		if err != nil {
			log.Printf("⚠️ [reminders] session %s skipped: %v", sessions[i].ID, err)
		}
		sent += n
	}
	if sent > 0 {
		log.Printf("⏰ [reminders] sent %d reminders", sent)
	}
	return sent, nil
}

func (e *AttendanceEngine) remindSession(ctx context.Context, session *models.Session) (int, error) {
	now := e.now()
	rounds, err := e.listRounds(ctx, session.ID)
	if err != nil {
		return 0, err
	}
	var due []models.Round
	for _, r := range rounds {
		if (r.Status == models.RoundPending || r.Status == models.RoundActive) && e.scheduler.InReminderWindow(r, now) {
			due = append(due, r)
		}
	}
	if len(due) == 0 {
		return 0, nil
	}

	participants, err := e.roster(ctx, session)
	if err != nil {
		return 0, err
	}
	records, err := e.store.ListEvidence(ctx, session.ID, "")
	if err != nil {
		return 0, transient("list evidence", err)
	}
	verified := validByRound(records)

	sent := 0
	for _, r := range due {
		for _, p := range participants {
			if _, ok := verified[r.ID][p.ID]; ok {
				continue
			}
			first, err := e.store.MarkReminderSent(ctx, r.ID, p.ID, now)
			if err != nil {
				log.Printf("⚠️ [reminders] cannot record reminder for %s round %d: %v", p.ID, r.Number, err)
				continue
			}
			if !first {
				continue
			}
			body := fmt.Sprintf("Round %d verification is due at %s.", r.Number, r.ScheduledTime.UTC().Format("15:04"))
			if e.notify(ctx, p, "Attendance verification reminder", body, map[string]string{
				"session_id": session.ID,
				"round_id":   r.ID,
				"deep_link":  "verify/" + session.ID + "/" + r.ID,
			}) {
				sent++
			}
		}
	}
	return sent, nil
}
