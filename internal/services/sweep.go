package services

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"presence-verifier/internal/models"
	"presence-verifier/internal/queue"
)

// SweepSchedules configures the periodic jobs
type SweepSchedules struct {
	Sweep     string
	Reminders string
	Timeout   time.Duration
}

// StartSweeps registers the periodic jobs on a cron scheduler and starts it.
// Overlapping runs of the same job are skipped.
func (e *AttendanceEngine) StartSweeps(ctx context.Context, s SweepSchedules) (*cron.Cron, error) {
	if s.Timeout <= 0 {
		s.Timeout = time.Minute
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))

	_, err := c.AddFunc(s.Sweep, func() {
		jobCtx, cancel := context.WithTimeout(ctx, s.Timeout)
		defer cancel()
		e.RunSweep(jobCtx)
	})
	if err != nil {
		return nil, err
	}
	_, err = c.AddFunc(s.Reminders, func() {
		jobCtx, cancel := context.WithTimeout(ctx, s.Timeout)
		defer cancel()
		if _, err := e.SendDueReminders(jobCtx); err != nil {
			log.Printf("❌ [reminders] %v", err)
		}
	})
	if err != nil {
		return nil, err
	}

	c.Start()
	log.Printf("⏱️ sweeps scheduled (sweep %q, reminders %q)", s.Sweep, s.Reminders)
	return c, nil
}

// RunSweep runs every session sweep once
func (e *AttendanceEngine) RunSweep(ctx context.Context) {
	if n, err := e.SweepExpiredSessions(ctx); err != nil {
		log.Printf("❌ [sweep] expired sessions: %v", err)
	} else if n > 0 {
		log.Printf("🧹 [sweep] ended %d expired sessions", n)
	}
	if err := e.SweepRounds(ctx); err != nil {
		log.Printf("❌ [sweep] rounds: %v", err)
	}
	if n, err := e.SweepStuckProcessing(ctx); err != nil {
		log.Printf("❌ [sweep] processing sessions: %v", err)
	} else if n > 0 {
		log.Printf("🧹 [sweep] re-queued finalization for %d sessions", n)
	}
}

// SweepExpiredSessions ends Active sessions that ran past their scheduled end plus tolerance
func (e *AttendanceEngine) SweepExpiredSessions(ctx context.Context) (int, error) {
	sessions, err := e.store.ListSessionsByStatus(ctx, models.SessionActive)
	if err != nil {
		return 0, transient("list active sessions", err)
	}
	now := e.now()
	ended := 0
	for i := range sessions {
		s := &sessions[i]
		if !now.After(s.ScheduledEnd.Add(s.Tolerance())) {
			continue
		}
		if _, err := e.endSession(ctx, s, s.SupervisorID); err != nil {
			log.Printf("⚠️ [sweep] failed to end session %s: %v", s.ID, err)
			continue
		}
		ended++
	}
	return ended, nil
}

// SweepRounds drives location sessions through their rounds: an overdue active round
// is completed and the next round opens once it is within the reminder window.
// Device-proximity rounds are advanced by the supervisor.
func (e *AttendanceEngine) SweepRounds(ctx context.Context) error {
	sessions, err := e.store.ListSessionsByStatus(ctx, models.SessionActive)
	if err != nil {
		return transient("list active sessions", err)
	}
	now := e.now()
	for i := range sessions {
		s := &sessions[i]
		if s.Mode != models.ModeLocation {
			continue
		}
		rounds, err := e.listRounds(ctx, s.ID)
		if err != nil {
			log.Printf("⚠️ [sweep] session %s: %v", s.ID, err)
			continue
		}
		if active := ActiveRound(rounds); active != nil {
			if !e.scheduler.IsOverdue(*active, now) {
				continue
			}
			if err := e.completeRound(ctx, s, active, rounds); err != nil {
				log.Printf("⚠️ [sweep] session %s round %d: %v", s.ID, active.Number, err)
				continue
			}
		}
		next := NextActivatable(rounds)
		if next == nil || now.Before(next.ScheduledTime.Add(-e.scheduler.ReminderWindow)) {
			continue
		}
		if err := e.activateRound(ctx, s, next); err != nil {
			log.Printf("⚠️ [sweep] session %s round %d: %v", s.ID, next.Number, err)
		}
	}
	return nil
}

// SweepStuckProcessing re-queues finalization for sessions left Processing longer than
// the overdue threshold; the pipeline handlers are idempotent
func (e *AttendanceEngine) SweepStuckProcessing(ctx context.Context) (int, error) {
	sessions, err := e.store.ListSessionsByStatus(ctx, models.SessionProcessing)
	if err != nil {
		return 0, transient("list processing sessions", err)
	}
	now := e.now()
	requeued := 0
	for i := range sessions {
		s := &sessions[i]
		if s.ActualEnd == nil || now.Sub(*s.ActualEnd) <= e.scheduler.OverdueAfter {
			continue
		}
		rounds, err := e.listRounds(ctx, s.ID)
		if err != nil {
			log.Printf("⚠️ [sweep] session %s: %v", s.ID, err)
			continue
		}
		if active := ActiveRound(rounds); active != nil {
			err = queue.Publish(ctx, e.tasks, models.MsgProcessActiveRoundForEndSession, s.ID, models.ProcessActiveRoundForEndSessionMessage{
				SessionID:     s.ID,
				ActiveRoundID: active.ID,
				ActorID:       s.SupervisorID,
			})
		} else {
			err = e.queueFinalAttendance(ctx, s, rounds)
		}
		if err != nil {
			log.Printf("⚠️ [sweep] session %s: %v", s.ID, err)
			continue
		}
		requeued++
	}
	return requeued, nil
}
