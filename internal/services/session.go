package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"presence-verifier/internal/models"
	"presence-verifier/internal/queue"
)

// ScheduleRequest describes a session to be created in Pending state
type ScheduleRequest struct {
	ScheduleID       string             `json:"schedule_id" validate:"required"`
	SupervisorID     string             `json:"supervisor_id" validate:"required"`
	Mode             models.SessionMode `json:"mode" validate:"required,oneof=device_proximity location"`
	ScheduledStart   time.Time          `json:"scheduled_start" validate:"required"`
	ScheduledEnd     time.Time          `json:"scheduled_end" validate:"required,gtfield=ScheduledStart"`
	RoundCount       int                `json:"round_count" validate:"omitempty,min=1,max=24"`
	ToleranceMinutes *int               `json:"tolerance_minutes" validate:"omitempty,min=0"`
	OfficeLatitude   float64            `json:"office_latitude" validate:"omitempty,latitude"`
	OfficeLongitude  float64            `json:"office_longitude" validate:"omitempty,longitude"`
	RadiusMeters     float64            `json:"radius_meters" validate:"required_if=Mode location,omitempty,gt=0"`
}

// ScheduleSession creates a Pending session and queues the creation of its rounds
func (e *AttendanceEngine) ScheduleSession(ctx context.Context, req ScheduleRequest) (*models.Session, error) {
	if req.ScheduleID == "" || req.SupervisorID == "" {
		return nil, validationf("schedule_id and supervisor_id are required")
	}
	if req.Mode != models.ModeDeviceProximity && req.Mode != models.ModeLocation {
		return nil, validationf("unknown session mode %q", req.Mode)
	}
	if !req.ScheduledEnd.After(req.ScheduledStart) {
		return nil, validationf("scheduled_end must be after scheduled_start")
	}
	if req.Mode == models.ModeLocation {
		if req.RadiusMeters <= 0 {
			return nil, validationf("location sessions require radius_meters > 0")
		}
		if (req.OfficeLatitude == 0 && req.OfficeLongitude == 0) || !ValidCoordinates(req.OfficeLatitude, req.OfficeLongitude) {
			return nil, validationf("location sessions require office_latitude and office_longitude")
		}
	}

	session := &models.Session{
		ID:               uuid.NewString(),
		ScheduleID:       req.ScheduleID,
		SupervisorID:     req.SupervisorID,
		Mode:             req.Mode,
		ScheduledStart:   req.ScheduledStart.UTC(),
		ScheduledEnd:     req.ScheduledEnd.UTC(),
		Status:           models.SessionPending,
		RoundCount:       req.RoundCount,
		ToleranceMinutes: int(e.settings.DefaultTolerance / time.Minute),
		OfficeLatitude:   req.OfficeLatitude,
		OfficeLongitude:  req.OfficeLongitude,
		RadiusMeters:     req.RadiusMeters,
	}
	if session.RoundCount == 0 {
		session.RoundCount = e.settings.DefaultRoundCount
	}
	if req.ToleranceMinutes != nil {
		session.ToleranceMinutes = *req.ToleranceMinutes
	}
	if _, err := e.scheduler.Times(session.ScheduledStart, session.ScheduledEnd, session.RoundCount); err != nil {
		return nil, validationf("%v", err)
	}

	if err := e.store.CreateSession(ctx, session); err != nil {
		return nil, transient("create session", err)
	}
	err := queue.Publish(ctx, e.tasks, models.MsgCreateRounds, session.ID, models.CreateRoundsMessage{
		SessionID:      session.ID,
		TotalRounds:    session.RoundCount,
		ScheduledStart: session.ScheduledStart,
		ScheduledEnd:   session.ScheduledEnd,
	})
	if err != nil {
		// rounds are created on start when the message is lost
		log.Printf("⚠️ [session %s] failed to queue round creation: %v", session.ID, err)
	}
	log.Printf("🗓️ [session %s] scheduled for %s (%s, %d rounds)", session.ID, session.ScheduleID, session.Mode, session.RoundCount)
	return session, nil
}

// StartSession moves a Pending session to Active inside its allowed window
func (e *AttendanceEngine) StartSession(ctx context.Context, sessionID, actorID string) (*models.Session, error) {
	if sessionID == "" || actorID == "" {
		return nil, validationf("session id and actor id are required")
	}
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.SupervisorID != actorID {
		return nil, ruleError(CodeForbidden, "actor %s does not supervise session %s", actorID, session.ID)
	}
	if session.Status != models.SessionPending {
		return nil, ruleError(CodeNotPending, "session %s is %s, only pending sessions can be started", session.ID, session.Status)
	}

	now := e.now()
	from, to := session.AllowedWindow()
	if now.Before(from) || now.After(to) {
		return nil, ruleError(CodeOutOfWindow, "session can only be started between %s and %s",
			from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	}

	unlock := e.lockSchedule(session.ScheduleID)
	defer unlock()

	// a concurrent start may have won while this call waited for the lock
	if session, err = e.loadSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if session.Status != models.SessionPending {
		return nil, ruleError(CodeNotPending, "session %s is %s, only pending sessions can be started", session.ID, session.Status)
	}

	active, err := e.store.ActiveSessionForSchedule(ctx, session.ScheduleID)
	if err != nil {
		return nil, transient("check active session", err)
	}
	if active != nil && active.ID != session.ID {
		return nil, ruleError(CodeAlreadyActive, "schedule %s already has active session %s", session.ScheduleID, active.ID)
	}

	rounds, err := e.ensureRounds(ctx, session)
	if err != nil {
		return nil, err
	}

	if err := e.transition(session, models.SessionActive); err != nil {
		return nil, err
	}
	session.ActualStart = &now
	if err := e.store.SaveSession(ctx, session); err != nil {
		return nil, transient("save session", err)
	}

	if ActiveRound(rounds) == nil {
		if next := NextActivatable(rounds); next != nil {
			if err := e.activateRound(ctx, session, next); err != nil {
				return nil, err
			}
		}
	}

	whitelist := e.loadWhitelist(ctx, session)
	if err := e.cache.PutSession(ctx, session, whitelist, session.CacheTTL(now)); err != nil {
		log.Printf("⚠️ [session %s] failed to cache session state: %v", session.ID, err)
	}

	log.Printf("▶️ [session %s] started by %s with %d authorized ids", session.ID, actorID, len(whitelist))
	return session, nil
}

// ensureRounds returns the session rounds, creating them when the async creation has not run yet
func (e *AttendanceEngine) ensureRounds(ctx context.Context, session *models.Session) ([]models.Round, error) {
	rounds, err := e.listRounds(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if len(rounds) >= session.RoundCount {
		return rounds, nil
	}
	built, err := e.scheduler.BuildRounds(session, session.RoundCount)
	if err != nil {
		return nil, validationf("%v", err)
	}
	if err := e.store.CreateRounds(ctx, built); err != nil {
		return nil, transient("create rounds", err)
	}
	return e.listRounds(ctx, session.ID)
}

func (e *AttendanceEngine) activateRound(ctx context.Context, session *models.Session, round *models.Round) error {
	now := e.now()
	round.Status = models.RoundActive
	round.ActivatedAt = &now
	if err := e.store.SaveRound(ctx, round); err != nil {
		return transient("activate round", err)
	}
	log.Printf("🔔 [session %s] round %d active", session.ID, round.Number)
	return nil
}

// completeRound closes an active round and queues its attendance calculation
func (e *AttendanceEngine) completeRound(ctx context.Context, session *models.Session, round *models.Round, rounds []models.Round) error {
	now := e.now()
	round.Status = models.RoundCompleted
	round.ClosedAt = &now
	if err := e.store.SaveRound(ctx, round); err != nil {
		return transient("complete round", err)
	}
	for i := range rounds {
		if rounds[i].ID == round.ID {
			rounds[i] = *round
		}
	}

	err := queue.Publish(ctx, e.tasks, models.MsgCalculateRoundAttendance, round.ID, models.CalculateRoundAttendanceMessage{
		SessionID:    session.ID,
		RoundID:      round.ID,
		IsFinalRound: !HasPendingAfter(rounds, round.Number),
		TotalRounds:  len(rounds),
	})
	if err != nil {
		return transient("queue round attendance", err)
	}
	log.Printf("⏹️ [session %s] round %d completed", session.ID, round.Number)
	return nil
}

// AdvanceRound completes the active round and activates the next pending one.
// It returns the newly active round, nil when none is left.
func (e *AttendanceEngine) AdvanceRound(ctx context.Context, sessionID, actorID string) (*models.Round, error) {
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.SupervisorID != actorID {
		return nil, ruleError(CodeForbidden, "actor %s does not supervise session %s", actorID, session.ID)
	}
	if session.Status != models.SessionActive {
		return nil, ruleError(CodeNotActive, "session %s is not active (status: %s)", session.ID, session.Status)
	}

	rounds, err := e.listRounds(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	active := ActiveRound(rounds)
	next := NextActivatable(rounds)
	if active == nil && next == nil {
		return nil, ruleError(CodeRoundNotOpen, "session %s has no round left to activate", session.ID)
	}
	if active != nil {
		if err := e.completeRound(ctx, session, active, rounds); err != nil {
			return nil, err
		}
		next = NextActivatable(rounds)
	}
	if next == nil {
		return nil, nil
	}
	if err := e.activateRound(ctx, session, next); err != nil {
		return nil, err
	}
	return next, nil
}

// EndSession ends an Active session. A round that is still open is finalized
// asynchronously and the session stays Processing until that is done.
func (e *AttendanceEngine) EndSession(ctx context.Context, sessionID, actorID string) (*models.Session, error) {
	if sessionID == "" || actorID == "" {
		return nil, validationf("session id and actor id are required")
	}
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.SupervisorID != actorID {
		return nil, ruleError(CodeForbidden, "actor %s does not supervise session %s", actorID, session.ID)
	}
	if session.Status != models.SessionActive {
		return nil, ruleError(CodeNotActive, "session %s is not active (status: %s)", session.ID, session.Status)
	}
	return e.endSession(ctx, session, actorID)
}

func (e *AttendanceEngine) endSession(ctx context.Context, session *models.Session, actorID string) (*models.Session, error) {
	now := e.now()
	rounds, err := e.listRounds(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	var pendingIDs []string
	for i := range rounds {
		if rounds[i].Status != models.RoundPending {
			continue
		}
		rounds[i].Status = models.RoundFinalized
		rounds[i].ClosedAt = &now
		if err := e.store.SaveRound(ctx, &rounds[i]); err != nil {
			return nil, transient("finalize pending round", err)
		}
		pendingIDs = append(pendingIDs, rounds[i].ID)
	}

	active := ActiveRound(rounds)
	next := models.SessionCompleted
	if active != nil {
		next = models.SessionProcessing
	}
	if err := e.transition(session, next); err != nil {
		return nil, err
	}
	session.ActualEnd = &now
	if err := e.store.SaveSession(ctx, session); err != nil {
		return nil, transient("save session", err)
	}
	e.cacheStatus(ctx, session)

	if active != nil {
		err = queue.Publish(ctx, e.tasks, models.MsgProcessActiveRoundForEndSession, session.ID, models.ProcessActiveRoundForEndSessionMessage{
			SessionID:       session.ID,
			ActiveRoundID:   active.ID,
			ActorID:         actorID,
			PendingRoundIDs: pendingIDs,
		})
	} else {
		err = queue.Publish(ctx, e.tasks, models.MsgSessionFinalAttendanceToProcess, session.ID, models.SessionFinalAttendanceToProcessMessage{
			SessionID:         session.ID,
			ActualRoundsCount: countEligible(rounds),
			Timestamp:         now,
		})
	}
	if err != nil {
		// the stuck-session sweep republishes finalization for this session
		log.Printf("⚠️ [session %s] failed to queue finalization: %v", session.ID, err)
	}

	if now.Before(session.ScheduledEnd) {
		e.notifyParticipants(ctx, session, "Session ended early",
			fmt.Sprintf("The session scheduled until %s was ended at %s.",
				session.ScheduledEnd.UTC().Format("15:04"), now.UTC().Format("15:04")),
			map[string]string{"session_id": session.ID, "reason": "ended_early"})
	}

	log.Printf("⏏️ [session %s] ended by %s, status %s", session.ID, actorID, session.Status)
	return session, nil
}

// CancelSession cancels a Pending or Active session without computing outcomes
func (e *AttendanceEngine) CancelSession(ctx context.Context, sessionID, actorID string) (*models.Session, error) {
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.SupervisorID != actorID {
		return nil, ruleError(CodeForbidden, "actor %s does not supervise session %s", actorID, session.ID)
	}
	if !session.Status.CanTransition(models.SessionCancelled) {
		return nil, ruleError(CodeInvalidTransition, "session %s is %s and cannot be cancelled", session.ID, session.Status)
	}
	session.Status = models.SessionCancelled

	rounds, err := e.listRounds(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	for i := range rounds {
		if rounds[i].Status != models.RoundPending && rounds[i].Status != models.RoundActive {
			continue
		}
		rounds[i].Status = models.RoundCancelled
		rounds[i].ClosedAt = &now
		if err := e.store.SaveRound(ctx, &rounds[i]); err != nil {
			return nil, transient("cancel round", err)
		}
	}
	if session.ActualStart != nil {
		session.ActualEnd = &now
	}
	if err := e.store.SaveSession(ctx, session); err != nil {
		return nil, transient("save session", err)
	}
	e.cacheStatus(ctx, session)
	log.Printf("🚫 [session %s] cancelled by %s", session.ID, actorID)
	return session, nil
}

func countEligible(rounds []models.Round) int {
	n := 0
	for _, r := range rounds {
		if r.Status != models.RoundCancelled {
			n++
		}
	}
	return n
}
