package services

import (
	"context"
	"log"
	"math"
	"sort"

	"presence-verifier/internal/models"
	"presence-verifier/internal/queue"
)

// Register binds the pipeline handlers to the task router
func (e *AttendanceEngine) Register(router *queue.Router) {
	router.Handle(models.MsgCreateRounds, func(ctx context.Context, msg queue.Message) error {
		m, err := queue.Decode[models.CreateRoundsMessage](msg)
		if err != nil {
			return err
		}
		return handled(msg, e.HandleCreateRounds(ctx, m))
	})
	router.Handle(models.MsgSubmitScanData, func(ctx context.Context, msg queue.Message) error {
		m, err := queue.Decode[models.SubmitScanDataMessage](msg)
		if err != nil {
			return err
		}
		_, err = e.SubmitScanData(ctx, m)
		return handled(msg, err)
	})
	router.Handle(models.MsgProcessActiveRoundForEndSession, func(ctx context.Context, msg queue.Message) error {
		m, err := queue.Decode[models.ProcessActiveRoundForEndSessionMessage](msg)
		if err != nil {
			return err
		}
		return handled(msg, e.HandleProcessActiveRoundForEndSession(ctx, m))
	})
	router.Handle(models.MsgCalculateRoundAttendance, func(ctx context.Context, msg queue.Message) error {
		m, err := queue.Decode[models.CalculateRoundAttendanceMessage](msg)
		if err != nil {
			return err
		}
		return handled(msg, e.HandleCalculateRoundAttendance(ctx, m))
	})
	router.Handle(models.MsgSessionFinalAttendanceToProcess, func(ctx context.Context, msg queue.Message) error {
		m, err := queue.Decode[models.SessionFinalAttendanceToProcessMessage](msg)
		if err != nil {
			return err
		}
		return handled(msg, e.HandleSessionFinalAttendance(ctx, m))
	})
}

// handled acknowledges business-rule rejections; anything else goes back to the worker
func handled(msg queue.Message, err error) error {
	if err != nil && KindOf(err) == KindBusinessRule {
		log.Printf("⚠️ [pipeline] %s %s rejected: %v", msg.Type, msg.ID, err)
		return nil
	}
	return err
}

// HandleCreateRounds pre-creates the rounds of a session; existing rounds are left untouched
func (e *AttendanceEngine) HandleCreateRounds(ctx context.Context, msg models.CreateRoundsMessage) error {
	session, err := e.loadSession(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return nil
	}
	rounds, err := e.listRounds(ctx, session.ID)
	if err != nil {
		return err
	}
	if len(rounds) >= msg.TotalRounds {
		return nil
	}

	shape := *session
	shape.ScheduledStart = msg.ScheduledStart
	shape.ScheduledEnd = msg.ScheduledEnd
	built, err := e.scheduler.BuildRounds(&shape, msg.TotalRounds)
	if err != nil {
		return validationf("%v", err)
	}
	if err := e.store.CreateRounds(ctx, built); err != nil {
		return transient("create rounds", err)
	}
	log.Printf("🗓️ [session %s] %d rounds created", session.ID, msg.TotalRounds)
	return nil
}

// HandleProcessActiveRoundForEndSession closes the round left open by EndSession,
// computes its attendance and queues the session finalization
func (e *AttendanceEngine) HandleProcessActiveRoundForEndSession(ctx context.Context, msg models.ProcessActiveRoundForEndSessionMessage) error {
	session, err := e.loadSession(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	if session.Status == models.SessionCancelled {
		return nil
	}
	round, err := e.loadRound(ctx, session, msg.ActiveRoundID)
	if err != nil {
		return err
	}

	if round.Status == models.RoundActive {
		round.Status = models.RoundCompleted
		round.ClosedAt = session.ActualEnd
		if round.ClosedAt == nil {
			now := e.now()
			round.ClosedAt = &now
		}
		if err := e.store.SaveRound(ctx, round); err != nil {
			return transient("complete round", err)
		}
	}
	if err := e.finalizeRound(ctx, session, round); err != nil {
		return err
	}

	rounds, err := e.listRounds(ctx, session.ID)
	if err != nil {
		return err
	}
	for i := range rounds {
		if rounds[i].Status == models.RoundPending {
			rounds[i].Status = models.RoundFinalized
			rounds[i].ClosedAt = round.ClosedAt
			if err := e.store.SaveRound(ctx, &rounds[i]); err != nil {
				return transient("finalize pending round", err)
			}
		}
	}

	return e.queueFinalAttendance(ctx, session, rounds)
}

// HandleCalculateRoundAttendance stores per-round verdicts for a closed round
func (e *AttendanceEngine) HandleCalculateRoundAttendance(ctx context.Context, msg models.CalculateRoundAttendanceMessage) error {
	session, err := e.loadSession(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	if session.Status == models.SessionCancelled {
		return nil
	}
	round, err := e.loadRound(ctx, session, msg.RoundID)
	if err != nil {
		return err
	}
	switch round.Status {
	case models.RoundCancelled:
		return nil
	case models.RoundPending, models.RoundActive:
		return ruleError(CodeRoundNotOpen, "round %d is still %s", round.Number, round.Status)
	}
	if err := e.finalizeRound(ctx, session, round); err != nil {
		return err
	}
	if !msg.IsFinalRound {
		return nil
	}
	rounds, err := e.listRounds(ctx, session.ID)
	if err != nil {
		return err
	}
	return e.queueFinalAttendance(ctx, session, rounds)
}

func (e *AttendanceEngine) queueFinalAttendance(ctx context.Context, session *models.Session, rounds []models.Round) error {
	err := queue.Publish(ctx, e.tasks, models.MsgSessionFinalAttendanceToProcess, session.ID, models.SessionFinalAttendanceToProcessMessage{
		SessionID:         session.ID,
		ActualRoundsCount: countEligible(rounds),
		Timestamp:         e.now(),
	})
	if err != nil {
		return transient("queue final attendance", err)
	}
	return nil
}

// finalizeRound upserts the round verdicts and marks the round Finalized
func (e *AttendanceEngine) finalizeRound(ctx context.Context, session *models.Session, round *models.Round) error {
	participants, err := e.roster(ctx, session)
	if err != nil {
		return err
	}
	records, err := e.store.ListEvidence(ctx, session.ID, "")
	if err != nil {
		return transient("list evidence", err)
	}
	rows := roundAttendanceRows(session, []models.Round{*round}, participants, records)
	if err := e.store.UpsertRoundAttendance(ctx, rows); err != nil {
		return transient("store round attendance", err)
	}
	if round.Status != models.RoundFinalized {
		round.Status = models.RoundFinalized
		if err := e.store.SaveRound(ctx, round); err != nil {
			return transient("finalize round", err)
		}
	}
	log.Printf("🧮 [session %s] round %d attendance stored for %d participants", session.ID, round.Number, len(participants))
	return nil
}

// roundAttendanceRows builds one verdict per (round, participant); the earliest valid
// record wins, otherwise the latest record explains the miss
func roundAttendanceRows(session *models.Session, rounds []models.Round, participants []models.Participant, records []models.EvidenceRecord) []models.RoundAttendance {
	valid := validByRound(records)
	latest := map[string]*models.EvidenceRecord{}
	for i := range records {
		latest[records[i].RoundID+"|"+records[i].ParticipantID] = &records[i]
	}

	rows := make([]models.RoundAttendance, 0, len(rounds)*len(participants))
	for _, r := range rounds {
		for _, p := range participants {
			row := models.RoundAttendance{
				SessionID:     session.ID,
				RoundID:       r.ID,
				ParticipantID: p.ID,
				RoundNumber:   r.Number,
			}
			if ev, ok := valid[r.ID][p.ID]; ok {
				row.Attended = true
				row.EvidenceID = ev.ID
				row.Status = ev.Status
			} else if ev, ok := latest[r.ID+"|"+p.ID]; ok {
				row.EvidenceID = ev.ID
				row.Status = ev.Status
			}
			rows = append(rows, row)
		}
	}
	return rows
}

// ComputeOutcome applies the attendance rule to one participant
func ComputeOutcome(attended, eligible int, threshold float64) (float64, models.OutcomeStatus) {
	if eligible <= 0 || attended <= 0 {
		return 0, models.OutcomeAbsent
	}
	pct := math.Round(float64(attended)/float64(eligible)*1000) / 10
	if pct >= threshold {
		return pct, models.OutcomePresent
	}
	return pct, models.OutcomePartial
}

// HandleSessionFinalAttendance computes and stores the final outcome of every participant,
// completes the session and publishes the completion event. Re-running it rewrites the same rows.
func (e *AttendanceEngine) HandleSessionFinalAttendance(ctx context.Context, msg models.SessionFinalAttendanceToProcessMessage) error {
	session, err := e.loadSession(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	if session.Status == models.SessionCancelled {
		log.Printf("⚠️ [session %s] cancelled, skipping finalization", session.ID)
		return nil
	}
	if session.Status == models.SessionPending {
		return ruleError(CodeNotActive, "session %s was never started", session.ID)
	}

	participants, err := e.roster(ctx, session)
	if err != nil {
		return err
	}
	rounds, err := e.listRounds(ctx, session.ID)
	if err != nil {
		return err
	}
	records, err := e.store.ListEvidence(ctx, session.ID, "")
	if err != nil {
		return transient("list evidence", err)
	}

	if session.ActualEnd == nil {
		now := e.now()
		session.ActualEnd = &now
	}
	finalizedAt := session.ActualEnd.UTC()

	eligible := make([]models.Round, 0, len(rounds))
	for _, r := range rounds {
		if r.Status != models.RoundCancelled {
			eligible = append(eligible, r)
		}
	}
	if msg.ActualRoundsCount != len(eligible) {
		log.Printf("⚠️ [session %s] message reported %d rounds, found %d eligible", session.ID, msg.ActualRoundsCount, len(eligible))
	}

	rows := roundAttendanceRows(session, eligible, participants, records)
	if len(rows) > 0 {
		if err := e.store.UpsertRoundAttendance(ctx, rows); err != nil {
			return transient("store round attendance", err)
		}
	}

	attended := map[string]int{}
	for _, row := range rows {
		if row.Attended {
			attended[row.ParticipantID]++
		}
	}

	outcomes := make([]models.AttendanceOutcome, 0, len(participants))
	for _, p := range participants {
		pct, status := ComputeOutcome(attended[p.ID], len(eligible), e.settings.AttendanceThreshold)
		outcome := models.AttendanceOutcome{
			SessionID:      session.ID,
			ParticipantID:  p.ID,
			AttendedRounds: attended[p.ID],
			TotalRounds:    len(eligible),
			Percentage:     pct,
			Status:         status,
			FinalizedAt:    finalizedAt,
		}
		if err := e.store.UpsertOutcome(ctx, &outcome); err != nil {
			return transient("store outcome", err)
		}
		outcomes = append(outcomes, outcome)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].ParticipantID < outcomes[j].ParticipantID })

	if session.Status != models.SessionCompleted {
		if err := e.transition(session, models.SessionCompleted); err != nil {
			return err
		}
		if err := e.store.SaveSession(ctx, session); err != nil {
			return transient("complete session", err)
		}
		e.cacheStatus(ctx, session)
	}

	if e.events != nil {
		err := queue.Publish(ctx, e.events, models.MsgSessionFinalized, session.ID, models.SessionFinalizedEvent{
			SessionID:   session.ID,
			ScheduleID:  session.ScheduleID,
			Outcomes:    outcomes,
			FinalizedAt: finalizedAt,
		})
		if err != nil {
			return transient("publish completion event", err)
		}
	}
	log.Printf("🏁 [session %s] finalized %d outcomes over %d rounds", session.ID, len(outcomes), len(eligible))
	return nil
}
