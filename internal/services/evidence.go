package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"presence-verifier/internal/cache"
	"presence-verifier/internal/models"
)

// evidenceNamespace seeds deterministic evidence ids so redelivered submissions are stored once
var evidenceNamespace = uuid.MustParse("6f1c2a8e-3b7d-4c55-9a10-7e2d4b9c0f31")

func evidenceID(parts ...string) string {
	return uuid.NewSHA1(evidenceNamespace, []byte(strings.Join(parts, "|"))).String()
}

// LocationSubmission is one GPS fix submitted by a participant
type LocationSubmission struct {
	SessionID     string    `json:"session_id" validate:"required"`
	RoundID       string    `json:"round_id"`
	ParticipantID string    `json:"participant_id" validate:"required"`
	Latitude      float64   `json:"latitude"`
	Longitude     float64   `json:"longitude"`
	Accuracy      float64   `json:"accuracy"`
	CapturedAt    time.Time `json:"captured_at"`
	IsLate        bool      `json:"is_late"`
}

// EvidenceResult is the stored record with the anomalies raised for it
type EvidenceResult struct {
	Record    *models.EvidenceRecord `json:"record"`
	Anomalies []models.AnomalyRecord `json:"anomalies"`
}

// acceptingRound checks that evidence may still be attached to round
func acceptingRound(round *models.Round, isLate bool) error {
	switch {
	case round.Status == models.RoundActive:
		return nil
	case isLate && round.Status == models.RoundCompleted:
		return nil
	}
	return ruleError(CodeRoundNotOpen, "round %d is %s and does not accept evidence", round.Number, round.Status)
}

func (e *AttendanceEngine) sessionForEvidence(ctx context.Context, sessionID string, mode models.SessionMode, isLate bool) (*models.Session, error) {
	session, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Mode != mode {
		return nil, validationf("session %s collects %s evidence, not %s", session.ID, session.Mode, mode)
	}
	if session.Status == models.SessionActive || (isLate && session.Status == models.SessionProcessing) {
		return session, nil
	}
	return nil, ruleError(CodeNotActive, "session %s is not active (status: %s)", session.ID, session.Status)
}

// existingEvidence finds an already stored record with the given id
func (e *AttendanceEngine) existingEvidence(ctx context.Context, sessionID, participantID, id string) (*models.EvidenceRecord, error) {
	records, err := e.store.ListEvidence(ctx, sessionID, participantID)
	if err != nil {
		return nil, transient("list evidence", err)
	}
	for i := range records {
		if records[i].ID == id {
			return &records[i], nil
		}
	}
	return nil, nil
}

// SubmitScanData validates and stores a device-proximity scan
func (e *AttendanceEngine) SubmitScanData(ctx context.Context, msg models.SubmitScanDataMessage) (*EvidenceResult, error) {
	if msg.SessionID == "" || msg.RoundID == "" || msg.ParticipantID == "" || msg.SubmitterDeviceID == "" {
		return nil, validationf("session_id, round_id, participant_id and submitter_device_id are required")
	}
	session, err := e.sessionForEvidence(ctx, msg.SessionID, models.ModeDeviceProximity, msg.IsLateSubmission)
	if err != nil {
		return nil, err
	}
	round, err := e.loadRound(ctx, session, msg.RoundID)
	if err != nil {
		return nil, err
	}
	if err := acceptingRound(round, msg.IsLateSubmission); err != nil {
		return nil, err
	}

	capturedAt := msg.Timestamp
	if capturedAt.IsZero() {
		capturedAt = e.now()
	}
	id := evidenceID(round.ID, msg.ParticipantID, cache.NormalizeID(msg.SubmitterDeviceID), capturedAt.UTC().Format(time.RFC3339Nano))
	if existing, err := e.existingEvidence(ctx, session.ID, msg.ParticipantID, id); err != nil || existing != nil {
		if existing != nil {
			return &EvidenceResult{Record: existing}, nil
		}
		return nil, err
	}

	claimedBy, err := e.cache.ClaimDevice(ctx, session.ID, round.ID, msg.SubmitterDeviceID, msg.ParticipantID, session.CacheTTL(e.now()))
	if err != nil {
		log.Printf("⚠️ [session %s] device claim unavailable: %v", session.ID, err)
		claimedBy = ""
	}

	result := e.matchers[models.ModeDeviceProximity].Match(MatchInput{
		EvidenceID:        id,
		Session:           session,
		Round:             round,
		ParticipantID:     msg.ParticipantID,
		Whitelist:         e.sessionWhitelist(ctx, session),
		CapturedAt:        capturedAt,
		IsLate:            msg.IsLateSubmission,
		SubmitterDeviceID: msg.SubmitterDeviceID,
		ScannedDevices:    msg.ScannedDevices,
		DeviceClaimedBy:   claimedBy,
	})
	return e.persistEvidence(ctx, session, round, result)
}

// SubmitLocation validates and stores a location fix. An empty RoundID targets the active round.
func (e *AttendanceEngine) SubmitLocation(ctx context.Context, in LocationSubmission) (*EvidenceResult, error) {
	if in.SessionID == "" || in.ParticipantID == "" {
		return nil, validationf("session_id and participant_id are required")
	}
	session, err := e.sessionForEvidence(ctx, in.SessionID, models.ModeLocation, in.IsLate)
	if err != nil {
		return nil, err
	}

	var round *models.Round
	if in.RoundID != "" {
		if round, err = e.loadRound(ctx, session, in.RoundID); err != nil {
			return nil, err
		}
	} else {
		rounds, err := e.listRounds(ctx, session.ID)
		if err != nil {
			return nil, err
		}
		if round = ActiveRound(rounds); round == nil {
			return nil, ruleError(CodeRoundNotOpen, "session %s has no open round", session.ID)
		}
	}
	if err := acceptingRound(round, in.IsLate); err != nil {
		return nil, err
	}

	if in.CapturedAt.IsZero() {
		in.CapturedAt = e.now()
	}
	id := evidenceID(round.ID, in.ParticipantID, in.CapturedAt.UTC().Format(time.RFC3339Nano))
	if existing, err := e.existingEvidence(ctx, session.ID, in.ParticipantID, id); err != nil || existing != nil {
		if existing != nil {
			return &EvidenceResult{Record: existing}, nil
		}
		return nil, err
	}

	fix := models.LocationFix{Latitude: in.Latitude, Longitude: in.Longitude, Accuracy: in.Accuracy, CapturedAt: in.CapturedAt}
	history := e.locationHistory(ctx, session.ID, in.ParticipantID)
	var previous *models.LocationFix
	if prior, ok := history.Before(in.CapturedAt); ok {
		previous = &prior
	}

	result := e.matchers[models.ModeLocation].Match(MatchInput{
		EvidenceID:    id,
		Session:       session,
		Round:         round,
		ParticipantID: in.ParticipantID,
		Whitelist:     e.sessionWhitelist(ctx, session),
		CapturedAt:    in.CapturedAt,
		IsLate:        in.IsLate,
		Fix:           &fix,
		Previous:      previous,
		CheckIn:       history.CheckIn,
	})

	stored, err := e.persistEvidence(ctx, session, round, result)
	if err != nil {
		return nil, err
	}
	if result.Record.Latitude != nil {
		if err := e.cache.AppendFix(ctx, session.ID, in.ParticipantID, fix, session.CacheTTL(e.now())); err != nil {
			log.Printf("⚠️ [session %s] failed to cache location history: %v", session.ID, err)
		}
	}
	return stored, nil
}

// locationHistory reads the cached trail, falling back to the durable store
func (e *AttendanceEngine) locationHistory(ctx context.Context, sessionID, participantID string) *cache.History {
	h, err := e.cache.History(ctx, sessionID, participantID)
	if err == nil {
		return h
	}
	if !errors.Is(err, cache.ErrMiss) {
		log.Printf("⚠️ [session %s] history cache unavailable: %v", sessionID, err)
	}

	first, last, err := e.store.LocationHistory(ctx, sessionID, participantID)
	if err != nil {
		log.Printf("⚠️ [session %s] location history lookup failed, skipping movement checks: %v", sessionID, err)
		return &cache.History{}
	}
	h = &cache.History{}
	if first != nil {
		if fix, ok := first.Fix(); ok {
			h.CheckIn = &fix
		}
	}
	if last != nil {
		if fix, ok := last.Fix(); ok {
			h.Recent = append(h.Recent, fix)
		}
	}
	return h
}

// persistEvidence stores the record and its anomalies, then auto-completes the round
// once every participant has valid evidence for it
func (e *AttendanceEngine) persistEvidence(ctx context.Context, session *models.Session, round *models.Round, result MatchResult) (*EvidenceResult, error) {
	record := result.Record
	if err := e.store.CreateEvidence(ctx, &record); err != nil {
		return nil, transient("store evidence", err)
	}

	out := &EvidenceResult{Record: &record, Anomalies: []models.AnomalyRecord{}}
	for _, f := range result.Findings {
		anomaly := models.AnomalyRecord{
			ID:                    uuid.NewString(),
			SessionID:             session.ID,
			RoundID:               round.ID,
			ParticipantID:         record.ParticipantID,
			EvidenceID:            record.ID,
			Type:                  f.Type,
			Severity:              f.Severity,
			Detail:                f.Detail,
			AutoFlagged:           true,
			RequiresInvestigation: f.Severity.AtLeastMedium(),
			InvestigationStatus:   models.InvestigationNone,
			DetectedAt:            e.now(),
		}
		if anomaly.RequiresInvestigation {
			anomaly.InvestigationStatus = models.InvestigationPending
		}
		if err := e.store.CreateAnomaly(ctx, &anomaly); err != nil {
			log.Printf("❌ [session %s] failed to store %s anomaly for %s: %v", session.ID, f.Type, record.ParticipantID, err)
			continue
		}
		log.Printf("🚩 [session %s] %s anomaly (%s) for %s: %s", session.ID, f.Type, f.Severity, record.ParticipantID, f.Detail)
		out.Anomalies = append(out.Anomalies, anomaly)
	}

	log.Printf("📍 [session %s] round %d evidence from %s: %s", session.ID, round.Number, record.ParticipantID, record.Status)

	if record.IsValid && round.Status == models.RoundActive {
		if err := e.completeIfAllVerified(ctx, session, round); err != nil {
			log.Printf("⚠️ [session %s] auto-complete check failed for round %d: %v", session.ID, round.Number, err)
		}
	}
	return out, nil
}

// completeIfAllVerified closes the round when every roster participant has valid evidence in it
func (e *AttendanceEngine) completeIfAllVerified(ctx context.Context, session *models.Session, round *models.Round) error {
	participants, err := e.store.ListParticipants(ctx, session.ScheduleID)
	if err != nil {
		return fmt.Errorf("roster lookup: %w", err)
	}
	if len(participants) == 0 {
		return nil
	}
	records, err := e.store.ListEvidence(ctx, session.ID, "")
	if err != nil {
		return fmt.Errorf("list evidence: %w", err)
	}
	verified := validByRound(records)[round.ID]
	for _, p := range participants {
		if _, ok := verified[p.ID]; !ok {
			return nil
		}
	}

	rounds, err := e.listRounds(ctx, session.ID)
	if err != nil {
		return err
	}
	for i := range rounds {
		if rounds[i].ID == round.ID && rounds[i].Status == models.RoundActive {
			log.Printf("✅ [session %s] every participant verified round %d", session.ID, round.Number)
			return e.completeRound(ctx, session, &rounds[i], rounds)
		}
	}
	return nil
}

// validByRound indexes the earliest valid evidence per round and participant
func validByRound(records []models.EvidenceRecord) map[string]map[string]*models.EvidenceRecord {
	out := map[string]map[string]*models.EvidenceRecord{}
	for i := range records {
		r := &records[i]
		if !r.IsValid {
			continue
		}
		byParticipant, ok := out[r.RoundID]
		if !ok {
			byParticipant = map[string]*models.EvidenceRecord{}
			out[r.RoundID] = byParticipant
		}
		if _, seen := byParticipant[r.ParticipantID]; !seen {
			byParticipant[r.ParticipantID] = r
		}
	}
	return out
}
