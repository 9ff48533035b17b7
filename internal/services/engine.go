// Package services implements business logic for the application
package services

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"presence-verifier/internal/cache"
	"presence-verifier/internal/models"
	"presence-verifier/internal/queue"
	"presence-verifier/internal/repository"
)

// Notifier is the notification dispatch collaborator
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

// AttendanceEngine runs the verification rounds of attendance sessions
type AttendanceEngine struct {
	store     repository.Store
	cache     *cache.SessionCache
	tasks     queue.Publisher
	events    queue.Publisher
	notifier  Notifier
	scheduler RoundScheduler
	matchers  map[models.SessionMode]EvidenceMatcher
	settings  Settings
	now       func() time.Time

	scheduleLocks sync.Map
}

// NewAttendanceEngine creates the engine. tasks carries pipeline messages,
// events carries completion events for reporting and notification consumers.
func NewAttendanceEngine(
	store repository.Store,
	sessionCache *cache.SessionCache,
	tasks queue.Publisher,
	events queue.Publisher,
	notifier Notifier,
	settings Settings,
) *AttendanceEngine {
	detector := NewAnomalyDetector(settings.Anomaly)
	return &AttendanceEngine{
		store:     store,
		cache:     sessionCache,
		tasks:     tasks,
		events:    events,
		notifier:  notifier,
		scheduler: NewRoundScheduler(settings),
		matchers: map[models.SessionMode]EvidenceMatcher{
			models.ModeDeviceProximity: NewDeviceProximityMatcher(settings.MinSignalStrength),
			models.ModeLocation:        NewLocationMatcher(detector),
		},
		settings: settings,
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (e *AttendanceEngine) WithClock(now func() time.Time) *AttendanceEngine {
	e.now = now
	return e
}

// WithNotifier sets the notification dispatcher. Call before the engine is in use.
func (e *AttendanceEngine) WithNotifier(n Notifier) *AttendanceEngine {
	e.notifier = n
	return e
}

// Settings returns the engine configuration
func (e *AttendanceEngine) Settings() Settings { return e.settings }

func (e *AttendanceEngine) lockSchedule(scheduleID string) func() {
	v, _ := e.scheduleLocks.LoadOrStore(scheduleID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *AttendanceEngine) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFoundf("session %s not found", sessionID)
	}
	if err != nil {
		return nil, transient("load session", err)
	}
	return session, nil
}

func (e *AttendanceEngine) loadRound(ctx context.Context, session *models.Session, roundID string) (*models.Round, error) {
	round, err := e.store.GetRound(ctx, roundID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFoundf("round %s not found", roundID)
	}
	if err != nil {
		return nil, transient("load round", err)
	}
	if round.SessionID != session.ID {
		return nil, validationf("round %s does not belong to session %s", roundID, session.ID)
	}
	return round, nil
}

func (e *AttendanceEngine) listRounds(ctx context.Context, sessionID string) ([]models.Round, error) {
	rounds, err := e.store.ListRounds(ctx, sessionID)
	if err != nil {
		return nil, transient("list rounds", err)
	}
	return rounds, nil
}

func (e *AttendanceEngine) roster(ctx context.Context, session *models.Session) ([]models.Participant, error) {
	participants, err := e.store.ListParticipants(ctx, session.ScheduleID)
	if err != nil {
		return nil, transient("roster lookup", err)
	}
	return participants, nil
}

// whitelistIDs derives the authorized identifiers of a session from its roster
func whitelistIDs(session *models.Session, participants []models.Participant) []string {
	ids := make([]string, 0, len(participants))
	for _, p := range participants {
		if session.Mode == models.ModeDeviceProximity {
			if p.DeviceID != "" {
				ids = append(ids, p.DeviceID)
			}
			continue
		}
		ids = append(ids, p.ID)
	}
	return ids
}

// loadWhitelist reads the roster for a session. Lookup failures yield an empty
// whitelist so that starting a session never blocks on the roster.
func (e *AttendanceEngine) loadWhitelist(ctx context.Context, session *models.Session) []string {
	participants, err := e.store.ListParticipants(ctx, session.ScheduleID)
	if err != nil {
		log.Printf("⚠️ [session %s] whitelist lookup failed, caching empty whitelist: %v", session.ID, err)
		return []string{}
	}
	return whitelistIDs(session, participants)
}

// sessionWhitelist returns the cached whitelist. A missing entry is rebuilt from the
// roster; any other cache failure degrades to an empty set.
func (e *AttendanceEngine) sessionWhitelist(ctx context.Context, session *models.Session) map[string]struct{} {
	set, err := e.cache.Whitelist(ctx, session.ID)
	if err == nil {
		return set
	}
	if !errors.Is(err, cache.ErrMiss) {
		log.Printf("⚠️ [session %s] whitelist cache unavailable, treating as empty: %v", session.ID, err)
		return map[string]struct{}{}
	}

	ids := e.loadWhitelist(ctx, session)
	if err := e.cache.PutSession(ctx, session, ids, session.CacheTTL(e.now())); err != nil {
		log.Printf("⚠️ [session %s] failed to re-cache whitelist: %v", session.ID, err)
	}
	set = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[cache.NormalizeID(id)] = struct{}{}
	}
	return set
}

// notifyParticipants sends best-effort notifications; failures are logged and swallowed
func (e *AttendanceEngine) notifyParticipants(ctx context.Context, session *models.Session, title, body string, payload map[string]string) {
	if e.notifier == nil {
		return
	}
	participants, err := e.store.ListParticipants(ctx, session.ScheduleID)
	if err != nil {
		log.Printf("⚠️ [session %s] cannot notify participants, roster unavailable: %v", session.ID, err)
		return
	}
	for _, p := range participants {
		e.notify(ctx, p, title, body, payload)
	}
}

func (e *AttendanceEngine) notify(ctx context.Context, p models.Participant, title, body string, payload map[string]string) bool {
	if e.notifier == nil {
		return false
	}
	err := e.notifier.Notify(ctx, models.Notification{
		RecipientID: p.ID,
		ChatID:      p.TelegramChatID,
		Title:       title,
		Body:        body,
		Payload:     payload,
	})
	if err != nil {
		log.Printf("⚠️ notification to %s failed: %v", p.ID, err)
		return false
	}
	return true
}

func (e *AttendanceEngine) cacheStatus(ctx context.Context, session *models.Session) {
	ttl := session.CacheTTL(e.now())
	if err := e.cache.SetStatus(ctx, session.ID, session.Status, ttl); err != nil {
		log.Printf("⚠️ [session %s] failed to cache status: %v", session.ID, err)
	}
	if session.Status != models.SessionActive {
		if err := e.cache.ClearActiveSchedule(ctx, session.ScheduleID, session.ID); err != nil {
			log.Printf("⚠️ [session %s] failed to clear active schedule: %v", session.ID, err)
		}
	}
}

func (e *AttendanceEngine) transition(session *models.Session, next models.SessionStatus) error {
	if session.Status == next {
		return nil
	}
	if !session.Status.CanTransition(next) {
		return ruleError(CodeInvalidTransition, "session %s cannot move from %s to %s", session.ID, session.Status, next)
	}
	session.Status = next
	return nil
}

// AttendanceQuery is the read side used by the HTTP API and the bot
type AttendanceQuery interface {
	GetVerificationSchedule(ctx context.Context, participantID string) (*models.VerificationSchedule, error)
	GetFinalAttendance(ctx context.Context, sessionID, participantID string) (*models.FinalAttendance, error)
}

// AttendanceService is the synchronous API of the engine
type AttendanceService interface {
	AttendanceQuery
	ScheduleSession(ctx context.Context, req ScheduleRequest) (*models.Session, error)
	StartSession(ctx context.Context, sessionID, actorID string) (*models.Session, error)
	EndSession(ctx context.Context, sessionID, actorID string) (*models.Session, error)
	AdvanceRound(ctx context.Context, sessionID, actorID string) (*models.Round, error)
	CancelSession(ctx context.Context, sessionID, actorID string) (*models.Session, error)
	SubmitLocation(ctx context.Context, in LocationSubmission) (*EvidenceResult, error)
}

var _ AttendanceService = (*AttendanceEngine)(nil)
