package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"presence-verifier/internal/cache"
	"presence-verifier/internal/models"
	"presence-verifier/internal/queue"
	"presence-verifier/internal/repository"
)

var monday = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (n *recordingNotifier) Notify(ctx context.Context, msg models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *recordingNotifier) Count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

var _ Notifier = (*recordingNotifier)(nil)

// flakyRoster fails roster lookups while failing is set
type flakyRoster struct {
	*repository.MemoryStore
	mu      sync.Mutex
	failing bool
}

func (f *flakyRoster) setFailing(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = v
}

func (f *flakyRoster) ListParticipants(ctx context.Context, scheduleID string) ([]models.Participant, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return nil, errors.New("roster service unavailable")
	}
	return f.MemoryStore.ListParticipants(ctx, scheduleID)
}

type harness struct {
	ctx      context.Context
	store    *flakyRoster
	kv       *cache.MemoryStore
	tasks    *queue.MemoryBroker
	events   *queue.MemoryBroker
	notifier *recordingNotifier
	clock    *fakeClock
	engine   *AttendanceEngine
	worker   *queue.Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{t: monday.Add(-5 * time.Minute)}
	store := &flakyRoster{MemoryStore: repository.NewMemoryStore()}
	kv := cache.NewMemoryStoreWithClock(clock.Now)
	tasks := queue.NewMemoryBroker(256)
	events := queue.NewMemoryBroker(256)
	notifier := &recordingNotifier{}

	engine := NewAttendanceEngine(store, cache.NewSessionCache(kv), tasks, events, notifier, DefaultSettings()).
		WithClock(clock.Now)
	router := queue.NewRouter()
	engine.Register(router)

	return &harness{
		ctx:      context.Background(),
		store:    store,
		kv:       kv,
		tasks:    tasks,
		events:   events,
		notifier: notifier,
		clock:    clock,
		engine:   engine,
		worker:   &queue.Worker{Broker: tasks, Router: router, DeadLetters: store, MaxAttempts: 3},
	}
}

func (h *harness) enroll(scheduleID string, participants ...string) {
	for _, p := range participants {
		h.store.Enroll(models.Enrollment{
			ScheduleID:     scheduleID,
			ParticipantID:  p,
			Name:           strings.ToUpper(p),
			DeviceID:       "DEV-" + p,
			TelegramChatID: 1000,
		})
	}
}

func (h *harness) schedule(t *testing.T, scheduleID string, mode models.SessionMode) *models.Session {
	t.Helper()
	s, err := h.engine.ScheduleSession(h.ctx, ScheduleRequest{
		ScheduleID:      scheduleID,
		SupervisorID:    "boss",
		Mode:            mode,
		ScheduledStart:  monday,
		ScheduledEnd:    monday.Add(3 * time.Hour),
		RoundCount:      3,
		OfficeLatitude:  13.7563,
		OfficeLongitude: 100.5018,
		RadiusMeters:    100,
	})
	if err != nil {
		t.Fatalf("ScheduleSession() error = %v", err)
	}
	h.drain()
	return s
}

func (h *harness) drain() { h.worker.Drain(h.ctx, h.tasks) }

func (h *harness) rounds(t *testing.T, sessionID string) []models.Round {
	t.Helper()
	rounds, err := h.store.ListRounds(h.ctx, sessionID)
	if err != nil {
		t.Fatalf("ListRounds() error = %v", err)
	}
	return rounds
}

func (h *harness) session(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := h.store.GetSession(h.ctx, id)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	return s
}

func (h *harness) scan(t *testing.T, s *models.Session, roundID, participant string, late bool) *EvidenceResult {
	t.Helper()
	res, err := h.engine.SubmitScanData(h.ctx, models.SubmitScanDataMessage{
		SubmitterDeviceID: "dev-" + participant,
		ParticipantID:     participant,
		SessionID:         s.ID,
		RoundID:           roundID,
		Timestamp:         h.clock.Now(),
		IsLateSubmission:  late,
	})
	if err != nil {
		t.Fatalf("SubmitScanData() error = %v", err)
	}
	return res
}

func TestScheduleSessionCreatesRounds(t *testing.T) {
	h := newHarness(t)
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)

	if s.Status != models.SessionPending {
		t.Errorf("Status = %s, want pending", s.Status)
	}
	rounds := h.rounds(t, s.ID)
	if len(rounds) != 3 {
		t.Fatalf("got %d rounds, want 3", len(rounds))
	}
	for i, r := range rounds {
		if r.Number != i+1 || r.Status != models.RoundPending {
			t.Errorf("round %d = #%d %s, want #%d pending", i, r.Number, r.Status, i+1)
		}
	}

	// redelivery leaves the rounds as they are
	if err := h.engine.HandleCreateRounds(h.ctx, models.CreateRoundsMessage{
		SessionID: s.ID, TotalRounds: 3, ScheduledStart: s.ScheduledStart, ScheduledEnd: s.ScheduledEnd,
	}); err != nil {
		t.Fatalf("HandleCreateRounds() error = %v", err)
	}
	if got := len(h.rounds(t, s.ID)); got != 3 {
		t.Errorf("got %d rounds after redelivery, want 3", got)
	}
}

func TestStartSession(t *testing.T) {
	tests := []struct {
		name    string
		now     time.Time
		actor   string
		wantErr error
	}{
		{"Inside tolerance before start", monday.Add(-15 * time.Minute), "boss", nil},
		{"Too early", monday.Add(-16 * time.Minute), "boss", ErrOutOfWindow},
		{"Inside tolerance after end", monday.Add(3*time.Hour + 15*time.Minute), "boss", nil},
		{"Too late", monday.Add(3*time.Hour + 16*time.Minute), "boss", ErrOutOfWindow},
		{"Not the supervisor", monday, "intruder", ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.enroll("sched-1", "p1")
			s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
			h.clock.Set(tt.now)

			got, err := h.engine.StartSession(h.ctx, s.ID, tt.actor)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("StartSession() error = %v, want %v", err, tt.wantErr)
				}
				if h.session(t, s.ID).Status != models.SessionPending {
					t.Error("rejected start changed the session")
				}
				return
			}
			if err != nil {
				t.Fatalf("StartSession() error = %v", err)
			}
			if got.Status != models.SessionActive || got.ActualStart == nil {
				t.Errorf("StartSession() = %s, actual start %v", got.Status, got.ActualStart)
			}
			if r := ActiveRound(h.rounds(t, s.ID)); r == nil || r.Number != 1 {
				t.Errorf("active round = %v, want round 1", r)
			}
		})
	}
}

func TestStartSessionOutOfWindowMessage(t *testing.T) {
	h := newHarness(t)
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday.Add(-time.Hour))

	_, err := h.engine.StartSession(h.ctx, s.ID, "boss")
	if !errors.Is(err, ErrOutOfWindow) {
		t.Fatalf("StartSession() error = %v, want out of window", err)
	}
	if !strings.Contains(err.Error(), "2026-03-02T08:45:00Z") || !strings.Contains(err.Error(), "2026-03-02T12:15:00Z") {
		t.Errorf("error %q does not name the allowed window", err)
	}
}

func TestStartSessionRejectsRepeatsAndSecondActive(t *testing.T) {
	h := newHarness(t)
	first := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	second := h.schedule(t, "sched-1", models.ModeDeviceProximity)

	if _, err := h.engine.StartSession(h.ctx, first.ID, "boss"); err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if _, err := h.engine.StartSession(h.ctx, first.ID, "boss"); !errors.Is(err, ErrNotPending) {
		t.Errorf("second start error = %v, want not pending", err)
	}
	if _, err := h.engine.StartSession(h.ctx, second.ID, "boss"); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("start of sibling session error = %v, want already active", err)
	}
	if _, err := h.engine.StartSession(h.ctx, "missing", "boss"); !errors.Is(err, ErrNotFound) {
		t.Errorf("start of unknown session error = %v, want not found", err)
	}
}

func TestWhitelistFailOpenAtStartFailClosedAtMatch(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1")
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)

	h.store.setFailing(true)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatalf("StartSession() with roster down error = %v", err)
	}
	h.store.setFailing(false)

	round := ActiveRound(h.rounds(t, s.ID))
	res := h.scan(t, s, round.ID, "p1", false)
	if res.Record.IsValid || res.Record.Status != models.EvidenceUnauthorized {
		t.Errorf("scan against empty whitelist = %v/%s, want invalid/unauthorized", res.Record.IsValid, res.Record.Status)
	}

	// an evicted whitelist is rebuilt from the roster
	if err := h.kv.Delete(h.ctx, cache.WhitelistKey(s.ID)); err != nil {
		t.Fatal(err)
	}
	h.clock.Set(h.clock.Now().Add(time.Second))
	res = h.scan(t, s, round.ID, "p1", false)
	if !res.Record.IsValid || res.Record.Status != models.EvidenceValid {
		t.Errorf("scan after reload = %v/%s, want valid", res.Record.IsValid, res.Record.Status)
	}
}

func TestSubmitScanDataRoundRules(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1", "p2")
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	rounds := h.rounds(t, s.ID)

	_, err := h.engine.SubmitScanData(h.ctx, models.SubmitScanDataMessage{
		SubmitterDeviceID: "dev-p1", ParticipantID: "p1", SessionID: s.ID, RoundID: rounds[1].ID, Timestamp: monday,
	})
	if !errors.Is(err, ErrRoundNotOpen) {
		t.Errorf("scan for pending round error = %v, want round not open", err)
	}

	if _, err := h.engine.AdvanceRound(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	_, err = h.engine.SubmitScanData(h.ctx, models.SubmitScanDataMessage{
		SubmitterDeviceID: "dev-p1", ParticipantID: "p1", SessionID: s.ID, RoundID: rounds[0].ID, Timestamp: monday,
	})
	if !errors.Is(err, ErrRoundNotOpen) {
		t.Errorf("on-time scan for completed round error = %v, want round not open", err)
	}
	if res := h.scan(t, s, rounds[0].ID, "p1", true); !res.Record.IsValid || !res.Record.IsLate {
		t.Errorf("late scan = valid %v late %v, want accepted", res.Record.IsValid, res.Record.IsLate)
	}
}

func TestSubmitScanDataIsIdempotentAndFlagsSharedDevice(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1", "p2", "p3")
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	round := ActiveRound(h.rounds(t, s.ID))

	first := h.scan(t, s, round.ID, "p1", false)
	again := h.scan(t, s, round.ID, "p1", false)
	if first.Record.ID != again.Record.ID {
		t.Errorf("redelivered scan stored as %s, want %s", again.Record.ID, first.Record.ID)
	}
	records, _ := h.store.ListEvidence(h.ctx, s.ID, "p1")
	if len(records) != 1 {
		t.Errorf("got %d records for p1, want 1", len(records))
	}

	res, err := h.engine.SubmitScanData(h.ctx, models.SubmitScanDataMessage{
		SubmitterDeviceID: "dev-p1", ParticipantID: "p2", SessionID: s.ID, RoundID: round.ID, Timestamp: monday.Add(time.Second),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Status != models.EvidenceSuspicious || len(res.Anomalies) != 1 || res.Anomalies[0].Type != models.AnomalySpoofing {
		t.Errorf("shared device = %s with %+v, want suspicious spoofing", res.Record.Status, res.Anomalies)
	}
	if !res.Anomalies[0].RequiresInvestigation {
		t.Error("high severity anomaly should require investigation")
	}
}

func TestRoundAutoCompletesWhenEveryoneVerified(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1", "p2")
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	round := ActiveRound(h.rounds(t, s.ID))

	h.scan(t, s, round.ID, "p1", false)
	if r := ActiveRound(h.rounds(t, s.ID)); r == nil || r.ID != round.ID {
		t.Fatal("round closed before everyone verified")
	}
	h.scan(t, s, round.ID, "p2", false)
	if r := h.rounds(t, s.ID)[0]; r.Status != models.RoundCompleted {
		t.Errorf("round 1 = %s, want completed", r.Status)
	}
}

func TestEndSessionMidwayComputesPartialAttendance(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1", "p2")
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	rounds := h.rounds(t, s.ID)

	h.clock.Set(monday.Add(45 * time.Minute))
	h.scan(t, s, rounds[0].ID, "p1", false)
	if _, err := h.engine.AdvanceRound(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	h.clock.Set(monday.Add(90 * time.Minute))
	h.scan(t, s, rounds[1].ID, "p1", false)

	h.clock.Set(monday.Add(100 * time.Minute))
	ended, err := h.engine.EndSession(h.ctx, s.ID, "boss")
	if err != nil {
		t.Fatalf("EndSession() error = %v", err)
	}
	if ended.Status != models.SessionProcessing {
		t.Errorf("EndSession() status = %s, want processing", ended.Status)
	}
	after := h.rounds(t, s.ID)
	if after[1].Status != models.RoundActive || after[2].Status != models.RoundFinalized {
		t.Errorf("rounds after end = %s/%s, want active/finalized", after[1].Status, after[2].Status)
	}
	if h.notifier.Count() != 2 {
		t.Errorf("sent %d early-end notifications, want 2", h.notifier.Count())
	}

	h.drain()

	if got := h.session(t, s.ID).Status; got != models.SessionCompleted {
		t.Fatalf("session = %s after pipeline, want completed", got)
	}
	for _, r := range h.rounds(t, s.ID) {
		if r.Status != models.RoundFinalized {
			t.Errorf("round %d = %s, want finalized", r.Number, r.Status)
		}
	}

	p1, err := h.engine.GetFinalAttendance(h.ctx, s.ID, "p1")
	if err != nil {
		t.Fatalf("GetFinalAttendance() error = %v", err)
	}
	if p1.Percentage != 66.7 || p1.Status != models.OutcomePartial || p1.AttendedRounds != 2 || p1.TotalRounds != 3 {
		t.Errorf("p1 = %+v, want 2/3 66.7%% partial", p1)
	}
	if len(p1.PerRoundDetail) != 3 || !p1.PerRoundDetail[0].Attended || p1.PerRoundDetail[2].Attended {
		t.Errorf("p1 per-round detail = %+v", p1.PerRoundDetail)
	}

	p2, err := h.engine.GetFinalAttendance(h.ctx, s.ID, "p2")
	if err != nil {
		t.Fatal(err)
	}
	if p2.Percentage != 0 || p2.Status != models.OutcomeAbsent {
		t.Errorf("p2 = %+v, want absent", p2)
	}

	if h.events.Len() != 1 {
		t.Errorf("published %d completion events, want 1", h.events.Len())
	}
	if len(h.store.DeadLetters()) != 0 {
		t.Errorf("dead letters = %+v", h.store.DeadLetters())
	}
}

func TestEndSessionWithoutActiveRoundCompletesImmediately(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1")
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	round := ActiveRound(h.rounds(t, s.ID))
	h.scan(t, s, round.ID, "p1", false)

	h.clock.Set(monday.Add(3 * time.Hour))
	ended, err := h.engine.EndSession(h.ctx, s.ID, "boss")
	if err != nil {
		t.Fatal(err)
	}
	if ended.Status != models.SessionCompleted {
		t.Errorf("EndSession() status = %s, want completed", ended.Status)
	}
	if h.notifier.Count() != 0 {
		t.Errorf("on-time end sent %d notifications, want 0", h.notifier.Count())
	}
	if _, err := h.engine.EndSession(h.ctx, s.ID, "boss"); !errors.Is(err, ErrNotActive) {
		t.Errorf("second EndSession() error = %v, want not active", err)
	}

	h.drain()
	out, err := h.engine.GetFinalAttendance(h.ctx, s.ID, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if out.AttendedRounds != 1 || out.TotalRounds != 3 || out.Status != models.OutcomePartial {
		t.Errorf("p1 = %+v, want 1/3 partial", out)
	}
}

func TestFinalizationIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1", "p2")
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	round := ActiveRound(h.rounds(t, s.ID))
	h.scan(t, s, round.ID, "p1", false)
	h.clock.Set(monday.Add(2 * time.Hour))
	if _, err := h.engine.EndSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	h.drain()

	snapshot := func() []byte {
		var all []interface{}
		for _, p := range []string{"p1", "p2"} {
			out, err := h.engine.GetFinalAttendance(h.ctx, s.ID, p)
			if err != nil {
				t.Fatalf("GetFinalAttendance(%s) error = %v", p, err)
			}
			o, _ := h.store.GetOutcome(h.ctx, s.ID, p)
			all = append(all, out, o)
		}
		data, err := sonic.Marshal(all)
		if err != nil {
			t.Fatal(err)
		}
		return data
	}
	before := snapshot()

	h.clock.Set(monday.Add(5 * time.Hour))
	if err := h.engine.HandleSessionFinalAttendance(h.ctx, models.SessionFinalAttendanceToProcessMessage{SessionID: s.ID, ActualRoundsCount: 3}); err != nil {
		t.Fatalf("HandleSessionFinalAttendance() rerun error = %v", err)
	}
	if after := snapshot(); string(after) != string(before) {
		t.Errorf("rerun changed outcomes:\nbefore %s\nafter  %s", before, after)
	}
}

func TestCancelSessionSkipsFinalization(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1")
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	cancelled, err := h.engine.CancelSession(h.ctx, s.ID, "boss")
	if err != nil {
		t.Fatalf("CancelSession() error = %v", err)
	}
	if cancelled.Status != models.SessionCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	for _, r := range h.rounds(t, s.ID) {
		if r.Status != models.RoundCancelled {
			t.Errorf("round %d = %s, want cancelled", r.Number, r.Status)
		}
	}
	if err := h.engine.HandleSessionFinalAttendance(h.ctx, models.SessionFinalAttendanceToProcessMessage{SessionID: s.ID}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.GetFinalAttendance(h.ctx, s.ID, "p1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetFinalAttendance() error = %v, want not found", err)
	}
	if _, err := h.engine.CancelSession(h.ctx, s.ID, "boss"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second cancel error = %v, want invalid transition", err)
	}
}

func TestLocationSubmissionFlagsImpossibleSpeed(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1", "p2")
	s := h.schedule(t, "sched-1", models.ModeLocation)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}

	far := metersNorth(13.7563, 10000)
	res, err := h.engine.SubmitLocation(h.ctx, LocationSubmission{
		SessionID: s.ID, ParticipantID: "p1", Latitude: far, Longitude: 100.5018, CapturedAt: monday,
	})
	if err != nil {
		t.Fatalf("SubmitLocation() error = %v", err)
	}
	if res.Record.Status != models.EvidenceOutOfRange || res.Record.IsValid {
		t.Errorf("far fix = %v/%s, want out of range", res.Record.IsValid, res.Record.Status)
	}

	res, err = h.engine.SubmitLocation(h.ctx, LocationSubmission{
		SessionID: s.ID, ParticipantID: "p1", Latitude: 13.7563, Longitude: 100.5018, CapturedAt: monday.Add(time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Record.IsValid || res.Record.Status != models.EvidenceSuspicious {
		t.Errorf("jump fix = %v/%s, want valid suspicious", res.Record.IsValid, res.Record.Status)
	}
	if len(res.Anomalies) != 1 || res.Anomalies[0].Type != models.AnomalyImpossibleSpeed || res.Anomalies[0].Severity != models.SeverityHigh {
		t.Errorf("anomalies = %+v, want one high impossible_speed", res.Anomalies)
	}
	if res.Record.DistanceFromCheckInMeters < 9990 {
		t.Errorf("distance from check-in = %v, want ~10000", res.Record.DistanceFromCheckInMeters)
	}

	// a history cache miss falls back to the stored trail
	if err := h.kv.Delete(h.ctx, cache.HistoryKey(s.ID, "p1")); err != nil {
		t.Fatal(err)
	}
	res, err = h.engine.SubmitLocation(h.ctx, LocationSubmission{
		SessionID: s.ID, ParticipantID: "p1", Latitude: 13.7563, Longitude: 100.5018, CapturedAt: monday.Add(30 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Record.Status != models.EvidenceValid {
		t.Errorf("steady fix = %s, want valid", res.Record.Status)
	}
	if len(h.store.Anomalies(s.ID)) != 2 {
		t.Errorf("stored %d anomalies, want 2", len(h.store.Anomalies(s.ID)))
	}
}

func TestSendDueRemindersOncePerRound(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1", "p2")
	s := h.schedule(t, "sched-1", models.ModeLocation)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.engine.SubmitLocation(h.ctx, LocationSubmission{
		SessionID: s.ID, ParticipantID: "p1", Latitude: 13.7563, Longitude: 100.5018, CapturedAt: monday.Add(40 * time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	// round 1 is due at 09:45
	h.clock.Set(monday.Add(40 * time.Minute))
	sent, err := h.engine.SendDueReminders(h.ctx)
	if err != nil {
		t.Fatalf("SendDueReminders() error = %v", err)
	}
	if sent != 1 {
		t.Errorf("first run sent %d, want 1", sent)
	}
	sent, _ = h.engine.SendDueReminders(h.ctx)
	if sent != 0 {
		t.Errorf("second run sent %d, want 0", sent)
	}
	if h.notifier.sent[0].RecipientID != "p2" || h.notifier.sent[0].Payload["deep_link"] == "" {
		t.Errorf("reminder = %+v, want p2 with deep link", h.notifier.sent[0])
	}
}

func TestSendDueRemindersSkipsHolidays(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1")
	s := h.schedule(t, "sched-1", models.ModeLocation)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	h.store.AddHoliday(monday)
	h.clock.Set(monday.Add(45 * time.Minute))

	sent, err := h.engine.SendDueReminders(h.ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sent != 0 || h.notifier.Count() != 0 {
		t.Errorf("holiday run sent %d, want 0", sent)
	}
}

func TestSweepRoundsAdvancesLocationSessions(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1")
	s := h.schedule(t, "sched-1", models.ModeLocation)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}

	// round 1 at 09:45 is overdue after 10:15, round 2 at 10:30 opens from 10:15
	h.clock.Set(monday.Add(75 * time.Minute))
	if err := h.engine.SweepRounds(h.ctx); err != nil {
		t.Fatal(err)
	}
	if r := ActiveRound(h.rounds(t, s.ID)); r == nil || r.Number != 1 {
		t.Fatalf("active round at 30:00 overdue = %v, want round 1", r)
	}

	h.clock.Set(monday.Add(75*time.Minute + time.Second))
	if err := h.engine.SweepRounds(h.ctx); err != nil {
		t.Fatal(err)
	}
	rounds := h.rounds(t, s.ID)
	if rounds[0].Status != models.RoundCompleted || rounds[1].Status != models.RoundActive {
		t.Errorf("rounds = %s/%s, want completed/active", rounds[0].Status, rounds[1].Status)
	}
}

func TestSweepExpiredSessions(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1")
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(monday.Add(3*time.Hour + 15*time.Minute))
	if n, _ := h.engine.SweepExpiredSessions(h.ctx); n != 0 {
		t.Errorf("ended %d sessions inside tolerance, want 0", n)
	}
	h.clock.Set(monday.Add(3*time.Hour + 16*time.Minute))
	if n, _ := h.engine.SweepExpiredSessions(h.ctx); n != 1 {
		t.Errorf("ended %d sessions, want 1", n)
	}
	if got := h.session(t, s.ID).Status; got != models.SessionProcessing {
		t.Errorf("status = %s, want processing", got)
	}
	h.drain()
	if got := h.session(t, s.ID).Status; got != models.SessionCompleted {
		t.Errorf("status after pipeline = %s, want completed", got)
	}
}

func TestGetVerificationSchedule(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1")

	empty, err := h.engine.GetVerificationSchedule(h.ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if empty.HasActiveShift || len(empty.Rounds) != 0 {
		t.Errorf("schedule without session = %+v, want empty", empty)
	}

	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	round := ActiveRound(h.rounds(t, s.ID))
	h.scan(t, s, round.ID, "p1", false)

	h.clock.Set(monday.Add(4 * time.Hour))
	got, err := h.engine.GetVerificationSchedule(h.ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.HasActiveShift || got.SessionID != s.ID || len(got.Rounds) != 3 {
		t.Fatalf("schedule = %+v", got)
	}
	if !got.Rounds[0].Completed || got.Rounds[0].Overdue {
		t.Errorf("round 1 view = %+v, want completed", got.Rounds[0])
	}
	if got.Rounds[1].Completed || !got.Rounds[1].Overdue {
		t.Errorf("round 2 view = %+v, want overdue", got.Rounds[1])
	}
}

func TestPoisonMessageIsDeadLettered(t *testing.T) {
	h := newHarness(t)
	msg := queue.Message{ID: "m-1", Type: models.MsgCalculateRoundAttendance, Payload: []byte(`{"session_id": 42}`)}
	if got := h.worker.Process(h.ctx, msg); got != queue.DeadLettered {
		t.Errorf("Process() = %v, want dead-lettered", got)
	}
	msg = queue.Message{ID: "m-2", Type: models.MsgSessionFinalAttendanceToProcess, Payload: []byte(`{"session_id":"missing"}`)}
	if got := h.worker.Process(h.ctx, msg); got != queue.DeadLettered {
		t.Errorf("Process() for unknown session = %v, want dead-lettered", got)
	}
	if n := len(h.store.DeadLetters()); n != 2 {
		t.Errorf("stored %d dead letters, want 2", n)
	}
}

func TestSweepStuckProcessingRepublishesLostHandOff(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1", "p2")
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	rounds := h.rounds(t, s.ID)
	h.clock.Set(monday.Add(45 * time.Minute))
	h.scan(t, s, rounds[0].ID, "p1", false)
	if _, err := h.engine.AdvanceRound(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	h.drain()

	h.clock.Set(monday.Add(100 * time.Minute))
	if _, err := h.engine.EndSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}
	// the hand-off message is lost
	for {
		if _, ok := h.tasks.TryReceive(); !ok {
			break
		}
	}

	h.clock.Set(monday.Add(120 * time.Minute))
	if n, err := h.engine.SweepStuckProcessing(h.ctx); err != nil || n != 0 {
		t.Errorf("SweepStuckProcessing() before overdue = %d, %v, want 0", n, err)
	}

	h.clock.Set(monday.Add(131 * time.Minute))
	n, err := h.engine.SweepStuckProcessing(h.ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepStuckProcessing() = %d, %v, want 1", n, err)
	}
	h.drain()

	if got := h.session(t, s.ID).Status; got != models.SessionCompleted {
		t.Errorf("session = %s after republish, want completed", got)
	}
	p1, err := h.engine.GetFinalAttendance(h.ctx, s.ID, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if p1.AttendedRounds != 1 || p1.TotalRounds != 3 {
		t.Errorf("p1 = %+v, want 1/3", p1)
	}
}

func TestLocationSubmissionComparesAgainstPriorCapture(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1", "p2")
	s := h.schedule(t, "sched-1", models.ModeLocation)
	h.clock.Set(monday)
	if _, err := h.engine.StartSession(h.ctx, s.ID, "boss"); err != nil {
		t.Fatal(err)
	}

	submit := func(lat float64, at time.Time) *EvidenceResult {
		t.Helper()
		res, err := h.engine.SubmitLocation(h.ctx, LocationSubmission{
			SessionID: s.ID, ParticipantID: "p1", Latitude: lat, Longitude: 100.5018, CapturedAt: at,
		})
		if err != nil {
			t.Fatalf("SubmitLocation(%s) error = %v", at.Format("15:04"), err)
		}
		return res
	}

	submit(13.7563, monday)
	submit(metersNorth(13.7563, 10000), monday.Add(30*time.Minute))
	h.clock.Set(monday.Add(31 * time.Minute))

	// arrives last but was captured before the far fix
	res := submit(13.7563, monday.Add(29*time.Minute))
	if len(res.Anomalies) != 0 {
		t.Errorf("anomalies = %+v, want none against the 09:00 fix", res.Anomalies)
	}
	if res.Record.Status != models.EvidenceValid {
		t.Errorf("status = %s, want valid", res.Record.Status)
	}
}

func TestScheduleLocationSessionRequiresReferencePoint(t *testing.T) {
	h := newHarness(t)
	base := ScheduleRequest{
		ScheduleID:     "sched-1",
		SupervisorID:   "boss",
		Mode:           models.ModeLocation,
		ScheduledStart: monday,
		ScheduledEnd:   monday.Add(3 * time.Hour),
	}

	tests := []struct {
		name   string
		modify func(r *ScheduleRequest)
		valid  bool
	}{
		{"No radius", func(r *ScheduleRequest) { r.OfficeLatitude, r.OfficeLongitude = 13.7563, 100.5018 }, false},
		{"No reference point", func(r *ScheduleRequest) { r.RadiusMeters = 100 }, false},
		{"Latitude out of range", func(r *ScheduleRequest) { r.OfficeLatitude, r.OfficeLongitude, r.RadiusMeters = 95, 100.5018, 100 }, false},
		{"Complete", func(r *ScheduleRequest) { r.OfficeLatitude, r.OfficeLongitude, r.RadiusMeters = 13.7563, 100.5018, 100 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.modify(&req)
			_, err := h.engine.ScheduleSession(h.ctx, req)
			if tt.valid && err != nil {
				t.Fatalf("ScheduleSession() error = %v", err)
			}
			if !tt.valid && KindOf(err) != KindValidation {
				t.Errorf("ScheduleSession() error = %v, want validation", err)
			}
		})
	}
}

// gatedSessions holds the first n GetSession calls until all of them have arrived
type gatedSessions struct {
	*flakyRoster
	mu      sync.Mutex
	pending int
	release chan struct{}
}

func (g *gatedSessions) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s, err := g.flakyRoster.GetSession(ctx, id)
	g.mu.Lock()
	if g.pending == 0 {
		g.mu.Unlock()
		return s, err
	}
	g.pending--
	if g.pending == 0 {
		close(g.release)
	}
	g.mu.Unlock()
	<-g.release
	return s, err
}

func TestStartSessionConcurrentStartsOnlyOneWins(t *testing.T) {
	h := newHarness(t)
	h.enroll("sched-1", "p1")
	s := h.schedule(t, "sched-1", models.ModeDeviceProximity)
	h.clock.Set(monday)

	const starters = 2
	gated := &gatedSessions{flakyRoster: h.store, pending: starters, release: make(chan struct{})}
	engine := NewAttendanceEngine(gated, cache.NewSessionCache(h.kv), h.tasks, h.events, h.notifier, DefaultSettings()).
		WithClock(h.clock.Now)

	var wg sync.WaitGroup
	errs := make(chan error, starters)
	for i := 0; i < starters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.StartSession(h.ctx, s.ID, "boss")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, ErrNotPending):
			t.Errorf("StartSession() error = %v, want not pending", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("%d concurrent starts succeeded, want 1", succeeded)
	}
	if got := h.session(t, s.ID); got.Status != models.SessionActive || got.ActualStart == nil {
		t.Errorf("session = %s, started %v", got.Status, got.ActualStart)
	}
}
