package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"presence-verifier/internal/models"
)

// MemoryStore implements Store in process memory. It backs local runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]models.Session
	rounds      map[string]models.Round
	evidence    []models.EvidenceRecord
	anomalies   []models.AnomalyRecord
	roundAtt    map[string]models.RoundAttendance
	outcomes    map[string]models.AttendanceOutcome
	reminders   map[string]time.Time
	deadLetters []models.DeadLetter
	enrollments []models.Enrollment
	holidays    map[string]bool
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]models.Session),
		rounds:    make(map[string]models.Round),
		roundAtt:  make(map[string]models.RoundAttendance),
		outcomes:  make(map[string]models.AttendanceOutcome),
		reminders: make(map[string]time.Time),
		holidays:  make(map[string]bool),
	}
}

func pairKey(a, b string) string { return a + "|" + b }

func (m *MemoryStore) CreateSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	m.sessions[session.ID] = *session
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) ActiveSessionForSchedule(ctx context.Context, scheduleID string) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.ScheduleID == scheduleID && s.Status == models.SessionActive {
			return &s, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, session *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	m.sessions[session.ID] = *session
	return nil
}

func (m *MemoryStore) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Session
	for _, s := range m.sessions {
		for _, st := range statuses {
			if s.Status == st {
				out = append(out, s)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateRounds(ctx context.Context, rounds []models.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rounds {
		exists := false
		for _, existing := range m.rounds {
			if existing.SessionID == r.SessionID && existing.Number == r.Number {
				exists = true
				break
			}
		}
		if !exists {
			m.rounds[r.ID] = r
		}
	}
	return nil
}

func (m *MemoryStore) ListRounds(ctx context.Context, sessionID string) ([]models.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Round
	for _, r := range m.rounds {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *MemoryStore) GetRound(ctx context.Context, id string) (*models.Round, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rounds[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

func (m *MemoryStore) SaveRound(ctx context.Context, round *models.Round) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rounds[round.ID]; !ok {
		return ErrNotFound
	}
	m.rounds[round.ID] = *round
	return nil
}

func (m *MemoryStore) CreateEvidence(ctx context.Context, record *models.EvidenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evidence = append(m.evidence, *record)
	return nil
}

func (m *MemoryStore) ListEvidence(ctx context.Context, sessionID, participantID string) ([]models.EvidenceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EvidenceRecord
	for _, e := range m.evidence {
		if e.SessionID != sessionID {
			continue
		}
		if participantID != "" && e.ParticipantID != participantID {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

func (m *MemoryStore) LocationHistory(ctx context.Context, sessionID, participantID string) (*models.EvidenceRecord, *models.EvidenceRecord, error) {
	records, _ := m.ListEvidence(ctx, sessionID, participantID)
	var first, last *models.EvidenceRecord
	for i := range records {
		if _, ok := records[i].Fix(); !ok {
			continue
		}
		if first == nil {
			first = &records[i]
		}
		last = &records[i]
	}
	return first, last, nil
}

func (m *MemoryStore) CreateAnomaly(ctx context.Context, anomaly *models.AnomalyRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anomalies = append(m.anomalies, *anomaly)
	return nil
}

// Anomalies returns every recorded anomaly of a session
func (m *MemoryStore) Anomalies(sessionID string) []models.AnomalyRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AnomalyRecord
	for _, a := range m.anomalies {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	return out
}

func (m *MemoryStore) UpsertRoundAttendance(ctx context.Context, rows []models.RoundAttendance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		m.roundAtt[pairKey(r.RoundID, r.ParticipantID)] = r
	}
	return nil
}

func (m *MemoryStore) ListRoundAttendance(ctx context.Context, sessionID, participantID string) ([]models.RoundAttendance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.RoundAttendance
	for _, r := range m.roundAtt {
		if r.SessionID == sessionID && r.ParticipantID == participantID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundNumber < out[j].RoundNumber })
	return out, nil
}

func (m *MemoryStore) UpsertOutcome(ctx context.Context, outcome *models.AttendanceOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[pairKey(outcome.SessionID, outcome.ParticipantID)] = *outcome
	return nil
}

func (m *MemoryStore) GetOutcome(ctx context.Context, sessionID, participantID string) (*models.AttendanceOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.outcomes[pairKey(sessionID, participantID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *MemoryStore) MarkReminderSent(ctx context.Context, roundID, participantID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(roundID, participantID)
	if _, ok := m.reminders[key]; ok {
		return false, nil
	}
	m.reminders[key] = at
	return true, nil
}

func (m *MemoryStore) SaveDeadLetter(ctx context.Context, letter *models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadLetters = append(m.deadLetters, *letter)
	return nil
}

// DeadLetters returns every stored poison message
func (m *MemoryStore) DeadLetters() []models.DeadLetter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.DeadLetter(nil), m.deadLetters...)
}

// Enroll adds a participant to a schedule's roster
func (m *MemoryStore) Enroll(e models.Enrollment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.IsActive = true
	m.enrollments = append(m.enrollments, e)
}

func (m *MemoryStore) ListParticipants(ctx context.Context, scheduleID string) ([]models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Participant
	for _, e := range m.enrollments {
		if e.ScheduleID == scheduleID && e.IsActive {
			out = append(out, e.Participant())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SchedulesForParticipant(ctx context.Context, participantID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for _, e := range m.enrollments {
		if e.ParticipantID == participantID && e.IsActive {
			out = append(out, e.ScheduleID)
		}
	}
	return out, nil
}

// AddHoliday marks a date as a non-business day
func (m *MemoryStore) AddHoliday(date time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holidays[date.Format("2006-01-02")] = true
}

func (m *MemoryStore) IsHoliday(ctx context.Context, date time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.holidays[date.Format("2006-01-02")], nil
}

var _ Store = (*MemoryStore)(nil)
