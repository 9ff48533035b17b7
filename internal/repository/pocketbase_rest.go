// Package repository provides PocketBase REST API implementations
package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"presence-verifier/internal/models"
)

// pbTimeLayout is the datetime format PocketBase returns
const pbTimeLayout = "2006-01-02 15:04:05.000Z"

// pbClient is the shared HTTP plumbing for every PocketBase collection
type pbClient struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

func (c *pbClient) addAuthHeader(req *http.Request) {
	if c.authToken != "" {
		req.Header.Set("Authorization", c.authToken)
	}
}

func (c *pbClient) do(ctx context.Context, method, apiURL string, data interface{}) ([]byte, int, error) {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, 0, err
		}
		body = bytes.NewBuffer(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL, body)
	if err != nil {
		return nil, 0, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.addAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("❌ [pocketbase] HTTP error %s %s: %v", method, apiURL, err)
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

// pbPageSize is the largest page PocketBase serves per request
const pbPageSize = 500

// list fetches every record of a collection matching filter into out (a pointer to a slice),
// following pages until a short one comes back
func (c *pbClient) list(ctx context.Context, collection, filter, sort string, out interface{}) error {
	q := url.Values{}
	if filter != "" {
		q.Set("filter", filter)
	}
	if sort != "" {
		q.Set("sort", sort)
	}
	q.Set("perPage", strconv.Itoa(pbPageSize))
	q.Set("skipTotal", "1")

	var all []json.RawMessage
	for page := 1; ; page++ {
		q.Set("page", strconv.Itoa(page))
		apiURL := fmt.Sprintf("%s/api/collections/%s/records?%s", c.baseURL, collection, q.Encode())

		body, status, err := c.do(ctx, http.MethodGet, apiURL, nil)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("failed to list %s: HTTP %d - %s", collection, status, string(body))
		}

		var result struct {
			Items []json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return fmt.Errorf("decode %s list: %w", collection, err)
		}
		all = append(all, result.Items...)
		if len(result.Items) < pbPageSize {
			break
		}
	}

	if all == nil {
		all = []json.RawMessage{}
	}
	raw, err := json.Marshal(all)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// firstID returns the PocketBase record id of the first record matching filter, "" if none
func (c *pbClient) firstID(ctx context.Context, collection, filter string) (string, error) {
	var items []struct {
		ID string `json:"id"`
	}
	if err := c.list(ctx, collection, filter, "", &items); err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "", nil
	}
	return items[0].ID, nil
}

// errNotUnique reports a unique-index violation on create
var errNotUnique = errors.New("pocketbase: duplicate record")

func (c *pbClient) create(ctx context.Context, collection string, data map[string]interface{}) error {
	apiURL := fmt.Sprintf("%s/api/collections/%s/records", c.baseURL, collection)
	body, status, err := c.do(ctx, http.MethodPost, apiURL, data)
	if err != nil {
		return err
	}
	if status == http.StatusBadRequest && strings.Contains(string(body), "validation_not_unique") {
		return errNotUnique
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("failed to create %s: HTTP %d - %s", collection, status, string(body))
	}
	return nil
}

func (c *pbClient) update(ctx context.Context, collection, recordID string, data map[string]interface{}) error {
	apiURL := fmt.Sprintf("%s/api/collections/%s/records/%s", c.baseURL, collection, recordID)
	body, status, err := c.do(ctx, http.MethodPatch, apiURL, data)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("failed to update %s: HTTP %d - %s", collection, status, string(body))
	}
	return nil
}

// upsert patches the record matching filter or creates it
func (c *pbClient) upsert(ctx context.Context, collection, filter string, data map[string]interface{}) error {
	for attempt := 0; attempt < 2; attempt++ {
		id, err := c.firstID(ctx, collection, filter)
		if err != nil {
			return err
		}
		if id != "" {
			return c.update(ctx, collection, id, data)
		}
		err = c.create(ctx, collection, data)
		if err != errNotUnique {
			return err
		}
		// lost a race with a concurrent create, patch the winner
	}
	return fmt.Errorf("upsert %s: conflicting concurrent writes", collection)
}

func pbQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "\\'") + "'"
}

func pbTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(pbTimeLayout)
}

func pbTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return pbTime(*t)
}

func parsePBTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(pbTimeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func parsePBTimePtr(s string) *time.Time {
	t := parsePBTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

// PocketBaseStore implements Store on top of the PocketBase REST API
type PocketBaseStore struct {
	client *pbClient
}

// NewPocketBaseStore creates repository
func NewPocketBaseStore(baseURL, authToken string) *PocketBaseStore {
	return &PocketBaseStore{client: &pbClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		authToken:  authToken,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}}
}

type pbSession struct {
	SessionID        string  `json:"session_id"`
	ScheduleID       string  `json:"schedule_id"`
	SupervisorID     string  `json:"supervisor_id"`
	Mode             string  `json:"mode"`
	ScheduledStart   string  `json:"scheduled_start"`
	ScheduledEnd     string  `json:"scheduled_end"`
	ActualStart      string  `json:"actual_start"`
	ActualEnd        string  `json:"actual_end"`
	Status           string  `json:"status"`
	RoundCount       int     `json:"round_count"`
	ToleranceMinutes int     `json:"tolerance_minutes"`
	OfficeLatitude   float64 `json:"office_latitude"`
	OfficeLongitude  float64 `json:"office_longitude"`
	RadiusMeters     float64 `json:"radius_meters"`
}

func (p pbSession) toModel() models.Session {
	return models.Session{
		ID:               p.SessionID,
		ScheduleID:       p.ScheduleID,
		SupervisorID:     p.SupervisorID,
		Mode:             models.SessionMode(p.Mode),
		ScheduledStart:   parsePBTime(p.ScheduledStart),
		ScheduledEnd:     parsePBTime(p.ScheduledEnd),
		ActualStart:      parsePBTimePtr(p.ActualStart),
		ActualEnd:        parsePBTimePtr(p.ActualEnd),
		Status:           models.SessionStatus(p.Status),
		RoundCount:       p.RoundCount,
		ToleranceMinutes: p.ToleranceMinutes,
		OfficeLatitude:   p.OfficeLatitude,
		OfficeLongitude:  p.OfficeLongitude,
		RadiusMeters:     p.RadiusMeters,
	}
}

func (r *PocketBaseStore) CreateSession(ctx context.Context, s *models.Session) error {
	return r.client.create(ctx, "sessions", map[string]interface{}{
		"session_id":        s.ID,
		"schedule_id":       s.ScheduleID,
		"supervisor_id":     s.SupervisorID,
		"mode":              string(s.Mode),
		"scheduled_start":   pbTime(s.ScheduledStart),
		"scheduled_end":     pbTime(s.ScheduledEnd),
		"actual_start":      pbTimePtr(s.ActualStart),
		"actual_end":        pbTimePtr(s.ActualEnd),
		"status":            string(s.Status),
		"round_count":       s.RoundCount,
		"tolerance_minutes": s.ToleranceMinutes,
		"office_latitude":   s.OfficeLatitude,
		"office_longitude":  s.OfficeLongitude,
		"radius_meters":     s.RadiusMeters,
	})
}

func (r *PocketBaseStore) findSessions(ctx context.Context, filter string) ([]models.Session, error) {
	var items []pbSession
	if err := r.client.list(ctx, "sessions", filter, "session_id", &items); err != nil {
		return nil, err
	}
	out := make([]models.Session, 0, len(items))
	for _, it := range items {
		out = append(out, it.toModel())
	}
	return out, nil
}

func (r *PocketBaseStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sessions, err := r.findSessions(ctx, "session_id="+pbQuote(id))
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, ErrNotFound
	}
	return &sessions[0], nil
}

func (r *PocketBaseStore) ActiveSessionForSchedule(ctx context.Context, scheduleID string) (*models.Session, error) {
	filter := fmt.Sprintf("schedule_id=%s && status=%s", pbQuote(scheduleID), pbQuote(string(models.SessionActive)))
	sessions, err := r.findSessions(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return &sessions[0], nil
}

func (r *PocketBaseStore) SaveSession(ctx context.Context, s *models.Session) error {
	id, err := r.client.firstID(ctx, "sessions", "session_id="+pbQuote(s.ID))
	if err != nil {
		return err
	}
	if id == "" {
		return ErrNotFound
	}
	return r.client.update(ctx, "sessions", id, map[string]interface{}{
		"status":       string(s.Status),
		"actual_start": pbTimePtr(s.ActualStart),
		"actual_end":   pbTimePtr(s.ActualEnd),
	})
}

func (r *PocketBaseStore) ListSessionsByStatus(ctx context.Context, statuses ...models.SessionStatus) ([]models.Session, error) {
	parts := make([]string, 0, len(statuses))
	for _, st := range statuses {
		parts = append(parts, "status="+pbQuote(string(st)))
	}
	return r.findSessions(ctx, strings.Join(parts, " || "))
}

type pbRound struct {
	RoundID       string `json:"round_id"`
	SessionID     string `json:"session_id"`
	Number        int    `json:"number"`
	Status        string `json:"status"`
	ScheduledTime string `json:"scheduled_time"`
	ActivatedAt   string `json:"activated_at"`
	ClosedAt      string `json:"closed_at"`
}

func (p pbRound) toModel() models.Round {
	return models.Round{
		ID:            p.RoundID,
		SessionID:     p.SessionID,
		Number:        p.Number,
		Status:        models.RoundStatus(p.Status),
		ScheduledTime: parsePBTime(p.ScheduledTime),
		ActivatedAt:   parsePBTimePtr(p.ActivatedAt),
		ClosedAt:      parsePBTimePtr(p.ClosedAt),
	}
}

func (r *PocketBaseStore) CreateRounds(ctx context.Context, rounds []models.Round) error {
	for _, rd := range rounds {
		err := r.client.create(ctx, "rounds", map[string]interface{}{
			"round_id":       rd.ID,
			"session_id":     rd.SessionID,
			"number":         rd.Number,
			"status":         string(rd.Status),
			"scheduled_time": pbTime(rd.ScheduledTime),
			"activated_at":   pbTimePtr(rd.ActivatedAt),
			"closed_at":      pbTimePtr(rd.ClosedAt),
		})
		if err == errNotUnique {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *PocketBaseStore) ListRounds(ctx context.Context, sessionID string) ([]models.Round, error) {
	var items []pbRound
	if err := r.client.list(ctx, "rounds", "session_id="+pbQuote(sessionID), "number", &items); err != nil {
		return nil, err
	}
	out := make([]models.Round, 0, len(items))
	for _, it := range items {
		out = append(out, it.toModel())
	}
	return out, nil
}

func (r *PocketBaseStore) GetRound(ctx context.Context, id string) (*models.Round, error) {
	var items []pbRound
	if err := r.client.list(ctx, "rounds", "round_id="+pbQuote(id), "", &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	rd := items[0].toModel()
	return &rd, nil
}

func (r *PocketBaseStore) SaveRound(ctx context.Context, rd *models.Round) error {
	id, err := r.client.firstID(ctx, "rounds", "round_id="+pbQuote(rd.ID))
	if err != nil {
		return err
	}
	if id == "" {
		return ErrNotFound
	}
	return r.client.update(ctx, "rounds", id, map[string]interface{}{
		"status":       string(rd.Status),
		"activated_at": pbTimePtr(rd.ActivatedAt),
		"closed_at":    pbTimePtr(rd.ClosedAt),
	})
}

type pbEvidence struct {
	EvidenceID                string          `json:"evidence_id"`
	SessionID                 string          `json:"session_id"`
	RoundID                   string          `json:"round_id"`
	ParticipantID             string          `json:"participant_id"`
	SubmitterDeviceID         string          `json:"submitter_device_id"`
	Payload                   json.RawMessage `json:"payload"`
	CapturedAt                string          `json:"captured_at"`
	IsValid                   bool            `json:"is_valid"`
	Status                    string          `json:"status"`
	IsLate                    bool            `json:"is_late"`
	MatchedDevices            []string        `json:"matched_devices"`
	HasLocation               bool            `json:"has_location"`
	Latitude                  float64         `json:"latitude"`
	Longitude                 float64         `json:"longitude"`
	DistanceFromOfficeMeters  float64         `json:"distance_from_office_meters"`
	DistanceFromCheckInMeters float64         `json:"distance_from_check_in_meters"`
	SpeedMps                  float64         `json:"speed_mps"`
}

func (p pbEvidence) toModel() models.EvidenceRecord {
	rec := models.EvidenceRecord{
		ID:                        p.EvidenceID,
		SessionID:                 p.SessionID,
		RoundID:                   p.RoundID,
		ParticipantID:             p.ParticipantID,
		SubmitterDeviceID:         p.SubmitterDeviceID,
		Payload:                   []byte(p.Payload),
		CapturedAt:                parsePBTime(p.CapturedAt),
		IsValid:                   p.IsValid,
		Status:                    models.ValidationStatus(p.Status),
		IsLate:                    p.IsLate,
		MatchedDevices:            p.MatchedDevices,
		DistanceFromOfficeMeters:  p.DistanceFromOfficeMeters,
		DistanceFromCheckInMeters: p.DistanceFromCheckInMeters,
		SpeedMps:                  p.SpeedMps,
	}
	if p.HasLocation {
		lat, lng := p.Latitude, p.Longitude
		rec.Latitude, rec.Longitude = &lat, &lng
	}
	return rec
}

func (r *PocketBaseStore) CreateEvidence(ctx context.Context, e *models.EvidenceRecord) error {
	_, hasLocation := e.Fix()
	data := map[string]interface{}{
		"evidence_id":                   e.ID,
		"session_id":                    e.SessionID,
		"round_id":                      e.RoundID,
		"participant_id":                e.ParticipantID,
		"submitter_device_id":           e.SubmitterDeviceID,
		"payload":                       json.RawMessage(e.Payload),
		"captured_at":                   pbTime(e.CapturedAt),
		"is_valid":                      e.IsValid,
		"status":                        string(e.Status),
		"is_late":                       e.IsLate,
		"matched_devices":               []string(e.MatchedDevices),
		"has_location":                  hasLocation,
		"distance_from_office_meters":   e.DistanceFromOfficeMeters,
		"distance_from_check_in_meters": e.DistanceFromCheckInMeters,
		"speed_mps":                     e.SpeedMps,
	}
	if len(e.Payload) == 0 {
		data["payload"] = nil
	}
	if hasLocation {
		data["latitude"] = *e.Latitude
		data["longitude"] = *e.Longitude
	}
	return r.client.create(ctx, "evidence_records", data)
}

func (r *PocketBaseStore) listEvidence(ctx context.Context, filter, sort string) ([]models.EvidenceRecord, error) {
	var items []pbEvidence
	if err := r.client.list(ctx, "evidence_records", filter, sort, &items); err != nil {
		return nil, err
	}
	out := make([]models.EvidenceRecord, 0, len(items))
	for _, it := range items {
		out = append(out, it.toModel())
	}
	return out, nil
}

func (r *PocketBaseStore) ListEvidence(ctx context.Context, sessionID, participantID string) ([]models.EvidenceRecord, error) {
	filter := "session_id=" + pbQuote(sessionID)
	if participantID != "" {
		filter += " && participant_id=" + pbQuote(participantID)
	}
	return r.listEvidence(ctx, filter, "captured_at")
}

func (r *PocketBaseStore) LocationHistory(ctx context.Context, sessionID, participantID string) (*models.EvidenceRecord, *models.EvidenceRecord, error) {
	filter := fmt.Sprintf("session_id=%s && participant_id=%s && has_location=true", pbQuote(sessionID), pbQuote(participantID))
	records, err := r.listEvidence(ctx, filter, "captured_at")
	if err != nil {
		return nil, nil, err
	}
	if len(records) == 0 {
		return nil, nil, nil
	}
	return &records[0], &records[len(records)-1], nil
}

func (r *PocketBaseStore) CreateAnomaly(ctx context.Context, a *models.AnomalyRecord) error {
	return r.client.create(ctx, "anomalies", map[string]interface{}{
		"anomaly_id":             a.ID,
		"session_id":             a.SessionID,
		"round_id":               a.RoundID,
		"participant_id":         a.ParticipantID,
		"evidence_id":            a.EvidenceID,
		"type":                   string(a.Type),
		"severity":               string(a.Severity),
		"detail":                 a.Detail,
		"auto_flagged":           a.AutoFlagged,
		"requires_investigation": a.RequiresInvestigation,
		"investigation_status":   string(a.InvestigationStatus),
		"detected_at":            pbTime(a.DetectedAt),
	})
}

func (r *PocketBaseStore) UpsertRoundAttendance(ctx context.Context, rows []models.RoundAttendance) error {
	for _, row := range rows {
		filter := fmt.Sprintf("round_id=%s && participant_id=%s", pbQuote(row.RoundID), pbQuote(row.ParticipantID))
		err := r.client.upsert(ctx, "round_attendance", filter, map[string]interface{}{
			"session_id":     row.SessionID,
			"round_id":       row.RoundID,
			"participant_id": row.ParticipantID,
			"round_number":   row.RoundNumber,
			"attended":       row.Attended,
			"evidence_id":    row.EvidenceID,
			"status":         string(row.Status),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *PocketBaseStore) ListRoundAttendance(ctx context.Context, sessionID, participantID string) ([]models.RoundAttendance, error) {
	var items []struct {
		SessionID     string `json:"session_id"`
		RoundID       string `json:"round_id"`
		ParticipantID string `json:"participant_id"`
		RoundNumber   int    `json:"round_number"`
		Attended      bool   `json:"attended"`
		EvidenceID    string `json:"evidence_id"`
		Status        string `json:"status"`
	}
	filter := fmt.Sprintf("session_id=%s && participant_id=%s", pbQuote(sessionID), pbQuote(participantID))
	if err := r.client.list(ctx, "round_attendance", filter, "round_number", &items); err != nil {
		return nil, err
	}
	out := make([]models.RoundAttendance, 0, len(items))
	for _, it := range items {
		out = append(out, models.RoundAttendance{
			SessionID:     it.SessionID,
			RoundID:       it.RoundID,
			ParticipantID: it.ParticipantID,
			RoundNumber:   it.RoundNumber,
			Attended:      it.Attended,
			EvidenceID:    it.EvidenceID,
			Status:        models.ValidationStatus(it.Status),
		})
	}
	return out, nil
}

func (r *PocketBaseStore) UpsertOutcome(ctx context.Context, o *models.AttendanceOutcome) error {
	filter := fmt.Sprintf("session_id=%s && participant_id=%s", pbQuote(o.SessionID), pbQuote(o.ParticipantID))
	return r.client.upsert(ctx, "attendance_outcomes", filter, map[string]interface{}{
		"session_id":      o.SessionID,
		"participant_id":  o.ParticipantID,
		"attended_rounds": o.AttendedRounds,
		"total_rounds":    o.TotalRounds,
		"percentage":      o.Percentage,
		"status":          string(o.Status),
		"finalized_at":    pbTime(o.FinalizedAt),
	})
}

func (r *PocketBaseStore) GetOutcome(ctx context.Context, sessionID, participantID string) (*models.AttendanceOutcome, error) {
	var items []struct {
		AttendedRounds int     `json:"attended_rounds"`
		TotalRounds    int     `json:"total_rounds"`
		Percentage     float64 `json:"percentage"`
		Status         string  `json:"status"`
		FinalizedAt    string  `json:"finalized_at"`
	}
	filter := fmt.Sprintf("session_id=%s && participant_id=%s", pbQuote(sessionID), pbQuote(participantID))
	if err := r.client.list(ctx, "attendance_outcomes", filter, "", &items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	it := items[0]
	return &models.AttendanceOutcome{
		SessionID:      sessionID,
		ParticipantID:  participantID,
		AttendedRounds: it.AttendedRounds,
		TotalRounds:    it.TotalRounds,
		Percentage:     it.Percentage,
		Status:         models.OutcomeStatus(it.Status),
		FinalizedAt:    parsePBTime(it.FinalizedAt),
	}, nil
}

func (r *PocketBaseStore) MarkReminderSent(ctx context.Context, roundID, participantID string, at time.Time) (bool, error) {
	err := r.client.create(ctx, "reminder_logs", map[string]interface{}{
		"round_id":       roundID,
		"participant_id": participantID,
		"sent_at":        pbTime(at),
	})
	if err == errNotUnique {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *PocketBaseStore) SaveDeadLetter(ctx context.Context, d *models.DeadLetter) error {
	var payload interface{}
	if len(d.Payload) > 0 {
		payload = json.RawMessage(d.Payload)
	}
	return r.client.create(ctx, "dead_letters", map[string]interface{}{
		"dead_letter_id":        d.ID,
		"original_message_id":   d.OriginalMessageID,
		"original_message_type": d.OriginalMessageType,
		"payload":               payload,
		"error_message":         d.ErrorMessage,
		"attempts":              d.Attempts,
		"timestamp":             pbTime(d.Timestamp),
	})
}

func (r *PocketBaseStore) ListParticipants(ctx context.Context, scheduleID string) ([]models.Participant, error) {
	var items []struct {
		ScheduleID     string `json:"schedule_id"`
		ParticipantID  string `json:"participant_id"`
		Name           string `json:"name"`
		DeviceID       string `json:"device_id"`
		TelegramChatID int64  `json:"telegram_chat_id"`
	}
	filter := fmt.Sprintf("schedule_id=%s && is_active=true", pbQuote(scheduleID))
	if err := r.client.list(ctx, "enrollments", filter, "participant_id", &items); err != nil {
		return nil, err
	}
	out := make([]models.Participant, 0, len(items))
	for _, it := range items {
		out = append(out, models.Participant{
			ID:             it.ParticipantID,
			ScheduleID:     it.ScheduleID,
			Name:           it.Name,
			DeviceID:       strings.ToLower(it.DeviceID),
			TelegramChatID: it.TelegramChatID,
		})
	}
	return out, nil
}

func (r *PocketBaseStore) SchedulesForParticipant(ctx context.Context, participantID string) ([]string, error) {
	var items []struct {
		ScheduleID string `json:"schedule_id"`
	}
	filter := fmt.Sprintf("participant_id=%s && is_active=true", pbQuote(participantID))
	if err := r.client.list(ctx, "enrollments", filter, "", &items); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ScheduleID)
	}
	return out, nil
}

func (r *PocketBaseStore) IsHoliday(ctx context.Context, date time.Time) (bool, error) {
	id, err := r.client.firstID(ctx, "holidays", "date="+pbQuote(date.Format("2006-01-02")))
	if err != nil {
		return false, err
	}
	return id != "", nil
}

// Health checks that the PocketBase server answers
func (r *PocketBaseStore) Health(ctx context.Context) error {
	body, status, err := r.client.do(ctx, http.MethodGet, r.client.baseURL+"/api/health", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("pocketbase health: HTTP %d - %s", status, string(body))
	}
	return nil
}

var _ Store = (*PocketBaseStore)(nil)
