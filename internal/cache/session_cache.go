package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"presence-verifier/internal/models"
)

// maxHistory bounds the per-participant fix history kept for anomaly checks
const maxHistory = 10

const (
	lockTTL  = 5 * time.Second
	lockWait = 2 * time.Second
	lockPoll = 10 * time.Millisecond
)

// ErrLocked is returned when a history lock stays held past lockWait
var ErrLocked = errors.New("cache key locked")

func ActiveScheduleKey(scheduleID string) string { return "active_schedule:" + scheduleID }
func SessionKey(sessionID string) string         { return "session:" + sessionID }
func WhitelistKey(sessionID string) string       { return "session_whitelist:" + sessionID }
func HistoryKey(sessionID, participantID string) string {
	return "anomaly_history:" + sessionID + ":" + participantID
}
func DeviceClaimKey(sessionID, roundID, deviceID string) string {
	return "device_claim:" + sessionID + ":" + roundID + ":" + deviceID
}

// History is the cached location trail of one participant within a session
type History struct {
	CheckIn *models.LocationFix  `json:"check_in,omitempty"`
	Recent  []models.LocationFix `json:"recent"`
}

// Last returns the latest fix by capture time, if any
func (h *History) Last() (models.LocationFix, bool) {
	if h == nil || len(h.Recent) == 0 {
		return models.LocationFix{}, false
	}
	return h.Recent[len(h.Recent)-1], true
}

// Before returns the latest fix captured at or before t. Fixes arriving out of
// order are compared against their true predecessor, not the last one stored.
func (h *History) Before(t time.Time) (models.LocationFix, bool) {
	if h == nil {
		return models.LocationFix{}, false
	}
	for i := len(h.Recent) - 1; i >= 0; i-- {
		if !h.Recent[i].CapturedAt.After(t) {
			return h.Recent[i], true
		}
	}
	return models.LocationFix{}, false
}

// insert places fix in capture-time order, keeping the earliest fix as check-in
func (h *History) insert(fix models.LocationFix) {
	if h.CheckIn == nil || fix.CapturedAt.Before(h.CheckIn.CapturedAt) {
		first := fix
		h.CheckIn = &first
	}
	i := sort.Search(len(h.Recent), func(i int) bool { return h.Recent[i].CapturedAt.After(fix.CapturedAt) })
	h.Recent = append(h.Recent, models.LocationFix{})
	copy(h.Recent[i+1:], h.Recent[i:])
	h.Recent[i] = fix
	if len(h.Recent) > maxHistory {
		h.Recent = h.Recent[len(h.Recent)-maxHistory:]
	}
}

// SessionCache namespaces session state, whitelists and anomaly history per session
type SessionCache struct {
	store Store
}

// NewSessionCache wraps a key-value store
func NewSessionCache(store Store) *SessionCache {
	return &SessionCache{store: store}
}

// NormalizeID canonicalizes device and participant identifiers for exact matching
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// PutSession writes the active-schedule pointer, session status and whitelist
func (c *SessionCache) PutSession(ctx context.Context, s *models.Session, whitelist []string, ttl time.Duration) error {
	ids := make([]string, 0, len(whitelist))
	for _, id := range whitelist {
		if n := NormalizeID(id); n != "" {
			ids = append(ids, n)
		}
	}
	encoded, err := sonic.MarshalString(ids)
	if err != nil {
		return fmt.Errorf("encode whitelist: %w", err)
	}

	if err := c.store.Set(ctx, ActiveScheduleKey(s.ScheduleID), s.ID, ttl); err != nil {
		return fmt.Errorf("cache active schedule: %w", err)
	}
	if err := c.store.Set(ctx, SessionKey(s.ID), string(s.Status), ttl); err != nil {
		return fmt.Errorf("cache session status: %w", err)
	}
	if err := c.store.Set(ctx, WhitelistKey(s.ID), encoded, ttl); err != nil {
		return fmt.Errorf("cache whitelist: %w", err)
	}
	return nil
}

// SetStatus refreshes the cached session status
func (c *SessionCache) SetStatus(ctx context.Context, sessionID string, status models.SessionStatus, ttl time.Duration) error {
	return c.store.Set(ctx, SessionKey(sessionID), string(status), ttl)
}

// Status returns the cached session status
func (c *SessionCache) Status(ctx context.Context, sessionID string) (models.SessionStatus, error) {
	v, err := c.store.Get(ctx, SessionKey(sessionID))
	if err != nil {
		return "", err
	}
	return models.SessionStatus(v), nil
}

// ActiveSessionID returns the session cached as active for a schedule
func (c *SessionCache) ActiveSessionID(ctx context.Context, scheduleID string) (string, error) {
	return c.store.Get(ctx, ActiveScheduleKey(scheduleID))
}

// ClearActiveSchedule drops the active pointer when it still refers to sessionID
func (c *SessionCache) ClearActiveSchedule(ctx context.Context, scheduleID, sessionID string) error {
	current, err := c.store.Get(ctx, ActiveScheduleKey(scheduleID))
	if err == ErrMiss {
		return nil
	}
	if err != nil {
		return err
	}
	if current != sessionID {
		return nil
	}
	return c.store.Delete(ctx, ActiveScheduleKey(scheduleID))
}

// Whitelist returns the cached authorized ids. ErrMiss means nothing is cached;
// a cached empty list is returned as an empty, non-nil set.
func (c *SessionCache) Whitelist(ctx context.Context, sessionID string) (map[string]struct{}, error) {
	v, err := c.store.Get(ctx, WhitelistKey(sessionID))
	if err != nil {
		return map[string]struct{}{}, err
	}
	var ids []string
	if err := sonic.UnmarshalString(v, &ids); err != nil {
		return map[string]struct{}{}, fmt.Errorf("decode whitelist: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// History returns the cached fix trail of a participant
func (c *SessionCache) History(ctx context.Context, sessionID, participantID string) (*History, error) {
	v, err := c.store.Get(ctx, HistoryKey(sessionID, participantID))
	if err != nil {
		return nil, err
	}
	var h History
	if err := sonic.UnmarshalString(v, &h); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return &h, nil
}

// SaveHistory replaces the cached fix trail of a participant
func (c *SessionCache) SaveHistory(ctx context.Context, sessionID, participantID string, h *History, ttl time.Duration) error {
	encoded, err := sonic.MarshalString(h)
	if err != nil {
		return fmt.Errorf("encode history: %w", err)
	}
	return c.store.Set(ctx, HistoryKey(sessionID, participantID), encoded, ttl)
}

// AppendFix merges a fix into the participant's trail. The trail is re-read under a
// short-lived lock so concurrent submissions for one participant do not drop fixes.
func (c *SessionCache) AppendFix(ctx context.Context, sessionID, participantID string, fix models.LocationFix, ttl time.Duration) error {
	key := HistoryKey(sessionID, participantID)
	unlock, err := c.lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	h, err := c.History(ctx, sessionID, participantID)
	if errors.Is(err, ErrMiss) {
		h, err = &History{}, nil
	}
	if err != nil {
		return err
	}
	h.insert(fix)
	return c.SaveHistory(ctx, sessionID, participantID, h, ttl)
}

// lock takes a SetNX mutex on key, polling until it is free or lockWait elapses
func (c *SessionCache) lock(ctx context.Context, key string) (func(), error) {
	lockKey := key + ":lock"
	deadline := time.Now().Add(lockWait)
	for {
		ok, err := c.store.SetNX(ctx, lockKey, "1", lockTTL)
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			return func() { _ = c.store.Delete(context.WithoutCancel(ctx), lockKey) }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s: %w", key, ErrLocked)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPoll):
		}
	}
}

// ClaimDevice binds a device to a participant for one round and returns the owner of the claim
func (c *SessionCache) ClaimDevice(ctx context.Context, sessionID, roundID, deviceID, participantID string, ttl time.Duration) (string, error) {
	key := DeviceClaimKey(sessionID, roundID, NormalizeID(deviceID))
	ok, err := c.store.SetNX(ctx, key, participantID, ttl)
	if err != nil {
		return "", err
	}
	if ok {
		return participantID, nil
	}
	return c.store.Get(ctx, key)
}
