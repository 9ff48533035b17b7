package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"presence-verifier/internal/models"
)

func TestSessionCacheWhitelist(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	kv := NewMemoryStoreWithClock(func() time.Time { return now })
	c := NewSessionCache(kv)
	ctx := context.Background()
	s := &models.Session{ID: "s-1", ScheduleID: "sched-1", Status: models.SessionActive}

	if _, err := c.Whitelist(ctx, s.ID); !errors.Is(err, ErrMiss) {
		t.Fatalf("Whitelist() before put error = %v, want ErrMiss", err)
	}

	if err := c.PutSession(ctx, s, []string{" DEV-1 ", "dev-2", ""}, time.Hour); err != nil {
		t.Fatal(err)
	}
	set, err := c.Whitelist(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := set["dev-1"]; !ok || len(set) != 2 {
		t.Errorf("Whitelist() = %v, want normalized dev-1 and dev-2", set)
	}
	if id, _ := c.ActiveSessionID(ctx, "sched-1"); id != "s-1" {
		t.Errorf("ActiveSessionID() = %q, want s-1", id)
	}

	if err := c.PutSession(ctx, s, nil, time.Hour); err != nil {
		t.Fatal(err)
	}
	set, err = c.Whitelist(ctx, s.ID)
	if err != nil || len(set) != 0 {
		t.Errorf("cached empty whitelist = %v, %v, want empty set without error", set, err)
	}
}

func TestSessionCacheEntriesExpire(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	kv := NewMemoryStoreWithClock(func() time.Time { return now })
	c := NewSessionCache(kv)
	ctx := context.Background()
	s := &models.Session{ID: "s-1", ScheduleID: "sched-1", Status: models.SessionActive}

	if err := c.PutSession(ctx, s, []string{"dev-1"}, 30*time.Minute); err != nil {
		t.Fatal(err)
	}
	now = now.Add(30 * time.Minute)
	if _, err := c.Status(ctx, s.ID); !errors.Is(err, ErrMiss) {
		t.Errorf("Status() after TTL error = %v, want ErrMiss", err)
	}
}

func TestClearActiveScheduleKeepsNewerSession(t *testing.T) {
	kv := NewMemoryStore()
	c := NewSessionCache(kv)
	ctx := context.Background()
	s := &models.Session{ID: "s-2", ScheduleID: "sched-1", Status: models.SessionActive}
	if err := c.PutSession(ctx, s, nil, time.Hour); err != nil {
		t.Fatal(err)
	}

	if err := c.ClearActiveSchedule(ctx, "sched-1", "s-1"); err != nil {
		t.Fatal(err)
	}
	if id, _ := c.ActiveSessionID(ctx, "sched-1"); id != "s-2" {
		t.Errorf("pointer to s-2 was cleared by s-1")
	}
	if err := c.ClearActiveSchedule(ctx, "sched-1", "s-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.ActiveSessionID(ctx, "sched-1"); !errors.Is(err, ErrMiss) {
		t.Errorf("ActiveSessionID() after clear error = %v, want ErrMiss", err)
	}
}

func TestAppendFixKeepsCheckInAndBoundsHistory(t *testing.T) {
	c := NewSessionCache(NewMemoryStore())
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i := 0; i < maxHistory+5; i++ {
		fix := models.LocationFix{Latitude: float64(i), Longitude: 100, CapturedAt: start.Add(time.Duration(i) * time.Minute)}
		if err := c.AppendFix(ctx, "s-1", "p-1", fix, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	h, err := c.History(ctx, "s-1", "p-1")
	if err != nil {
		t.Fatal(err)
	}

	if h.CheckIn == nil || h.CheckIn.Latitude != 0 {
		t.Errorf("CheckIn = %+v, want the first fix", h.CheckIn)
	}
	if len(h.Recent) != maxHistory {
		t.Errorf("kept %d fixes, want %d", len(h.Recent), maxHistory)
	}
	if last, _ := h.Last(); last.Latitude != float64(maxHistory+4) {
		t.Errorf("Last() = %+v", last)
	}
}

func TestHistoryOrdersByCaptureTime(t *testing.T) {
	c := NewSessionCache(NewMemoryStore())
	ctx := context.Background()
	at := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

	office := models.LocationFix{Latitude: 13.7563, Longitude: 100.5018, CapturedAt: at(9, 0)}
	away := models.LocationFix{Latitude: 13.8463, Longitude: 100.5018, CapturedAt: at(9, 30)}
	late := models.LocationFix{Latitude: 13.7563, Longitude: 100.5018, CapturedAt: at(9, 29)}
	early := models.LocationFix{Latitude: 13.7000, Longitude: 100.5018, CapturedAt: at(8, 55)}

	for _, fix := range []models.LocationFix{office, away, late, early} {
		if err := c.AppendFix(ctx, "s-1", "p-1", fix, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	h, err := c.History(ctx, "s-1", "p-1")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		at   time.Time
		want time.Time
		ok   bool
	}{
		{"Before every fix", at(8, 50), time.Time{}, false},
		{"Late fix sees its true predecessor", at(9, 28), at(9, 0), true},
		{"Exact capture time", at(9, 29), at(9, 29), true},
		{"After every fix", at(10, 0), at(9, 30), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := h.Before(tt.at)
			if ok != tt.ok || !got.CapturedAt.Equal(tt.want) {
				t.Errorf("Before(%s) = %s, %v, want %s, %v", tt.at.Format("15:04"), got.CapturedAt.Format("15:04"), ok, tt.want.Format("15:04"), tt.ok)
			}
		})
	}

	if h.CheckIn == nil || !h.CheckIn.CapturedAt.Equal(at(8, 55)) {
		t.Errorf("CheckIn = %+v, want the earliest capture", h.CheckIn)
	}
	if last, _ := h.Last(); !last.CapturedAt.Equal(at(9, 30)) {
		t.Errorf("Last() = %+v, want 09:30", last)
	}
}

func TestAppendFixConcurrentSubmissions(t *testing.T) {
	c := NewSessionCache(NewMemoryStore())
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < maxHistory; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fix := models.LocationFix{Latitude: float64(i), CapturedAt: start.Add(time.Duration(i) * time.Second)}
			if err := c.AppendFix(ctx, "s-1", "p-1", fix, time.Hour); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	h, err := c.History(ctx, "s-1", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Recent) != maxHistory {
		t.Errorf("kept %d of %d concurrent fixes", len(h.Recent), maxHistory)
	}
}

func TestClaimDevice(t *testing.T) {
	c := NewSessionCache(NewMemoryStore())
	ctx := context.Background()

	owner, err := c.ClaimDevice(ctx, "s-1", "r-1", "DEV-1", "p-1", time.Hour)
	if err != nil || owner != "p-1" {
		t.Fatalf("first claim = %q, %v", owner, err)
	}
	owner, _ = c.ClaimDevice(ctx, "s-1", "r-1", "dev-1", "p-2", time.Hour)
	if owner != "p-1" {
		t.Errorf("second claim owner = %q, want p-1", owner)
	}
	owner, _ = c.ClaimDevice(ctx, "s-1", "r-2", "dev-1", "p-2", time.Hour)
	if owner != "p-2" {
		t.Errorf("claim in next round owner = %q, want p-2", owner)
	}
}
