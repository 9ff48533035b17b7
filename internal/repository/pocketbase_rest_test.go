package repository

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"presence-verifier/internal/models"
)

func TestPocketBaseGetSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/collections/sessions/records" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "token-1" {
			t.Errorf("Authorization = %q, want token-1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(r.URL.Query().Get("filter"), "'s-1'") {
			io.WriteString(w, `{"items":[{"id":"pb1","session_id":"s-1","schedule_id":"sched-1","supervisor_id":"boss","mode":"location",
				"scheduled_start":"2026-03-02 09:00:00.000Z","scheduled_end":"2026-03-02 12:00:00.000Z","actual_start":"",
				"status":"pending","round_count":3,"tolerance_minutes":15,"radius_meters":100}]}`)
			return
		}
		io.WriteString(w, `{"items":[]}`)
	}))
	defer server.Close()

	store := NewPocketBaseStore(server.URL+"/", "token-1")
	ctx := context.Background()

	s, err := store.GetSession(ctx, "s-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if s.ID != "s-1" || s.Mode != models.ModeLocation || !s.ScheduledStart.Equal(want) || s.ActualStart != nil {
		t.Errorf("GetSession() = %+v", s)
	}

	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPocketBaseMarkReminderSent(t *testing.T) {
	seen := map[string]bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		key := string(body)
		if seen[key] {
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"data":{"round_id":{"code":"validation_not_unique"}}}`)
			return
		}
		seen[key] = true
		io.WriteString(w, `{"id":"pb1"}`)
	}))
	defer server.Close()

	store := NewPocketBaseStore(server.URL, "")
	at := time.Date(2026, 3, 2, 9, 40, 0, 0, time.UTC)

	first, err := store.MarkReminderSent(context.Background(), "r-1", "p-1", at)
	if err != nil || !first {
		t.Fatalf("first MarkReminderSent() = %v, %v, want true", first, err)
	}
	again, err := store.MarkReminderSent(context.Background(), "r-1", "p-1", at)
	if err != nil || again {
		t.Errorf("second MarkReminderSent() = %v, %v, want false", again, err)
	}
}

func TestPocketBaseUpsertPatchesExisting(t *testing.T) {
	var methods []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		switch r.Method {
		case http.MethodGet:
			io.WriteString(w, `{"items":[{"id":"pb-outcome"}]}`)
		case http.MethodPatch:
			if !strings.HasSuffix(r.URL.Path, "/pb-outcome") {
				t.Errorf("PATCH %s, want record pb-outcome", r.URL.Path)
			}
			io.WriteString(w, `{}`)
		default:
			t.Errorf("unexpected %s", r.Method)
		}
	}))
	defer server.Close()

	store := NewPocketBaseStore(server.URL, "")
	err := store.UpsertOutcome(context.Background(), &models.AttendanceOutcome{
		SessionID: "s-1", ParticipantID: "p-1", AttendedRounds: 2, TotalRounds: 3, Percentage: 66.7, Status: models.OutcomePartial,
	})
	if err != nil {
		t.Fatalf("UpsertOutcome() error = %v", err)
	}
	if strings.Join(methods, ",") != "GET,PATCH" {
		t.Errorf("requests = %v, want GET,PATCH", methods)
	}
}

func TestPocketBaseHealth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	if err := NewPocketBaseStore(server.URL, "").Health(context.Background()); err == nil {
		t.Error("Health() should fail on 503")
	}
}

func TestPocketBaseListFollowsPages(t *testing.T) {
	const total = 750
	var pages []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		perPage, _ := strconv.Atoi(q.Get("perPage"))
		page, _ := strconv.Atoi(q.Get("page"))
		if page < 1 {
			page = 1
		}
		pages = append(pages, q.Get("page"))

		var items []string
		for i := (page - 1) * perPage; i < page*perPage && i < total; i++ {
			items = append(items, `{"evidence_id":"e-`+strconv.Itoa(i)+`","session_id":"s-1","participant_id":"p-1","status":"valid","captured_at":"2026-03-02 09:00:00.000Z"}`)
		}
		io.WriteString(w, `{"items":[`+strings.Join(items, ",")+`]}`)
	}))
	defer server.Close()

	records, err := NewPocketBaseStore(server.URL, "").ListEvidence(context.Background(), "s-1", "")
	if err != nil {
		t.Fatalf("ListEvidence() error = %v", err)
	}
	if len(records) != total {
		t.Fatalf("ListEvidence() returned %d records, want %d", len(records), total)
	}
	if records[total-1].ID != "e-749" {
		t.Errorf("last record = %s, want e-749", records[total-1].ID)
	}
	if strings.Join(pages, ",") != "1,2" {
		t.Errorf("requested pages %v, want 1,2", pages)
	}
}
