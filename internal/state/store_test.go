package state

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"easmirror/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadSyncState_FreshDatabaseReturnsInitial(t *testing.T) {
	s := openTestStore(t)

	st, err := s.LoadSyncState(context.Background())
	if err != nil {
		t.Fatalf("LoadSyncState: %v", err)
	}
	if st.FolderSyncKey != model.FullResyncKey {
		t.Errorf("FolderSyncKey = %q, want %q", st.FolderSyncKey, model.FullResyncKey)
	}
	if st.CalendarFolderID != "" {
		t.Errorf("CalendarFolderID = %q, want empty", st.CalendarFolderID)
	}
	if st.CalendarSyncKey != model.FullResyncKey {
		t.Errorf("CalendarSyncKey = %q, want %q", st.CalendarSyncKey, model.FullResyncKey)
	}
}

func TestSaveSyncState_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	when := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	in := &model.SyncState{
		FolderSyncKey:    "S1",
		CalendarFolderID: "F1",
		CalendarSyncKey:  "K7",
		LastSyncDate:     when,
	}
	if err := s.SaveSyncState(ctx, in); err != nil {
		t.Fatalf("SaveSyncState: %v", err)
	}

	// Overwrite to prove the record is a singleton.
	in.CalendarSyncKey = "K8"
	if err := s.SaveSyncState(ctx, in); err != nil {
		t.Fatalf("SaveSyncState (second): %v", err)
	}

	out, err := s.LoadSyncState(ctx)
	if err != nil {
		t.Fatalf("LoadSyncState: %v", err)
	}
	if out.FolderSyncKey != "S1" || out.CalendarFolderID != "F1" || out.CalendarSyncKey != "K8" {
		t.Errorf("loaded = %+v", out)
	}
	if !out.LastSyncDate.Equal(when) {
		t.Errorf("LastSyncDate = %v, want %v", out.LastSyncDate, when)
	}
}

func TestSaveEvents_SnapshotReplacesAndOrders(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	at := time.Date(2026, 5, 2, 9, 0, 0, 0, time.UTC)
	first := []*model.CalendarEvent{
		{ServerID: "E1", Subject: "Old", Start: at, End: at.Add(time.Hour)},
	}
	if err := s.SaveEvents(ctx, first); err != nil {
		t.Fatalf("SaveEvents: %v", err)
	}

	second := []*model.CalendarEvent{
		{ServerID: "E3", Subject: "Later", Start: at.Add(2 * time.Hour), End: at.Add(3 * time.Hour)},
		{
			ServerID: "E2", Subject: "Earlier", Start: at, End: at.Add(time.Hour),
			Attendees: []model.Attendee{{Email: "a@example.com", Type: model.AttendeeRequired}},
		},
	}
	if err := s.SaveEvents(ctx, second); err != nil {
		t.Fatalf("SaveEvents (replace): %v", err)
	}

	got, err := s.LoadEvents(ctx)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("events = %d, want 2 (snapshot must replace, not append)", len(got))
	}
	if got[0].ServerID != "E2" || got[1].ServerID != "E3" {
		t.Errorf("order = [%s %s], want [E2 E3]", got[0].ServerID, got[1].ServerID)
	}
	if len(got[0].Attendees) != 1 || got[0].Attendees[0].Email != "a@example.com" {
		t.Errorf("attendees did not survive the round trip: %+v", got[0].Attendees)
	}
}

func TestClear_RemovesEverything(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_ = s.SaveSyncState(ctx, &model.SyncState{FolderSyncKey: "S1", CalendarFolderID: "F1", CalendarSyncKey: "K1"})
	_ = s.SaveEvents(ctx, []*model.CalendarEvent{{ServerID: "E1", Start: time.Now(), End: time.Now()}})

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	st, err := s.LoadSyncState(ctx)
	if err != nil {
		t.Fatalf("LoadSyncState: %v", err)
	}
	if st.CalendarFolderID != "" || st.CalendarSyncKey != model.FullResyncKey {
		t.Errorf("state after Clear = %+v, want initial", st)
	}
	events, err := s.LoadEvents(ctx)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events after Clear = %d, want 0", len(events))
	}
}
