package eas

import (
	"strings"
	"testing"
	"time"

	"easmirror/internal/model"
)

func TestBuildFolderSyncRequest(t *testing.T) {
	body, err := BuildFolderSyncRequest("0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(body)

	if !strings.HasPrefix(s, `<?xml version="1.0" encoding="utf-8"?>`) {
		t.Errorf("missing XML declaration: %q", s)
	}
	if !strings.Contains(s, `<FolderSync xmlns="FolderHierarchy">`) {
		t.Errorf("missing FolderSync root: %q", s)
	}
	if !strings.Contains(s, "<SyncKey>0</SyncKey>") {
		t.Errorf("missing SyncKey: %q", s)
	}
}

func TestBuildSyncRequest_GetChanges(t *testing.T) {
	body, err := BuildSyncRequest("F1", "K1", true, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(body)

	for _, want := range []string{
		`<Sync xmlns="AirSync">`,
		"<SyncKey>K1</SyncKey>",
		"<CollectionId>F1</CollectionId>",
		"<GetChanges>1</GetChanges>",
		"<WindowSize>50</WindowSize>",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("body missing %q: %s", want, s)
		}
	}
	if strings.Contains(s, "<Commands>") {
		t.Errorf("fetch-only request should carry no Commands: %s", s)
	}
}

func TestBuildSyncRequest_AddItem(t *testing.T) {
	start := time.Date(2026, 4, 1, 14, 0, 0, 0, time.UTC)
	ev := &model.CalendarEvent{
		ClientID: "local-1",
		Subject:  "Planning",
		Start:    start,
		End:      start.Add(time.Hour),
		Location: "Room 2",
		Attendees: []model.Attendee{
			{Email: "carol@example.com", Name: "Carol", Type: model.AttendeeRequired},
		},
	}

	body, err := BuildSyncRequest("F1", "K1", false, []*model.CalendarEvent{ev})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := string(body)

	for _, want := range []string{
		"<GetChanges>0</GetChanges>",
		"<ClientId>local-1</ClientId>",
		"<Subject>Planning</Subject>",
		"<StartTime>2026-04-01T14:00:00.000Z</StartTime>",
		"<EndTime>2026-04-01T15:00:00.000Z</EndTime>",
		"<Location>Room 2</Location>",
		"<Email>carol@example.com</Email>",
		"<AttendeeType>1</AttendeeType>",
	} {
		if !strings.Contains(s, want) {
			t.Errorf("body missing %q: %s", want, s)
		}
	}
	if strings.Contains(s, "<WindowSize>") {
		t.Errorf("submit-only request should carry no WindowSize: %s", s)
	}

	// A built request must round-trip through our own date layouts.
	if _, err := parseWireTime("2026-04-01T14:00:00.000Z"); err != nil {
		t.Errorf("built timestamp does not parse: %v", err)
	}
}
