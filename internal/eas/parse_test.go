package eas

import (
	"strings"
	"testing"
	"time"

	"easmirror/internal/model"
)

// ---------------------------------------------------------------------------
// FolderSync parsing
// ---------------------------------------------------------------------------

const folderSyncBody = `<?xml version="1.0" encoding="utf-8"?>
<FolderSync xmlns="FolderHierarchy">
  <Status>1</Status>
  <SyncKey>S1</SyncKey>
  <Changes>
    <Count>2</Count>
    <Add>
      <ServerId>F1</ServerId>
      <ParentId>0</ParentId>
      <DisplayName>Calendar</DisplayName>
      <Type>8</Type>
    </Add>
    <Add>
      <ServerId>F2</ServerId>
      <ParentId>0</ParentId>
      <DisplayName>Inbox</DisplayName>
      <Type>2</Type>
    </Add>
  </Changes>
</FolderSync>`

func TestParseFolderSyncResponse(t *testing.T) {
	resp, err := ParseFolderSyncResponse(strings.NewReader(folderSyncBody))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Status != StatusOK {
		t.Errorf("Status = %d, want %d", resp.Status, StatusOK)
	}
	if resp.SyncKey != "S1" {
		t.Errorf("SyncKey = %q, want %q", resp.SyncKey, "S1")
	}
	if len(resp.Folders) != 2 {
		t.Fatalf("folders = %d, want 2", len(resp.Folders))
	}

	cal := resp.Folders[0]
	if cal.ServerID != "F1" || cal.Type != model.FolderTypeDefaultCalendar {
		t.Errorf("calendar folder = %+v, want F1/type 8", cal)
	}
	if !cal.IsCalendar() {
		t.Error("type-8 folder should be calendar-eligible")
	}
	if resp.Folders[1].IsCalendar() {
		t.Error("type-2 folder should not be calendar-eligible")
	}
}

func TestParseFolderSyncResponse_DropsFolderWithoutServerID(t *testing.T) {
	body := `<FolderSync><Status>1</Status><SyncKey>S2</SyncKey><Changes>
		<Add><DisplayName>Broken</DisplayName><Type>8</Type></Add>
		<Add><ServerId>F1</ServerId><DisplayName>Calendar</DisplayName><Type>8</Type></Add>
	</Changes></FolderSync>`

	resp, err := ParseFolderSyncResponse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Folders) != 1 || resp.Folders[0].ServerID != "F1" {
		t.Errorf("folders = %+v, want only F1", resp.Folders)
	}
}

func TestParseFolderSyncResponse_MalformedXML(t *testing.T) {
	_, err := ParseFolderSyncResponse(strings.NewReader("<FolderSync><Status>1</Stat"))
	if !IsKind(err, KindParse) {
		t.Fatalf("error = %v, want ParseError", err)
	}
}

// ---------------------------------------------------------------------------
// Sync parsing
// ---------------------------------------------------------------------------

const syncBodyTwoAdds = `<?xml version="1.0" encoding="utf-8"?>
<Sync xmlns="AirSync">
 <Collections>
  <Collection>
   <Status>1</Status>
   <SyncKey>K2</SyncKey>
   <CollectionId>F1</CollectionId>
   <Commands>
    <Add>
     <ServerId>E1</ServerId>
     <ApplicationData>
      <Subject>Standup</Subject>
      <StartTime>2026-03-02T09:00:00.000Z</StartTime>
      <EndTime>2026-03-02T09:15:00.000Z</EndTime>
      <Location>Room 1</Location>
      <OrganizerEmail>boss@example.com</OrganizerEmail>
      <AllDayEvent>0</AllDayEvent>
      <Attendees>
       <Attendee>
        <Email>alice@example.com</Email>
        <Name>Alice</Name>
        <AttendeeType>1</AttendeeType>
        <AttendeeStatus>3</AttendeeStatus>
       </Attendee>
       <Attendee>
        <Email>room-1@example.com</Email>
        <AttendeeType>3</AttendeeType>
       </Attendee>
      </Attendees>
     </ApplicationData>
    </Add>
    <Add>
     <ServerId>E2</ServerId>
     <ApplicationData>
      <Subject>Offsite</Subject>
      <StartTime>2026-03-01T00:00:00Z</StartTime>
      <EndTime>2026-03-02T00:00:00Z</EndTime>
      <AllDayEvent>1</AllDayEvent>
      <Exceptions>
       <Exception>
        <ExceptionStartTime>2026-03-08T00:00:00.000Z</ExceptionStartTime>
        <Deleted>1</Deleted>
       </Exception>
      </Exceptions>
     </ApplicationData>
    </Add>
   </Commands>
  </Collection>
 </Collections>
</Sync>`

func TestParseSyncResponse_AddsWithNestedEntities(t *testing.T) {
	resp, err := ParseSyncResponse(strings.NewReader(syncBodyTwoAdds))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.SyncKey != "K2" {
		t.Errorf("SyncKey = %q, want %q", resp.SyncKey, "K2")
	}
	if resp.MoreAvailable {
		t.Error("MoreAvailable = true, want false")
	}
	if len(resp.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(resp.Events))
	}

	e1 := resp.Events[0]
	if e1.ServerID != "E1" || e1.Subject != "Standup" || e1.Location != "Room 1" {
		t.Errorf("E1 = %+v", e1)
	}
	if e1.Organizer != "boss@example.com" {
		t.Errorf("E1 organizer = %q", e1.Organizer)
	}
	wantStart := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !e1.Start.Equal(wantStart) {
		t.Errorf("E1 start = %v, want %v", e1.Start, wantStart)
	}
	// Attendees must attach to E1, not leak to E2 or become siblings.
	if len(e1.Attendees) != 2 {
		t.Fatalf("E1 attendees = %d, want 2", len(e1.Attendees))
	}
	if e1.Attendees[0].Status != model.ResponseAccepted {
		t.Errorf("alice status = %d, want accepted", e1.Attendees[0].Status)
	}
	if got := e1.AttendeeEmails(); len(got) != 1 || got[0] != "alice@example.com" {
		t.Errorf("human attendee emails = %v", got)
	}

	e2 := resp.Events[1]
	if !e2.AllDay {
		t.Error("E2 should be all-day")
	}
	if len(e2.Attendees) != 0 {
		t.Errorf("E2 attendees = %d, want 0", len(e2.Attendees))
	}
	if len(e2.Exceptions) != 1 || !e2.Exceptions[0].Deleted {
		t.Errorf("E2 exceptions = %+v, want one deleted occurrence", e2.Exceptions)
	}
	// Whole-second timestamp layout must parse.
	if !e2.Start.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("E2 start = %v", e2.Start)
	}
}

func TestParseSyncResponse_ChangeAndDeleteCommands(t *testing.T) {
	body := `<Sync><Collections><Collection>
	 <Status>1</Status><SyncKey>K3</SyncKey>
	 <Commands>
	  <Change><ServerId>E1</ServerId><ApplicationData>
	   <Subject>Standup (moved)</Subject>
	   <StartTime>2026-03-02T10:00:00.000Z</StartTime>
	   <EndTime>2026-03-02T10:15:00.000Z</EndTime>
	  </ApplicationData></Change>
	  <Delete><ServerId>E9</ServerId></Delete>
	 </Commands>
	</Collection></Collections></Sync>`

	resp, err := ParseSyncResponse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Subject != "Standup (moved)" {
		t.Errorf("events = %+v", resp.Events)
	}
	if len(resp.Deleted) != 1 || resp.Deleted[0] != "E9" {
		t.Errorf("deleted = %v, want [E9]", resp.Deleted)
	}
}

func TestParseSyncResponse_MoreAvailable(t *testing.T) {
	body := `<Sync><Collections><Collection>
	 <Status>1</Status><SyncKey>K4</SyncKey><MoreAvailable/>
	</Collection></Collections></Sync>`

	resp, err := ParseSyncResponse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.MoreAvailable {
		t.Error("MoreAvailable = false, want true")
	}
}

func TestParseSyncResponse_DropsEventWithUnparseableDate(t *testing.T) {
	body := `<Sync><Collections><Collection>
	 <Status>1</Status><SyncKey>K5</SyncKey>
	 <Commands>
	  <Add><ServerId>BAD</ServerId><ApplicationData>
	   <Subject>Broken</Subject>
	   <StartTime>yesterday-ish</StartTime>
	   <EndTime>2026-03-02T10:15:00.000Z</EndTime>
	  </ApplicationData></Add>
	  <Add><ServerId>OK</ServerId><ApplicationData>
	   <Subject>Fine</Subject>
	   <StartTime>2026-03-02T10:00:00.000Z</StartTime>
	   <EndTime>2026-03-02T10:15:00.000Z</EndTime>
	  </ApplicationData></Add>
	 </Commands>
	</Collection></Collections></Sync>`

	resp, err := ParseSyncResponse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].ServerID != "OK" {
		t.Errorf("events = %+v, want only OK", resp.Events)
	}
	if resp.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", resp.Dropped)
	}
}

func TestParseSyncResponse_DropsAttendeeWithoutEmailKeepsEvent(t *testing.T) {
	body := `<Sync><Collections><Collection>
	 <Status>1</Status><SyncKey>K6</SyncKey>
	 <Commands>
	  <Add><ServerId>E1</ServerId><ApplicationData>
	   <Subject>Review</Subject>
	   <StartTime>2026-03-02T10:00:00.000Z</StartTime>
	   <EndTime>2026-03-02T11:00:00.000Z</EndTime>
	   <Attendees>
	    <Attendee><Name>No Address</Name></Attendee>
	    <Attendee><Email>bob@example.com</Email></Attendee>
	   </Attendees>
	  </ApplicationData></Add>
	 </Commands>
	</Collection></Collections></Sync>`

	resp, err := ParseSyncResponse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(resp.Events))
	}
	if got := resp.Events[0].Attendees; len(got) != 1 || got[0].Email != "bob@example.com" {
		t.Errorf("attendees = %+v, want only bob", got)
	}
	if resp.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", resp.Dropped)
	}
}

func TestParseSyncResponse_IgnoresUnknownElements(t *testing.T) {
	body := `<Sync><Collections><Collection>
	 <Status>1</Status><SyncKey>K7</SyncKey>
	 <FutureExtension><Nested>stuff</Nested></FutureExtension>
	 <Commands>
	  <Add><ServerId>E1</ServerId><ApplicationData>
	   <Subject>Fine</Subject>
	   <Sensitivity>2</Sensitivity>
	   <StartTime>2026-03-02T10:00:00.000Z</StartTime>
	   <EndTime>2026-03-02T11:00:00.000Z</EndTime>
	  </ApplicationData></Add>
	 </Commands>
	</Collection></Collections></Sync>`

	resp, err := ParseSyncResponse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Subject != "Fine" {
		t.Errorf("events = %+v", resp.Events)
	}
}

func TestParseSyncResponse_BodyBothForms(t *testing.T) {
	// Protocol version 12+ nests the body text in <Body><Data>; older
	// servers carry it as a flat <Body> element. Both must come through,
	// and the closing Body tag of the nested form must not erase the
	// value set from Data.
	body := `<Sync><Collections><Collection>
	 <Status>1</Status><SyncKey>K8</SyncKey>
	 <Commands>
	  <Add><ServerId>E1</ServerId><ApplicationData>
	   <Subject>Planning</Subject>
	   <StartTime>2026-03-02T10:00:00.000Z</StartTime>
	   <EndTime>2026-03-02T11:00:00.000Z</EndTime>
	   <Body><Type>1</Type><Data>agenda text</Data></Body>
	  </ApplicationData></Add>
	  <Add><ServerId>E2</ServerId><ApplicationData>
	   <Subject>Retro</Subject>
	   <StartTime>2026-03-02T12:00:00.000Z</StartTime>
	   <EndTime>2026-03-02T13:00:00.000Z</EndTime>
	   <Body>bring notes</Body>
	  </ApplicationData></Add>
	 </Commands>
	</Collection></Collections></Sync>`

	resp, err := ParseSyncResponse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Events) != 2 {
		t.Fatalf("events = %d, want 2", len(resp.Events))
	}
	if got := resp.Events[0].Body; got != "agenda text" {
		t.Errorf("nested body = %q, want %q", got, "agenda text")
	}
	if got := resp.Events[1].Body; got != "bring notes" {
		t.Errorf("flat body = %q, want %q", got, "bring notes")
	}
}

func TestParseSyncResponse_ItemResponsesDoNotShadowCollectionStatus(t *testing.T) {
	// A createEvent response acknowledges the submitted item under
	// <Responses> with its own per-item Status. That status belongs to the
	// item, not the collection, and the acknowledgement is not a new event.
	body := `<Sync><Collections><Collection>
	 <Status>1</Status><SyncKey>K9</SyncKey>
	 <Responses>
	  <Add>
	   <ClientId>c-1</ClientId>
	   <ServerId>E7</ServerId>
	   <Status>8</Status>
	  </Add>
	 </Responses>
	</Collection></Collections></Sync>`

	resp, err := ParseSyncResponse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusOK {
		t.Errorf("Status = %d, want collection status %d", resp.Status, StatusOK)
	}
	if resp.SyncKey != "K9" {
		t.Errorf("SyncKey = %q, want %q", resp.SyncKey, "K9")
	}
	if len(resp.Events) != 0 {
		t.Errorf("events = %+v, want none from an acknowledgement", resp.Events)
	}
	if resp.Dropped != 0 {
		t.Errorf("Dropped = %d, want 0", resp.Dropped)
	}
}

func TestParseWireTime_BothLayouts(t *testing.T) {
	want := time.Date(2026, 7, 1, 12, 30, 45, 0, time.UTC)

	got, err := parseWireTime("2026-07-01T12:30:45.000Z")
	if err != nil || !got.Equal(want) {
		t.Errorf("milli layout: got %v, err %v", got, err)
	}
	got, err = parseWireTime("2026-07-01T12:30:45Z")
	if err != nil || !got.Equal(want) {
		t.Errorf("second layout: got %v, err %v", got, err)
	}
	if _, err := parseWireTime("20260701T123045Z"); err == nil {
		t.Error("compact layout should not parse")
	}
}
