// Package eas implements the ActiveSync wire codec and protocol client:
// building FolderSync/Sync request bodies, parsing response bodies into
// domain structures, and performing the single-POST round trips with typed
// error classification.
package eas

import (
	"encoding/xml"
	"fmt"
	"time"

	"easmirror/internal/model"
)

// Wire timestamp layouts. The server emits millisecond-precision UTC but
// some deployments strip the fraction, so parsing tries both.
const (
	wireTimeMilli = "2006-01-02T15:04:05.000Z"
	wireTimeSec   = "2006-01-02T15:04:05Z"
)

// windowSize caps the number of item changes per Sync response page.
const windowSize = 50

const xmlHeader = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// formatWireTime renders t in the protocol's millisecond UTC layout.
func formatWireTime(t time.Time) string {
	return t.UTC().Format(wireTimeMilli)
}

// parseWireTime parses a protocol timestamp, trying the millisecond layout
// first, then the whole-second layout.
func parseWireTime(s string) (time.Time, error) {
	if t, err := time.Parse(wireTimeMilli, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(wireTimeSec, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unrecognized wire timestamp %q", s)
}

// --- request shapes ----------------------------------------------------------

type folderSyncRequest struct {
	XMLName xml.Name `xml:"FolderSync"`
	Xmlns   string   `xml:"xmlns,attr"`
	SyncKey string   `xml:"SyncKey"`
}

type syncRequest struct {
	XMLName     xml.Name        `xml:"Sync"`
	Xmlns       string          `xml:"xmlns,attr"`
	Collections syncCollections `xml:"Collections"`
}

type syncCollections struct {
	Collection syncCollection `xml:"Collection"`
}

type syncCollection struct {
	SyncKey      string        `xml:"SyncKey"`
	CollectionID string        `xml:"CollectionId"`
	GetChanges   int           `xml:"GetChanges"`
	WindowSize   int           `xml:"WindowSize,omitempty"`
	Commands     *syncCommands `xml:"Commands,omitempty"`
}

type syncCommands struct {
	Adds []syncAdd `xml:"Add"`
}

type syncAdd struct {
	ClientID string          `xml:"ClientId"`
	Data     applicationData `xml:"ApplicationData"`
}

type applicationData struct {
	Subject     string        `xml:"Subject"`
	StartTime   string        `xml:"StartTime"`
	EndTime     string        `xml:"EndTime"`
	AllDayEvent int           `xml:"AllDayEvent"`
	Location    string        `xml:"Location,omitempty"`
	Body        string        `xml:"Body,omitempty"`
	Attendees   *addAttendees `xml:"Attendees,omitempty"`
}

type addAttendees struct {
	Attendees []addAttendee `xml:"Attendee"`
}

type addAttendee struct {
	Email string `xml:"Email"`
	Name  string `xml:"Name,omitempty"`
	Type  int    `xml:"AttendeeType"`
}

// BuildFolderSyncRequest renders the FolderSync request body for the given
// folder-hierarchy sync key.
func BuildFolderSyncRequest(syncKey string) ([]byte, error) {
	body, err := xml.Marshal(folderSyncRequest{Xmlns: "FolderHierarchy", SyncKey: syncKey})
	if err != nil {
		return nil, fmt.Errorf("marshal FolderSync request: %w", err)
	}
	return append([]byte(xmlHeader), body...), nil
}

// BuildSyncRequest renders a Sync request body. getChanges asks the server
// for its pending item deltas; addItems submits locally created events.
// Both may be combined, but the engine never does.
func BuildSyncRequest(folderID, syncKey string, getChanges bool, addItems []*model.CalendarEvent) ([]byte, error) {
	coll := syncCollection{
		SyncKey:      syncKey,
		CollectionID: folderID,
		GetChanges:   boolInt(getChanges),
	}
	if getChanges {
		coll.WindowSize = windowSize
	}
	if len(addItems) > 0 {
		cmds := &syncCommands{Adds: make([]syncAdd, 0, len(addItems))}
		for _, ev := range addItems {
			cmds.Adds = append(cmds.Adds, buildAdd(ev))
		}
		coll.Commands = cmds
	}

	body, err := xml.Marshal(syncRequest{
		Xmlns:       "AirSync",
		Collections: syncCollections{Collection: coll},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal Sync request: %w", err)
	}
	return append([]byte(xmlHeader), body...), nil
}

func buildAdd(ev *model.CalendarEvent) syncAdd {
	data := applicationData{
		Subject:     ev.Subject,
		StartTime:   formatWireTime(ev.Start),
		EndTime:     formatWireTime(ev.End),
		AllDayEvent: boolInt(ev.AllDay),
		Location:    ev.Location,
		Body:        ev.Body,
	}
	if len(ev.Attendees) > 0 {
		att := &addAttendees{Attendees: make([]addAttendee, 0, len(ev.Attendees))}
		for _, a := range ev.Attendees {
			att.Attendees = append(att.Attendees, addAttendee{
				Email: a.Email,
				Name:  a.Name,
				Type:  int(a.Type),
			})
		}
		data.Attendees = att
	}
	return syncAdd{ClientID: ev.ClientID, Data: data}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
