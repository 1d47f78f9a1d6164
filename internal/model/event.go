// Package model defines shared types used across the sync engine, wire codec,
// and state store.
package model

import (
	"sort"
	"time"
)

// AttendeeType is the ActiveSync attendee role.
// Values match the protocol's AttendeeType integers.
type AttendeeType int

const (
	// AttendeeRequired marks a required participant.
	AttendeeRequired AttendeeType = 1
	// AttendeeOptional marks an optional participant.
	AttendeeOptional AttendeeType = 2
	// AttendeeResource marks a booked resource (room, equipment).
	AttendeeResource AttendeeType = 3
)

// String returns the human-readable label for the attendee type.
func (t AttendeeType) String() string {
	switch t {
	case AttendeeRequired:
		return "Required"
	case AttendeeOptional:
		return "Optional"
	case AttendeeResource:
		return "Resource"
	default:
		return "Unknown"
	}
}

// ResponseStatus is the ActiveSync attendee response state.
type ResponseStatus int

const (
	ResponseUnknown      ResponseStatus = 0
	ResponseTentative    ResponseStatus = 2
	ResponseAccepted     ResponseStatus = 3
	ResponseDeclined     ResponseStatus = 4
	ResponseNotResponded ResponseStatus = 5
)

// Attendee is a single meeting participant as reported by the server.
type Attendee struct {
	// Email is the attendee's address. Always present; an attendee parsed
	// without an email is discarded by the codec.
	Email string

	// Name is the display name, possibly empty.
	Name string

	// Type is the participant role.
	Type AttendeeType

	// Status is the attendee's response, if the server reported one.
	Status ResponseStatus
}

// Exception is a per-instance override of a recurring event.
type Exception struct {
	// InstanceStart identifies which occurrence this exception replaces.
	InstanceStart time.Time

	// Start and End override the occurrence's times when non-zero.
	Start time.Time
	End   time.Time

	// Subject and Location override the series values when non-empty.
	Subject  string
	Location string

	// Deleted marks the occurrence as removed from the series.
	Deleted bool
}

// CalendarEvent is the merged representation of one server-side calendar
// event. Events are immutable once built: a later Change command replaces the
// whole record, never individual fields.
type CalendarEvent struct {
	// ServerID is the server-assigned unique identifier and the cache key.
	ServerID string

	// ClientID is the local correlation id attached to an event submitted by
	// CreateEvent before the server id is known. The server does not echo it
	// back; it is empty on events parsed from Sync responses.
	ClientID string

	Subject  string
	Start    time.Time
	End      time.Time
	Location string
	Body     string

	// Organizer is the organizer's email address.
	Organizer string

	AllDay bool

	Attendees  []Attendee
	Exceptions []Exception
}

// HumanAttendees returns the attendees excluding booked resources. This
// filtered view, not the raw list, is what addressing and mail features
// should consume.
func (e *CalendarEvent) HumanAttendees() []Attendee {
	out := make([]Attendee, 0, len(e.Attendees))
	for _, a := range e.Attendees {
		if a.Type != AttendeeResource {
			out = append(out, a)
		}
	}
	return out
}

// AttendeeEmails returns the email addresses of the human attendees.
func (e *CalendarEvent) AttendeeEmails() []string {
	human := e.HumanAttendees()
	emails := make([]string, 0, len(human))
	for _, a := range human {
		emails = append(emails, a.Email)
	}
	return emails
}

// OccursOn reports whether the event starts on the same calendar day as t,
// compared in t's location.
func (e *CalendarEvent) OccursOn(t time.Time) bool {
	start := e.Start.In(t.Location())
	return start.Year() == t.Year() && start.YearDay() == t.YearDay()
}

// SortEventsByStart orders events ascending by start time, breaking ties by
// server id so the order is stable across runs.
func SortEventsByStart(events []*CalendarEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].Start.Equal(events[j].Start) {
			return events[i].ServerID < events[j].ServerID
		}
		return events[i].Start.Before(events[j].Start)
	})
}
