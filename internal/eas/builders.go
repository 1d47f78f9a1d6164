package eas

import (
	"fmt"
	"strconv"

	"easmirror/internal/model"
)

// The parser walks the response as a token stream and keeps a stack of these
// builder frames, one per entity currently under construction. Attendees and
// exceptions nest inside events, so their finished values attach to the
// enclosing event frame rather than becoming siblings.

// folderBuilder accumulates one FolderSync Add/Update entry.
type folderBuilder struct {
	serverID    string
	parentID    string
	displayName string
	folderType  string
}

func (b *folderBuilder) set(tag, value string) {
	switch tag {
	case "ServerId":
		b.serverID = value
	case "ParentId":
		b.parentID = value
	case "DisplayName":
		b.displayName = value
	case "Type":
		b.folderType = value
	}
}

func (b *folderBuilder) build() (model.FolderDescriptor, error) {
	if b.serverID == "" {
		return model.FolderDescriptor{}, fmt.Errorf("folder missing ServerId")
	}
	ftype, err := strconv.Atoi(b.folderType)
	if err != nil {
		return model.FolderDescriptor{}, fmt.Errorf("folder %s has invalid type %q", b.serverID, b.folderType)
	}
	return model.FolderDescriptor{
		ServerID:    b.serverID,
		ParentID:    b.parentID,
		DisplayName: b.displayName,
		Type:        ftype,
	}, nil
}

// eventBuilder accumulates one Sync Add/Change entry.
type eventBuilder struct {
	serverID  string
	subject   string
	startTime string
	endTime   string
	location  string
	body      string
	organizer string
	allDay    string

	attendees  []model.Attendee
	exceptions []model.Exception
}

func (b *eventBuilder) set(tag, value string) {
	switch tag {
	case "ServerId":
		b.serverID = value
	case "Subject":
		b.subject = value
	case "StartTime":
		b.startTime = value
	case "EndTime":
		b.endTime = value
	case "Location":
		b.location = value
	case "Data":
		// Protocol version 12+ nests the body text in <Body><Data>.
		b.body = value
	case "Body":
		// Pre-12 servers carry the body as a flat element. In the nested
		// form the closing Body tag arrives with no text of its own and
		// must not clobber the value already set from Data.
		if value != "" {
			b.body = value
		}
	case "OrganizerEmail", "Organizer":
		b.organizer = value
	case "AllDayEvent":
		b.allDay = value
	}
}

func (b *eventBuilder) build() (*model.CalendarEvent, error) {
	if b.serverID == "" {
		return nil, fmt.Errorf("event missing ServerId")
	}
	if b.startTime == "" || b.endTime == "" {
		return nil, fmt.Errorf("event %s missing start or end time", b.serverID)
	}
	start, err := parseWireTime(b.startTime)
	if err != nil {
		return nil, fmt.Errorf("event %s: start: %w", b.serverID, err)
	}
	end, err := parseWireTime(b.endTime)
	if err != nil {
		return nil, fmt.Errorf("event %s: end: %w", b.serverID, err)
	}
	return &model.CalendarEvent{
		ServerID:   b.serverID,
		Subject:    b.subject,
		Start:      start,
		End:        end,
		Location:   b.location,
		Body:       b.body,
		Organizer:  b.organizer,
		AllDay:     b.allDay == "1",
		Attendees:  b.attendees,
		Exceptions: b.exceptions,
	}, nil
}

// attendeeBuilder accumulates one Attendee entry inside an event.
type attendeeBuilder struct {
	email    string
	name     string
	attType  string
	response string
}

func (b *attendeeBuilder) set(tag, value string) {
	switch tag {
	case "Email":
		b.email = value
	case "Name":
		b.name = value
	case "AttendeeType":
		b.attType = value
	case "AttendeeStatus":
		b.response = value
	}
}

func (b *attendeeBuilder) build() (model.Attendee, error) {
	if b.email == "" {
		return model.Attendee{}, fmt.Errorf("attendee missing Email")
	}
	// Unspecified type defaults to required, matching server behavior for
	// organizer-style entries that omit it.
	atype := model.AttendeeRequired
	if b.attType != "" {
		n, err := strconv.Atoi(b.attType)
		if err != nil {
			return model.Attendee{}, fmt.Errorf("attendee %s has invalid type %q", b.email, b.attType)
		}
		atype = model.AttendeeType(n)
	}
	status := model.ResponseUnknown
	if b.response != "" {
		if n, err := strconv.Atoi(b.response); err == nil {
			status = model.ResponseStatus(n)
		}
	}
	return model.Attendee{Email: b.email, Name: b.name, Type: atype, Status: status}, nil
}

// exceptionBuilder accumulates one recurring-series Exception entry.
type exceptionBuilder struct {
	instanceStart string
	startTime     string
	endTime       string
	subject       string
	location      string
	deleted       string
}

func (b *exceptionBuilder) set(tag, value string) {
	switch tag {
	case "ExceptionStartTime":
		b.instanceStart = value
	case "StartTime":
		b.startTime = value
	case "EndTime":
		b.endTime = value
	case "Subject":
		b.subject = value
	case "Location":
		b.location = value
	case "Deleted":
		b.deleted = value
	}
}

func (b *exceptionBuilder) build() (model.Exception, error) {
	if b.instanceStart == "" {
		return model.Exception{}, fmt.Errorf("exception missing ExceptionStartTime")
	}
	instance, err := parseWireTime(b.instanceStart)
	if err != nil {
		return model.Exception{}, fmt.Errorf("exception: %w", err)
	}
	exc := model.Exception{
		InstanceStart: instance,
		Subject:       b.subject,
		Location:      b.location,
		Deleted:       b.deleted == "1",
	}
	// Overridden times are optional; a deleted occurrence has none.
	if b.startTime != "" {
		if exc.Start, err = parseWireTime(b.startTime); err != nil {
			return model.Exception{}, fmt.Errorf("exception start: %w", err)
		}
	}
	if b.endTime != "" {
		if exc.End, err = parseWireTime(b.endTime); err != nil {
			return model.Exception{}, fmt.Errorf("exception end: %w", err)
		}
	}
	return exc, nil
}

// attachAttendee fixes the finished attendee to the event under construction.
func (e *eventBuilder) attachAttendee(a model.Attendee) {
	e.attendees = append(e.attendees, a)
}

// attachException fixes the finished exception to the event under construction.
func (e *eventBuilder) attachException(x model.Exception) {
	e.exceptions = append(e.exceptions, x)
}
