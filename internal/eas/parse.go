package eas

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"easmirror/internal/model"
)

// FolderSyncResponse is the parsed result of a FolderSync round trip.
type FolderSyncResponse struct {
	Status  int
	SyncKey string
	Folders []model.FolderDescriptor
}

// SyncResponse is the parsed result of a Sync round trip.
type SyncResponse struct {
	Status  int
	SyncKey string

	// Events holds the Add and Change commands in response order. The engine
	// decides whether they replace or merge into the cache.
	Events []*model.CalendarEvent

	// Deleted holds the server ids of Delete commands.
	Deleted []string

	// MoreAvailable signals the delta was paginated and another Sync call
	// with the new SyncKey returns the remainder.
	MoreAvailable bool

	// Dropped counts malformed entries that were discarded while the rest
	// of the response continued to parse.
	Dropped int
}

// frame is one entry on the parser's builder stack.
type frame interface {
	set(tag, value string)
}

// deleteFrame accumulates one Sync Delete command.
type deleteFrame struct {
	serverID string
}

func (d *deleteFrame) set(tag, value string) {
	if tag == "ServerId" {
		d.serverID = value
	}
}

// responseFrame swallows a per-item acknowledgement under <Responses>. Its
// item-level Status and echoed ServerId must not reach the collection-level
// fields.
type responseFrame struct{}

func (*responseFrame) set(string, string) {}

// walker is the shared pushdown machinery: it tracks the open-element path,
// the builder stack, and accumulated character data for the innermost leaf.
type walker struct {
	dec    *xml.Decoder
	path   []string
	frames []frame
	text   strings.Builder
}

func newWalker(r io.Reader) *walker {
	return &walker{dec: xml.NewDecoder(r)}
}

func (w *walker) push(f frame) { w.frames = append(w.frames, f) }
func (w *walker) depth() int   { return len(w.frames) }

func (w *walker) top() frame {
	if len(w.frames) == 0 {
		return nil
	}
	return w.frames[len(w.frames)-1]
}

func (w *walker) pop() frame {
	f := w.frames[len(w.frames)-1]
	w.frames = w.frames[:len(w.frames)-1]
	return f
}

// ParseFolderSyncResponse walks a FolderSync response body. Unknown elements
// are skipped so newer servers stay parseable.
func ParseFolderSyncResponse(r io.Reader) (*FolderSyncResponse, error) {
	resp := &FolderSyncResponse{}
	w := newWalker(r)

	for {
		tok, err := w.dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newError(KindParse, err, "malformed FolderSync response")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			w.path = append(w.path, name)
			w.text.Reset()
			switch name {
			case "Add", "Update":
				w.push(&folderBuilder{})
			}

		case xml.CharData:
			w.text.Write(t)

		case xml.EndElement:
			name := t.Name.Local
			value := strings.TrimSpace(w.text.String())
			w.text.Reset()
			if len(w.path) > 0 {
				w.path = w.path[:len(w.path)-1]
			}

			switch name {
			case "Add", "Update":
				fb := w.pop().(*folderBuilder)
				folder, err := fb.build()
				if err != nil {
					// Drop the one malformed folder, keep the rest.
					continue
				}
				resp.Folders = append(resp.Folders, folder)
			case "Status":
				if w.depth() == 0 {
					resp.Status = atoiOr(value, 0)
				}
			case "SyncKey":
				if w.depth() == 0 {
					resp.SyncKey = value
				}
			default:
				if f := w.top(); f != nil {
					f.set(name, value)
				}
			}
		}
	}

	if resp.Status == 0 && resp.SyncKey == "" {
		return nil, newError(KindParse, nil, "response carried no FolderSync payload")
	}
	return resp, nil
}

// ParseSyncResponse walks a Sync response body. Attendee and Exception
// elements nest inside the event under construction and attach to it; a
// malformed nested entry drops only itself, a malformed event drops the
// whole event, and everything else keeps parsing.
func ParseSyncResponse(r io.Reader) (*SyncResponse, error) {
	resp := &SyncResponse{}
	w := newWalker(r)

	for {
		tok, err := w.dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, newError(KindParse, err, "malformed Sync response")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			name := t.Name.Local
			w.path = append(w.path, name)
			w.text.Reset()
			switch name {
			case "Add", "Change":
				if w.inCommands() {
					w.push(&eventBuilder{})
				} else {
					w.push(&responseFrame{})
				}
			case "Delete":
				if w.inCommands() {
					w.push(&deleteFrame{})
				} else {
					w.push(&responseFrame{})
				}
			case "Attendee":
				if _, ok := w.top().(*eventBuilder); ok {
					w.push(&attendeeBuilder{})
				}
			case "Exception":
				if _, ok := w.top().(*eventBuilder); ok {
					w.push(&exceptionBuilder{})
				}
			}

		case xml.CharData:
			w.text.Write(t)

		case xml.EndElement:
			name := t.Name.Local
			value := strings.TrimSpace(w.text.String())
			w.text.Reset()
			if len(w.path) > 0 {
				w.path = w.path[:len(w.path)-1]
			}

			switch name {
			case "Add", "Change":
				switch f := w.top().(type) {
				case *eventBuilder:
					w.pop()
					ev, err := f.build()
					if err != nil {
						resp.Dropped++
						continue
					}
					resp.Events = append(resp.Events, ev)
				case *responseFrame:
					w.pop()
				}

			case "Delete":
				switch f := w.top().(type) {
				case *deleteFrame:
					w.pop()
					if f.serverID != "" {
						resp.Deleted = append(resp.Deleted, f.serverID)
					}
				case *responseFrame:
					w.pop()
				}

			case "Attendee":
				ab, ok := w.top().(*attendeeBuilder)
				if !ok {
					break
				}
				w.pop()
				att, err := ab.build()
				if err != nil {
					resp.Dropped++
					continue
				}
				if eb, ok := w.top().(*eventBuilder); ok {
					eb.attachAttendee(att)
				}

			case "Exception":
				xb, ok := w.top().(*exceptionBuilder)
				if !ok {
					break
				}
				w.pop()
				exc, err := xb.build()
				if err != nil {
					resp.Dropped++
					continue
				}
				if eb, ok := w.top().(*eventBuilder); ok {
					eb.attachException(exc)
				}

			case "MoreAvailable":
				if w.depth() == 0 {
					resp.MoreAvailable = true
				}

			case "Status":
				if w.depth() == 0 {
					resp.Status = atoiOr(value, 0)
				}

			case "SyncKey":
				if w.depth() == 0 {
					resp.SyncKey = value
				}

			default:
				if f := w.top(); f != nil {
					f.set(name, value)
				}
			}
		}
	}

	if resp.Status == 0 && resp.SyncKey == "" {
		return nil, newError(KindParse, nil, "response carried no Sync payload")
	}
	return resp, nil
}

// inCommands reports whether the walker is inside a <Commands> container,
// where Add/Change/Delete are item commands rather than folder entries.
func (w *walker) inCommands() bool {
	// path currently includes the just-opened command element itself.
	for i := len(w.path) - 2; i >= 0; i-- {
		if w.path[i] == "Commands" {
			return true
		}
	}
	return false
}

func atoiOr(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
