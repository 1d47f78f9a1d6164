package model

import "time"

// FullResyncKey is the sync key sentinel that requests a full resync. The
// server treats a request carrying it as "forget the cursor, send everything".
const FullResyncKey = "0"

// Credentials identifies the account and device used against the ActiveSync
// server. The engine only round-trips these; the credential store owns them.
type Credentials struct {
	ServerURL string `json:"server_url"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	DeviceID  string `json:"device_id"`
}

// SyncState is the durable cursor record persisted after every state-changing
// engine operation.
//
// CalendarSyncKey must only ever be replaced by a value returned from a
// successful Sync response for the same folder id. No other computation may
// assign it.
type SyncState struct {
	// FolderSyncKey is the cursor for the folder hierarchy.
	FolderSyncKey string

	// CalendarFolderID is the resolved server id of the calendar folder,
	// empty until discovery succeeds.
	CalendarFolderID string

	// CalendarSyncKey is the cursor for item deltas within the calendar
	// folder. FullResyncKey means the next sync is a full resync.
	CalendarSyncKey string

	// LastSyncDate is when the last sync pass completed successfully.
	LastSyncDate time.Time
}

// NewSyncState returns the initial record: no folder resolved, both cursors
// at the full-resync sentinel.
func NewSyncState() *SyncState {
	return &SyncState{
		FolderSyncKey:   FullResyncKey,
		CalendarSyncKey: FullResyncKey,
	}
}

// Discovered reports whether the calendar folder has been resolved.
func (s *SyncState) Discovered() bool {
	return s.CalendarFolderID != ""
}

// SetCalendarFolder records a newly resolved calendar folder and resets the
// item cursor, forcing a fresh full item sync whenever the folder identity
// changes.
func (s *SyncState) SetCalendarFolder(folderSyncKey, folderID string) {
	s.FolderSyncKey = folderSyncKey
	s.CalendarFolderID = folderID
	s.CalendarSyncKey = FullResyncKey
}
