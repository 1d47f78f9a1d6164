// Package sync implements the calendar synchronization engine: a state
// machine that mirrors the server's calendar folder into a local cache using
// the stateful FolderSync/Sync protocol.
//
// The package contains two main components:
//
//   - [Engine] orchestrates connect, folder discovery, incremental sync, and
//     event creation, and owns the durable cursor record.
//   - [Cache] holds the merged, queryable event set.
package sync

import (
	"context"

	"easmirror/internal/eas"
	"easmirror/internal/model"
)

// CredentialStore persists the account credentials.
// Implemented by [creds.Store].
type CredentialStore interface {
	Save(c model.Credentials) error
	// Load returns the stored credentials, or creds.ErrNoCredentials.
	Load() (model.Credentials, error)
	Clear() error
}

// DeviceIdentity issues the stable device id presented to the server.
// Implemented by [creds.DeviceIdentity].
type DeviceIdentity interface {
	GetOrCreate() (string, error)
}

// StateStore persists the sync cursor record and the event-cache snapshot.
// Implemented by [state.Store].
type StateStore interface {
	LoadSyncState(ctx context.Context) (*model.SyncState, error)
	SaveSyncState(ctx context.Context, st *model.SyncState) error
	SaveEvents(ctx context.Context, events []*model.CalendarEvent) error
	LoadEvents(ctx context.Context) ([]*model.CalendarEvent, error)
	Clear(ctx context.Context) error
}

// Protocol performs single round trips against the server.
// Implemented by [eas.Client].
type Protocol interface {
	Probe(ctx context.Context) error
	FolderSync(ctx context.Context, syncKey string) (*eas.FolderSyncResponse, error)
	Sync(ctx context.Context, folderID, syncKey string, getChanges bool, addItems []*model.CalendarEvent) (*eas.SyncResponse, error)
}

// ProtocolFactory builds a Protocol for the given account. The engine calls
// it during connect and resume, once credentials are known.
type ProtocolFactory func(c model.Credentials) (Protocol, error)
