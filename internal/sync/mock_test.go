package sync

import (
	"context"
	"fmt"
	stdsync "sync"

	"easmirror/internal/creds"
	"easmirror/internal/eas"
	"easmirror/internal/model"
)

// --- Mock credential store ---------------------------------------------------

type mockCreds struct {
	mu     stdsync.Mutex
	stored *model.Credentials
	clears int
}

func (m *mockCreds) Save(c model.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = &c
	return nil
}

func (m *mockCreds) Load() (model.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stored == nil {
		return model.Credentials{}, creds.ErrNoCredentials
	}
	return *m.stored, nil
}

func (m *mockCreds) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = nil
	m.clears++
	return nil
}

func (m *mockCreds) has() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stored != nil
}

// --- Mock device identity ----------------------------------------------------

type mockDevice struct{}

func (mockDevice) GetOrCreate() (string, error) { return "testdevice01", nil }

// --- Mock state store --------------------------------------------------------

type mockStore struct {
	mu     stdsync.Mutex
	st     *model.SyncState
	events []*model.CalendarEvent
	saves  int
	clears int
}

func newMockStore() *mockStore {
	return &mockStore{st: model.NewSyncState()}
}

func (m *mockStore) LoadSyncState(_ context.Context) (*model.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *m.st
	return &cp, nil
}

func (m *mockStore) SaveSyncState(_ context.Context, st *model.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.st = &cp
	m.saves++
	return nil
}

func (m *mockStore) SaveEvents(_ context.Context, events []*model.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append([]*model.CalendarEvent(nil), events...)
	return nil
}

func (m *mockStore) LoadEvents(_ context.Context) ([]*model.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*model.CalendarEvent(nil), m.events...), nil
}

func (m *mockStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = model.NewSyncState()
	m.events = nil
	m.clears++
	return nil
}

func (m *mockStore) state() model.SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.st
}

// --- Mock protocol -----------------------------------------------------------

type folderResult struct {
	resp *eas.FolderSyncResponse
	err  error
}

type syncResult struct {
	resp *eas.SyncResponse
	err  error
}

// syncCall records the arguments of one Protocol.Sync invocation.
type syncCall struct {
	folderID   string
	syncKey    string
	getChanges bool
	addCount   int
}

// mockProtocol replays scripted responses in order. onSync, when set, runs
// inside each Sync call before the response is returned, which lets tests
// inject reentrant engine calls (busy guard, mid-flight disconnect).
type mockProtocol struct {
	mu stdsync.Mutex

	probeErr error

	folderQueue []folderResult
	folderCalls []string

	syncQueue []syncResult
	syncCalls []syncCall

	onSync func()
}

func (m *mockProtocol) queueFolder(resp *eas.FolderSyncResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folderQueue = append(m.folderQueue, folderResult{resp, err})
}

func (m *mockProtocol) queueSync(resp *eas.SyncResponse, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncQueue = append(m.syncQueue, syncResult{resp, err})
}

func (m *mockProtocol) Probe(_ context.Context) error { return m.probeErr }

func (m *mockProtocol) FolderSync(_ context.Context, syncKey string) (*eas.FolderSyncResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folderCalls = append(m.folderCalls, syncKey)
	if len(m.folderQueue) == 0 {
		return nil, fmt.Errorf("unexpected FolderSync call with key %q", syncKey)
	}
	next := m.folderQueue[0]
	m.folderQueue = m.folderQueue[1:]
	return next.resp, next.err
}

func (m *mockProtocol) Sync(_ context.Context, folderID, syncKey string, getChanges bool, addItems []*model.CalendarEvent) (*eas.SyncResponse, error) {
	m.mu.Lock()
	m.syncCalls = append(m.syncCalls, syncCall{folderID, syncKey, getChanges, len(addItems)})
	if len(m.syncQueue) == 0 {
		m.mu.Unlock()
		return nil, fmt.Errorf("unexpected Sync call with key %q", syncKey)
	}
	next := m.syncQueue[0]
	m.syncQueue = m.syncQueue[1:]
	hook := m.onSync
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	return next.resp, next.err
}

func (m *mockProtocol) calls() []syncCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]syncCall(nil), m.syncCalls...)
}

func (m *mockProtocol) folderSyncCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.folderCalls...)
}
