package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"easmirror/internal/creds"
	"easmirror/internal/eas"
	"easmirror/internal/model"
)

const (
	otelScope     = "easmirror/sync"
	spanSync      = "engine.sync"
	metricSyncs   = "easmirror.sync.passes"
	metricApplied = "easmirror.sync.events.applied"
	metricRemoved = "easmirror.sync.events.removed"
	metricPages   = "easmirror.sync.pages"
	metricErrors  = "easmirror.sync.errors"
	metricCreated = "easmirror.sync.events.submitted"
)

// maxSyncPages bounds the pagination loop. A server claiming MoreAvailable
// past this many pages in one pass is treated as misbehaving.
const maxSyncPages = 10

// State is the engine's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscovering
	StateIdle
	StateSyncing
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	default:
		return "unknown"
	}
}

// ErrBusy is returned when connect, disconnect, or create is requested while
// another cursor-holding operation is in flight. The sync cursor is
// single-use: two concurrent calls with the same key corrupt it server-side.
var ErrBusy = errors.New("another sync operation is in flight")

// Config holds the engine's collaborators. All fields are required except
// DeviceType, which defaults to "easmirror".
type Config struct {
	Credentials CredentialStore
	Store       StateStore
	Device      DeviceIdentity
	NewProtocol ProtocolFactory
	DeviceType  string
	Logger      *slog.Logger
}

// Engine is the calendar sync state machine. Create one per session with
// [New]; collaborators are injected, never reached through globals, so tests
// can substitute fakes.
type Engine struct {
	credStore   CredentialStore
	store       StateStore
	device      DeviceIdentity
	newProtocol ProtocolFactory
	deviceType  string
	log         *slog.Logger

	cache *Cache

	mu      stdsync.Mutex
	state   State
	syncing bool // busy guard: one cursor-holding operation at a time
	gen     int  // session generation; bumped on disconnect to orphan in-flight responses
	proto   Protocol
	account model.Credentials
	st      *model.SyncState
	lastErr error

	// OTel instruments, always non-nil (no-op when telemetry is disabled).
	tracer     trace.Tracer
	cntSyncs   metric.Int64Counter
	cntApplied metric.Int64Counter
	cntRemoved metric.Int64Counter
	cntPages   metric.Int64Counter
	cntErrors  metric.Int64Counter
	cntCreated metric.Int64Counter

	// nowFn is swappable in tests.
	nowFn func() time.Time
}

// New creates an Engine in the Disconnected state.
func New(cfg Config) *Engine {
	if cfg.DeviceType == "" {
		cfg.DeviceType = "easmirror"
	}

	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			cfg.Logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		credStore:   cfg.Credentials,
		store:       cfg.Store,
		device:      cfg.Device,
		newProtocol: cfg.NewProtocol,
		deviceType:  cfg.DeviceType,
		log:         cfg.Logger,
		cache:       NewCache(),
		state:       StateDisconnected,
		st:          model.NewSyncState(),
		nowFn:       time.Now,

		tracer:     tracer,
		cntSyncs:   mustCounter(metricSyncs, "Number of completed sync passes"),
		cntApplied: mustCounter(metricApplied, "Number of events added or changed in the cache"),
		cntRemoved: mustCounter(metricRemoved, "Number of events removed from the cache"),
		cntPages:   mustCounter(metricPages, "Number of Sync pages fetched"),
		cntErrors:  mustCounter(metricErrors, "Number of sync errors"),
		cntCreated: mustCounter(metricCreated, "Number of events submitted to the server"),
	}
}

// Resume restores a previous session from the credential and state stores.
// With no stored account the engine simply stays Disconnected.
func (e *Engine) Resume(ctx context.Context) error {
	account, err := e.credStore.Load()
	if errors.Is(err, creds.ErrNoCredentials) {
		return nil
	}
	if err != nil {
		return err
	}

	proto, err := e.newProtocol(account)
	if err != nil {
		return err
	}
	st, err := e.store.LoadSyncState(ctx)
	if err != nil {
		return err
	}
	cached, err := e.store.LoadEvents(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.account = account
	e.proto = proto
	e.st = st
	e.cache.Replace(cached)
	e.state = StateIdle
	e.log.Info("session resumed",
		"user", account.Username,
		"folder", st.CalendarFolderID,
		"cached_events", len(cached),
	)
	return nil
}

// Connect verifies the server, persists credentials, and discovers the
// calendar folder. On success the engine is Idle and ready to sync. On
// failure credentials are cleared, except for CalendarFolderNotFound, which
// is a configuration problem rather than an auth problem.
func (e *Engine) Connect(ctx context.Context, serverURL, username, password string) error {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return ErrBusy
	}
	if e.state != StateDisconnected {
		e.mu.Unlock()
		return errors.New("already connected; disconnect first")
	}
	e.state = StateConnecting
	e.syncing = true
	gen := e.gen
	e.mu.Unlock()

	err := e.connect(ctx, gen, serverURL, username, password)

	e.mu.Lock()
	if e.gen == gen {
		e.syncing = false
		if err != nil {
			e.state = StateDisconnected
			e.lastErr = err
		} else {
			e.state = StateIdle
			e.lastErr = nil
		}
	}
	e.mu.Unlock()
	return err
}

func (e *Engine) connect(ctx context.Context, gen int, serverURL, username, password string) error {
	deviceID, err := e.device.GetOrCreate()
	if err != nil {
		return err
	}
	account := model.Credentials{
		ServerURL: serverURL,
		Username:  username,
		Password:  password,
		DeviceID:  deviceID,
	}

	proto, err := e.newProtocol(account)
	if err != nil {
		return err
	}
	if err := proto.Probe(ctx); err != nil {
		// Nothing was persisted yet, but an earlier partial connect may have
		// left credentials behind.
		_ = e.credStore.Clear()
		return err
	}
	if err := e.credStore.Save(account); err != nil {
		return err
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return nil
	}
	e.account = account
	e.proto = proto
	e.st = model.NewSyncState()
	e.state = StateDiscovering
	e.mu.Unlock()

	if err := e.discover(ctx, gen, proto); err != nil {
		easErr := eas.AsError(err)
		if easErr.ShouldClearCredentials() {
			e.teardown(ctx, err)
		}
		// CalendarFolderNotFound and everything else: back to Disconnected
		// with credentials retained.
		return err
	}
	return nil
}

// discover resolves the calendar folder via FolderSync and persists the new
// cursor record. The item cursor is reset whenever the folder identity
// changes.
func (e *Engine) discover(ctx context.Context, gen int, proto Protocol) error {
	e.mu.Lock()
	folderKey := e.st.FolderSyncKey
	e.mu.Unlock()

	resp, err := proto.FolderSync(ctx, folderKey)
	if err != nil {
		easErr := eas.AsError(err)
		if easErr.RequiresItemResync() {
			// Stale folder cursor: restart folder discovery from scratch.
			e.mu.Lock()
			if e.gen == gen {
				e.st.FolderSyncKey = model.FullResyncKey
				_ = e.store.SaveSyncState(ctx, e.st)
			}
			e.mu.Unlock()
		}
		return err
	}

	folder := pickCalendarFolder(resp.Folders)
	if folder == nil {
		return &eas.Error{
			Kind:    eas.KindCalendarFolderNotFound,
			Message: "folder hierarchy contains no calendar folder",
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return nil
	}
	e.st.SetCalendarFolder(resp.SyncKey, folder.ServerID)
	if err := e.store.SaveSyncState(ctx, e.st); err != nil {
		return err
	}
	e.log.Info("calendar folder discovered",
		"folder_id", folder.ServerID,
		"display_name", folder.DisplayName,
		"folder_type", folder.Type,
	)
	return nil
}

// pickCalendarFolder returns the calendar-eligible folder, preferring the
// account's default calendar over user-created ones.
func pickCalendarFolder(folders []model.FolderDescriptor) *model.FolderDescriptor {
	var fallback *model.FolderDescriptor
	for i := range folders {
		f := &folders[i]
		if f.Type == model.FolderTypeDefaultCalendar {
			return f
		}
		if f.IsCalendar() && fallback == nil {
			fallback = f
		}
	}
	return fallback
}

// SyncEvents performs one sync pass: fetch the server's pending deltas
// (paginated, bounded) and apply them to the cache and cursor. A call while
// a sync is already in flight is a no-op.
func (e *Engine) SyncEvents(ctx context.Context) error {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil
	}
	if e.proto == nil || e.state == StateDisconnected {
		e.mu.Unlock()
		return &eas.Error{Kind: eas.KindNoCredentials, Message: "not connected"}
	}
	e.syncing = true
	e.state = StateSyncing
	gen := e.gen
	proto := e.proto
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.gen == gen {
			e.syncing = false
			if e.state == StateSyncing {
				e.state = StateIdle
			}
		}
		e.mu.Unlock()
	}()

	ctx, span := e.tracer.Start(ctx, spanSync)
	defer span.End()

	err := e.syncPass(ctx, gen, proto, span)
	if err != nil {
		span.RecordError(err)
		e.cntErrors.Add(ctx, 1)
	} else {
		e.cntSyncs.Add(ctx, 1)
	}
	return err
}

func (e *Engine) syncPass(ctx context.Context, gen int, proto Protocol, span trace.Span) error {
	// Folder not yet resolved (first sync, or a hierarchy change reset it):
	// run discovery first.
	e.mu.Lock()
	discovered := e.st.Discovered()
	e.mu.Unlock()
	if !discovered {
		if err := e.discover(ctx, gen, proto); err != nil {
			e.recordSyncError(ctx, gen, err)
			return err
		}
	}

	applied, removed, pages := 0, 0, 0
	for {
		if pages >= maxSyncPages {
			err := &eas.Error{Kind: eas.KindServer, Message: "server claimed more pages than the pagination bound allows"}
			e.recordSyncError(ctx, gen, err)
			return err
		}

		e.mu.Lock()
		folderID := e.st.CalendarFolderID
		usedKey := e.st.CalendarSyncKey
		e.mu.Unlock()

		resp, err := proto.Sync(ctx, folderID, usedKey, true, nil)
		if err != nil {
			e.recordSyncError(ctx, gen, err)
			return err
		}
		pages++
		e.cntPages.Add(ctx, 1)

		if !e.applyPage(ctx, gen, usedKey, resp) {
			// Session was torn down while the response was in flight; its
			// sync key belongs to a session that no longer exists.
			e.log.Info("discarding sync response for ended session")
			return nil
		}
		applied += len(resp.Events)
		removed += len(resp.Deleted)

		if !resp.MoreAvailable {
			break
		}
	}

	e.cntApplied.Add(ctx, int64(applied))
	e.cntRemoved.Add(ctx, int64(removed))
	span.SetAttributes(
		attribute.Int("sync.events_applied", applied),
		attribute.Int("sync.events_removed", removed),
		attribute.Int("sync.pages", pages),
	)

	e.mu.Lock()
	if e.gen == gen {
		e.lastErr = nil
	}
	cached := e.cache.Len()
	e.mu.Unlock()

	e.log.Info("sync pass complete",
		"applied", applied,
		"removed", removed,
		"pages", pages,
		"cached_events", cached,
	)
	return nil
}

// applyPage merges one Sync response into the cache and advances the cursor.
// Returns false when the session the request belonged to no longer exists.
func (e *Engine) applyPage(ctx context.Context, gen int, usedKey string, resp *eas.SyncResponse) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return false
	}

	if usedKey == model.FullResyncKey {
		// First sync since discovery: the response is the authoritative set.
		e.cache.Replace(resp.Events)
	} else {
		e.cache.Merge(resp.Events, resp.Deleted)
	}

	e.st.CalendarSyncKey = resp.SyncKey
	e.st.LastSyncDate = e.nowFn().UTC()
	if err := e.store.SaveSyncState(ctx, e.st); err != nil {
		e.log.Error("persisting sync state", "error", err)
	}
	if err := e.store.SaveEvents(ctx, e.cache.Events()); err != nil {
		e.log.Error("persisting event snapshot", "error", err)
	}
	return true
}

// recordSyncError applies the failure-recovery policy: authentication
// failures tear everything down; stale-cursor and hierarchy-change faults
// reset the relevant cursor so the next pass resyncs; anything else leaves
// state untouched and the stale cache readable.
func (e *Engine) recordSyncError(ctx context.Context, gen int, err error) {
	easErr := eas.AsError(err)

	if easErr.ShouldClearCredentials() {
		e.teardown(ctx, err)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.gen != gen {
		return
	}
	e.lastErr = err

	switch {
	case easErr.RequiresFolderRediscovery():
		e.log.Warn("folder hierarchy changed; next sync will rediscover")
		e.st.CalendarFolderID = ""
		e.st.CalendarSyncKey = model.FullResyncKey
		if serr := e.store.SaveSyncState(ctx, e.st); serr != nil {
			e.log.Error("persisting sync state", "error", serr)
		}
	case easErr.RequiresItemResync():
		e.log.Warn("sync key rejected; next sync will be a full resync")
		e.st.CalendarSyncKey = model.FullResyncKey
		if serr := e.store.SaveSyncState(ctx, e.st); serr != nil {
			e.log.Error("persisting sync state", "error", serr)
		}
	}
}

// teardown clears credentials, cursor record, and cache, and moves to
// Disconnected. Used for authentication failures and Disconnect.
func (e *Engine) teardown(ctx context.Context, cause error) {
	if err := e.credStore.Clear(); err != nil {
		e.log.Error("clearing credentials", "error", err)
	}
	if err := e.store.Clear(ctx); err != nil {
		e.log.Error("clearing state store", "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.gen++
	e.state = StateDisconnected
	e.syncing = false
	e.proto = nil
	e.account = model.Credentials{}
	e.st = model.NewSyncState()
	e.cache.Clear()
	e.lastErr = cause
	if cause != nil {
		e.log.Warn("session torn down", "cause", cause)
	}
}

// Disconnect discards the session: credentials, cursor record, and cache.
// Any response still in flight is discarded rather than applied.
func (e *Engine) Disconnect(ctx context.Context) error {
	e.teardown(ctx, nil)
	e.log.Info("disconnected")
	return nil
}

// CreateEvent submits a locally created event to the server and returns its
// client correlation id. The event enters the cache only via a later
// SyncEvents call, once the server has assigned its canonical id: the
// correct caller-visible outcome is "submitted, pending confirmation".
func (e *Engine) CreateEvent(ctx context.Context, ev *model.CalendarEvent) (string, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return "", ErrBusy
	}
	if e.proto == nil || e.state == StateDisconnected {
		e.mu.Unlock()
		return "", &eas.Error{Kind: eas.KindNoCredentials, Message: "not connected"}
	}
	if !e.st.Discovered() {
		e.mu.Unlock()
		return "", &eas.Error{Kind: eas.KindCalendarFolderNotFound, Message: "calendar folder not discovered yet; sync first"}
	}
	e.syncing = true
	gen := e.gen
	proto := e.proto
	folderID := e.st.CalendarFolderID
	usedKey := e.st.CalendarSyncKey
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.gen == gen {
			e.syncing = false
		}
		e.mu.Unlock()
	}()

	if ev.ClientID == "" {
		ev.ClientID = uuid.NewString()
	}

	resp, err := proto.Sync(ctx, folderID, usedKey, false, []*model.CalendarEvent{ev})
	if err != nil {
		e.recordSyncError(ctx, gen, err)
		e.cntErrors.Add(ctx, 1)
		return "", err
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return "", errors.New("session ended while the create was in flight")
	}
	e.st.CalendarSyncKey = resp.SyncKey
	if serr := e.store.SaveSyncState(ctx, e.st); serr != nil {
		e.log.Error("persisting sync state", "error", serr)
	}
	e.lastErr = nil
	e.mu.Unlock()

	e.cntCreated.Add(ctx, 1)
	e.log.Info("event submitted", "client_id", ev.ClientID, "subject", ev.Subject)
	return ev.ClientID, nil
}

// --- observable state --------------------------------------------------------

// State returns the engine's lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsConnected reports whether a session is established.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateIdle || e.state == StateSyncing
}

// IsSyncing reports whether a sync pass is in flight.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// LastError returns the most recent operation error, or nil after a
// successful operation.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LastSyncDate returns when the last sync pass completed successfully.
func (e *Engine) LastSyncDate() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.LastSyncDate
}

// CachedEvents returns the cached events sorted by start time.
func (e *Engine) CachedEvents() []*model.CalendarEvent {
	return e.cache.Events()
}

// EventsOn returns the cached events on the given calendar day.
func (e *Engine) EventsOn(day time.Time) []*model.CalendarEvent {
	return e.cache.EventsOn(day)
}

// UpcomingEvents returns the cached events in the next seven days.
func (e *Engine) UpcomingEvents() []*model.CalendarEvent {
	return e.cache.Upcoming(e.nowFn())
}
