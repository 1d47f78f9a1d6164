package sync

import (
	stdsync "sync"
	"time"

	"easmirror/internal/model"
)

// upcomingWindow is the lookahead for the "upcoming events" query.
const upcomingWindow = 7 * 24 * time.Hour

// Cache holds the merged, queryable set of calendar events keyed by server
// id. Entries are replaced wholesale on a Change, never mutated in place.
// Safe for concurrent use.
type Cache struct {
	mu     stdsync.RWMutex
	events map[string]*model.CalendarEvent
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{events: make(map[string]*model.CalendarEvent)}
}

// Replace discards all prior entries and installs events as the full set.
func (c *Cache) Replace(events []*model.CalendarEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = make(map[string]*model.CalendarEvent, len(events))
	for _, ev := range events {
		c.events[ev.ServerID] = ev
	}
}

// Merge upserts delta into the cache: new ids are added, existing ids are
// overwritten with the delta's record, and ids named in deleted are removed.
// Entries untouched by the delta are left unchanged.
func (c *Cache) Merge(delta []*model.CalendarEvent, deleted []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ev := range delta {
		c.events[ev.ServerID] = ev
	}
	for _, id := range deleted {
		delete(c.events, id)
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = make(map[string]*model.CalendarEvent)
}

// Len returns the number of cached events.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.events)
}

// Events returns all cached events sorted ascending by start time.
func (c *Cache) Events() []*model.CalendarEvent {
	c.mu.RLock()
	out := make([]*model.CalendarEvent, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev)
	}
	c.mu.RUnlock()

	model.SortEventsByStart(out)
	return out
}

// EventsOn returns the cached events starting on the same calendar day as
// day, sorted ascending by start time.
func (c *Cache) EventsOn(day time.Time) []*model.CalendarEvent {
	c.mu.RLock()
	var out []*model.CalendarEvent
	for _, ev := range c.events {
		if ev.OccursOn(day) {
			out = append(out, ev)
		}
	}
	c.mu.RUnlock()

	model.SortEventsByStart(out)
	return out
}

// Upcoming returns the cached events starting within [now, now+7d], sorted
// ascending by start time.
func (c *Cache) Upcoming(now time.Time) []*model.CalendarEvent {
	horizon := now.Add(upcomingWindow)

	c.mu.RLock()
	var out []*model.CalendarEvent
	for _, ev := range c.events {
		if !ev.Start.Before(now) && !ev.Start.After(horizon) {
			out = append(out, ev)
		}
	}
	c.mu.RUnlock()

	model.SortEventsByStart(out)
	return out
}
