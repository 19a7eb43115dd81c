package busmix

import (
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// BusInfo describes one virtual mixing bus as last observed on the backend
type BusInfo struct {
	ID     uint32
	Name   string
	Volume float32
	Muted  bool
}

// AppInfo describes one application and the backend streams attributed to it.
// Active is true exactly while StreamIDs is non-empty; InactiveSince is only
// meaningful when Active is false.
type AppInfo struct {
	DisplayName   string
	BinaryName    string
	CurrentBus    string
	Active        bool
	StreamIDs     []uint32
	InactiveSince time.Time
}

// Snapshot is a point-in-time copy of the cache contents
type Snapshot struct {
	Generation uint64
	Buses      map[string]BusInfo
	Apps       map[string]AppInfo
}

// Cache is the daemon's shared state store. All components hold the same
// instance; entries for distinct keys can be mutated concurrently without
// contending on a single lock. Every externally visible mutation bumps the
// generation counter, and the bump happens after the value is stored, so a
// reader that observes generation N also observes every mutation tagged <= N.
type Cache struct {
	generation atomic.Uint64

	buses      *xsync.MapOf[string, BusInfo]
	apps       *xsync.MapOf[string, AppInfo]
	rules      *xsync.MapOf[string, string]
	remembered *xsync.MapOf[string, string]
}

func NewCache() *Cache {
	return &Cache{
		buses:      xsync.NewMapOf[string, BusInfo](),
		apps:       xsync.NewMapOf[string, AppInfo](),
		rules:      xsync.NewMapOf[string, string](),
		remembered: xsync.NewMapOf[string, string](),
	}
}

func (c *Cache) Generation() uint64 {
	return c.generation.Load()
}

func (c *Cache) IncrementGeneration() {
	c.generation.Add(1)
}

// UpsertBus stores a bus entry and bumps the generation exactly once
func (c *Cache) UpsertBus(name string, info BusInfo) {
	c.buses.Store(name, info)
	c.IncrementGeneration()
}

// UpsertApp stores an application entry and bumps the generation exactly
// once. An active app also refreshes its remembered bus assignment, since
// an active entry reflects confirmed backend state.
func (c *Cache) UpsertApp(name string, info AppInfo) {
	if info.Active && info.CurrentBus != "" {
		c.remembered.Store(name, info.CurrentBus)
	}

	c.apps.Store(name, info)
	c.IncrementGeneration()
}

// AttachStream idempotently adds a stream id to the named application,
// creating the entry on first observation. The app is marked active and its
// inactive timestamp cleared regardless of prior state.
func (c *Cache) AttachStream(name, binaryName string, streamID uint32, busName string) {
	c.apps.Compute(name, func(app AppInfo, loaded bool) (AppInfo, bool) {
		if !loaded {
			app = AppInfo{DisplayName: name, BinaryName: binaryName}
		}

		ids := make([]uint32, 0, len(app.StreamIDs)+1)
		found := false
		for _, id := range app.StreamIDs {
			if id == streamID {
				found = true
			}
			ids = append(ids, id)
		}
		if !found {
			ids = append(ids, streamID)
		}

		app.StreamIDs = ids
		app.Active = true
		app.InactiveSince = time.Time{}
		if busName != "" {
			app.CurrentBus = busName
		}

		return app, false
	})

	c.IncrementGeneration()
}

// DetachStream removes a stream id from whichever application owns it and
// returns that application's name. When the last stream goes away, the app
// flips to inactive and the moment is recorded for TTL eviction.
func (c *Cache) DetachStream(streamID uint32) (string, bool) {
	owner := ""

	c.apps.Range(func(name string, app AppInfo) bool {
		for _, id := range app.StreamIDs {
			if id == streamID {
				owner = name
				return false
			}
		}
		return true
	})

	if owner == "" {
		return "", false
	}

	c.apps.Compute(owner, func(app AppInfo, loaded bool) (AppInfo, bool) {
		if !loaded {
			return app, true
		}

		ids := make([]uint32, 0, len(app.StreamIDs))
		for _, id := range app.StreamIDs {
			if id != streamID {
				ids = append(ids, id)
			}
		}

		app.StreamIDs = ids
		if len(ids) == 0 {
			app.Active = false
			app.InactiveSince = time.Now()
		}

		return app, false
	})

	c.IncrementGeneration()

	return owner, true
}

// Bus returns the cached entry for a bus display name
func (c *Cache) Bus(name string) (BusInfo, bool) {
	return c.buses.Load(name)
}

// BusByID resolves a backend bus identifier back to its cached entry
func (c *Cache) BusByID(id uint32) (BusInfo, bool) {
	var found BusInfo
	ok := false

	c.buses.Range(func(_ string, bus BusInfo) bool {
		if bus.ID == id {
			found = bus
			ok = true
			return false
		}
		return true
	})

	return found, ok
}

func (c *Cache) App(name string) (AppInfo, bool) {
	return c.apps.Load(name)
}

// SetAppCurrentBus records the bus an application was actually observed on.
// Missing apps are ignored; the reconciler may learn about streams before
// the event bridge has created the cache entry.
func (c *Cache) SetAppCurrentBus(name, busName string) {
	_, ok := c.apps.Compute(name, func(app AppInfo, loaded bool) (AppInfo, bool) {
		if !loaded {
			return app, true
		}
		app.CurrentBus = busName
		return app, false
	})

	if ok {
		c.IncrementGeneration()
	}
}

func (c *Cache) SetRoutingRule(appName, busName string) {
	c.rules.Store(appName, busName)
}

func (c *Cache) RoutingRule(appName string) (string, bool) {
	return c.rules.Load(appName)
}

func (c *Cache) RememberAssignment(appName, busName string) {
	c.remembered.Store(appName, busName)
}

func (c *Cache) RememberedAssignment(appName string) (string, bool) {
	return c.remembered.Load(appName)
}

// Snapshot copies the live entries into a consistent read-only view. The
// generation is captured first, so the copy is never older than the number
// it carries. Called on every publisher tick; a single pass over the maps.
func (c *Cache) Snapshot() Snapshot {
	snap := Snapshot{
		Generation: c.Generation(),
		Buses:      make(map[string]BusInfo, c.buses.Size()),
		Apps:       make(map[string]AppInfo, c.apps.Size()),
	}

	c.buses.Range(func(name string, bus BusInfo) bool {
		snap.Buses[name] = bus
		return true
	})

	c.apps.Range(func(name string, app AppInfo) bool {
		ids := make([]uint32, len(app.StreamIDs))
		copy(ids, app.StreamIDs)
		app.StreamIDs = ids
		snap.Apps[name] = app
		return true
	})

	return snap
}

// HasInactiveApps is the cheap pre-check gating the eviction sweep
func (c *Cache) HasInactiveApps() bool {
	any := false

	c.apps.Range(func(_ string, app AppInfo) bool {
		if !app.Active {
			any = true
			return false
		}
		return true
	})

	return any
}

// EvictInactive removes applications that have been inactive for longer
// than ttl, along with their remembered assignments. Apps with a standing
// routing rule are kept; the rule states ongoing user intent and must be
// able to re-apply on the next attach. The generation is bumped once if
// anything was removed.
func (c *Cache) EvictInactive(ttl time.Duration) int {
	now := time.Now()
	expired := []string{}

	c.apps.Range(func(name string, app AppInfo) bool {
		if app.Active {
			return true
		}
		if _, ruled := c.rules.Load(name); ruled {
			return true
		}
		if !app.InactiveSince.IsZero() && now.Sub(app.InactiveSince) > ttl {
			expired = append(expired, name)
		}
		return true
	})

	removed := 0
	for _, name := range expired {
		evicted := false
		c.apps.Compute(name, func(app AppInfo, loaded bool) (AppInfo, bool) {
			// re-check under the entry lock; a stream may have re-attached
			if !loaded || app.Active {
				return app, !loaded
			}
			evicted = true
			return app, true
		})
		if evicted {
			c.remembered.Delete(name)
			removed++
		}
	}

	if removed > 0 {
		c.IncrementGeneration()
	}

	return removed
}
