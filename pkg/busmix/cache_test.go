package busmix

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
)

func TestCacheGenerationMonotonic(t *testing.T) {
	cache := NewCache()

	assert.Equal(t, uint64(0), cache.Generation())

	cache.UpsertBus("Game", BusInfo{ID: 1, Name: "Game", Volume: 1.0})
	gen := cache.Generation()
	assert.Equal(t, uint64(1), gen)

	cache.AttachStream("firefox", "firefox", 42, "Media")
	assert.True(t, cache.Generation() > gen)
	gen = cache.Generation()

	_, ok := cache.DetachStream(42)
	assert.True(t, ok)
	assert.True(t, cache.Generation() > gen)
}

func TestCacheAttachStreamIdempotent(t *testing.T) {
	cache := NewCache()

	cache.AttachStream("spotify", "spotify", 7, "Media")
	cache.AttachStream("spotify", "spotify", 7, "Media")
	cache.AttachStream("spotify", "spotify", 8, "Media")

	app, ok := cache.App("spotify")
	assert.True(t, ok)
	assert.Equal(t, []uint32{7, 8}, app.StreamIDs)
	assert.True(t, app.Active)
	assert.Equal(t, "Media", app.CurrentBus)
}

func TestCacheDetachMarksInactive(t *testing.T) {
	cache := NewCache()
	cache.AttachStream("discord", "Discord", 3, "Chat")

	owner, ok := cache.DetachStream(3)
	assert.True(t, ok)
	assert.Equal(t, "discord", owner)

	app, ok := cache.App("discord")
	assert.True(t, ok)
	assert.False(t, app.Active)
	assert.False(t, app.InactiveSince.IsZero())
	assert.Equal(t, 0, len(app.StreamIDs))

	// the entry survives detach; only the sweeper removes it
	_, ok = cache.DetachStream(3)
	assert.False(t, ok)
}

func TestCacheReattachClearsInactiveTimestamp(t *testing.T) {
	cache := NewCache()
	cache.AttachStream("discord", "Discord", 3, "Chat")
	_, _ = cache.DetachStream(3)

	cache.AttachStream("discord", "Discord", 4, "Chat")

	app, ok := cache.App("discord")
	assert.True(t, ok)
	assert.True(t, app.Active)
	assert.True(t, app.InactiveSince.IsZero())
}

func TestCacheEvictInactive(t *testing.T) {
	cache := NewCache()
	ttl := 300 * time.Second

	for i := 0; i < 100; i++ {
		name := fmt.Sprintf("stale-%d", i)
		cache.UpsertApp(name, AppInfo{
			DisplayName:   name,
			Active:        false,
			InactiveSince: time.Now().Add(-400 * time.Second),
		})
	}

	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("live-%d", i)
		cache.AttachStream(name, name, uint32(1000+i), "Game")
	}

	removed := cache.EvictInactive(ttl)
	assert.Equal(t, 100, removed)

	snap := cache.Snapshot()
	assert.Equal(t, 10, len(snap.Apps))
	for i := 0; i < 10; i++ {
		_, ok := snap.Apps[fmt.Sprintf("live-%d", i)]
		assert.True(t, ok)
	}
}

func TestCacheEvictionSparesRuledApps(t *testing.T) {
	cache := NewCache()

	cache.UpsertApp("ruled", AppInfo{
		DisplayName:   "ruled",
		Active:        false,
		InactiveSince: time.Now().Add(-time.Hour),
	})
	cache.SetRoutingRule("ruled", "Game")

	cache.UpsertApp("plain", AppInfo{
		DisplayName:   "plain",
		Active:        false,
		InactiveSince: time.Now().Add(-time.Hour),
	})

	removed := cache.EvictInactive(300 * time.Second)
	assert.Equal(t, 1, removed)

	_, ok := cache.App("ruled")
	assert.True(t, ok)
	_, ok = cache.App("plain")
	assert.False(t, ok)
}

func TestCacheEvictionDropsRememberedAssignment(t *testing.T) {
	cache := NewCache()

	cache.UpsertApp("gone", AppInfo{
		DisplayName:   "gone",
		Active:        false,
		InactiveSince: time.Now().Add(-time.Hour),
	})
	cache.RememberAssignment("gone", "Media")

	removed := cache.EvictInactive(300 * time.Second)
	assert.Equal(t, 1, removed)

	_, ok := cache.RememberedAssignment("gone")
	assert.False(t, ok)
}

func TestCacheSnapshotCopiesStreamIDs(t *testing.T) {
	cache := NewCache()
	cache.AttachStream("mpv", "mpv", 11, "Media")

	snap := cache.Snapshot()
	snap.Apps["mpv"].StreamIDs[0] = 999

	app, ok := cache.App("mpv")
	assert.True(t, ok)
	assert.Equal(t, uint32(11), app.StreamIDs[0])
}

func TestCacheSnapshotGenerationNotNewerThanContents(t *testing.T) {
	cache := NewCache()
	cache.UpsertBus("Game", BusInfo{ID: 1, Name: "Game", Volume: 0.5})

	snap := cache.Snapshot()
	assert.Equal(t, cache.Generation(), snap.Generation)
	assert.Equal(t, 1, len(snap.Buses))
}

func TestCacheConcurrentIndependentKeys(t *testing.T) {
	cache := NewCache()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				name := fmt.Sprintf("bus-%d-%d", g, i)
				cache.UpsertBus(name, BusInfo{ID: uint32(g*100 + i), Name: name})
			}
		}(g)
	}
	wg.Wait()

	snap := cache.Snapshot()
	assert.Equal(t, 1000, len(snap.Buses))
	assert.Equal(t, uint64(1000), cache.Generation())
}

func TestCacheSetAppCurrentBusIgnoresMissing(t *testing.T) {
	cache := NewCache()
	gen := cache.Generation()

	cache.SetAppCurrentBus("ghost", "Game")

	_, ok := cache.App("ghost")
	assert.False(t, ok)
	assert.Equal(t, gen, cache.Generation())
}
