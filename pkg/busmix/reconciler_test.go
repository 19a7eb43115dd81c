package busmix

import (
	"errors"
	"testing"

	"github.com/alecthomas/assert/v2"
	"go.uber.org/zap"
)

// fakeBackend implements GraphBackend with overridable behavior per test
type fakeBackend struct {
	startFunc        func(emit func(GraphUpdate)) error
	listStreamsFunc  func() ([]StreamInfo, error)
	listBusesFunc    func() ([]BusInfo, error)
	moveStreamFunc   func(streamID, busID uint32) error
	setBusVolumeFunc func(busID uint32, volume float32) error
	setBusMuteFunc   func(busID uint32, muted bool) error
}

func (f *fakeBackend) Start(emit func(GraphUpdate)) error {
	if f.startFunc != nil {
		return f.startFunc(emit)
	}
	return nil
}

func (f *fakeBackend) ListStreams() ([]StreamInfo, error) {
	if f.listStreamsFunc != nil {
		return f.listStreamsFunc()
	}
	return nil, nil
}

func (f *fakeBackend) ListBuses() ([]BusInfo, error) {
	if f.listBusesFunc != nil {
		return f.listBusesFunc()
	}
	return nil, nil
}

func (f *fakeBackend) MoveStream(streamID, busID uint32) error {
	if f.moveStreamFunc != nil {
		return f.moveStreamFunc(streamID, busID)
	}
	return nil
}

func (f *fakeBackend) SetBusVolume(busID uint32, volume float32) error {
	if f.setBusVolumeFunc != nil {
		return f.setBusVolumeFunc(busID, volume)
	}
	return nil
}

func (f *fakeBackend) SetBusMute(busID uint32, muted bool) error {
	if f.setBusMuteFunc != nil {
		return f.setBusMuteFunc(busID, muted)
	}
	return nil
}

func (f *fakeBackend) Release() error { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(string, string) {}

func newTestConfig(t *testing.T) *ConfigManager {
	t.Helper()

	// mapping persistence writes relative to the working directory
	t.Chdir(t.TempDir())

	configMan, err := NewConfig(zap.NewNop().Sugar(), nopNotifier{})
	assert.NoError(t, err)
	assert.NoError(t, configMan.Load())

	configMan.current.Routing.SettleWindowMs = 1

	return configMan
}

func newTestReconciler(t *testing.T, cache *Cache, backend GraphBackend) *Reconciler {
	t.Helper()

	return NewReconciler(zap.NewNop().Sugar(), cache, backend, newTestConfig(t))
}

func TestRouteWithoutStreamsRecordsRule(t *testing.T) {
	cache := NewCache()
	backend := &fakeBackend{}
	r := newTestReconciler(t, cache, backend)

	err := r.Route("firefox", "Media")
	assert.NoError(t, err)

	bus, ok := cache.RoutingRule("firefox")
	assert.True(t, ok)
	assert.Equal(t, "Media", bus)

	_, ok = cache.App("firefox")
	assert.False(t, ok)
}

func TestRouteTrustsActualPlacement(t *testing.T) {
	cache := NewCache()
	cache.UpsertBus("Game", BusInfo{ID: 1, Name: "Game"})
	cache.UpsertBus("Chat", BusInfo{ID: 2, Name: "Chat"})

	listCalls := 0
	backend := &fakeBackend{
		listStreamsFunc: func() ([]StreamInfo, error) {
			listCalls++
			busID := uint32(1)
			if listCalls > 1 {
				// the server's own restore logic moved it elsewhere
				busID = 2
			}
			return []StreamInfo{{ID: 5, AppName: "Firefox", BinaryName: "firefox", BusID: busID}}, nil
		},
		listBusesFunc: func() ([]BusInfo, error) {
			return []BusInfo{{ID: 1, Name: "Game"}, {ID: 2, Name: "Chat"}}, nil
		},
	}
	r := newTestReconciler(t, cache, backend)

	err := r.Route("firefox", "Game")
	assert.NoError(t, err)

	app, ok := cache.App("firefox")
	assert.True(t, ok)
	assert.Equal(t, "Chat", app.CurrentBus)

	remembered, ok := cache.RememberedAssignment("firefox")
	assert.True(t, ok)
	assert.Equal(t, "Chat", remembered)
}

func TestRouteFailsWhenNoStreamMoves(t *testing.T) {
	cache := NewCache()
	cache.UpsertBus("Game", BusInfo{ID: 1, Name: "Game"})

	backend := &fakeBackend{
		listStreamsFunc: func() ([]StreamInfo, error) {
			return []StreamInfo{
				{ID: 5, BinaryName: "firefox", BusID: 2},
				{ID: 6, BinaryName: "firefox", BusID: 2},
			}, nil
		},
		listBusesFunc: func() ([]BusInfo, error) {
			return []BusInfo{{ID: 1, Name: "Game"}}, nil
		},
		moveStreamFunc: func(streamID, busID uint32) error {
			return errors.New("move rejected")
		},
	}
	r := newTestReconciler(t, cache, backend)

	err := r.Route("firefox", "Game")
	assert.IsError(t, err, ErrBackendCommandFailed)
}

func TestRouteUnknownBus(t *testing.T) {
	cache := NewCache()
	backend := &fakeBackend{
		listStreamsFunc: func() ([]StreamInfo, error) {
			return []StreamInfo{{ID: 5, BinaryName: "firefox", BusID: 2}}, nil
		},
	}
	r := newTestReconciler(t, cache, backend)

	err := r.Route("firefox", "Nonexistent")
	assert.IsError(t, err, ErrBusNotFound)
}

func TestSetBusVolumeClampsAndUpdatesCache(t *testing.T) {
	cache := NewCache()
	cache.UpsertBus("Game", BusInfo{ID: 1, Name: "Game", Volume: 0.3})

	var applied float32
	backend := &fakeBackend{
		setBusVolumeFunc: func(busID uint32, volume float32) error {
			applied = volume
			return nil
		},
	}
	r := newTestReconciler(t, cache, backend)

	assert.NoError(t, r.SetBusVolume("Game", 1.5))
	assert.Equal(t, float32(1.0), applied)

	bus, ok := cache.Bus("Game")
	assert.True(t, ok)
	assert.Equal(t, float32(1.0), bus.Volume)
}

func TestSetBusVolumeLeavesCacheOnBackendFailure(t *testing.T) {
	cache := NewCache()
	cache.UpsertBus("Game", BusInfo{ID: 1, Name: "Game", Volume: 0.3})

	backend := &fakeBackend{
		setBusVolumeFunc: func(busID uint32, volume float32) error {
			return errors.New("command failed")
		},
	}
	r := newTestReconciler(t, cache, backend)

	err := r.SetBusVolume("Game", 0.8)
	assert.IsError(t, err, ErrBackendCommandFailed)

	bus, _ := cache.Bus("Game")
	assert.Equal(t, float32(0.3), bus.Volume)
}

func TestSetBusMute(t *testing.T) {
	cache := NewCache()
	cache.UpsertBus("Chat", BusInfo{ID: 2, Name: "Chat"})

	backend := &fakeBackend{}
	r := newTestReconciler(t, cache, backend)

	assert.NoError(t, r.SetBusMute("Chat", true))

	bus, _ := cache.Bus("Chat")
	assert.True(t, bus.Muted)

	err := r.SetBusMute("Nonexistent", true)
	assert.IsError(t, err, ErrBusNotFound)
}

func TestRouteResolvesDisplayAlias(t *testing.T) {
	cache := NewCache()
	backend := &fakeBackend{}
	r := newTestReconciler(t, cache, backend)

	r.configMan.current.VirtualBuses = []VirtualBus{
		{Name: "Game", DisplayName: "Gaming"},
	}

	err := r.Route("firefox", "Gaming")
	assert.NoError(t, err)

	bus, ok := cache.RoutingRule("firefox")
	assert.True(t, ok)
	assert.Equal(t, "Game", bus)
}

func TestMatchesApp(t *testing.T) {
	tests := []struct {
		name   string
		stream StreamInfo
		app    string
		want   bool
	}{
		{"binary exact", StreamInfo{BinaryName: "firefox"}, "firefox", true},
		{"binary case insensitive", StreamInfo{BinaryName: "Firefox"}, "firefox", true},
		{"binary mismatch", StreamInfo{BinaryName: "chromium"}, "firefox", false},
		{"app name substring", StreamInfo{AppName: "Firefox Nightly"}, "firefox", true},
		{"no identifiers", StreamInfo{}, "firefox", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, matchesApp(tt.stream, tt.app))
		})
	}
}
