package busmix

import (
	"os"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"go.uber.org/zap"
)

func TestConfigDefaultsWithoutFile(t *testing.T) {
	configMan := newTestConfig(t)
	conf := configMan.current

	assert.Equal(t, []string{"Game", "Chat", "Media"}, conf.BusNames())
	assert.True(t, conf.Routing.EnableAutoRouting)
	assert.Equal(t, "Game", conf.Routing.DefaultBus)
	assert.Equal(t, 300*time.Second, conf.InactiveTTL())
	assert.Equal(t, 15*time.Second, conf.SweepInterval())
	assert.Equal(t, uint16(50), conf.PublisherParams.FastIntervalMs)
	assert.Equal(t, uint16(1000), conf.PublisherParams.SlowIntervalMs)
}

func TestConfigReadsUserFile(t *testing.T) {
	t.Chdir(t.TempDir())

	yaml := `
virtual_buses:
  - name: Focus
    display_name: Focus
routing:
  default_bus: Focus
  settle_window_ms: 500
cache:
  inactive_ttl_seconds: 60
`
	assert.NoError(t, os.WriteFile(userConfigFilepath, []byte(yaml), 0o644))

	configMan, err := NewConfig(zap.NewNop().Sugar(), nopNotifier{})
	assert.NoError(t, err)
	assert.NoError(t, configMan.Load())

	conf := configMan.current
	assert.Equal(t, []string{"Focus"}, conf.BusNames())
	assert.Equal(t, "Focus", conf.Routing.DefaultBus)
	assert.Equal(t, uint16(500), conf.Routing.SettleWindowMs)
	assert.Equal(t, 60*time.Second, conf.InactiveTTL())
}

func TestConfigMappingPersistence(t *testing.T) {
	configMan := newTestConfig(t)

	assert.NoError(t, configMan.SaveMapping("firefox", "Media"))
	assert.NoError(t, configMan.SaveMapping("discord", "Chat"))
	assert.NoError(t, configMan.SaveMapping("firefox", "Game"))

	mappings := configMan.Mappings()
	assert.Equal(t, "Game", mappings["firefox"])
	assert.Equal(t, "Chat", mappings["discord"])

	// a fresh manager in the same directory restores the persisted mappings
	restored, err := NewConfig(zap.NewNop().Sugar(), nopNotifier{})
	assert.NoError(t, err)
	assert.NoError(t, restored.Load())

	mappings = restored.Mappings()
	assert.Equal(t, "Game", mappings["firefox"])
	assert.Equal(t, "Chat", mappings["discord"])
}
