package busmix

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BusmixLabs/busmix/pkg/busmix/util"
)

// Reconciler executes routing and bus-control requests against the backend
// and records what actually happened, not what was asked for. The backend is
// allowed to override a move out-of-band (stream-restore style), so every
// route is: re-derive streams, command, wait for the dust to settle,
// re-query, trust reality.
type Reconciler struct {
	logger    *zap.SugaredLogger
	cache     *Cache
	backend   GraphBackend
	configMan *ConfigManager
}

func NewReconciler(logger *zap.SugaredLogger, cache *Cache, backend GraphBackend, configMan *ConfigManager) *Reconciler {
	r := &Reconciler{
		logger:    logger.Named("reconciler"),
		cache:     cache,
		backend:   backend,
		configMan: configMan,
	}

	r.logger.Debug("Created routing reconciler instance")

	return r
}

// Route moves every live stream of appName onto busName. An app with no
// live streams is not an error: the request is recorded as a routing rule
// and applies automatically when a stream next attaches.
func (r *Reconciler) Route(appName, busName string) error {
	busName = r.canonicalBusName(busName)
	r.logger.Debugw("Routing application", "app", appName, "bus", busName)

	// the request always becomes a standing rule, active streams or not
	r.cache.SetRoutingRule(appName, busName)

	// streams churn faster than routing requests; never trust the cache here
	streams, err := r.backend.ListStreams()
	if err != nil {
		return fmt.Errorf("list streams: %w", err)
	}

	matched := []StreamInfo{}
	for _, stream := range streams {
		if matchesApp(stream, appName) {
			matched = append(matched, stream)
		}
	}

	if len(matched) == 0 {
		r.logger.Infow("No active streams, rule will apply on next attach",
			"app", appName, "bus", busName)

		if err := r.configMan.SaveMapping(appName, busName); err != nil {
			r.logger.Warnw("Failed to persist app mapping", "app", appName, "error", err)
		}

		return nil
	}

	target, err := r.findBus(busName)
	if err != nil {
		return err
	}

	moved := 0
	for _, stream := range matched {
		if err := r.backend.MoveStream(stream.ID, target.ID); err != nil {
			r.logger.Warnw("Failed to move stream",
				"app", appName, "streamID", stream.ID, "bus", busName, "error", err)
			continue
		}
		moved++
	}

	if moved == 0 {
		return fmt.Errorf("%w: no stream of %s could be moved to %s",
			ErrBackendCommandFailed, appName, busName)
	}

	if moved < len(matched) {
		r.logger.Warnw("Partially routed application",
			"app", appName, "bus", busName, "moved", moved, "total", len(matched))
	}

	// give the backend's own restore logic time to override us
	time.Sleep(r.settleWindow())

	actual := r.actualBusFor(matched)
	if actual == "" {
		// introspection failed; fall back to what we requested
		actual = busName
	}

	if actual != busName {
		r.logger.Warnw("Application ended up on a different bus than requested",
			"app", appName, "requested", busName, "actual", actual)
	}

	for _, stream := range matched {
		r.cache.AttachStream(appName, stream.BinaryName, stream.ID, actual)
	}
	r.cache.RememberAssignment(appName, actual)

	if err := r.configMan.SaveMapping(appName, busName); err != nil {
		r.logger.Warnw("Failed to persist app mapping", "app", appName, "error", err)
	}

	r.logger.Infow("Routed application",
		"app", appName, "requested", busName, "actual", actual, "streams", moved)

	return nil
}

// SetBusVolume applies a normalized volume to a bus. The cache entry is only
// updated once the backend accepted the command.
func (r *Reconciler) SetBusVolume(busName string, volume float32) error {
	busName = r.canonicalBusName(busName)
	volume = util.NormalizeScalar(volume)

	bus, ok := r.cache.Bus(busName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBusNotFound, busName)
	}

	if err := r.backend.SetBusVolume(bus.ID, volume); err != nil {
		return fmt.Errorf("%w: set volume of %s: %v", ErrBackendCommandFailed, busName, err)
	}

	bus.Volume = volume
	r.cache.UpsertBus(busName, bus)

	r.logger.Debugw("Set bus volume", "bus", busName, "volume", volume)

	return nil
}

// SetBusMute applies a mute flag to a bus, cache updated on success only
func (r *Reconciler) SetBusMute(busName string, muted bool) error {
	busName = r.canonicalBusName(busName)

	bus, ok := r.cache.Bus(busName)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBusNotFound, busName)
	}

	if err := r.backend.SetBusMute(bus.ID, muted); err != nil {
		return fmt.Errorf("%w: set mute of %s: %v", ErrBackendCommandFailed, busName, err)
	}

	bus.Muted = muted
	r.cache.UpsertBus(busName, bus)

	r.logger.Debugw("Set bus mute", "bus", busName, "muted", muted)

	return nil
}

// findBus verifies the target bus against backend introspection, falling
// back to the cache when the backend cannot answer
func (r *Reconciler) findBus(busName string) (BusInfo, error) {
	buses, err := r.backend.ListBuses()
	if err != nil {
		r.logger.Warnw("Failed to list buses, falling back to cache", "error", err)

		bus, ok := r.cache.Bus(busName)
		if !ok {
			return BusInfo{}, fmt.Errorf("%w: %s", ErrBusNotFound, busName)
		}
		return bus, nil
	}

	for _, bus := range buses {
		if bus.Name == busName {
			return bus, nil
		}
	}

	return BusInfo{}, fmt.Errorf("%w: %s", ErrBusNotFound, busName)
}

// actualBusFor re-queries which bus the moved streams really landed on.
// Returns "" when introspection cannot answer.
func (r *Reconciler) actualBusFor(moved []StreamInfo) string {
	streams, err := r.backend.ListStreams()
	if err != nil {
		r.logger.Warnw("Failed to re-verify stream placement", "error", err)
		return ""
	}

	for _, was := range moved {
		for _, now := range streams {
			if now.ID != was.ID {
				continue
			}
			if bus, ok := r.cache.BusByID(now.BusID); ok {
				return bus.Name
			}
		}
	}

	return ""
}

// canonicalBusName maps a configured display alias back to the bus name the
// backend knows
func (r *Reconciler) canonicalBusName(name string) string {
	for _, bus := range r.configMan.current.VirtualBuses {
		if bus.DisplayName == name && bus.Name != "" {
			return bus.Name
		}
	}

	return name
}

func (r *Reconciler) settleWindow() time.Duration {
	ms := r.configMan.current.Routing.SettleWindowMs
	if ms == 0 {
		ms = defaultSettleWindowMs
	}

	return time.Duration(ms) * time.Millisecond
}

// matchesApp pairs an introspection row with a logical application name.
// Binary name is authoritative; the advertised application name is a
// substring fallback for apps that do not expose a process binary.
func matchesApp(stream StreamInfo, appName string) bool {
	want := strings.ToLower(appName)

	if stream.BinaryName != "" && strings.ToLower(stream.BinaryName) == want {
		return true
	}

	return stream.AppName != "" && strings.Contains(strings.ToLower(stream.AppName), want)
}
