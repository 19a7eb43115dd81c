package busmix

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"go.uber.org/zap"
)

const (
	dbusWellKnownName = "org.busmix.Mixer1"
	dbusObjectPath    = dbus.ObjectPath("/org/busmix/Mixer1")
	dbusInterfaceName = "org.busmix.Mixer1"
)

// DBusService exposes the cache and the reconciler on the session bus for
// shell extensions and applets. Mutations go through the reconciler; reads
// come straight from cache snapshots.
type DBusService struct {
	logger *zap.SugaredLogger
	conn   *dbus.Conn
	object *mixerObject
}

// mixerObject carries only the methods exported on the bus
type mixerObject struct {
	logger     *zap.SugaredLogger
	cache      *Cache
	reconciler *Reconciler
	conn       *dbus.Conn
}

func NewDBusService(logger *zap.SugaredLogger, cache *Cache, reconciler *Reconciler) *DBusService {
	logger = logger.Named("dbus")

	s := &DBusService{
		logger: logger,
		object: &mixerObject{
			logger:     logger,
			cache:      cache,
			reconciler: reconciler,
		},
	}

	logger.Debug("Created D-Bus service instance")

	return s
}

func (s *DBusService) Start() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}

	s.conn = conn
	s.object.conn = conn

	if err := conn.Export(s.object, dbusObjectPath, dbusInterfaceName); err != nil {
		return fmt.Errorf("export mixer object: %w", err)
	}

	node := &introspect.Node{
		Name: string(dbusObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name: dbusInterfaceName,
				Methods: []introspect.Method{
					{Name: "Buses", Args: []introspect.Arg{
						{Name: "buses", Type: "a{sa{sv}}", Direction: "out"}}},
					{Name: "Applications", Args: []introspect.Arg{
						{Name: "applications", Type: "a{sa{sv}}", Direction: "out"}}},
					{Name: "Generation", Args: []introspect.Arg{
						{Name: "generation", Type: "t", Direction: "out"}}},
					{Name: "GetFullState", Args: []introspect.Arg{
						{Name: "state", Type: "a{sv}", Direction: "out"}}},
					{Name: "SetBusVolume", Args: []introspect.Arg{
						{Name: "bus_name", Type: "s", Direction: "in"},
						{Name: "volume", Type: "d", Direction: "in"},
						{Name: "ok", Type: "b", Direction: "out"}}},
					{Name: "SetBusMute", Args: []introspect.Arg{
						{Name: "bus_name", Type: "s", Direction: "in"},
						{Name: "muted", Type: "b", Direction: "in"},
						{Name: "ok", Type: "b", Direction: "out"}}},
					{Name: "RouteApplication", Args: []introspect.Arg{
						{Name: "app_name", Type: "s", Direction: "in"},
						{Name: "bus_name", Type: "s", Direction: "in"},
						{Name: "ok", Type: "b", Direction: "out"}}},
					{Name: "RefreshState"},
				},
				Signals: []introspect.Signal{
					{Name: "StateChanged", Args: []introspect.Arg{
						{Name: "generation", Type: "t"}}},
					{Name: "BusVolumeChanged", Args: []introspect.Arg{
						{Name: "bus_name", Type: "s"}, {Name: "volume", Type: "d"}}},
					{Name: "BusMuteChanged", Args: []introspect.Arg{
						{Name: "bus_name", Type: "s"}, {Name: "muted", Type: "b"}}},
					{Name: "ApplicationRouted", Args: []introspect.Arg{
						{Name: "app_name", Type: "s"}, {Name: "bus_name", Type: "s"}}},
				},
			},
		},
	}

	if err := conn.Export(introspect.NewIntrospectable(node), dbusObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection data: %w", err)
	}

	reply, err := conn.RequestName(dbusWellKnownName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", dbusWellKnownName)
	}

	s.logger.Infow("D-Bus service started", "name", dbusWellKnownName)

	return nil
}

func (s *DBusService) Close() {
	if s.conn == nil {
		return
	}

	if _, err := s.conn.ReleaseName(dbusWellKnownName); err != nil {
		s.logger.Warnw("Failed to release bus name", "error", err)
	}

	if err := s.conn.Close(); err != nil {
		s.logger.Warnw("Failed to close bus connection", "error", err)
	}
}

func (o *mixerObject) Buses() (map[string]map[string]dbus.Variant, *dbus.Error) {
	snapshot := o.cache.Snapshot()

	buses := map[string]map[string]dbus.Variant{}
	for name, bus := range snapshot.Buses {
		buses[name] = map[string]dbus.Variant{
			"id":     dbus.MakeVariant(bus.ID),
			"volume": dbus.MakeVariant(float64(bus.Volume)),
			"muted":  dbus.MakeVariant(bus.Muted),
		}
	}

	return buses, nil
}

func (o *mixerObject) Applications() (map[string]map[string]dbus.Variant, *dbus.Error) {
	snapshot := o.cache.Snapshot()

	apps := map[string]map[string]dbus.Variant{}
	for name, app := range snapshot.Apps {
		apps[name] = map[string]dbus.Variant{
			"display_name": dbus.MakeVariant(app.DisplayName),
			"binary_name":  dbus.MakeVariant(app.BinaryName),
			"current_bus":  dbus.MakeVariant(app.CurrentBus),
			"active":       dbus.MakeVariant(app.Active),
		}
	}

	return apps, nil
}

func (o *mixerObject) Generation() (uint64, *dbus.Error) {
	return o.cache.Generation(), nil
}

func (o *mixerObject) GetFullState() (map[string]dbus.Variant, *dbus.Error) {
	buses, _ := o.Buses()
	apps, _ := o.Applications()

	return map[string]dbus.Variant{
		"buses":        dbus.MakeVariant(buses),
		"applications": dbus.MakeVariant(apps),
		"generation":   dbus.MakeVariant(o.cache.Generation()),
		"last_update":  dbus.MakeVariant(uint64(time.Now().Unix())),
	}, nil
}

func (o *mixerObject) SetBusVolume(busName string, volume float64) (bool, *dbus.Error) {
	o.logger.Debugw("D-Bus request: set bus volume", "bus", busName, "volume", volume)

	if err := o.reconciler.SetBusVolume(busName, float32(volume)); err != nil {
		o.logger.Errorw("Failed to set bus volume", "bus", busName, "error", err)
		return false, nil
	}

	o.emit("BusVolumeChanged", busName, volume)
	o.emit("StateChanged", o.cache.Generation())

	return true, nil
}

func (o *mixerObject) SetBusMute(busName string, muted bool) (bool, *dbus.Error) {
	o.logger.Debugw("D-Bus request: set bus mute", "bus", busName, "muted", muted)

	if err := o.reconciler.SetBusMute(busName, muted); err != nil {
		o.logger.Errorw("Failed to set bus mute", "bus", busName, "error", err)
		return false, nil
	}

	o.emit("BusMuteChanged", busName, muted)
	o.emit("StateChanged", o.cache.Generation())

	return true, nil
}

func (o *mixerObject) RouteApplication(appName, busName string) (bool, *dbus.Error) {
	o.logger.Debugw("D-Bus request: route application", "app", appName, "bus", busName)

	if err := o.reconciler.Route(appName, busName); err != nil {
		o.logger.Errorw("Failed to route application", "app", appName, "error", err)
		return false, nil
	}

	o.emit("ApplicationRouted", appName, busName)
	o.emit("StateChanged", o.cache.Generation())

	return true, nil
}

func (o *mixerObject) RefreshState() *dbus.Error {
	o.logger.Debug("D-Bus request: refresh state")
	o.cache.IncrementGeneration()

	return nil
}

func (o *mixerObject) emit(signal string, values ...interface{}) {
	if o.conn == nil {
		return
	}

	if err := o.conn.Emit(dbusObjectPath, dbusInterfaceName+"."+signal, values...); err != nil {
		o.logger.Warnw("Failed to emit signal", "signal", signal, "error", err)
	}
}
