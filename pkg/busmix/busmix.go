// Package busmix provides a user-session daemon that mirrors the audio
// graph into virtual mixing buses and keeps applications routed to them.
package busmix

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BusmixLabs/busmix/pkg/busmix/util"
)

// Busmix is the main entity managing all subcomponents
type Busmix struct {
	logger     *zap.SugaredLogger
	notifier   Notifier
	configMan  *ConfigManager
	cache      *Cache
	backend    GraphBackend
	bridge     *Bridge
	reconciler *Reconciler
	publisher  *SnapshotPublisher
	ipc        *IPCServer
	dbus       *DBusService

	stopChannel chan bool
	version     string
	verbose     bool
}

func NewBusmix(logger *zap.SugaredLogger, verbose bool) (*Busmix, error) {
	logger = logger.Named("busmix")

	notifier, err := NewDesktopNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create DesktopNotifier", "error", err)
		return nil, fmt.Errorf("create new DesktopNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &Busmix{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		cache:       NewCache(),
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	resolver := NewAppNameResolver(logger)

	backend, err := newPulseBackend(logger, config, resolver)
	if err != nil {
		logger.Errorw("Failed to create graph backend", "error", err)
		return nil, fmt.Errorf("create graph backend: %w", err)
	}

	d.backend = backend
	d.reconciler = NewReconciler(logger, d.cache, backend, config)
	d.bridge = NewBridge(logger, d.cache, backend, d.reconciler)

	publisher, err := NewSnapshotPublisher(logger, d.cache, config)
	if err != nil {
		logger.Errorw("Failed to create SnapshotPublisher", "error", err)
		return nil, fmt.Errorf("create snapshot publisher: %w", err)
	}

	d.publisher = publisher

	ipc, err := NewIPCServer(logger, d.reconciler, config)
	if err != nil {
		logger.Errorw("Failed to create IPCServer", "error", err)
		return nil, fmt.Errorf("create ipc server: %w", err)
	}

	d.ipc = ipc
	d.dbus = NewDBusService(logger, d.cache, d.reconciler)

	logger.Debug("Created busmix instance")

	return d, nil
}

func (d *Busmix) currConf() *Config {
	return &d.configMan.current
}

// Initialize sets up components and starts to run in the background
func (d *Busmix) Initialize() error {
	d.logger.Debug("Initializing")

	// load the config for the first time; a missing config file is fine,
	// defaults are enough to run
	if err := d.configMan.Load(); err != nil {
		d.logger.Warnw("Failed to load config during initialization, using defaults", "error", err)
	}

	d.restoreRoutingState()
	d.setupInterruptHandler()

	// run in main thread while waiting on ctrl+C
	d.run()

	return nil
}

// SetVersion causes busmix to include a version string in its logs if called before Initialize
func (d *Busmix) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether busmix is running in verbose mode
func (d *Busmix) Verbose() bool {
	return d.verbose
}

// restoreRoutingState seeds the cache with the persisted app-to-bus mappings
// and the rules from the user config, so routing decisions survive restarts
func (d *Busmix) restoreRoutingState() {
	for appName, busName := range d.configMan.Mappings() {
		d.cache.SetRoutingRule(appName, busName)
		d.cache.RememberAssignment(appName, busName)
	}

	for appName, busName := range d.currConf().Routing.Rules {
		d.cache.SetRoutingRule(appName, busName)
	}
}

func (d *Busmix) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Busmix) run() {
	defer d.recoverFromPanic()

	d.logger.Infow("Run loop starting", "version", d.version)

	go d.configMan.WatchConfigFileChanges()

	// re-seed routing rules whenever the user config is reloaded; a bumped
	// generation makes the publisher pick the change up on its next tick
	configReloaded := d.configMan.SubscribeToChanges()
	go func() {
		for range configReloaded {
			d.logger.Debug("Config reloaded, re-seeding routing rules")
			d.restoreRoutingState()
			d.cache.IncrementGeneration()
		}
	}()

	if err := d.bridge.Start(); err != nil {
		d.logger.Errorw("Failed to start graph event bridge", "error", err)
		d.notifier.Notify("Could not connect to the audio server",
			"busmix failed to start. Check the log file for details.")
		os.Exit(1)
	}

	if err := d.dbus.Start(); err != nil {
		d.logger.Warnw("Failed to start D-Bus service, continuing without it", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return d.bridge.Run(groupCtx)
	})

	group.Go(func() error {
		return d.publisher.Run(groupCtx)
	})

	group.Go(func() error {
		return d.ipc.Run(groupCtx)
	})

	group.Go(func() error {
		d.runEvictionSweeper(groupCtx)
		return nil
	})

	// wait until gracefully stopped or until a component fails fatally
	go func() {
		if err := group.Wait(); err != nil {
			d.logger.Errorw("Component terminated unexpectedly", "error", err)
			d.signalStop()
		}
	}()

	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	cancel()

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop busmix", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

// runEvictionSweeper periodically drops apps that have had no streams for
// longer than the configured TTL
func (d *Busmix) runEvictionSweeper(ctx context.Context) {
	ticker := time.NewTicker(d.currConf().SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.cache.HasInactiveApps() {
				continue
			}

			if removed := d.cache.EvictInactive(d.currConf().InactiveTTL()); removed > 0 {
				d.logger.Debugw("Evicted inactive applications", "count", removed)
			}
		}
	}
}

func (d *Busmix) signalStop() {
	d.logger.Debug("Signalling stop channel")
	d.stopChannel <- true
}

func (d *Busmix) stop() error {
	d.logger.Info("Stopping")

	d.configMan.StopWatchingConfigFile()
	d.bridge.Stop()
	d.publisher.Close()
	d.ipc.Close()
	d.dbus.Close()

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return nil
}
