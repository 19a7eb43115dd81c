package busmix

import (
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/BusmixLabs/busmix/pkg/busmix/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper
	// holds persisted state (app->bus mappings) the daemon writes itself
	internalConfig *viper.Viper

	mappingLock sync.Mutex

	current Config
}

type Config struct {
	VirtualBuses []VirtualBus `mapstructure:"virtual_buses"`

	Routing struct {
		EnableAutoRouting bool              `mapstructure:"enable_auto_routing"`
		DefaultBus        string            `mapstructure:"default_bus"`
		Rules             map[string]string `mapstructure:"rules"`
		SettleWindowMs    uint16            `mapstructure:"settle_window_ms"`
	} `mapstructure:"routing"`

	Cache struct {
		InactiveTTLSeconds   uint16 `mapstructure:"inactive_ttl_seconds"`
		SweepIntervalSeconds uint16 `mapstructure:"sweep_interval_seconds"`
	} `mapstructure:"cache"`

	PublisherParams struct {
		FastIntervalMs        uint16 `mapstructure:"fast_interval_ms"`
		SlowIntervalMs        uint16 `mapstructure:"slow_interval_ms"`
		IdleTicksBeforeSlow   uint16 `mapstructure:"idle_ticks_before_slow"`
		ForceRepublishTicks   uint16 `mapstructure:"force_republish_ticks"`
		StaleThresholdSeconds uint16 `mapstructure:"stale_threshold_seconds"`
	} `mapstructure:"publisher_params"`
}

// VirtualBus is one configured mixing destination
type VirtualBus struct {
	Name        string `mapstructure:"name"`
	DisplayName string `mapstructure:"display_name"`
	Icon        string `mapstructure:"icon"`
}

const (
	userConfigFilepath = "config.yaml"

	userConfigName     = "config"
	internalConfigName = "mappings"

	userConfigPath = "."

	configType = "yaml"

	configKeyAppMappings = "app_mappings"

	defaultSettleWindowMs   = 200
	defaultInactiveTTLSec   = 300
	defaultSweepIntervalSec = 15
)

var internalConfigPath = path.Join(".", logDirectory)

func defaultVirtualBuses() []VirtualBus {
	return []VirtualBus{
		{Name: "Game", DisplayName: "Game", Icon: "applications-games-symbolic"},
		{Name: "Chat", DisplayName: "Chat", Icon: "user-available-symbolic"},
		{Name: "Media", DisplayName: "Media", Icon: "applications-multimedia-symbolic"},
	}
}

// BusNames returns the configured virtual bus names, the daemon's whitelist
// for which backend sinks are tracked at all
func (c *Config) BusNames() []string {
	names := make([]string, 0, len(c.VirtualBuses))
	for _, bus := range c.VirtualBuses {
		names = append(names, bus.Name)
	}

	return names
}

func (c *Config) InactiveTTL() time.Duration {
	return time.Duration(c.Cache.InactiveTTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalSeconds) * time.Second
}

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	// distinguish between the user-provided config (config.yaml) and the
	// internal mapping store the daemon persists (logs/mappings.yaml)
	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault("routing.enable_auto_routing", true)
	userConfig.SetDefault("routing.default_bus", "Game")
	userConfig.SetDefault("routing.settle_window_ms", defaultSettleWindowMs)
	userConfig.SetDefault("cache.inactive_ttl_seconds", defaultInactiveTTLSec)
	userConfig.SetDefault("cache.sweep_interval_seconds", defaultSweepIntervalSec)
	userConfig.SetDefault("publisher_params.fast_interval_ms", 50)
	userConfig.SetDefault("publisher_params.slow_interval_ms", 1000)
	userConfig.SetDefault("publisher_params.idle_ticks_before_slow", 20)
	userConfig.SetDefault("publisher_params.force_republish_ticks", 30)
	userConfig.SetDefault("publisher_params.stale_threshold_seconds", 30)

	internalConfig := viper.New()
	internalConfig.SetConfigName(internalConfigName)
	internalConfig.SetConfigType(configType)
	internalConfig.AddConfigPath(internalConfigPath)

	cc.userConfig = userConfig
	cc.internalConfig = internalConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// the user config is optional; a daemon with no config file runs with
	// the default bus set
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Infow("Config file not found, using defaults", "path", userConfigFilepath)
	} else if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check busmix's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	// load the internal mapping store - this doesn't have to exist, so it can error
	if err := cc.internalConfig.ReadInConfig(); err != nil {
		cc.logger.Debugw("Viper failed to read internal config", "error", err, "reminder", "this is fine")
	}

	// canonize the configuration with viper's helpers
	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"virtualBuses", cc.current.BusNames(),
		"autoRouting", cc.current.Routing.EnableAutoRouting,
		"defaultBus", cc.current.Routing.DefaultBus)

	return nil
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Debug("No user config file to watch")
		<-cc.stopWatcherChannel
		return
	}

	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

// Mappings returns the persisted app->bus assignments restored at startup
func (cc *ConfigManager) Mappings() map[string]string {
	cc.mappingLock.Lock()
	defer cc.mappingLock.Unlock()

	return cc.internalConfig.GetStringMapString(configKeyAppMappings)
}

// SaveMapping persists a single app->bus assignment so it survives restarts
func (cc *ConfigManager) SaveMapping(appName, busName string) error {
	cc.mappingLock.Lock()
	defer cc.mappingLock.Unlock()

	mappings := cc.internalConfig.GetStringMapString(configKeyAppMappings)
	if mappings == nil {
		mappings = map[string]string{}
	}
	mappings[appName] = busName

	cc.internalConfig.Set(configKeyAppMappings, mappings)

	if err := util.EnsureDirExists(internalConfigPath); err != nil {
		return fmt.Errorf("ensure mapping dir exists: %w", err)
	}

	target := path.Join(internalConfigPath, internalConfigName+"."+configType)
	if err := cc.internalConfig.WriteConfigAs(target); err != nil {
		return fmt.Errorf("write mapping file: %w", err)
	}

	cc.logger.Debugw("Persisted app mapping", "app", appName, "bus", busName)

	return nil
}

func (cc *ConfigManager) populateFromVipers() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	if len(cc.current.VirtualBuses) == 0 {
		cc.current.VirtualBuses = defaultVirtualBuses()
	}

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}
