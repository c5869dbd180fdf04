package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/eddielth/flowguard-bridge/logger"
)

// ChangeCallback is invoked with the freshly parsed config after the file changes.
type ChangeCallback func(cfg *Config) error

// envBindings maps config keys to the variable names the field devices'
// deployment scripts already export.
var envBindings = map[string]string{
	"mqtt.host":                   "MQTT_BROKER",
	"mqtt.port":                   "MQTT_PORT",
	"mqtt.topic":                  "MQTT_TOPIC",
	"mqtt.username":               "MQTT_USER",
	"mqtt.password":               "MQTT_PASS",
	"storage.mongodb.user":        "MONGO_USER",
	"storage.mongodb.password":    "MONGO_PASS",
	"storage.mongodb.host":        "MONGO_HOST",
	"storage.mongodb.port":        "MONGO_PORT",
	"storage.mongodb.database":    "MONGO_DB",
	"storage.mongodb.auth_source": "MONGO_AUTH_SOURCE",
	"storage.mongodb.uri":         "MONGO_URI",
	"logger.level":                "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.topic", "flowguard")
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.keep_alive", 60*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.subscribe_timeout", 5*time.Second)
	v.SetDefault("mqtt.queue_size", 64)
	v.SetDefault("mqtt.reconnect.initial_interval", time.Second)
	v.SetDefault("mqtt.reconnect.max_interval", 30*time.Second)
	v.SetDefault("mqtt.reconnect.multiplier", 2.0)

	v.SetDefault("storage.collection", "SensorData")
	v.SetDefault("storage.write_timeout", 5*time.Second)
	v.SetDefault("storage.mongodb.enabled", true)
	v.SetDefault("storage.mongodb.port", 27017)
	v.SetDefault("storage.mongodb.auth_source", "admin")
	v.SetDefault("storage.mongodb.connect_timeout", 10*time.Second)
	v.SetDefault("storage.database.table", "sensor_data")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
}

// Loader reads the config file and environment into a Config.
type Loader struct {
	v    *viper.Viper
	path string
}

// NewLoader creates a loader for configPath. An empty path reads only
// defaults and environment variables.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		_ = v.BindEnv(key, "BRIDGE_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	return &Loader{v: v, path: configPath}
}

// LoadConfig loads configuration from the given path
func LoadConfig(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}

// Load reads, decodes and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if l.path != "" {
		l.v.SetConfigFile(l.path)
		l.v.SetConfigType("yaml")
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.path, err)
		}
	}

	cfg, err := l.decode()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// LoadDotEnv exports the variables in path without overriding ones already
// set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := gotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Watch reloads the config file on write and hands it to callback.
func (l *Loader) Watch(callback ChangeCallback) error {
	if l.path == "" {
		return errors.New("no config file to watch")
	}

	absPath, err := filepath.Abs(l.path)
	if err != nil {
		return err
	}
	l.v.SetConfigFile(absPath)

	// debounce editors that write a file several times in a row
	var (
		mu               sync.Mutex
		lastChangeTime   time.Time
		debounceInterval = 2 * time.Second
	)

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}

		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("config file changed: %s", e.Name)

		newCfg, err := l.decode()
		if err != nil {
			logger.Error("failed to parse updated config: %v", err)
			return
		}
		if err := newCfg.Validate(); err != nil {
			logger.Error("updated config rejected: %v", err)
			return
		}

		if err := callback(newCfg); err != nil {
			logger.Error("failed to apply new config: %v", err)
			return
		}

		logger.Info("config reloaded")
	})
	l.v.WatchConfig()

	return nil
}
