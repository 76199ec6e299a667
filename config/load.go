package config

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/SouthPatron/reasonchip/errors"
	"github.com/SouthPatron/reasonchip/net/protocol"
)

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load reads the ReasonChip configuration, caching the result for the
// life of the process (see Reset).
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// LoadFromFile loads configuration from one specific file, bypassing the
// layered merge. Defaults still apply to keys the file does not set.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", path)
	}
	return &cfg, nil
}

// Reset clears the cached configuration. Used by tests and the config
// watcher.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
}

// initViper builds the layered viper instance. Precedence, lowest to
// highest: defaults < system < user < project < environment.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("REASONCHIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// setDefaults installs every default so Unmarshal always yields a
// complete record.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.json", false)
	v.SetDefault("log.verbosity", 0)

	v.SetDefault("broker.listeners", protocol.DefaultListeners)
	v.SetDefault("broker.servers", protocol.DefaultServers)
	v.SetDefault("broker.max_runs_per_minute", 0)

	v.SetDefault("worker.broker", protocol.DefaultListeners[0])
	v.SetDefault("worker.tasks", 4)

	v.SetDefault("bus.url", "amqp://localhost")
	v.SetDefault("bus.queue", "")
	v.SetDefault("bus.exchange", "")
	v.SetDefault("bus.routing_key", "")
	v.SetDefault("bus.tasks", 4)

	v.SetDefault("tls.enabled", false)
	v.SetDefault("tls.no_verify", false)
	v.SetDefault("tls.require_client_cert", false)
}

// findProjectConfig walks up from the working directory looking for a
// reasonchip.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, "reasonchip.toml")
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// mergeConfigFiles merges config files in precedence order.
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()

	paths := []string{
		"/etc/reasonchip/config.toml",
		filepath.Join(homeDir, ".reasonchip", "config.toml"),
	}
	if project := findProjectConfig(); project != "" {
		paths = append(paths, project)
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}

		layer := viper.New()
		layer.SetConfigFile(path)
		layer.SetConfigType("toml")
		if err := layer.ReadInConfig(); err != nil {
			continue
		}

		// Sorted keys for deterministic layering.
		settings := layer.AllSettings()
		keys := make([]string, 0, len(settings))
		for key := range settings {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			v.Set(key, settings[key])
		}
	}
}
