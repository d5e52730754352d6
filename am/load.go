package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/herald/errors"
)

// EnvPrefix prefixes every environment override (HERALD_DISPATCH_TEST_MODE=true).
const EnvPrefix = "HERALD"

var (
	loadMu         sync.Mutex
	globalConfig   *Config
	viperInstance  *viper.Viper
	activeFilePath string

	// ConfigSources records which file supplied each key during the last load.
	ConfigSources = map[string]SourceInfo{}
)

// Load reads the herald configuration using Viper
func Load() (*Config, error) {
	loadMu.Lock()
	defer loadMu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	loadMu.Lock()
	defer loadMu.Unlock()
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads defaults plus one specific file, ignoring the cascade
// and the environment.
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal config from %s", configPath)
	}
	return &config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	loadMu.Lock()
	defer loadMu.Unlock()
	globalConfig = nil
	viperInstance = nil
	activeFilePath = ""
	ConfigSources = map[string]SourceInfo{}
}

// ActiveConfigFile returns the highest-precedence config file that was
// loaded, or "" when only defaults and environment apply.
func ActiveConfigFile() string {
	loadMu.Lock()
	defer loadMu.Unlock()
	initViper()
	return activeFilePath
}

// initViper initializes Viper with configuration sources and defaults.
// Callers hold loadMu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	BindSensitiveEnvVars(v)

	SetDefaults(v)

	// system -> user -> project; env vars win over all of them
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// UserConfigDir returns ~/.herald.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".herald")
}

// findProjectConfig searches for herald.toml by walking up the directory tree
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, "herald.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

type configLayer struct {
	path   string
	source ConfigSource
}

func configLayers() []configLayer {
	layers := []configLayer{{path: "/etc/herald/config.toml", source: SourceSystem}}
	if dir := UserConfigDir(); dir != "" {
		layers = append(layers, configLayer{path: filepath.Join(dir, "config.toml"), source: SourceUser})
	}
	if project := findProjectConfig(); project != "" {
		layers = append(layers, configLayer{path: project, source: SourceProject})
	}
	return layers
}

// mergeConfigFiles merges configuration files in precedence order,
// recording the source of every key.
func mergeConfigFiles(v *viper.Viper) {
	for _, layer := range configLayers() {
		if _, err := os.Stat(layer.path); err != nil {
			continue
		}
		tempViper := viper.New()
		tempViper.SetConfigFile(layer.path)
		tempViper.SetConfigType("toml")
		if err := tempViper.ReadInConfig(); err != nil {
			continue
		}

		// MergeConfigMap keeps file values below env overrides; v.Set would not
		if err := v.MergeConfigMap(tempViper.AllSettings()); err != nil {
			continue
		}
		for _, key := range tempViper.AllKeys() {
			ConfigSources[key] = SourceInfo{Source: layer.source, Path: layer.path}
		}
		activeFilePath = layer.path
	}
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	return GetViper().GetString(key)
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}
