package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Port             int           `yaml:"port" env:"SWCACHE_PORT"`
	Origin           string        `yaml:"origin" env:"SWCACHE_ORIGIN"`
	CachePrefix      string        `yaml:"cachePrefix" env:"SWCACHE_CACHE_PREFIX"`
	APIMarker        string        `yaml:"apiMarker" env:"SWCACHE_API_MARKER"`
	DynamicEndpoints []string      `yaml:"dynamicEndpoints" env:"SWCACHE_DYNAMIC_ENDPOINTS" envSeparator:","`
	ExternalDomains  []string      `yaml:"externalDomains" env:"SWCACHE_EXTERNAL_DOMAINS" envSeparator:","`
	SystemFiles      []string      `yaml:"systemFiles" env:"SWCACHE_SYSTEM_FILES" envSeparator:","`
	VersionPath      string        `yaml:"versionPath" env:"SWCACHE_VERSION_PATH"`
	ManifestPath     string        `yaml:"manifestPath" env:"SWCACHE_MANIFEST_PATH"`
	ReloadDelay      time.Duration `yaml:"reloadDelay" env:"SWCACHE_RELOAD_DELAY"`
	PollInterval     time.Duration `yaml:"pollInterval" env:"SWCACHE_POLL_INTERVAL"`
	Production       bool          `yaml:"production" env:"SWCACHE_PRODUCTION"`
}

func defaultConfig() Config {
	return Config{
		Port:         8080,
		CachePrefix:  "swcache",
		APIMarker:    "/api/",
		VersionPath:  "/version.json",
		ManifestPath: "manifest.json",
		ReloadDelay:  3 * time.Second,
		PollInterval: time.Minute,
	}
}

// getConfig layers configuration: defaults, then the optional YAML file,
// then environment variables. Flags are applied on top by main.
func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, err
		}
	}
	if err := env.Parse(&config); err != nil {
		return config, fmt.Errorf("parse env: %w", err)
	}
	return config, nil
}
