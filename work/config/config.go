package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the credential-multiplexing
// stream proxy. It covers the HTTP listener, the SQLite store, the multiplexer's
// buffering and timeout knobs, and operational settings such as logging and URL
// obfuscation.
type Config struct {
	ListenAddr             string        `json:"listenAddr"`             // Address the HTTP server binds to (e.g. ":8080")
	BaseURL                string        `json:"baseURL"`                // Base URL for the application (used for links in admin responses)
	DatabasePath           string        `json:"databasePath"`           // Path to the SQLite database file
	ChunkSize              int           `json:"chunkSize"`              // Upstream read chunk size in bytes
	SubscriberQueueDepth   int           `json:"subscriberQueueDepth"`   // Max chunks buffered per subscriber before it is dropped
	UpstreamConnectTimeout time.Duration `json:"upstreamConnectTimeout"` // Budget for establishing the upstream connection and receiving headers
	UpstreamReadTimeout    time.Duration `json:"upstreamReadTimeout"`    // Max time between upstream chunks (not total stream duration)
	StreamIdleTimeout      time.Duration `json:"streamIdleTimeout"`      // How long a zero-subscriber stream stays alive before reclamation
	SubscriberWaitTimeout  time.Duration `json:"subscriberWaitTimeout"`  // How long a chunk pull waits before re-checking stream health
	ReclaimInterval        time.Duration `json:"reclaimInterval"`        // Period of the registry's background reclamation sweep
	StaleSessionTimeout    time.Duration `json:"staleSessionTimeout"`    // Session inactivity threshold for admission-side cleanup
	AccountCacheTTL        time.Duration `json:"accountCacheTTL"`        // TTL for cached account rows on the stream hot path
	WorkerThreads          int           `json:"workerThreads"`          // Size of the background maintenance worker pool
	UpstreamAttemptsPerSec int           `json:"upstreamAttemptsPerSec"` // Per-account rate limit on new upstream connection attempts
	DefaultUserAgent       string        `json:"defaultUserAgent"`       // User-Agent for upstream requests when the account has none
	Debug                  bool          `json:"debug"`                  // Enable debug logging
	ObfuscateUrls          bool          `json:"obfuscateUrls"`          // Obfuscate non-credential URLs in logs
	LogLevel               string        `json:"logLevel"`               // Minimum log level: DEBUG, INFO, WARN, ERROR
}

// ConfigFile represents the JSON file structure for unmarshaling configuration.
// Duration fields are stored as strings (e.g. "30s") and parsed into time.Duration.
type ConfigFile struct {
	ListenAddr             string `json:"listenAddr"`
	BaseURL                string `json:"baseURL"`
	DatabasePath           string `json:"databasePath"`
	ChunkSize              int    `json:"chunkSize"`
	SubscriberQueueDepth   int    `json:"subscriberQueueDepth"`
	UpstreamConnectTimeout string `json:"upstreamConnectTimeout"` // Duration string (e.g. "60s")
	UpstreamReadTimeout    string `json:"upstreamReadTimeout"`    // Duration string (e.g. "120s")
	StreamIdleTimeout      string `json:"streamIdleTimeout"`      // Duration string (e.g. "30s")
	SubscriberWaitTimeout  string `json:"subscriberWaitTimeout"`  // Duration string (e.g. "5s")
	ReclaimInterval        string `json:"reclaimInterval"`        // Duration string (e.g. "1s")
	StaleSessionTimeout    string `json:"staleSessionTimeout"`    // Duration string (e.g. "30s")
	AccountCacheTTL        string `json:"accountCacheTTL"`        // Duration string (e.g. "10s")
	WorkerThreads          int    `json:"workerThreads"`
	UpstreamAttemptsPerSec int    `json:"upstreamAttemptsPerSec"`
	DefaultUserAgent       string `json:"defaultUserAgent"`
	Debug                  bool   `json:"debug"`
	ObfuscateUrls          bool   `json:"obfuscateUrls"`
	LogLevel               string `json:"logLevel"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// defaultConfigPath is where LoadConfig looks when CONFIG_PATH is unset.
const defaultConfigPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Reads the path from the CONFIG_PATH environment variable, falling back
//     to /settings/config.json.
//   - Falls back to the default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	// Ensure safe defaults for missing values
	validateAndSetDefaults(config)

	configCache = config
	return config
}

// ClearConfigCache resets the configCache to nil, forcing a reload on the next
// LoadConfig() call.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var configFile ConfigFile
	if err := json.Unmarshal(data, &configFile); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&configFile)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
// Empty duration strings are left at zero and filled in by validateAndSetDefaults.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	config := &Config{
		ListenAddr:             cf.ListenAddr,
		BaseURL:                cf.BaseURL,
		DatabasePath:           cf.DatabasePath,
		ChunkSize:              cf.ChunkSize,
		SubscriberQueueDepth:   cf.SubscriberQueueDepth,
		WorkerThreads:          cf.WorkerThreads,
		UpstreamAttemptsPerSec: cf.UpstreamAttemptsPerSec,
		DefaultUserAgent:       cf.DefaultUserAgent,
		Debug:                  cf.Debug,
		ObfuscateUrls:          cf.ObfuscateUrls,
		LogLevel:               cf.LogLevel,
	}

	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"upstreamConnectTimeout", cf.UpstreamConnectTimeout, &config.UpstreamConnectTimeout},
		{"upstreamReadTimeout", cf.UpstreamReadTimeout, &config.UpstreamReadTimeout},
		{"streamIdleTimeout", cf.StreamIdleTimeout, &config.StreamIdleTimeout},
		{"subscriberWaitTimeout", cf.SubscriberWaitTimeout, &config.SubscriberWaitTimeout},
		{"reclaimInterval", cf.ReclaimInterval, &config.ReclaimInterval},
		{"staleSessionTimeout", cf.StaleSessionTimeout, &config.StaleSessionTimeout},
		{"accountCacheTTL", cf.AccountCacheTTL, &config.AccountCacheTTL},
	}

	for _, d := range durations {
		if d.src == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.src)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return config, nil
}

// getDefaultConfig returns a baseline configuration with sensible defaults
// when no file is present.
func getDefaultConfig() *Config {
	return &Config{
		ListenAddr:             ":8080",
		BaseURL:                "http://localhost:8080",
		DatabasePath:           "/data/iptv-mux.db",
		ChunkSize:              64 * 1024,
		SubscriberQueueDepth:   50,
		UpstreamConnectTimeout: 60 * time.Second,
		UpstreamReadTimeout:    120 * time.Second,
		StreamIdleTimeout:      30 * time.Second,
		SubscriberWaitTimeout:  5 * time.Second,
		ReclaimInterval:        time.Second,
		StaleSessionTimeout:    30 * time.Second,
		AccountCacheTTL:        10 * time.Second,
		WorkerThreads:          8,
		UpstreamAttemptsPerSec: 5,
		DefaultUserAgent:       "okhttp/3.14.9",
		Debug:                  false,
		ObfuscateUrls:          false,
		LogLevel:               "INFO",
	}
}

// validateAndSetDefaults ensures all config values are valid, filling in
// defaults for missing or invalid ones.
func validateAndSetDefaults(config *Config) {
	if config.ListenAddr == "" {
		config.ListenAddr = ":8080"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.DatabasePath == "" {
		config.DatabasePath = "/data/iptv-mux.db"
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = 64 * 1024
	}
	if config.SubscriberQueueDepth <= 0 {
		config.SubscriberQueueDepth = 50
	}
	if config.UpstreamConnectTimeout <= 0 {
		config.UpstreamConnectTimeout = 60 * time.Second
	}
	if config.UpstreamReadTimeout <= 0 {
		config.UpstreamReadTimeout = 120 * time.Second
	}
	if config.StreamIdleTimeout <= 0 {
		config.StreamIdleTimeout = 30 * time.Second
	}
	if config.SubscriberWaitTimeout <= 0 {
		config.SubscriberWaitTimeout = 5 * time.Second
	}
	if config.ReclaimInterval <= 0 {
		config.ReclaimInterval = time.Second
	}
	if config.StaleSessionTimeout <= 0 {
		config.StaleSessionTimeout = 30 * time.Second
	}
	if config.AccountCacheTTL <= 0 {
		config.AccountCacheTTL = 10 * time.Second
	}
	if config.WorkerThreads <= 0 {
		config.WorkerThreads = 8
	}
	if config.UpstreamAttemptsPerSec <= 0 {
		config.UpstreamAttemptsPerSec = 5
	}
	if config.DefaultUserAgent == "" {
		config.DefaultUserAgent = "okhttp/3.14.9"
	}
	if config.LogLevel == "" {
		if config.Debug {
			config.LogLevel = "DEBUG"
		} else {
			config.LogLevel = "INFO"
		}
	}
}

// Default returns a fully defaulted configuration without touching the file
// system or the singleton cache. Intended for tests and embedded use.
func Default() *Config {
	cfg := getDefaultConfig()
	validateAndSetDefaults(cfg)
	return cfg
}

// CreateExampleConfig writes an example config file to the given path.
func CreateExampleConfig(path string) error {
	example := ConfigFile{
		ListenAddr:             ":8080",
		BaseURL:                "http://localhost:8080",
		DatabasePath:           "/data/iptv-mux.db",
		ChunkSize:              64 * 1024,
		SubscriberQueueDepth:   50,
		UpstreamConnectTimeout: "60s",
		UpstreamReadTimeout:    "120s",
		StreamIdleTimeout:      "30s",
		SubscriberWaitTimeout:  "5s",
		ReclaimInterval:        "1s",
		StaleSessionTimeout:    "30s",
		AccountCacheTTL:        "10s",
		WorkerThreads:          8,
		UpstreamAttemptsPerSec: 5,
		DefaultUserAgent:       "okhttp/3.14.9",
		Debug:                  false,
		ObfuscateUrls:          true,
		LogLevel:               "INFO",
	}

	data, err := json.MarshalIndent(example, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
