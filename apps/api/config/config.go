package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	DefaultListenAddr        = "127.0.0.1:7681"
	DefaultMFATimeout        = 120 * time.Second
	DefaultKeepAliveInterval = 30 * time.Second
	DefaultKeepAliveMax      = 6
)

var (
	once   sync.Once
	config *Config
)

type Config struct {
	ListenAddr string
	ConfigDir  string

	// DatabaseURL selects the Postgres profile store when set.
	DatabaseURL   string
	EncryptionKey string

	AuthJWTSecret string
	AuthJWKSURL   string

	DefaultShell string

	MFATimeout   time.Duration
	MFAMaxRounds int

	KeepAliveInterval time.Duration
	KeepAliveMax      int

	// KnownHostsFile switches host key checking from accept-and-log to
	// known_hosts verification.
	KnownHostsFile string

	AllowedOrigins []string
	LocalMode      bool
}

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		config = Load()
	})
	return config
}

// Load reads the configuration from the environment. Malformed numbers fall
// back to their defaults; ValidateStartupConfig reports them.
func Load() *Config {
	return &Config{
		ListenAddr:        getEnv("KONNECT_ADDR", DefaultListenAddr),
		ConfigDir:         getEnv("KONNECT_CONFIG_DIR", defaultConfigDir()),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		EncryptionKey:     os.Getenv("ENCRYPTION_MASTER_KEY"),
		AuthJWTSecret:     os.Getenv("AUTH_JWT_SECRET"),
		AuthJWKSURL:       os.Getenv("AUTH_JWKS_URL"),
		DefaultShell:      getEnv("KONNECT_SHELL", defaultShell()),
		MFATimeout:        getSeconds("MFA_TIMEOUT_SECONDS", DefaultMFATimeout),
		MFAMaxRounds:      getInt("MFA_MAX_ROUNDS", 0),
		KeepAliveInterval: getSeconds("KEEPALIVE_INTERVAL_SECONDS", DefaultKeepAliveInterval),
		KeepAliveMax:      getInt("KEEPALIVE_MAX", DefaultKeepAliveMax),
		KnownHostsFile:    os.Getenv("KNOWN_HOSTS_FILE"),
		AllowedOrigins:    splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:*,http://127.0.0.1:*")),
		LocalMode:         os.Getenv("LOCAL_MODE") == "true",
	}
}

// IsLocalMode returns true if LOCAL_MODE is enabled
func IsLocalMode() bool {
	return Get().LocalMode
}

// AuthEnabled reports whether the transport requires bearer tokens.
func (c *Config) AuthEnabled() bool {
	return c.AuthJWTSecret != "" || c.AuthJWKSURL != ""
}

func defaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "konnect")
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "konnect")
	}
	return ".konnect"
}

func defaultShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n < 0 {
		return defaultValue
	}
	return n
}

func getSeconds(key string, defaultValue time.Duration) time.Duration {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return defaultValue
	}
	return time.Duration(n) * time.Second
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
