package config

import (
	"encoding/hex"
	"errors"
	"net"
	"os"
	"strconv"

	"konnect/libs/go/logging"
)

// ValidationError represents a fatal configuration error
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateStartupConfig checks for configuration inconsistencies and required values.
// Called once at startup after logger init. Logs warnings for non-fatal issues
// and returns an error for fatal misconfigurations.
func ValidateStartupConfig(logger *logging.Logger) error {
	return validate(Get(), logger)
}

func validate(cfg *Config, logger *logging.Logger) error {
	var errs []ValidationError

	// Optional but validate format if set
	if key := cfg.EncryptionKey; key != "" {
		if _, err := hex.DecodeString(key); err != nil {
			errs = append(errs, ValidationError{
				Field:   "ENCRYPTION_MASTER_KEY",
				Message: "must be a valid hex string",
			})
		} else if len(key) != 64 {
			errs = append(errs, ValidationError{
				Field:   "ENCRYPTION_MASTER_KEY",
				Message: "must be exactly 64 hex characters (32 bytes)",
			})
		}
	} else if cfg.DatabaseURL != "" {
		logger.Warn("ENCRYPTION_MASTER_KEY not set, connection secrets will be stored in plaintext")
	}

	if cfg.KnownHostsFile != "" {
		if _, err := os.Stat(cfg.KnownHostsFile); err != nil {
			errs = append(errs, ValidationError{
				Field:   "KNOWN_HOSTS_FILE",
				Message: "file not readable: " + err.Error(),
			})
		}
	} else {
		logger.Warn("KNOWN_HOSTS_FILE not set, remote host keys are accepted without verification")
	}

	if cfg.AuthJWTSecret != "" && len(cfg.AuthJWTSecret) < 32 {
		logger.Warn("AUTH_JWT_SECRET is shorter than 32 bytes")
	}

	if !cfg.AuthEnabled() && !cfg.LocalMode && !isLoopback(cfg.ListenAddr) {
		errs = append(errs, ValidationError{
			Field:   "KONNECT_ADDR",
			Message: "binding a non-loopback address requires AUTH_JWT_SECRET or AUTH_JWKS_URL",
		})
	}

	for _, key := range []string{"MFA_TIMEOUT_SECONDS", "MFA_MAX_ROUNDS", "KEEPALIVE_INTERVAL_SECONDS", "KEEPALIVE_MAX"} {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err != nil || n < 0 {
				logger.Warn(key+" is not a valid non-negative integer, using default", "value", v)
			}
		}
	}

	if len(errs) > 0 {
		// Log all errors for visibility
		for _, e := range errs {
			logger.Error("configuration error", "field", e.Field, "message", e.Message)
		}
		return errors.New("startup validation failed: " + strconv.Itoa(len(errs)) + " configuration error(s)")
	}

	logger.Info("startup configuration validated",
		"listen_addr", cfg.ListenAddr,
		"store", storeKind(cfg),
		"auth", cfg.AuthEnabled(),
	)
	return nil
}

func storeKind(cfg *Config) string {
	if cfg.DatabaseURL != "" {
		return "postgres"
	}
	return "file"
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
