// Package config loads and validates the security core's runtime
// configuration. In production it fails fast rather than start with a
// placeholder secret or an insecure default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration for the security core.
type Config struct {
	Environment string // "development", "staging", "production"

	MasterDBURL string
	CacheURL    string

	JWTSecret        string
	AESEncryptionKey string // hex-encoded 32 bytes

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	Argon2MemoryCost  uint32 // KiB
	Argon2TimeCost    uint32
	Argon2Parallelism uint8

	AllowPublicRegistration bool
	CORSAllowedOrigins      []string

	PasswordResetMaxPerHour int
	LoginMaxAttemptsPerHour int

	LockoutThreshold int
	LockoutDuration  time.Duration
}

// placeholderMarkers are substrings that indicate a secret was never
// actually configured and a template/default value leaked into production.
var placeholderMarkers = []string{
	"ERROR_",
	"INSECURE_DEFAULT",
	"CHANGE_THIS",
	"NOT_SET",
	"CHECK_ENVIRONMENT",
	"PLACEHOLDER",
}

// Load reads configuration from the environment, loading a local .env
// file first when present (development convenience only).
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment:             getEnv("ENVIRONMENT", "development"),
		MasterDBURL:             os.Getenv("MASTER_DB_URL"),
		CacheURL:                os.Getenv("CACHE_URL"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		AESEncryptionKey:        os.Getenv("AES_ENCRYPTION_KEY"),
		AccessTokenTTL:          getEnvAsSeconds("ACCESS_TOKEN_TTL_SECONDS", 15*time.Minute),
		RefreshTokenTTL:         getEnvAsSeconds("REFRESH_TOKEN_TTL_SECONDS", 30*24*time.Hour),
		Argon2MemoryCost:        uint32(getEnvAsInt("ARGON2_MEMORY_COST", 65536)),
		Argon2TimeCost:          uint32(getEnvAsInt("ARGON2_TIME_COST", 3)),
		Argon2Parallelism:       uint8(getEnvAsInt("ARGON2_PARALLELISM", 4)),
		AllowPublicRegistration: getEnvAsBool("ALLOW_PUBLIC_REGISTRATION", false),
		CORSAllowedOrigins:      splitCSV(os.Getenv("CORS_ALLOWED_ORIGINS")),
		PasswordResetMaxPerHour: getEnvAsInt("PASSWORD_RESET_MAX_PER_HOUR", 5),
		LoginMaxAttemptsPerHour: getEnvAsInt("LOGIN_MAX_ATTEMPTS_PER_HOUR", 20),
		LockoutThreshold:        getEnvAsInt("LOCKOUT_THRESHOLD", 5),
		LockoutDuration:         getEnvAsSeconds("LOCKOUT_DURATION_SECONDS", 15*time.Minute),
	}

	if cfg.AccessTokenTTL < time.Second || cfg.AccessTokenTTL > 24*time.Hour {
		return Config{}, fmt.Errorf("config: ACCESS_TOKEN_TTL_SECONDS must be between 1 and 86400")
	}
	if cfg.RefreshTokenTTL <= cfg.AccessTokenTTL {
		return Config{}, fmt.Errorf("config: REFRESH_TOKEN_TTL_SECONDS must exceed ACCESS_TOKEN_TTL_SECONDS")
	}

	if cfg.Environment == "production" {
		if err := cfg.validateProductionSecurity(); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

// validateProductionSecurity mirrors the original system's fail-fast
// checks: no placeholder secrets, no wildcard CORS, no open registration.
func (c Config) validateProductionSecurity() error {
	type field struct {
		name  string
		value string
	}
	secrets := []field{
		{"JWT_SECRET", c.JWTSecret},
		{"AES_ENCRYPTION_KEY", c.AESEncryptionKey},
		{"MASTER_DB_URL", c.MasterDBURL},
		{"CACHE_URL", c.CacheURL},
	}
	for _, f := range secrets {
		if f.value == "" {
			return fmt.Errorf("config: %s must be set in production", f.name)
		}
		upper := strings.ToUpper(f.value)
		for _, marker := range placeholderMarkers {
			if strings.Contains(upper, marker) {
				return fmt.Errorf("config: %s contains placeholder marker %q, refusing to start in production", f.name, marker)
			}
		}
	}

	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("config: JWT_SECRET must be at least 32 bytes (256 bits) in production")
	}

	for _, origin := range c.CORSAllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("config: CORS_ALLOWED_ORIGINS must not contain a wildcard in production")
		}
	}

	if c.Argon2MemoryCost < 65536 {
		return fmt.Errorf("config: ARGON2_MEMORY_COST must be at least 65536 KiB in production")
	}
	if c.Argon2TimeCost < 3 {
		return fmt.Errorf("config: ARGON2_TIME_COST must be at least 3 in production")
	}

	if c.AllowPublicRegistration {
		return fmt.Errorf("config: ALLOW_PUBLIC_REGISTRATION must be false in production")
	}

	return nil
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsBool(name string, defaultVal bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func getEnvAsInt(name string, defaultVal int) int {
	v := os.Getenv(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvAsSeconds(name string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(n) * time.Second
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
