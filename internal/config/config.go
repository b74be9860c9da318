// Package config provides configuration loading and management for the secure media gateway.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// godotenv.Load does not override variables that are already set, so the process
// environment always takes precedence over the files.
func init() {
	// Load .env file if it exists (shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Delivery modes understood by the gateway.
const (
	DeliveryXAccel = "xaccel" // Hand off to the reverse proxy via X-Accel-Redirect
	DeliveryDirect = "direct" // Stream from SMG_MEDIA_ROOT
	DeliveryS3     = "s3"     // Stream from an S3-compatible bucket
)

// Config captures environment-driven settings for the gateway.
type Config struct {
	Env         string // Deployment environment (dev, staging, prod)
	Port        string // HTTP server port
	DatabaseDSN string // Metadata store connection string (PostgreSQL); empty uses memory
	NATSURL     string // NATS server URL for invalidation signals

	// Cache backend
	RedisAddr      string        // Redis address; empty uses the in-process cache
	RedisPassword  string        // Redis password
	RedisDB        int           // Redis database number
	CacheOpTimeout time.Duration // Deadline for a single cache operation

	// Cache lifetimes
	PathCacheTTL       time.Duration // Forward path cache and reverse index
	PermissionCacheTTL time.Duration // Permission and elevated-access decisions
	RestrictedCacheTTL time.Duration // Decisions keyed by password material
	VersionTTL         time.Duration // Version counters

	ElevatedRoles []string // Roles that grant elevated access to every asset

	// Delivery
	MediaRoot    string // Filesystem root of stored media
	DeliveryMode string // xaccel, direct or s3
	XAccelPrefix string // Internal location served by the reverse proxy
	S3Endpoint   string // S3-compatible storage endpoint
	S3Region     string // S3 region
	S3Bucket     string // S3 bucket name
	S3AccessKey  string // S3 access key
	S3SecretKey  string // S3 secret key

	// Caller identity
	JWTIssuer     string // Expected issuer; empty treats every caller as anonymous
	JWTAudience   string // Expected audience
	JWKSURL       string // JWKS endpoint; defaults to {issuer}/.well-known/jwks.json
	IdentityURL   string // Identity service used to look up caller roles
	SessionSecret string // HMAC secret for password session markers
}

// Default configuration values used when environment variables are not set
const (
	defaultPort               = "8080"
	defaultEnv                = "dev"
	defaultS3Region           = "us-east-1"
	defaultCacheOpTimeout     = 150 * time.Millisecond
	defaultPathCacheTTL       = 5 * time.Minute
	defaultPermissionCacheTTL = 5 * time.Minute
	defaultRestrictedCacheTTL = time.Minute
	defaultVersionTTL         = 7 * 24 * time.Hour
	defaultMediaRoot          = "/var/lib/securemedia"
	defaultXAccelPrefix       = "/internal/media/"
	defaultElevatedRoles      = "editor,manager,curator"
)

// Load reads environment variables and produces a Config suitable for wiring the gateway.
// Returns an error if a value cannot be parsed or the combination is inconsistent.
func Load() (Config, error) {
	cfg := Config{
		Env:           getEnv("SMG_ENV", defaultEnv),
		Port:          getEnv("SMG_PORT", defaultPort),
		DatabaseDSN:   os.Getenv("SMG_DB_DSN"),
		NATSURL:       os.Getenv("SMG_NATS_URL"),
		RedisAddr:     os.Getenv("SMG_REDIS_ADDR"),
		RedisPassword: os.Getenv("SMG_REDIS_PASSWORD"),
		MediaRoot:     getEnv("SMG_MEDIA_ROOT", defaultMediaRoot),
		DeliveryMode:  strings.ToLower(getEnv("SMG_DELIVERY_MODE", DeliveryXAccel)),
		XAccelPrefix:  getEnv("SMG_XACCEL_PREFIX", defaultXAccelPrefix),
		S3Endpoint:    os.Getenv("SMG_S3_ENDPOINT"),
		S3Region:      getEnv("SMG_S3_REGION", defaultS3Region),
		S3Bucket:      os.Getenv("SMG_S3_BUCKET"),
		S3AccessKey:   os.Getenv("SMG_S3_ACCESS_KEY"),
		S3SecretKey:   os.Getenv("SMG_S3_SECRET_KEY"),
		JWTIssuer:     os.Getenv("SMG_JWT_ISSUER"),
		JWTAudience:   os.Getenv("SMG_JWT_AUDIENCE"),
		JWKSURL:       os.Getenv("SMG_JWKS_URL"),
		IdentityURL:   os.Getenv("SMG_IDENTITY_URL"),
		SessionSecret: os.Getenv("SMG_SESSION_SECRET"),
		ElevatedRoles: splitList(getEnv("SMG_ELEVATED_ROLES", defaultElevatedRoles)),
	}

	if v, exists := os.LookupEnv("SMG_REDIS_DB"); exists && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("SMG_REDIS_DB: %w", err)
		}
		cfg.RedisDB = db
	}

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SMG_CACHE_OP_TIMEOUT", defaultCacheOpTimeout, &cfg.CacheOpTimeout},
		{"SMG_PATH_CACHE_TTL", defaultPathCacheTTL, &cfg.PathCacheTTL},
		{"SMG_PERMISSION_CACHE_TTL", defaultPermissionCacheTTL, &cfg.PermissionCacheTTL},
		{"SMG_RESTRICTED_CACHE_TTL", defaultRestrictedCacheTTL, &cfg.RestrictedCacheTTL},
		{"SMG_VERSION_TTL", defaultVersionTTL, &cfg.VersionTTL},
	}
	for _, d := range durations {
		v, err := getDuration(d.key, d.fallback)
		if err != nil {
			return cfg, err
		}
		*d.dst = v
	}

	if cfg.JWKSURL == "" && cfg.JWTIssuer != "" {
		cfg.JWKSURL = strings.TrimSuffix(cfg.JWTIssuer, "/") + "/.well-known/jwks.json"
	}

	// Validate
	switch cfg.DeliveryMode {
	case DeliveryXAccel, DeliveryDirect:
	case DeliveryS3:
		if cfg.S3Bucket == "" {
			return cfg, fmt.Errorf("SMG_S3_BUCKET is required when SMG_DELIVERY_MODE=s3")
		}
	default:
		return cfg, fmt.Errorf("SMG_DELIVERY_MODE must be one of xaccel, direct, s3; got %q", cfg.DeliveryMode)
	}

	if cfg.RestrictedCacheTTL >= cfg.PermissionCacheTTL {
		return cfg, fmt.Errorf("SMG_RESTRICTED_CACHE_TTL (%s) must be shorter than SMG_PERMISSION_CACHE_TTL (%s)", cfg.RestrictedCacheTTL, cfg.PermissionCacheTTL)
	}

	for _, ttl := range []time.Duration{cfg.PathCacheTTL, cfg.PermissionCacheTTL} {
		if cfg.VersionTTL <= ttl {
			return cfg, fmt.Errorf("SMG_VERSION_TTL (%s) must exceed every dependent cache TTL", cfg.VersionTTL)
		}
	}

	if cfg.JWTIssuer != "" && cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("SMG_JWT_AUDIENCE is required when SMG_JWT_ISSUER is set")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// getDuration parses a Go duration from the environment.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, exists := os.LookupEnv(key)
	if !exists || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

// splitList splits a comma separated list, trimming whitespace and dropping empties.
func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
