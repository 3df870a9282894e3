// Package config reads service settings from ONTOUR_* environment variables, optionally
// preloaded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the API process.
type Config struct {
	HTTPAddr  string
	GRPCAddr  string
	AdminAddr string

	AuthSecret []byte
	AuthIssuer string
	AuthLeeway time.Duration

	PGDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RateTiers       string
	RatePolicyFile  string
	RateDefaultTier string

	RBACCacheTTL      time.Duration
	RBACLookupTimeout time.Duration

	IPRatePerSec float64
	IPRateBurst  int
	MaxBodyBytes int64
}

// Load reads the environment. Files are loaded with godotenv first; variables already set in the
// environment win. A missing file is not an error.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from an arbitrary lookup function.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		HTTPAddr:          r.str("ONTOUR_HTTP_ADDR", ":8080"),
		GRPCAddr:          r.str("ONTOUR_GRPC_ADDR", ":9091"),
		AdminAddr:         r.str("ONTOUR_ADMIN_ADDR", "127.0.0.1:9090"),
		AuthSecret:        []byte(r.str("ONTOUR_AUTH_SECRET", "")),
		AuthIssuer:        r.str("ONTOUR_AUTH_ISSUER", ""),
		AuthLeeway:        r.duration("ONTOUR_AUTH_LEEWAY", 30*time.Second),
		PGDSN:             r.str("ONTOUR_PG_DSN", ""),
		RedisAddr:         r.str("ONTOUR_REDIS_ADDR", ""),
		RedisPassword:     r.str("ONTOUR_REDIS_PASSWORD", ""),
		RedisDB:           r.integer("ONTOUR_REDIS_DB", 0),
		RateTiers:         r.str("ONTOUR_RATE_TIERS", ""),
		RatePolicyFile:    r.str("ONTOUR_RATE_POLICY_FILE", ""),
		RateDefaultTier:   r.str("ONTOUR_RATE_DEFAULT_TIER", "free"),
		RBACCacheTTL:      r.duration("ONTOUR_RBAC_CACHE_TTL", time.Minute),
		RBACLookupTimeout: r.duration("ONTOUR_RBAC_LOOKUP_TIMEOUT", 2*time.Second),
		IPRatePerSec:      r.float("ONTOUR_IP_RATE_PER_SEC", 50),
		IPRateBurst:       r.integer("ONTOUR_IP_RATE_BURST", 100),
		MaxBodyBytes:      int64(r.integer("ONTOUR_MAX_BODY_BYTES", 1<<20)),
	}
	if err := errors.Join(r.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that cannot work together.
func (c Config) Validate() error {
	var errs []error
	if len(c.AuthSecret) == 0 {
		errs = append(errs, errors.New("config: ONTOUR_AUTH_SECRET is required"))
	} else if len(c.AuthSecret) < 32 {
		errs = append(errs, errors.New("config: ONTOUR_AUTH_SECRET must be at least 32 bytes"))
	}
	if c.AuthLeeway < 0 {
		errs = append(errs, errors.New("config: ONTOUR_AUTH_LEEWAY must not be negative"))
	}
	if c.RateTiers != "" && c.RatePolicyFile != "" {
		errs = append(errs, errors.New("config: set only one of ONTOUR_RATE_TIERS and ONTOUR_RATE_POLICY_FILE"))
	}
	if c.RBACLookupTimeout <= 0 {
		errs = append(errs, errors.New("config: ONTOUR_RBAC_LOOKUP_TIMEOUT must be positive"))
	}
	if c.IPRatePerSec <= 0 || c.IPRateBurst <= 0 {
		errs = append(errs, errors.New("config: IP rate limit must be positive"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("config: ONTOUR_MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

type reader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *reader) str(key, def string) string {
	if v, ok := r.lookup(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return def
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return f
}
