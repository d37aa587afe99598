// Package config resolves client settings once, with explicit precedence:
// URI query override > environment variable > compiled-in default.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/gristql/gristql/grist"
)

// ErrInvalidConfig wraps all validation failures.
var ErrInvalidConfig = errors.New("config: invalid configuration")

const defaultCacheFilename = "gristql_cache.sqlite"

// CacheSettings mirrors grist.CacheConfig with env bindings. TTL query
// overrides are given in whole seconds.
type CacheSettings struct {
	Enabled     bool          `env:"GRIST_CACHE_ENABLED" envDefault:"true"`
	MetadataTTL time.Duration `env:"GRIST_CACHE_METADATA_TTL" envDefault:"300s"`
	RecordsTTL  time.Duration `env:"GRIST_CACHE_RECORDS_TTL" envDefault:"0"`
	MaxSize     int           `env:"GRIST_CACHE_MAXSIZE" envDefault:"1024"`
	Backend     string        `env:"GRIST_CACHE_BACKEND" envDefault:"memory"`
	Dir         string        `env:"GRIST_CACHE_DIR"`
	Filename    string        `env:"GRIST_CACHE_FILENAME"`
}

// Settings is the validated configuration surface consumed at client
// construction.
type Settings struct {
	Server    string `env:"GRIST_SERVER"`
	APIKey    string `env:"GRIST_API_KEY"`
	OrgID     int64  `env:"GRIST_ORG_ID"`
	UserAgent string `env:"GRIST_USER_AGENT"`
	Cache     CacheSettings
}

// FromEnv reads settings from GRIST_* environment variables over the
// compiled-in defaults.
func FromEnv() (Settings, error) {
	var s Settings
	if err := env.Parse(&s); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return s, nil
}

// Apply folds URI query-string overrides into s. Unknown keys are ignored;
// malformed values fail rather than silently falling back.
func (s *Settings) Apply(qs url.Values) error {
	if v := qs.Get("server"); v != "" {
		s.Server = v
	}
	if v := qs.Get("api_key"); v != "" {
		s.APIKey = v
	}
	if v := qs.Get("org_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: org_id %q", ErrInvalidConfig, v)
		}
		s.OrgID = id
	}
	if v := qs.Get("enabled"); v != "" {
		s.Cache.Enabled = parseBool(v)
	}
	if v := qs.Get("metadata_ttl"); v != "" {
		ttl, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%w: metadata_ttl %q", ErrInvalidConfig, v)
		}
		s.Cache.MetadataTTL = ttl
	}
	if v := qs.Get("records_ttl"); v != "" {
		ttl, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("%w: records_ttl %q", ErrInvalidConfig, v)
		}
		s.Cache.RecordsTTL = ttl
	}
	if v := qs.Get("maxsize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: maxsize %q", ErrInvalidConfig, v)
		}
		s.Cache.MaxSize = n
	}
	if v := qs.Get("backend"); v != "" {
		s.Cache.Backend = v
	}
	if v := qs.Get("filename"); v != "" {
		s.Cache.Filename = v
	}
	return nil
}

// Validate checks the resolved settings once; call after all overrides are
// applied.
func (s *Settings) Validate() error {
	if s.Server == "" {
		return fmt.Errorf("%w: server URL required (GRIST_SERVER)", ErrInvalidConfig)
	}
	if s.APIKey == "" {
		return fmt.Errorf("%w: API key required (GRIST_API_KEY)", ErrInvalidConfig)
	}
	switch s.Cache.Backend {
	case grist.BackendMemory, grist.BackendSQLite, "":
	default:
		return fmt.Errorf("%w: unknown cache backend %q", ErrInvalidConfig, s.Cache.Backend)
	}
	if s.Cache.MaxSize <= 0 {
		return fmt.Errorf("%w: cache maxsize must be positive", ErrInvalidConfig)
	}
	// Filenames stay inside the cache directory.
	if f := s.Cache.Filename; f != "" {
		if f != filepath.Base(f) || strings.ContainsAny(f, `/\`) {
			return fmt.Errorf("%w: cache filename %q must not contain directories", ErrInvalidConfig, f)
		}
	}
	return nil
}

// ClientConfig materializes the grist.Config, resolving the sqlite cache
// path when that backend is selected.
func (s *Settings) ClientConfig() (grist.Config, error) {
	if err := s.Validate(); err != nil {
		return grist.Config{}, err
	}
	cfg := grist.Config{
		Server:    strings.TrimRight(s.Server, "/"),
		APIKey:    s.APIKey,
		UserAgent: s.UserAgent,
		Cache: grist.CacheConfig{
			Enabled:     s.Cache.Enabled,
			MetadataTTL: s.Cache.MetadataTTL,
			RecordsTTL:  s.Cache.RecordsTTL,
			MaxSize:     s.Cache.MaxSize,
			Backend:     s.Cache.Backend,
		},
	}
	if s.Cache.Backend == grist.BackendSQLite {
		dir := s.Cache.Dir
		if dir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return grist.Config{}, fmt.Errorf("%w: cache dir unavailable: %v", ErrInvalidConfig, err)
			}
			dir = filepath.Join(home, ".cache", "gristql")
		}
		filename := s.Cache.Filename
		if filename == "" {
			filename = defaultCacheFilename
		}
		cfg.Cache.Path = filepath.Join(dir, filename)
	}
	return cfg, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func parseSeconds(v string) (time.Duration, error) {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("not a second count: %q", v)
	}
	return time.Duration(secs) * time.Second, nil
}
