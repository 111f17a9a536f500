package itelexsrv

import (
	"fmt"
	"maps"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds the directory server's entire runtime configuration, each
// field populated from the environment variable named in its env tag,
// grounded on the teacher's reflection-driven Config.UnmarshalEnv
// (pkg/atlas/config.go) generalized from Atlas's ATLAS_-prefixed vars to
// this server's own set.
type Config struct {
	ClientTimeout       time.Duration `env:"CLIENT_TIMEOUT=30"`
	ServerCooldown      time.Duration `env:"SERVER_COOLDOWN=60"`
	ChangedSyncInterval time.Duration `env:"CHANGED_SYNC_INTERVAL=10"`
	DBSyncInterval      time.Duration `env:"DB_SYNC_INTERVAL=300"`
	FullQueryInterval   time.Duration `env:"FULL_QUERY_INTERVAL=1.h"`

	// ServerPort is the single listen port, bound on both 0.0.0.0 (required)
	// and [::] (best-effort) — see NewServer.
	ServerPort uint16 `env:"SERVER_PORT=11811"`
	ServerPIN  uint32 `env:"SERVER_PIN"`

	// DBPath selects the storage backend by scheme: a postgres:// or
	// postgresql:// URL uses pgstore, a file:// URL uses a JSON-snapshotted
	// memstore (persisted atomically to DBPathTemp then renamed over
	// DBPath), an empty DBPath uses a pure in-memory store (ephemeral,
	// test/dev only), and anything else opens sqlitestore.
	DBPath     string `env:"DB_PATH"`
	DBPathTemp string `env:"DB_PATH_TEMP"`

	// Servers is the comma-separated peer list (SERVERS); resolved to
	// replication.Peer values once at startup, not here, since DNS
	// resolution is explicitly a startup-time concern (§4.4), not a config
	// parsing concern.
	Servers []string `env:"SERVERS"`

	LogFilePath  string        `env:"LOG_FILE_PATH"`
	LogLevelFile zerolog.Level `env:"LOG_LEVEL_FILE=info"`
	LogLevelTerm zerolog.Level `env:"LOG_LEVEL_TERM=info"`

	// AdminAddr serves the optional HTTP admin/status/metrics UI; explicitly
	// settable to empty to disable it.
	AdminAddr string `env:"ADMIN_ADDR?=:8081"`
}

// UnmarshalEnv populates c from em ("KEY" -> "VALUE", as produced by
// github.com/hashicorp/go-envparse reading a .env file, optionally merged
// with selected OS environment overrides by the caller — see
// OSEnvOverrides). Grounded on the teacher's Config.UnmarshalEnv
// (pkg/atlas/config.go): same env-tag reflection walk, default-value-after-
// '=' convention, and '?' suffix for "explicitly settable to empty" —
// generalized to this server's duration format (N seconds, or N.{s,m,h,d,w})
// in place of time.ParseDuration. Unlike the teacher's version, em is not
// filtered by prefix (this server's vars share no common prefix), so callers
// must ensure em holds only vars this Config recognizes, or OSEnvOverrides.
func (c *Config) UnmarshalEnv(em map[string]string) error {
	em = maps.Clone(em)
	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		}

		cvf := cv.FieldByName(ctf.Name)
		switch cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case uint32:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 32); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s: parse %q as uint32: %w", key, val, err)
			}
		case uint16:
			if val == "" {
				cvf.SetUint(0)
			} else if v, err := strconv.ParseUint(val, 10, 16); err == nil {
				cvf.SetUint(v)
			} else {
				return fmt.Errorf("env %s: parse %q as uint16: %w", key, val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if val == "" {
				cvf.Set(reflect.ValueOf(zerolog.InfoLevel))
			} else if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q as log level: %w", key, val, err)
			}
		case time.Duration:
			if val == "" {
				cvf.Set(reflect.ValueOf(time.Duration(0)))
			} else if v, err := ParseITelexDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s: parse %q as duration: %w", key, val, err)
			}
		default:
			return fmt.Errorf("unhandled config field type %s (env %s)", cvf.Type(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

// EnvKeys returns the bare (no '?' suffix) environment variable name of
// every field UnmarshalEnv recognizes.
func EnvKeys() []string {
	var keys []string
	cv := reflect.TypeOf(Config{})
	for _, ctf := range reflect.VisibleFields(cv) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}
		key, _, _ := strings.Cut(env, "=")
		keys = append(keys, strings.TrimSuffix(key, "?"))
	}
	return keys
}

// OSEnvOverrides returns the subset of the current process's environment
// variables that this Config recognizes, for overlaying onto a file-sourced
// map before calling UnmarshalEnv — this keeps unrelated OS variables (PATH,
// HOME, ...) from ever reaching UnmarshalEnv's unknown-key check.
func OSEnvOverrides(lookup func(string) (string, bool)) map[string]string {
	out := map[string]string{}
	for _, k := range EnvKeys() {
		if v, ok := lookup(k); ok {
			out[k] = v
		}
	}
	return out
}

// ParseITelexDuration parses the source's own duration format: a bare
// integer N (seconds), or N followed by a unit suffix (s, m, h, d, w).
// time.ParseDuration doesn't accept this shape (no bare-integer form, and no
// d/w units), so this is a deliberate stdlib-only exception: no example
// repo's duration parser covers the source's day/week suffixes or its
// unitless-means-seconds convention.
func ParseITelexDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	unit := time.Second
	numPart := s
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 's':
			unit, numPart = time.Second, s[:n-1]
		case 'm':
			unit, numPart = time.Minute, s[:n-1]
		case 'h':
			unit, numPart = time.Hour, s[:n-1]
		case 'd':
			unit, numPart = 24*time.Hour, s[:n-1]
		case 'w':
			unit, numPart = 7*24*time.Hour, s[:n-1]
		}
	}
	numPart = strings.TrimSuffix(numPart, ".")

	v, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(v * float64(unit)), nil
}
