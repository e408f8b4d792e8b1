// Package config holds the process-wide Settings struct used by every
// facade (CLI, and any future service entrypoint) to discover where the
// cache, artifacts, and database live and how aggressively to run.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/ory/viper"
	"gopkg.in/yaml.v2"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

const (
	// Filename into which Settings is serialized as an on-disk override.
	Filename = "config.yaml"

	// EnvPrefix is prepended to every environment variable binding, so
	// e.g. the "cache_dir" setting is read from OWRT_IMG_CACHE_DIR.
	EnvPrefix = "OWRT_IMG"

	// DefaultLogLevel is used when log_level is unset.
	DefaultLogLevel = "INFO"

	// DefaultVerificationMode is used by the flash service when no
	// per-request mode is supplied.
	DefaultVerificationMode = types.VerifyFull

	// DefaultMaxConcurrentDownloads and DefaultMaxConcurrentBuilds bound
	// the default worker pool sizes; see §5 concurrency model.
	DefaultMaxConcurrentDownloads = 2
	DefaultMaxConcurrentBuilds    = 2

	// Timeouts, expressed in seconds on disk/env but converted to
	// time.Duration by callers.
	DefaultDownloadTimeoutSeconds = 3600
	DefaultBuildTimeoutSeconds    = 3600
	DefaultFlashTimeoutSeconds    = 1800
)

// Settings is the process-wide configuration, populated from static
// defaults, then overridden by an optional on-disk YAML file, then by
// OWRT_IMG_-prefixed environment variables, in that ascending order of
// precedence. CLI flags, which the facade (cmd/root.go) applies to the
// loaded Settings directly, take precedence over all of these.
type Settings struct {
	CacheDir                string `yaml:"cache_dir,omitempty"`
	ArtifactsDir            string `yaml:"artifacts_dir,omitempty"`
	DBURL                   string `yaml:"db_url,omitempty"`
	TmpDir                  string `yaml:"tmp_dir,omitempty"`
	Offline                 bool   `yaml:"offline,omitempty"`
	LogLevel                string `yaml:"log_level,omitempty"`
	MaxConcurrentDownloads  int    `yaml:"max_concurrent_downloads,omitempty"`
	MaxConcurrentBuilds     int    `yaml:"max_concurrent_builds,omitempty"`
	VerificationMode        string `yaml:"verification_mode,omitempty"`
	DownloadTimeoutSeconds  int    `yaml:"download_timeout,omitempty"`
	BuildTimeoutSeconds     int    `yaml:"build_timeout,omitempty"`
	FlashTimeoutSeconds     int    `yaml:"flash_timeout,omitempty"`
	// NOTE: all members must include their yaml serialized names, even
	// when equal to the default, because the tag values are matched
	// directly by the reflection-based accessors below.
}

// New returns a Settings populated with static defaults only, with no
// file or environment overlay applied. Most callers want NewDefault.
func New() Settings {
	home, _ := os.UserHomeDir()
	return Settings{
		CacheDir:               filepath.Join(home, ".cache", "openwrt-imagegen", "builders"),
		ArtifactsDir:           filepath.Join(home, ".local", "share", "openwrt-imagegen", "artifacts"),
		DBURL:                  "sqlite://" + filepath.Join(home, ".local", "share", "openwrt-imagegen", "state.db"),
		TmpDir:                 os.TempDir(),
		LogLevel:               DefaultLogLevel,
		MaxConcurrentDownloads: DefaultMaxConcurrentDownloads,
		MaxConcurrentBuilds:    DefaultMaxConcurrentBuilds,
		VerificationMode:       string(DefaultVerificationMode),
		DownloadTimeoutSeconds: DefaultDownloadTimeoutSeconds,
		BuildTimeoutSeconds:    DefaultBuildTimeoutSeconds,
		FlashTimeoutSeconds:    DefaultFlashTimeoutSeconds,
	}
}

// NewDefault returns Settings populated by static defaults, then the
// on-disk override file at File() (if present), then OWRT_IMG_-prefixed
// environment variables via viper. The config path and env vars are not
// required to be present; absence is not an error.
func NewDefault() (s Settings, err error) {
	s = New()

	cp := File()
	if bb, readErr := os.ReadFile(cp); readErr == nil {
		if err = yaml.Unmarshal(bb, &s); err != nil {
			return s, fmt.Errorf("error parsing config file %s: %w", cp, err)
		}
	} else if !os.IsNotExist(readErr) {
		return s, fmt.Errorf("error reading config file %s: %w", cp, readErr)
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.AutomaticEnv()
	applyEnvOverlay(&s)

	return s, nil
}

// applyEnvOverlay overrides each field of s with its bound environment
// variable, when that variable is actually set.
func applyEnvOverlay(s *Settings) {
	t := reflect.TypeOf(*s)
	for i := 0; i < t.NumField(); i++ {
		key := strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0]
		if key == "" || !viper.IsSet(key) {
			continue
		}
		fieldValue := reflect.ValueOf(s).Elem().Field(i)
		switch fieldValue.Kind() {
		case reflect.String:
			fieldValue.SetString(viper.GetString(key))
		case reflect.Bool:
			fieldValue.SetBool(viper.GetBool(key))
		case reflect.Int:
			fieldValue.SetInt(int64(viper.GetInt(key)))
		}
	}
}

// Load reads Settings exactly as stored at path, with no static defaults
// or environment overlay applied.
func Load(path string) (s Settings, err error) {
	bb, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("error reading config file: %w", err)
	}
	err = yaml.Unmarshal(bb, &s)
	return s, err
}

// Write serializes s as YAML to path.
func (s Settings) Write(path string) error {
	bb, err := yaml.Marshal(&s)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}
	return os.WriteFile(path, bb, 0o644)
}

// Dir returns the directory holding the on-disk config override,
// honoring XDG_CONFIG_HOME when set.
func Dir() (path string) {
	if home, err := os.UserHomeDir(); err == nil {
		path = filepath.Join(home, ".config", "openwrt-imagegen")
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		path = filepath.Join(xdg, "openwrt-imagegen")
	}
	return
}

// File returns the full path at which to look for the config override
// file. OWRT_IMG_CONFIG_FILE overrides the default.
func File() string {
	path := filepath.Join(Dir(), Filename)
	if e := os.Getenv("OWRT_IMG_CONFIG_FILE"); e != "" {
		path = e
	}
	return path
}

// CreatePaths creates the on-disk config directory structure. Safe to
// call repeatedly; all operations tolerate a pre-existing directory.
func CreatePaths() error {
	if err := os.MkdirAll(Dir(), 0o755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}
	return nil
}

// Static accessors
//
// Mirrors the pass-by-value accessor pattern used elsewhere in this
// module: rather than exposing pointer-receiver Set methods, List/Get/Set
// are package functions operating on a Settings value and returning the
// (possibly updated) value, so callers retain control over whether and
// when to persist changes:
//
//	s, err := config.Set(s, "log_level", "DEBUG")

// List returns the configurable setting keys, sorted, as used by Get/Set
// and by the on-disk/env serialization.
func List() []string {
	keys := []string{}
	t := reflect.TypeOf(Settings{})
	for i := 0; i < t.NumField(); i++ {
		tt := strings.Split(t.Field(i).Tag.Get("yaml"), ",")
		keys = append(keys, tt[0])
	}
	sort.Strings(keys)
	return keys
}

// Get returns the named setting's current value, or nil if name is not a
// recognized key.
func Get(s Settings, name string) any {
	t := reflect.TypeOf(s)
	for i := 0; i < t.NumField(); i++ {
		if strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0] != name {
			continue
		}
		return reflect.ValueOf(s).Field(i).Interface()
	}
	return nil
}

// Set parses value according to the named field's type and returns the
// updated Settings. Fails if name is unrecognized or value cannot be
// coerced to the field's type.
func Set(s Settings, name, value string) (Settings, error) {
	fieldValue, err := getField(&s, name)
	if err != nil {
		return s, err
	}

	switch fieldValue.Kind() {
	case reflect.String:
		fieldValue.SetString(value)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return s, fmt.Errorf("invalid boolean value %q for %s: %w", value, name, err)
		}
		fieldValue.SetBool(b)
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return s, fmt.Errorf("invalid integer value %q for %s: %w", value, name, err)
		}
		fieldValue.SetInt(int64(n))
	default:
		return s, fmt.Errorf("config value type not yet implemented: %v", fieldValue.Kind())
	}

	return s, nil
}

func getField(s *Settings, name string) (reflect.Value, error) {
	t := reflect.TypeOf(s).Elem()
	for i := 0; i < t.NumField(); i++ {
		if strings.Split(t.Field(i).Tag.Get("yaml"), ",")[0] == name {
			return reflect.ValueOf(s).Elem().Field(i), nil
		}
	}
	return reflect.Value{}, fmt.Errorf("unrecognized config key: %s", name)
}
