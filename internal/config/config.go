// Package config loads service configuration. INTEGRITY_* environment
// variables win over the YAML file, which wins over defaults.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"smartattend.org/internal/attendance"
	"smartattend.org/internal/clock"
	"smartattend.org/internal/escalation"
	"smartattend.org/internal/obs"
)

const envPrefix = "INTEGRITY_"

type Config struct {
	HTTP       HTTPConfig        `koanf:"http"`
	GRPC       GRPCConfig        `koanf:"grpc"`
	Database   DatabaseConfig    `koanf:"database"`
	Log        LogConfig         `koanf:"log"`
	Clock      ClockConfig       `koanf:"clock"`
	Attendance AttendanceConfig  `koanf:"attendance"`
	Escalation escalation.Config `koanf:"escalation"`
	Sweep      SweepConfig       `koanf:"sweep"`
	Auth       AuthConfig        `koanf:"auth"`
	RateLimit  RateLimitConfig   `koanf:"rate_limit"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `koanf:"addr"`
}

// DatabaseConfig selects the storage backend. An empty DSN keeps every
// ledger in memory.
type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

type LogConfig struct {
	Level      string `koanf:"level"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

type ClockConfig struct {
	InfoMaxSeconds         int64         `koanf:"info_max_seconds"`
	WarningMaxSeconds      int64         `koanf:"warning_max_seconds"`
	BlockMarkSeconds       int64         `koanf:"block_mark_seconds"`
	BlockTransitionSeconds int64         `koanf:"block_transition_seconds"`
	BlockRoleChangeSeconds int64         `koanf:"block_role_change_seconds"`
	Timeout                time.Duration `koanf:"timeout"`
}

type AttendanceConfig struct {
	DedupWindow time.Duration `koanf:"dedup_window"`
	Timeout     time.Duration `koanf:"timeout"`
}

type SweepConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Schedule string `koanf:"schedule"`
}

type AuthConfig struct {
	Secret   string        `koanf:"secret"`
	Issuer   string        `koanf:"issuer"`
	TokenTTL time.Duration `koanf:"token_ttl"`
}

type RateLimitConfig struct {
	PerSecond float64 `koanf:"per_second"`
	Burst     int     `koanf:"burst"`
}

// Load reads path (optional) and applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	applyDefaults(k)
	if err := k.Load(envProvider(), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Clock.InfoMaxSeconds < 0 || c.Clock.WarningMaxSeconds < c.Clock.InfoMaxSeconds {
		return fmt.Errorf("clock: warning_max_seconds (%d) must be >= info_max_seconds (%d)", c.Clock.WarningMaxSeconds, c.Clock.InfoMaxSeconds)
	}
	if c.Sweep.Enabled && strings.TrimSpace(c.Sweep.Schedule) == "" {
		return fmt.Errorf("sweep: schedule is required when enabled")
	}
	if c.RateLimit.PerSecond < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	return nil
}

// Thresholds converts the clock section. A zero block value leaves the
// action unblocked.
func (c *Config) Thresholds() clock.Thresholds {
	t := clock.Thresholds{
		InfoMaxSeconds:    c.Clock.InfoMaxSeconds,
		WarningMaxSeconds: c.Clock.WarningMaxSeconds,
		BlockSeconds:      map[clock.Action]int64{},
	}
	for action, limit := range map[clock.Action]int64{
		clock.ActionAttendanceMark:       c.Clock.BlockMarkSeconds,
		clock.ActionAttendanceTransition: c.Clock.BlockTransitionSeconds,
		clock.ActionRoleChange:           c.Clock.BlockRoleChangeSeconds,
	} {
		if limit > 0 {
			t.BlockSeconds[action] = limit
		}
	}
	return t
}

// ClockOptions returns the clock authority options for this config.
func (c *Config) ClockOptions() []clock.Option {
	return []clock.Option{clock.WithThresholds(c.Thresholds()), clock.WithTimeout(c.Clock.Timeout)}
}

// AttendanceOptions returns the state machine options for this config.
func (c *Config) AttendanceOptions() []attendance.Option {
	return []attendance.Option{attendance.WithDedupWindow(c.Attendance.DedupWindow), attendance.WithTimeout(c.Attendance.Timeout)}
}

// EscalationOptions returns the detector options for this config.
func (c *Config) EscalationOptions() []escalation.Option {
	return []escalation.Option{escalation.WithConfig(c.Escalation)}
}

// LogOptions converts the log section.
func (c *Config) LogOptions() obs.LogConfig {
	return obs.LogConfig{
		Level:      c.Log.Level,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}

func applyDefaults(k *koanf.Koanf) {
	setDefault(k, "http.addr", ":8080")
	setDefault(k, "http.read_timeout", 15*time.Second)
	setDefault(k, "http.write_timeout", 15*time.Second)
	setDefault(k, "http.shutdown_timeout", 10*time.Second)
	setDefault(k, "grpc.addr", ":9090")

	setDefault(k, "log.level", "info")
	setDefault(k, "log.max_size_mb", 100)
	setDefault(k, "log.max_backups", 5)
	setDefault(k, "log.max_age_days", 30)

	// Clock authority
	defaults := clock.DefaultThresholds()
	setDefault(k, "clock.info_max_seconds", defaults.InfoMaxSeconds)
	setDefault(k, "clock.warning_max_seconds", defaults.WarningMaxSeconds)
	setDefault(k, "clock.block_mark_seconds", defaults.BlockSeconds[clock.ActionAttendanceMark])
	setDefault(k, "clock.block_transition_seconds", defaults.BlockSeconds[clock.ActionAttendanceTransition])
	setDefault(k, "clock.timeout", 2*time.Second)

	setDefault(k, "attendance.dedup_window", 2*time.Minute)
	setDefault(k, "attendance.timeout", 3*time.Second)

	esc := escalation.DefaultConfig()
	setDefault(k, "escalation.threshold", esc.Threshold)
	setDefault(k, "escalation.max_score", esc.MaxScore)
	setDefault(k, "escalation.weights.medium", esc.Weights.Medium)
	setDefault(k, "escalation.weights.high", esc.Weights.High)
	setDefault(k, "escalation.weights.critical", esc.Weights.Critical)

	setDefault(k, "sweep.enabled", true)
	setDefault(k, "sweep.schedule", "@every 30s")

	setDefault(k, "auth.issuer", "smartattend")
	setDefault(k, "auth.token_ttl", time.Hour)

	setDefault(k, "rate_limit.per_second", 50.0)
	setDefault(k, "rate_limit.burst", 100)
}

// envKey is the config key one INTEGRITY_<NAME> sets. List values are
// comma separated.
type envKey struct {
	key  string
	list bool
}

// envKeys maps every INTEGRITY_<NAME> to its config key, built from
// Config's koanf tags. Map-valued keys are returned in mapKeys by name
// prefix and take one more segment, as in
// INTEGRITY_ESCALATION_OUT_OF_ROLE_SUPER_ADMIN.
func envKeys() (keys, mapKeys map[string]envKey) {
	keys, mapKeys = map[string]envKey{}, map[string]envKey{}
	var walk func(t reflect.Type, prefix string)
	walk = func(t reflect.Type, prefix string) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			tag := f.Tag.Get("koanf")
			if tag == "" || tag == "-" {
				continue
			}
			key := prefix + tag
			name := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
			switch f.Type.Kind() {
			case reflect.Struct:
				walk(f.Type, key+".")
			case reflect.Map:
				mapKeys[name+"_"] = envKey{key: key, list: f.Type.Elem().Kind() == reflect.Slice}
			default:
				keys[name] = envKey{key: key, list: f.Type.Kind() == reflect.Slice}
			}
		}
	}
	walk(reflect.TypeOf(Config{}), "")
	return keys, mapKeys
}

// envProvider reads INTEGRITY_* variables. Scalars stay strings and
// unmarshal converts them to the field types.
func envProvider() *env.Env {
	keys, mapKeys := envKeys()
	return env.ProviderWithValue(envPrefix, ".", func(name, value string) (string, any) {
		value = strings.TrimSpace(value)
		if value == "" {
			return "", nil
		}
		name = strings.TrimPrefix(name, envPrefix)
		ek, ok := keys[name]
		if !ok {
			for p, mk := range mapKeys {
				if rest := strings.TrimPrefix(name, p); rest != name && rest != "" {
					ek, ok = envKey{key: mk.key + "." + strings.ToLower(rest), list: mk.list}, true
					break
				}
			}
		}
		if !ok {
			return "", nil
		}
		if ek.list {
			return ek.key, splitList(value)
		}
		return ek.key, value
	})
}

func splitList(value string) []string {
	var out []string
	for _, v := range strings.Split(value, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func setDefault(k *koanf.Koanf, key string, value any) {
	if !k.Exists(key) {
		_ = k.Set(key, value)
	}
}
