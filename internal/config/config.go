// Package config loads and validates the supervisor's runtime configuration.
//
// The configuration-loader's schema-migration concerns (versioned upgrades,
// interactive setup) are out of scope per spec.md §1 — this package loads
// a flat, already-migrated document and hands the supervisor a validated
// struct. Load order mirrors the teacher's internal/config/koanf.go:
// defaults struct -> YAML file -> environment variable overrides.
package config

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Sponsorn/streamloop/internal/models"
)

// EnvPrefix is stripped from environment variable names before they are
// mapped onto koanf dotted paths (SUPERVISOR_HOST_URL -> host.url).
const EnvPrefix = "SUPERVISOR_"

// PlayerConfig controls heartbeat/stall/quality detection thresholds.
type PlayerConfig struct {
	HeartbeatIntervalMs    int64  `koanf:"heartbeat_interval_ms" validate:"min=1000"`
	HeartbeatTimeoutMs     int64  `koanf:"heartbeat_timeout_ms" validate:"min=1000"`
	RecoveryDelayMs        int64  `koanf:"recovery_delay_ms" validate:"min=0"`
	MaxConsecutiveErrors   int    `koanf:"max_consecutive_errors" validate:"min=1"`
	PermanentSkipCodes     []int  `koanf:"permanent_skip_codes"`
	QualityRecoveryEnabled bool   `koanf:"quality_recovery_enabled"`
	MinQuality             string `koanf:"min_quality"`
	QualityRecoveryDelayMs int64  `koanf:"quality_recovery_delay_ms" validate:"min=0"`
	SourceRefreshIntervalMs int64 `koanf:"source_refresh_interval_ms" validate:"min=0"`
}

// HostConfig describes how to reach the streaming host's RPC socket and,
// optionally, how to launch it.
type HostConfig struct {
	URL                string `koanf:"url" validate:"required"`
	Password           string `koanf:"password"`
	ExecutablePath     string `koanf:"executable_path"`
	AutoRestart        bool   `koanf:"auto_restart"`
	CrashSentinelPath  string `koanf:"crash_sentinel_path"`
	BrowserSourceName  string `koanf:"browser_source_name" validate:"required"`
	AutoStream         bool   `koanf:"auto_stream"`
	RequestTimeoutMs   int64  `koanf:"request_timeout_ms" validate:"min=100"`
}

// NotifierConfig controls outbound webhook dispatch.
type NotifierConfig struct {
	WebhookURL   string            `koanf:"webhook_url"`
	Username     string            `koanf:"username"`
	AvatarURL    string            `koanf:"avatar_url"`
	RoleMention  string            `koanf:"role_mention"`
	DebounceMs   int64             `koanf:"debounce_ms" validate:"min=0"`
	EventToggles map[string]bool   `koanf:"event_toggles"`
	Templates    map[string]string `koanf:"templates"`
}

// ServerConfig controls the embedded HTTP server the transport binds to.
type ServerConfig struct {
	BindAddr string `koanf:"bind_addr" validate:"required"`
}

// Config is the full, validated supervisor configuration.
type Config struct {
	StatePath string               `koanf:"state_path" validate:"required"`
	Playlists []models.PlaylistEntry `koanf:"playlists" validate:"required,min=1,dive"`
	Player    PlayerConfig         `koanf:"player" validate:"required"`
	Host      HostConfig           `koanf:"host" validate:"required"`
	Notifier  NotifierConfig       `koanf:"notifier"`
	Server    ServerConfig         `koanf:"server" validate:"required"`
	LogLevel  string               `koanf:"log_level"`
	LogFormat string               `koanf:"log_format"`
}

// Default returns the built-in defaults layer, loaded before the config
// file and environment overrides.
func Default() *Config {
	return &Config{
		StatePath: "state.json",
		Playlists: []models.PlaylistEntry{},
		Player: PlayerConfig{
			HeartbeatIntervalMs:     5000,
			HeartbeatTimeoutMs:      15000,
			RecoveryDelayMs:         5000,
			MaxConsecutiveErrors:    3,
			PermanentSkipCodes:      []int{100, 101, 150},
			QualityRecoveryEnabled:  false,
			MinQuality:              "hd720",
			QualityRecoveryDelayMs:  30000,
			SourceRefreshIntervalMs: 0,
		},
		Host: HostConfig{
			BrowserSourceName: "Player",
			RequestTimeoutMs:  10000,
		},
		Notifier: NotifierConfig{
			DebounceMs:   5000,
			EventToggles: map[string]bool{},
			Templates:    map[string]string{},
		},
		Server: ServerConfig{
			BindAddr: "127.0.0.1:8675",
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

var validate = validator.New()

// Validate runs struct-tag validation plus an explicit check that every
// playlist has a non-empty ID. Used on initial load and on
// every reloadConfig() call — per spec §7, a config that fails validation
// is rejected and the previously running config stays live.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for i := range c.Playlists {
		if c.Playlists[i].ID == "" {
			return &validator.InvalidValidationError{Type: nil}
		}
	}
	return nil
}

// HeartbeatInterval, HeartbeatTimeout, RecoveryDelay, QualityRecoveryDelay
// return the configured millisecond durations as time.Duration, so call
// sites never repeat the *time.Millisecond conversion.
func (p PlayerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(p.HeartbeatIntervalMs) * time.Millisecond
}

func (p PlayerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(p.HeartbeatTimeoutMs) * time.Millisecond
}

func (p PlayerConfig) RecoveryDelay() time.Duration {
	return time.Duration(p.RecoveryDelayMs) * time.Millisecond
}

func (p PlayerConfig) QualityRecoveryDelay() time.Duration {
	return time.Duration(p.QualityRecoveryDelayMs) * time.Millisecond
}

func (p PlayerConfig) SourceRefreshInterval() time.Duration {
	return time.Duration(p.SourceRefreshIntervalMs) * time.Millisecond
}

func (h HostConfig) RequestTimeout() time.Duration {
	return time.Duration(h.RequestTimeoutMs) * time.Millisecond
}

func (n NotifierConfig) Debounce() time.Duration {
	return time.Duration(n.DebounceMs) * time.Millisecond
}

// EventEnabled reports whether a notifier event kind is enabled. Unlisted
// kinds default to enabled.
func (n NotifierConfig) EventEnabled(kind string) bool {
	v, ok := n.EventToggles[kind]
	if !ok {
		return true
	}
	return v
}

// PermanentSkipSet returns the configured permanent-skip error codes as a
// set for O(1) membership checks.
func (p PlayerConfig) PermanentSkipSet() map[int]struct{} {
	set := make(map[int]struct{}, len(p.PermanentSkipCodes))
	for _, c := range p.PermanentSkipCodes {
		set[c] = struct{}{}
	}
	return set
}
