package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults for session-level negotiated and local parameters.
const (
	DefaultDynamicTableCapacity uint64 = 4096
	DefaultMaxPushID            uint64 = 1 << 20

	DefaultBlockedDecodeTimeout = 500 * time.Millisecond
	DefaultPushOrphanTimeout    = 5 * time.Second
	DefaultPushIdleTimeout      = 30 * time.Second
)

// Duration wraps time.Duration so it can be written as "500ms" in TOML/JSON.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML and for JSON
// string values.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		return d.UnmarshalText([]byte(s))
	}
	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}
	d.Duration = time.Duration(ns)
	return nil
}

// MarshalText makes round-tripping work for TOML encoding in tests.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// SessionConfig is the connection-level configuration for one session. The
// negotiated values (table capacity, partial reliability) are established
// before any stream data is processed and are immutable for the connection's
// lifetime once the session starts.
type SessionConfig struct {
	// DynamicTableCapacity is the maximum size in bytes of the header codec's
	// dynamic table (name + value + per-entry overhead).
	DynamicTableCapacity *uint64 `json:"dynamic_table_capacity,omitempty" toml:"dynamic_table_capacity,omitempty"`

	// PartiallyReliable enables skip/reject of body byte ranges.
	PartiallyReliable *bool `json:"partially_reliable,omitempty" toml:"partially_reliable,omitempty"`

	// MaxPushID bounds the push ids the session will accept from the peer:
	// usable ids are strictly below it, so it is also the count of ids the
	// peer may issue.
	MaxPushID *uint64 `json:"max_push_id,omitempty" toml:"max_push_id,omitempty"`

	// BlockedDecodeTimeout bounds how long a header block may stay blocked on
	// missing table updates before the owning stream is errored.
	BlockedDecodeTimeout *Duration `json:"blocked_decode_timeout,omitempty" toml:"blocked_decode_timeout,omitempty"`

	// PushOrphanTimeout bounds how long a promise or a nascent push stream may
	// wait for its counterpart.
	PushOrphanTimeout *Duration `json:"push_orphan_timeout,omitempty" toml:"push_orphan_timeout,omitempty"`

	// PushIdleTimeout bounds how long a pushed transaction may sit with no
	// ingress activity.
	PushIdleTimeout *Duration `json:"push_idle_timeout,omitempty" toml:"push_idle_timeout,omitempty"`

	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
}

// LoggingConfig selects the log target and minimum level.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" toml:"level,omitempty"`
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}

// TableCapacity returns the configured dynamic table capacity or the default.
func (c *SessionConfig) TableCapacity() uint64 {
	if c != nil && c.DynamicTableCapacity != nil {
		return *c.DynamicTableCapacity
	}
	return DefaultDynamicTableCapacity
}

// PartialReliability reports whether partially-reliable bodies are enabled.
func (c *SessionConfig) PartialReliability() bool {
	return c != nil && c.PartiallyReliable != nil && *c.PartiallyReliable
}

// PushIDLimit returns the configured MAX_PUSH_ID or the default.
func (c *SessionConfig) PushIDLimit() uint64 {
	if c != nil && c.MaxPushID != nil {
		return *c.MaxPushID
	}
	return DefaultMaxPushID
}

// DecodeTimeout returns the blocked-decode timeout or the default.
func (c *SessionConfig) DecodeTimeout() time.Duration {
	if c != nil && c.BlockedDecodeTimeout != nil {
		return c.BlockedDecodeTimeout.Duration
	}
	return DefaultBlockedDecodeTimeout
}

// OrphanTimeout returns the push orphan timeout or the default.
func (c *SessionConfig) OrphanTimeout() time.Duration {
	if c != nil && c.PushOrphanTimeout != nil {
		return c.PushOrphanTimeout.Duration
	}
	return DefaultPushOrphanTimeout
}

// IdleTimeout returns the pushed-transaction idle timeout or the default.
func (c *SessionConfig) IdleTimeout() time.Duration {
	if c != nil && c.PushIdleTimeout != nil {
		return c.PushIdleTimeout.Duration
	}
	return DefaultPushIdleTimeout
}

// Validate checks invariants that defaulting cannot repair.
func (c *SessionConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.BlockedDecodeTimeout != nil && c.BlockedDecodeTimeout.Duration <= 0 {
		return fmt.Errorf("config: blocked_decode_timeout must be positive, got %s", c.BlockedDecodeTimeout.Duration)
	}
	if c.PushOrphanTimeout != nil && c.PushOrphanTimeout.Duration <= 0 {
		return fmt.Errorf("config: push_orphan_timeout must be positive, got %s", c.PushOrphanTimeout.Duration)
	}
	if c.PushIdleTimeout != nil && c.PushIdleTimeout.Duration <= 0 {
		return fmt.Errorf("config: push_idle_timeout must be positive, got %s", c.PushIdleTimeout.Duration)
	}
	if c.MaxPushID != nil && *c.MaxPushID == 0 {
		return fmt.Errorf("config: max_push_id must be at least 1")
	}
	return nil
}

// Load reads a SessionConfig from path. The format is chosen by extension:
// ".toml" is parsed as TOML, ".json" as JSON; anything else is tried as TOML
// first and then JSON.
func Load(path string) (*SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var cfg SessionConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse TOML %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse JSON %s: %w", path, err)
		}
	default:
		tomlErr := toml.Unmarshal(data, &cfg)
		if tomlErr == nil {
			break
		}
		if jsonErr := json.Unmarshal(data, &cfg); jsonErr != nil {
			return nil, fmt.Errorf("config: %s is neither valid TOML (%v) nor valid JSON (%v)", path, tomlErr, jsonErr)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
