// Package pushconfig loads the push delivery manager's process-global
// configuration (spec.md §5 "Configuration values") from a YAML file,
// mirroring the way cmd/warren's apply command parses resource YAML with
// gopkg.in/yaml.v3.
package pushconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so configuration files can write human
// strings ("1m", "10s") instead of nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler using time.ParseDuration,
// which already accepts a superset (ns|us|µs|ms|s|m|h) of spec.md §8's
// required units (ms|s|m|h).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("pushconfig: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back to its human string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) asTime() time.Duration { return time.Duration(d) }

// AsDuration exposes the wrapped value as a plain time.Duration, for
// callers outside this package (e.g. cmd/pushd wiring push.Config).
func (d Duration) AsDuration() time.Duration { return d.asTime() }

// Settings mirrors spec.md §6's configuration keys.
type Settings struct {
	PushThrottle        Duration `yaml:"push_throttle"`
	PushAttemptInterval Duration `yaml:"push_attempt_interval"`
	PushAttemptsMax     uint32   `yaml:"push_attempts_max"`
	PushRetryInterval   Duration `yaml:"push_retry_interval"`
	PushTimeout         Duration `yaml:"push_timeout"`
	PushVerifyTimeout   Duration `yaml:"push_verify_timeout"`
	ChannelBuffer       int      `yaml:"channel_buffer"`

	// MaxOutboundRate caps aggregate outbound delivery/verification POSTs
	// per second (0 disables the cap). An operability safety valve against
	// reconciliation storms, mirroring an ingress rate limiter turned
	// outward.
	MaxOutboundRate  float64 `yaml:"max_outbound_rate"`
	MaxOutboundBurst int     `yaml:"max_outbound_burst"`
}

// DefaultSettings returns the literal defaults from spec.md §5.
func DefaultSettings() Settings {
	return Settings{
		PushThrottle:        Duration(time.Second),
		PushAttemptInterval: Duration(time.Minute),
		PushAttemptsMax:     3,
		PushRetryInterval:   Duration(time.Second),
		PushTimeout:         Duration(10 * time.Second),
		PushVerifyTimeout:   Duration(time.Minute),
		ChannelBuffer:       256,
		MaxOutboundRate:     0,
		MaxOutboundBurst:    0,
	}
}

// Load reads and parses a YAML settings file, filling in DefaultSettings
// for any value the file leaves unset by starting from the defaults and
// unmarshaling on top.
func Load(path string) (Settings, error) {
	settings := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("pushconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("pushconfig: parse %s: %w", path, err)
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate rejects non-positive durations and a zero attempts budget.
func (s Settings) Validate() error {
	durations := map[string]Duration{
		"push_throttle":         s.PushThrottle,
		"push_attempt_interval": s.PushAttemptInterval,
		"push_retry_interval":   s.PushRetryInterval,
		"push_timeout":          s.PushTimeout,
		"push_verify_timeout":   s.PushVerifyTimeout,
	}
	for name, d := range durations {
		if d.asTime() <= 0 {
			return fmt.Errorf("pushconfig: %s must be positive", name)
		}
	}
	if s.PushAttemptsMax == 0 {
		return fmt.Errorf("pushconfig: push_attempts_max must be at least 1")
	}
	if s.ChannelBuffer <= 0 {
		return fmt.Errorf("pushconfig: channel_buffer must be positive")
	}
	if s.MaxOutboundRate < 0 {
		return fmt.Errorf("pushconfig: max_outbound_rate must not be negative")
	}
	return nil
}
