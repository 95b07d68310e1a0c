package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration so reports serialize as "1m30s" instead of a
// nanosecond count. Decoding accepts either form.
type Duration time.Duration

// Since returns the elapsed Duration since t
func Since(t time.Time) Duration {
	return Duration(time.Since(t))
}

// UnmarshalJSON implements json.Unmarshaler for Duration
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("duration must be a number or string: %w", err)
	}
	return d.set(raw)
}

// MarshalJSON implements json.Marshaler for Duration
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return fmt.Errorf("duration must be a number or string: %w", err)
	}
	return d.set(raw)
}

// MarshalYAML implements yaml.Marshaler for Duration
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case float64:
		*d = Duration(int64(v))
	case int:
		*d = Duration(v)
	case int64:
		*d = Duration(v)
	case string:
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration string %q: %w", v, err)
		}
		*d = Duration(dur)
	default:
		return fmt.Errorf("duration must be a number or string, got %T", raw)
	}
	return nil
}

// String returns the string representation of the duration
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Seconds returns the duration as floating point seconds
func (d Duration) Seconds() float64 {
	return time.Duration(d).Seconds()
}
