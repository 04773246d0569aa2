package config

import "time"

// Duration is a trick to let our TOML library parse durations from strings.
type Duration time.Duration

// Duration converts the duration back to time.Duration.
func (d *Duration) Duration() time.Duration {
	if d != nil {
		return time.Duration(*d)
	}
	return 0
}

// UnmarshalText unmarshals a duration from its string representation.
func (d *Duration) UnmarshalText(text []byte) error {
	td, err := time.ParseDuration(string(text))
	if err == nil {
		*d = Duration(td)
	}
	return err
}

// MarshalText marshals a duration into its string representation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}
