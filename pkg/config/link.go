package config

// LinkConfig contains transmit retry and pacing options.
type LinkConfig struct {
    BackoffInitialMS int `mapstructure:"backoff_initial_ms"`
    BackoffMaxMS     int `mapstructure:"backoff_max_ms"`
    MaxAttempts      int `mapstructure:"max_attempts"`
    // RateBytesPerSec shapes each interface's transmit worker; zero
    // disables shaping.
    RateBytesPerSec int64 `mapstructure:"rate_bytes_per_sec"`
}
