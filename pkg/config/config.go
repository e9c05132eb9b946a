// Package config provides YAML-based configuration loading for a CSP node.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"

    "github.com/spf13/viper"
)

// Config is the root application configuration.
type Config struct {
    // AppName optional logical name of the node/application
    AppName string `mapstructure:"app_name"`

    // Address is the local CSP address (0..31) stamped on outgoing packets
    Address uint8 `mapstructure:"address"`

    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Interfaces list to configure the attached link-layer bindings
    Interfaces []InterfaceConfig `mapstructure:"interfaces"`

    // Routes maps destination addresses onto interfaces
    Routes RoutesConfig `mapstructure:"routes"`

    // Fragment tunes reassembly limits and staleness
    Fragment FragmentConfig `mapstructure:"fragment"`

    // Buffers sizes the fixed packet pool behind the buffer report service
    Buffers BuffersConfig `mapstructure:"buffers"`

    // Security holds key material and the outbound treatment list
    Security SecurityConfig `mapstructure:"security"`

    // Link holds transmit retry/pacing options
    Link LinkConfig `mapstructure:"link"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// FragmentConfig tunes the reassembly layer.
type FragmentConfig struct {
    // MaxPayloadBytes caps a reassembled packet; oversize sessions drop
    MaxPayloadBytes int `mapstructure:"max_payload_bytes"`
    // StalenessMS evicts partial sessions idle longer than this
    StalenessMS int `mapstructure:"staleness_ms"`
}

// BuffersConfig sizes the packet pool.
type BuffersConfig struct {
    Count int `mapstructure:"count"`
    Size  int `mapstructure:"size"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AppName: "csp-node",
        Address: 1,
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/csp.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
        Interfaces: []InterfaceConfig{
            {Name: "loop0", Kind: "mem", MTU: 256},
        },
        Fragment: FragmentConfig{MaxPayloadBytes: 1 << 16, StalenessMS: 5000},
        Buffers:  BuffersConfig{Count: 32, Size: 1 << 16},
        Link:     LinkConfig{BackoffInitialMS: 2, BackoffMaxMS: 100, MaxAttempts: 8},
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix CSP and `.`/`-` are replaced with `_`.
// Example: CSP_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("CSP")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("app_name", cfg.AppName)
    v.SetDefault("address", cfg.Address)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    // Interfaces default
    v.SetDefault("interfaces", cfg.Interfaces)
    // Fragment/buffer defaults
    v.SetDefault("fragment.max_payload_bytes", cfg.Fragment.MaxPayloadBytes)
    v.SetDefault("fragment.staleness_ms", cfg.Fragment.StalenessMS)
    v.SetDefault("buffers.count", cfg.Buffers.Count)
    v.SetDefault("buffers.size", cfg.Buffers.Size)
    // Security defaults
    v.SetDefault("security.hmac_key", cfg.Security.HMACKey)
    v.SetDefault("security.xtea_key", cfg.Security.XTEAKey)
    v.SetDefault("security.apply", cfg.Security.Apply)
    // Link defaults
    v.SetDefault("link.backoff_initial_ms", cfg.Link.BackoffInitialMS)
    v.SetDefault("link.backoff_max_ms", cfg.Link.BackoffMaxMS)
    v.SetDefault("link.max_attempts", cfg.Link.MaxAttempts)
    v.SetDefault("link.rate_bytes_per_sec", cfg.Link.RateBytesPerSec)

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("CSP_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `csp`
        v.SetConfigName("csp")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".csp"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var viperConfigFileNotFound viper.ConfigFileNotFoundError
        if !errors.As(err, &viperConfigFileNotFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }

    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }
    if c.Address > 31 {
        return fmt.Errorf("address %d out of range (0..31)", c.Address)
    }
    seen := map[string]bool{}
    for i := range c.Interfaces {
        ic := &c.Interfaces[i]
        ic.Kind = strings.ToLower(strings.TrimSpace(ic.Kind))
        switch ic.Kind {
        case "can", "uart", "mem":
        default:
            return fmt.Errorf("interface %d: unknown kind %q", i, ic.Kind)
        }
        if ic.Name == "" {
            ic.Name = fmt.Sprintf("%s%d", ic.Kind, i)
        }
        if seen[ic.Name] {
            return fmt.Errorf("interface name %q used twice", ic.Name)
        }
        seen[ic.Name] = true
    }
    for _, r := range c.Routes.Static {
        if r.Dst > 31 {
            return fmt.Errorf("route destination %d out of range (0..31)", r.Dst)
        }
        if !seen[r.Interface] {
            return fmt.Errorf("route %d names unknown interface %q", r.Dst, r.Interface)
        }
    }
    if c.Routes.Default != "" && !seen[c.Routes.Default] {
        return fmt.Errorf("default route names unknown interface %q", c.Routes.Default)
    }
    for _, a := range c.Security.Apply {
        switch strings.ToLower(a) {
        case "crc32", "hmac", "xtea":
        default:
            return fmt.Errorf("unknown security treatment %q", a)
        }
    }
    return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
