package config

// SecurityConfig holds packet-treatment key material. Keys are shared
// secrets distributed out of band; an empty key disables the treatment.
type SecurityConfig struct {
    HMACKey string `mapstructure:"hmac_key"`
    // XTEAKey must be exactly 16 bytes when set.
    XTEAKey string `mapstructure:"xtea_key"`
    // Apply lists treatments stamped on every locally originated
    // packet: crc32, hmac, xtea.
    Apply []string `mapstructure:"apply"`
}
