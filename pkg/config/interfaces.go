package config

// InterfaceConfig describes one link-layer binding and its device.
// Example YAML:
// interfaces:
//   - name: can0
//     kind: can
//     device: can0
//   - name: radio
//     kind: uart
//     device: /dev/ttyUSB0
//     mtu: 256
//   - name: loop0
//     kind: mem
//     mtu: 256
type InterfaceConfig struct {
    Name   string `mapstructure:"name"`
    Kind   string `mapstructure:"kind"`
    Device string `mapstructure:"device"`
    // MTU caps the payload per frame; zero picks the kind's default
    // (8 for can, 256 for uart/mem).
    MTU int `mapstructure:"mtu"`
    // Extra holds link-specific options (reserved for future use)
    Extra map[string]any `mapstructure:"extra"`
}

// RoutesConfig maps CSP destination addresses onto interfaces.
// Example YAML:
// routes:
//   static:
//     - dst: 5
//       interface: can0
//   default: radio
type RoutesConfig struct {
    Static  []RouteConfig `mapstructure:"static"`
    Default string        `mapstructure:"default"`
}

// RouteConfig is one static route entry.
type RouteConfig struct {
    Dst       uint8  `mapstructure:"dst"`
    Interface string `mapstructure:"interface"`
}
